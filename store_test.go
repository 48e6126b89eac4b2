package smartblind

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestMemoryStoreDefaults(t *testing.T) {
	s := NewMemoryStore()
	assert.False(t, s.Calibrated())
	assert.Equal(t, int32(0), s.MaxPosition())
	assert.Equal(t, int32(0), s.CurrentPosition())
	assert.False(t, s.WasMoving())
	assert.Equal(t, int32(0), s.TargetPosition())
	assert.Equal(t, DefaultServoSpeed, s.ServoSpeed())
	assert.Equal(t, OrientationLeft, s.Orientation())
}

func TestFileStore(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("missing file yields defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "state.json")
		s, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.Equal(t, path, s.Path())
		assert.False(t, s.Calibrated())
		assert.Equal(t, DefaultServoSpeed, s.ServoSpeed())

		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err), "reading must not create the file")
	})

	t.Run("values survive a reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		s, err := NewFileStore(path, logger)
		require.NoError(t, err)

		require.NoError(t, s.SetCalibrated(true))
		require.NoError(t, s.SetMaxPosition(12000))
		require.NoError(t, s.SetCurrentPosition(-35))
		require.NoError(t, s.SetWasMoving(true))
		require.NoError(t, s.SetTargetPosition(6000))
		require.NoError(t, s.SetServoSpeed(900))
		require.NoError(t, s.SetOrientation(OrientationRight))

		reopened, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.True(t, reopened.Calibrated())
		assert.Equal(t, int32(12000), reopened.MaxPosition())
		assert.Equal(t, int32(-35), reopened.CurrentPosition())
		assert.True(t, reopened.WasMoving())
		assert.Equal(t, int32(6000), reopened.TargetPosition())
		assert.Equal(t, uint16(900), reopened.ServoSpeed())
		assert.Equal(t, OrientationRight, reopened.Orientation())

		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("corrupt file yields defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		s, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.False(t, s.Calibrated())
		assert.Equal(t, DefaultServoSpeed, s.ServoSpeed())

		require.NoError(t, s.SetCalibrated(true))
		reopened, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.True(t, reopened.Calibrated())
	})

	t.Run("partial file keeps defaults for missing fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"calibrated": true, "max_position": 4000}`), 0o644))

		s, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.True(t, s.Calibrated())
		assert.Equal(t, int32(4000), s.MaxPosition())
		assert.Equal(t, DefaultServoSpeed, s.ServoSpeed())
		assert.Equal(t, OrientationLeft, s.Orientation())
	})

	t.Run("invalid orientation falls back to left", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"orientation": "sideways", "servo_speed": 300}`), 0o644))

		s, err := NewFileStore(path, logger)
		require.NoError(t, err)
		assert.Equal(t, OrientationLeft, s.Orientation())
		assert.Equal(t, uint16(300), s.ServoSpeed())
	})
}
