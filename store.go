package smartblind

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DefaultServoSpeed is the wheel-mode speed used when none has been stored.
const DefaultServoSpeed uint16 = 500

// Store holds the fields that must survive a power cycle. Every field is read and
// written independently; getters return the default when nothing was stored.
type Store interface {
	Calibrated() bool
	SetCalibrated(bool) error
	MaxPosition() int32
	SetMaxPosition(int32) error
	CurrentPosition() int32
	SetCurrentPosition(int32) error
	WasMoving() bool
	SetWasMoving(bool) error
	TargetPosition() int32
	SetTargetPosition(int32) error
	ServoSpeed() uint16
	SetServoSpeed(uint16) error
	Orientation() Orientation
	SetOrientation(Orientation) error
}

// persistedState is the on-disk layout of a FileStore.
type persistedState struct {
	Calibrated      bool        `json:"calibrated"`
	MaxPosition     int32       `json:"max_position"`
	CurrentPosition int32       `json:"current_position"`
	WasMoving       bool        `json:"was_moving"`
	TargetPosition  int32       `json:"target_position"`
	ServoSpeed      uint16      `json:"servo_speed"`
	Orientation     Orientation `json:"orientation"`
}

func defaultPersistedState() persistedState {
	return persistedState{
		ServoSpeed:  DefaultServoSpeed,
		Orientation: OrientationLeft,
	}
}

// MemoryStore is a Store that lives only in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state persistedState
}

// NewMemoryStore returns a MemoryStore holding the defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: defaultPersistedState()}
}

func (s *MemoryStore) read(f func(*persistedState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f(&s.state)
}

func (s *MemoryStore) write(f func(*persistedState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.state)
	return nil
}

func (s *MemoryStore) Calibrated() (v bool) {
	s.read(func(p *persistedState) { v = p.Calibrated })
	return v
}

func (s *MemoryStore) SetCalibrated(v bool) error {
	return s.write(func(p *persistedState) { p.Calibrated = v })
}

func (s *MemoryStore) MaxPosition() (v int32) {
	s.read(func(p *persistedState) { v = p.MaxPosition })
	return v
}

func (s *MemoryStore) SetMaxPosition(v int32) error {
	return s.write(func(p *persistedState) { p.MaxPosition = v })
}

func (s *MemoryStore) CurrentPosition() (v int32) {
	s.read(func(p *persistedState) { v = p.CurrentPosition })
	return v
}

func (s *MemoryStore) SetCurrentPosition(v int32) error {
	return s.write(func(p *persistedState) { p.CurrentPosition = v })
}

func (s *MemoryStore) WasMoving() (v bool) {
	s.read(func(p *persistedState) { v = p.WasMoving })
	return v
}

func (s *MemoryStore) SetWasMoving(v bool) error {
	return s.write(func(p *persistedState) { p.WasMoving = v })
}

func (s *MemoryStore) TargetPosition() (v int32) {
	s.read(func(p *persistedState) { v = p.TargetPosition })
	return v
}

func (s *MemoryStore) SetTargetPosition(v int32) error {
	return s.write(func(p *persistedState) { p.TargetPosition = v })
}

func (s *MemoryStore) ServoSpeed() (v uint16) {
	s.read(func(p *persistedState) { v = p.ServoSpeed })
	return v
}

func (s *MemoryStore) SetServoSpeed(v uint16) error {
	return s.write(func(p *persistedState) { p.ServoSpeed = v })
}

func (s *MemoryStore) Orientation() (v Orientation) {
	s.read(func(p *persistedState) { v = p.Orientation })
	return v
}

func (s *MemoryStore) SetOrientation(v Orientation) error {
	return s.write(func(p *persistedState) { p.Orientation = v })
}

// FileStore is a Store backed by a JSON file. Every set rewrites the file.
type FileStore struct {
	MemoryStore
	path   string
	logger logging.Logger
}

// NewFileStore opens the state file at path. A missing file yields the defaults and a
// file that cannot be parsed is logged and replaced by the defaults on the next write.
func NewFileStore(path string, logger logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create state directory for %s", path)
	}

	fs := &FileStore{
		MemoryStore: MemoryStore{state: defaultPersistedState()},
		path:        path,
		logger:      logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Debugf("No state file at %s, using defaults", path)
	case err != nil:
		return nil, errors.Wrapf(err, "failed to read state file %s", path)
	default:
		loaded := defaultPersistedState()
		if err := json.Unmarshal(data, &loaded); err != nil {
			logger.Warnf("Failed to parse state file %s: %v, using defaults", path, err)
		} else {
			if _, err := ParseOrientation(string(loaded.Orientation)); err != nil {
				logger.Warnf("Ignoring stored orientation %q: %v", loaded.Orientation, err)
				loaded.Orientation = OrientationLeft
			}
			fs.state = loaded
		}
	}
	return fs, nil
}

// Path returns the location of the state file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) write(f func(*persistedState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.state)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal state")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write state file %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "failed to replace state file %s", s.path)
	}
	return nil
}

func (s *FileStore) SetCalibrated(v bool) error {
	return s.write(func(p *persistedState) { p.Calibrated = v })
}

func (s *FileStore) SetMaxPosition(v int32) error {
	return s.write(func(p *persistedState) { p.MaxPosition = v })
}

func (s *FileStore) SetCurrentPosition(v int32) error {
	return s.write(func(p *persistedState) { p.CurrentPosition = v })
}

func (s *FileStore) SetWasMoving(v bool) error {
	return s.write(func(p *persistedState) { p.WasMoving = v })
}

func (s *FileStore) SetTargetPosition(v int32) error {
	return s.write(func(p *persistedState) { p.TargetPosition = v })
}

func (s *FileStore) SetServoSpeed(v uint16) error {
	return s.write(func(p *persistedState) { p.ServoSpeed = v })
}

func (s *FileStore) SetOrientation(v Orientation) error {
	return s.write(func(p *persistedState) { p.Orientation = v })
}
