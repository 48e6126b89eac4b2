package smartblind

const (
	// RawPositionRange is the number of raw encoder steps in one servo revolution.
	RawPositionRange = 4096
	// RawPositionMax is the largest raw position a servo reports.
	RawPositionMax = RawPositionRange - 1

	halfRevolution = RawPositionRange / 2
)

// validRawPosition reports whether p is a raw encoder reading.
func validRawPosition(p int) bool {
	return p >= 0 && p <= RawPositionMax
}

// UnwrapDelta returns the signed step count between two raw readings, assuming the
// servo turned less than half a revolution between them.
func UnwrapDelta(prev, cur int) int32 {
	delta := cur - prev
	if delta > halfRevolution {
		delta -= RawPositionRange
	}
	if delta < -halfRevolution {
		delta += RawPositionRange
	}
	return int32(delta)
}

// positionTracker integrates raw readings into a cumulative position.
type positionTracker struct {
	cumulative int32
	lastRaw    int
	primed     bool
}

// observe folds a new raw reading into the cumulative position. The first reading
// after construction or reset only primes the tracker.
func (t *positionTracker) observe(raw int) int32 {
	if t.primed {
		t.cumulative += UnwrapDelta(t.lastRaw, raw)
	}
	t.lastRaw = raw
	t.primed = true
	return t.cumulative
}

// rebase pins the cumulative position to pos at the given raw reading.
func (t *positionTracker) rebase(pos int32, raw int) {
	t.cumulative = pos
	t.lastRaw = raw
	t.primed = true
}

// set overrides the cumulative position without touching the raw reference.
func (t *positionTracker) set(pos int32) {
	t.cumulative = pos
}
