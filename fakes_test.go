package smartblind

import (
	"context"
	"errors"
	"sync"
)

// fakeActuator is an in-memory servo. Tests move it by setting the raw position.
type fakeActuator struct {
	mu sync.Mutex

	raw          int
	pingErr      error
	pingFailures int
	posErr       error
	velErr       error

	velocities    []int
	accelerations []int

	load, voltage, temperature int
	closed                     bool
}

func newFakeActuator(raw int) *fakeActuator {
	return &fakeActuator{raw: raw, voltage: 120, temperature: 31, load: -12}
}

func (f *fakeActuator) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingFailures > 0 {
		f.pingFailures--
		return errors.New("no status packet")
	}
	return f.pingErr
}

func (f *fakeActuator) Position(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return 0, f.posErr
	}
	return f.raw, nil
}

func (f *fakeActuator) SetVelocity(ctx context.Context, speed, acceleration int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.velErr != nil {
		return f.velErr
	}
	f.velocities = append(f.velocities, speed)
	f.accelerations = append(f.accelerations, acceleration)
	return nil
}

func (f *fakeActuator) Load(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load, nil
}

func (f *fakeActuator) Voltage(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voltage, nil
}

func (f *fakeActuator) Temperature(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temperature, nil
}

func (f *fakeActuator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeActuator) setRaw(raw int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = raw
}

func (f *fakeActuator) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// lastVelocity returns the most recent commanded speed and whether any was sent.
func (f *fakeActuator) lastVelocity() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.velocities) == 0 {
		return 0, false
	}
	return f.velocities[len(f.velocities)-1], true
}

func (f *fakeActuator) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.velocities)
}

func (f *fakeActuator) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePin is a digital input; high means no magnet.
type fakePin struct {
	mu   sync.Mutex
	high bool
	err  error
}

func (p *fakePin) Get(ctx context.Context, extra map[string]interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high, p.err
}

func (p *fakePin) set(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.high = high
}

// fakeEdge is a latch the test sets directly.
type fakeEdge struct {
	triggered bool
	clears    int
}

func (e *fakeEdge) Triggered() bool {
	return e.triggered
}

func (e *fakeEdge) ClearTriggered() {
	e.triggered = false
	e.clears++
}
