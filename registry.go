package smartblind

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// BusOpener opens the shared handle for one serial port.
type BusOpener func() (io.Closer, error)

// busKey is what every user of a port must agree on.
type busKey struct {
	driver   string
	baudrate int
}

type busEntry struct {
	key      busKey
	bus      io.Closer
	refCount int64
	mu       sync.RWMutex
}

// BusRegistry shares one open bus per serial port between all blinds on that port.
// The bus is closed when its last user releases it.
type BusRegistry struct {
	entries map[string]*busEntry // port path -> entry
	mu      sync.RWMutex
}

// NewBusRegistry returns an empty registry.
func NewBusRegistry() *BusRegistry {
	return &BusRegistry{
		entries: make(map[string]*busEntry),
	}
}

var globalBusRegistry = NewBusRegistry()

// GetBus returns the bus for portPath, opening it with open if nobody holds it. Every
// successful call must be paired with ReleaseBus.
func (r *BusRegistry) GetBus(portPath, driver string, baudrate int, open BusOpener) (io.Closer, error) {
	key := busKey{driver: driver, baudrate: baudrate}

	// The read lock is held through the lookup so ReleaseBus cannot close the entry
	// between finding it and taking a reference.
	r.mu.RLock()
	if entry, exists := r.entries[portPath]; exists {
		bus, err := r.getExistingBus(portPath, entry, key)
		r.mu.RUnlock()
		return bus, err
	}
	r.mu.RUnlock()

	return r.createNewBus(portPath, key, open)
}

// getExistingBus must be called with r.mu held.
func (r *BusRegistry) getExistingBus(portPath string, entry *busEntry, key busKey) (io.Closer, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.key != key {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, fmt.Errorf("conflict: port %s already open as %s@%d, requested %s@%d (refCount: %d)",
			portPath, entry.key.driver, entry.key.baudrate, key.driver, key.baudrate, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.bus, nil
}

func (r *BusRegistry) createNewBus(portPath string, key busKey, open BusOpener) (io.Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[portPath]; exists {
		return r.getExistingBus(portPath, entry, key)
	}

	bus, err := open()
	if err != nil {
		// Failed opens are not cached; the next constructor retries.
		return nil, fmt.Errorf("failed to open %s bus on %s: %w", key.driver, portPath, err)
	}

	r.entries[portPath] = &busEntry{
		key:      key,
		bus:      bus,
		refCount: 1,
	}
	return bus, nil
}

// ReleaseBus drops one reference to the bus on portPath and closes it with the last one.
func (r *BusRegistry) ReleaseBus(portPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[portPath]
	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return nil
	}
	delete(r.entries, portPath)

	var err error
	if entry.bus != nil {
		err = entry.bus.Close()
	}
	entry.bus = nil
	atomic.StoreInt64(&entry.refCount, 0)
	return err
}

// GetBusStatus returns the reference count, whether a bus is open and a summary.
func (r *BusRegistry) GetBusStatus(portPath string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[portPath]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	return atomic.LoadInt64(&entry.refCount), entry.bus != nil,
		fmt.Sprintf("Serial: %s@%d, Driver: %s", portPath, entry.key.baudrate, entry.key.driver)
}
