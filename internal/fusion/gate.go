package fusion

import (
	"errors"
	"sync"
)

// ErrSyncBusy reports that a reconciliation pass is already holding the gate.
var ErrSyncBusy = errors.New("sync gate already held")

// SyncGate is the cooperative mutual-exclusion point between reconciliation
// and the cloud-sync protocol driver. The engine acquires a lease before a
// merge pass; the sync driver is expected to consult Paused() and refrain
// from issuing sync operations while a lease is outstanding. This is
// cooperative, not enforced: a driver that ignores the gate can race with
// reconciliation.
type SyncGate struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire takes the gate for the named owner. Returns ErrSyncBusy if a
// lease is already outstanding.
func (g *SyncGate) TryAcquire(owner string) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return nil, ErrSyncBusy
	}
	g.holder = owner
	return &Lease{gate: g}, nil
}

// Paused reports whether a lease is currently outstanding.
func (g *SyncGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder != ""
}

// Holder returns the owner of the current lease, or "" when idle.
func (g *SyncGate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Lease represents a held sync pause. Release is idempotent.
type Lease struct {
	gate     *SyncGate
	released bool
	mu       sync.Mutex
}

// Release returns the gate. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.gate.mu.Lock()
	l.gate.holder = ""
	l.gate.mu.Unlock()
}
