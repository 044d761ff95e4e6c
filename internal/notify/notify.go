// Package notify defines the change-notification gateway informed after
// reconciliation batches so higher layers (UI, sync participants) refresh.
package notify

import "sync"

// ChangeType classifies a content change for observers.
type ChangeType int

const (
	ChangeInsert ChangeType = iota
	ChangeUpdate
	ChangeRemove
)

// String returns the wire name of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Notifier receives "this URI's content changed" signals. Implementations
// must be safe for concurrent use. The reconciliation engine notifies per
// completed batch of metadata mutations, not per row.
type Notifier interface {
	Notify(uri string, change ChangeType)
}

// Discard is a Notifier that drops all notifications.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(string, ChangeType) {}

// Fanout forwards each notification to every registered Notifier.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Notifier
}

// Add registers a sink. Safe to call while notifications are in flight.
func (f *Fanout) Add(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, n)
}

// Notify implements Notifier.
func (f *Fanout) Notify(uri string, change ChangeType) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Notify(uri, change)
	}
}

// Recorder retains notifications for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event is a recorded notification.
type Event struct {
	URI    string
	Change ChangeType
}

// Notify implements Notifier.
func (r *Recorder) Notify(uri string, change ChangeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{URI: uri, Change: change})
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
