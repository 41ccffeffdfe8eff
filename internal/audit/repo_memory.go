package audit

import (
	"context"
	"sync"
)

// MemoryRepo holds events in insertion order behind a mutex. It backs the
// service in tests; wallet and call tests assert against its query helpers.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything appended, oldest first.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns the appended events of one event type, oldest first.
func (r *MemoryRepo) ByType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// ForSession returns the appended events carrying the given session id.
func (r *MemoryRepo) ForSession(sessionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}
