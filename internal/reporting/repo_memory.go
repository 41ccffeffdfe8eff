package reporting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"counsel-platform/internal/calls"
	"counsel-platform/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests and early
// development.

type MemoryRepo struct {
	mu sync.Mutex

	Sessions []calls.Session
	Ledger   []wallet.Transaction
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListSessions(ctx context.Context, expertID string, from, to time.Time) ([]calls.Session, error) {
	if expertID == "" {
		return nil, errors.New("expert_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Session, 0)
	for _, s := range r.Sessions {
		if s.ExpertID != expertID {
			continue
		}
		if !s.CreatedAt.IsZero() {
			if s.CreatedAt.Before(from) || !s.CreatedAt.Before(to) {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *MemoryRepo) ListRefunds(ctx context.Context, expertID string, from, to time.Time) ([]wallet.Transaction, error) {
	if expertID == "" {
		return nil, errors.New("expert_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.Transaction, 0)
	for _, t := range r.Ledger {
		// Settlement credits carry the expert id in their metadata.
		if !strings.Contains(t.Metadata, `"expert_id":"`+expertID+`"`) {
			continue
		}
		if !t.CreatedAt.IsZero() {
			if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}
