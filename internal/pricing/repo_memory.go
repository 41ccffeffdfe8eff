package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory rate repository. Useful for tests and for
// seeding a small deployment before the rates table is wired up.
type MemoryRepo struct {
	mu    sync.RWMutex
	rates []ExpertRate
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Add(rate ExpertRate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, rate)
}

// FindExpertRate returns the most recently effective matching rate.
func (r *MemoryRepo) FindExpertRate(ctx context.Context, expertID string, callType CallType, at time.Time) (ExpertRate, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best ExpertRate
	var found bool
	for _, rate := range r.rates {
		if rate.ExpertID != expertID || rate.CallType != callType {
			continue
		}
		if !rate.ActiveAt(at) {
			continue
		}
		if !found || rate.EffectiveFrom.After(best.EffectiveFrom) {
			best = rate
			found = true
		}
	}
	return best, found, nil
}
