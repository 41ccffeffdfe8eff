package presence

import (
	"time"

	"github.com/google/uuid"
)

// Status is an expert's reachability state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway, StatusOffline:
		return true
	default:
		return false
	}
}

// Record is an expert's presence row. One row per expert, overwritten in
// place; never hard-deleted.
//
// Invariant: Status == offline implies AcceptingCalls == false. Enforced at
// write time via normalized(); readers may assume it holds.
type Record struct {
	ExpertID       string    `json:"expert_id" db:"expert_id"`
	Status         Status    `json:"status" db:"status"`
	AcceptingCalls bool      `json:"accepting_calls" db:"accepting_calls"`

	// LastActivity is a liveness timestamp, bumped by heartbeats without a
	// status change.
	LastActivity time.Time `json:"last_activity" db:"last_activity"`

	// PreviousStatus is kept so transient away/busy transitions can be
	// restored to what the expert had before.
	PreviousStatus Status `json:"previous_status,omitempty" db:"previous_status"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// normalized applies the offline invariant regardless of what the caller passed.
func (r Record) normalized() Record {
	if r.Status == StatusOffline {
		r.AcceptingCalls = false
	}
	return r
}

// Reachable reports whether the expert can take a call right now.
func (r Record) Reachable() bool {
	return r.Status == StatusAvailable && r.AcceptingCalls
}

// offlineRecord synthesizes the default state for an expert with no
// presence row: offline, not accepting calls.
func offlineRecord(expertID string, now time.Time) Record {
	return Record{
		ExpertID:       expertID,
		Status:         StatusOffline,
		AcceptingCalls: false,
		LastActivity:   now,
		UpdatedAt:      now,
	}
}

// validExpertID filters id shape before it reaches a query. Malformed ids
// are dropped by bulk operations, not errored.
func validExpertID(id string) bool {
	return uuid.Validate(id) == nil
}
