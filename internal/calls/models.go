package calls

import (
	"time"

	"counsel-platform/internal/pricing"
	"counsel-platform/internal/rtc"
)

// Session represents one consultation attempt between a caller and an expert.
//
// Money invariant reminder: refund settlement references the session id in
// the wallet ledger (reference_id + idempotency key); money fields here are
// the pre-paid terms, never mutated after creation.
type Session struct {
	ID       string `json:"id" db:"id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	ExpertID string `json:"expert_id" db:"expert_id"`

	CallType pricing.CallType `json:"call_type" db:"call_type"`

	// ChannelName binds both parties to one transport channel. Derived
	// deterministically so duplicate-call detection by channel name works.
	ChannelName string `json:"channel_name" db:"channel_name"`

	// Per-party transport credentials, distinct uids on the same channel.
	CallerCredential rtc.Credential `json:"caller_credential"`
	ExpertCredential rtc.Credential `json:"expert_credential"`

	// Pre-paid economic terms.
	CostMinor       int64  `json:"cost_minor" db:"cost_minor"`
	Currency        string `json:"currency" db:"currency"`
	SelectedMinutes int    `json:"selected_minutes" db:"selected_minutes"`

	Status SessionStatus `json:"status" db:"status"`

	StartTime  *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty" db:"end_time"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`

	// DurationSeconds is the realized call length, recorded at end.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	// AppointmentID links the session to a scheduled appointment, if any.
	AppointmentID string `json:"appointment_id,omitempty" db:"appointment_id"`

	// Metadata is optional JSON; settlement outcomes are annotated here.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

// Request is the expert-facing invitation derived from a Session.
//
// Expiry is lazy: nothing sweeps expired rows, "active request" queries
// simply filter them out. A row can read pending forever and still be void.
type Request struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`
	CallerID  string `json:"caller_id" db:"caller_id"`
	ExpertID  string `json:"expert_id" db:"expert_id"`

	ChannelName string `json:"channel_name" db:"channel_name"`

	// ExpertCredential is the expert's own token/uid for the shared channel,
	// embedded so accepting never needs another issuance round-trip.
	ExpertCredential rtc.Credential `json:"expert_credential"`

	Status RequestStatus `json:"status" db:"status"`

	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusAccepted  RequestStatus = "accepted"
	RequestStatusDeclined  RequestStatus = "declined"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// RequestTTL is how long an invitation stays actionable.
const RequestTTL = 2 * time.Minute

// Expired is derived, never stored.
func (r Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Actionable reports whether the request can still be accepted or declined.
func (r Request) Actionable(now time.Time) bool {
	return r.Status == RequestStatusPending && !r.Expired(now)
}
