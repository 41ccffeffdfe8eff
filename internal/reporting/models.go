package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ConsultationSummaryRequest requests aggregated per-expert consultation
// metrics. ExpertID is required.

type ConsultationSummaryRequest struct {
	ExpertID string    `json:"expert_id"`
	Range    TimeRange `json:"range"`
}

type ConsultationSummary struct {
	ExpertID string `json:"expert_id"`

	TotalSessions   int `json:"total_sessions"`
	EndedSessions   int `json:"ended_sessions"`
	ActiveSessions  int `json:"active_sessions"`
	PendingSessions int `json:"pending_sessions"`

	// MissedSessions ended without ever being answered (declined, expired,
	// or cancelled before the expert joined).
	MissedSessions int `json:"missed_sessions"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// GrossMinor is the pre-paid cost of every session in range; RefundedMinor
	// is what went back to callers via settlement; Net is the difference.
	GrossMinor    int64 `json:"gross_minor"`
	RefundedMinor int64 `json:"refunded_minor"`
	NetMinor      int64 `json:"net_minor"`
}
