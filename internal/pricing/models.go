package pricing

import "time"

// CallType distinguishes audio from video consultations; experts may price
// them differently.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// ExpertRate is one per-minute price row for an expert, bounded by an
// effective window so rate changes never rewrite history.
type ExpertRate struct {
	ExpertID string   `json:"expert_id" db:"expert_id"`
	CallType CallType `json:"call_type" db:"call_type"`

	RatePerMinuteMinor int64  `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`
	Currency           string `json:"currency" db:"currency"`

	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`
}

// ActiveAt reports whether the rate applies at the given instant.
func (r ExpertRate) ActiveAt(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}
