package pricing

import (
	"context"
	"errors"
	"time"
)

// Service resolves per-expert consultation pricing.
//
// Contract:
// - Rate lookup is effective-dated; the caller's clock decides which row applies.
// - Pure calculation + repository lookups; no RTC or persistence side effects.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

type EstimateRequest struct {
	ExpertID string
	CallType CallType

	// Minutes is the duration the caller intends to pre-pay for.
	Minutes int

	// At determines which effective rate to use. If zero, service clock is used.
	At time.Time
}

type Estimate struct {
	ExpertID string
	CallType CallType
	Minutes  int

	RatePerMinuteMinor int64
	Currency           string
	TotalMinor         int64
}

var (
	ErrRateNotFound       = errors.New("pricing: rate not found")
	ErrInvalidEstimateReq = errors.New("pricing: invalid estimate request")
)

// EstimateConsultationCost computes the pre-paid cost for a consultation of
// the requested length.
func (s *Service) EstimateConsultationCost(ctx context.Context, req EstimateRequest) (Estimate, error) {
	if req.ExpertID == "" {
		return Estimate{}, ErrInvalidEstimateReq
	}
	if !req.CallType.Valid() {
		return Estimate{}, ErrInvalidEstimateReq
	}
	if req.Minutes <= 0 {
		return Estimate{}, ErrInvalidEstimateReq
	}

	at := req.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	rate, ok, err := s.repo.FindExpertRate(ctx, req.ExpertID, req.CallType, at)
	if err != nil {
		return Estimate{}, err
	}
	if !ok {
		return Estimate{}, ErrRateNotFound
	}

	return Estimate{
		ExpertID:           req.ExpertID,
		CallType:           req.CallType,
		Minutes:            req.Minutes,
		RatePerMinuteMinor: rate.RatePerMinuteMinor,
		Currency:           rate.Currency,
		TotalMinor:         rate.RatePerMinuteMinor * int64(req.Minutes),
	}, nil
}

// RateRepository abstracts rate persistence.
// Implementation can be Postgres, cached, etc.
type RateRepository interface {
	FindExpertRate(ctx context.Context, expertID string, callType CallType, at time.Time) (ExpertRate, bool, error)
}
