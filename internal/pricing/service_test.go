package pricing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEstimateConsultationCost(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Add(ExpertRate{
		ExpertID:           "e1",
		CallType:           CallTypeVideo,
		RatePerMinuteMinor: 333,
		Currency:           "USD",
		EffectiveFrom:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	svc := NewService(repo)

	est, err := svc.EstimateConsultationCost(context.Background(), EstimateRequest{
		ExpertID: "e1",
		CallType: CallTypeVideo,
		Minutes:  30,
		At:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.TotalMinor != 9990 {
		t.Fatalf("expected 9990 minor, got %d", est.TotalMinor)
	}
	if est.Currency != "USD" {
		t.Fatalf("expected USD, got %s", est.Currency)
	}
}

func TestEstimateConsultationCost_PicksLatestEffectiveRate(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Add(ExpertRate{
		ExpertID: "e1", CallType: CallTypeAudio,
		RatePerMinuteMinor: 100, Currency: "USD",
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	repo.Add(ExpertRate{
		ExpertID: "e1", CallType: CallTypeAudio,
		RatePerMinuteMinor: 150, Currency: "USD",
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	svc := NewService(repo)

	est, err := svc.EstimateConsultationCost(context.Background(), EstimateRequest{
		ExpertID: "e1", CallType: CallTypeAudio, Minutes: 10,
		At: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.RatePerMinuteMinor != 150 {
		t.Fatalf("expected newest rate 150, got %d", est.RatePerMinuteMinor)
	}
}

func TestEstimateConsultationCost_RespectsEffectiveTo(t *testing.T) {
	to := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewMemoryRepo()
	repo.Add(ExpertRate{
		ExpertID: "e1", CallType: CallTypeAudio,
		RatePerMinuteMinor: 100, Currency: "USD",
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EffectiveTo:   &to,
	})
	svc := NewService(repo)

	_, err := svc.EstimateConsultationCost(context.Background(), EstimateRequest{
		ExpertID: "e1", CallType: CallTypeAudio, Minutes: 10,
		At: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound after window, got %v", err)
	}
}

func TestEstimateConsultationCost_RejectsInvalidArgs(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	cases := []EstimateRequest{
		{ExpertID: "", CallType: CallTypeAudio, Minutes: 10},
		{ExpertID: "e1", CallType: CallType("carrier-pigeon"), Minutes: 10},
		{ExpertID: "e1", CallType: CallTypeAudio, Minutes: 0},
	}
	for i, req := range cases {
		if _, err := svc.EstimateConsultationCost(context.Background(), req); !errors.Is(err, ErrInvalidEstimateReq) {
			t.Fatalf("case %d: expected ErrInvalidEstimateReq, got %v", i, err)
		}
	}
}
