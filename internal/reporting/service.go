package reporting

import (
	"context"
	"errors"
	"time"

	"counsel-platform/internal/calls"
	"counsel-platform/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations should query immutable sources when possible (the wallet
// ledger and session records), so a summary can always be recomputed.

type Repository interface {
	ListSessions(ctx context.Context, expertID string, from, to time.Time) ([]calls.Session, error)

	// ListRefunds returns refund credits attributable to the expert's
	// sessions within the range.
	ListRefunds(ctx context.Context, expertID string, from, to time.Time) ([]wallet.Transaction, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// ConsultationSummary aggregates an expert's sessions and refund totals.
func (s *Service) ConsultationSummary(ctx context.Context, req ConsultationSummaryRequest) (ConsultationSummary, error) {
	if req.ExpertID == "" {
		return ConsultationSummary{}, ErrInvalidRequest
	}
	if !req.Range.To.After(req.Range.From) {
		return ConsultationSummary{}, ErrInvalidRequest
	}

	sessions, err := s.repo.ListSessions(ctx, req.ExpertID, req.Range.From, req.Range.To)
	if err != nil {
		return ConsultationSummary{}, err
	}
	refunds, err := s.repo.ListRefunds(ctx, req.ExpertID, req.Range.From, req.Range.To)
	if err != nil {
		return ConsultationSummary{}, err
	}

	out := ConsultationSummary{ExpertID: req.ExpertID}
	var answered int
	for _, sess := range sessions {
		out.TotalSessions++
		out.GrossMinor += sess.CostMinor

		switch sess.Status {
		case calls.SessionStatusEnded:
			out.EndedSessions++
			if sess.AnsweredAt == nil {
				out.MissedSessions++
			}
		case calls.SessionStatusActive:
			out.ActiveSessions++
		case calls.SessionStatusPending:
			out.PendingSessions++
		}

		if sess.DurationSeconds > 0 {
			out.TotalDurationSeconds += sess.DurationSeconds
			answered++
		}
	}
	if answered > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / answered
	}

	for _, tx := range refunds {
		if tx.Type == wallet.TransactionTypeCredit {
			out.RefundedMinor += tx.AmountMinor
		}
	}
	out.NetMinor = out.GrossMinor - out.RefundedMinor
	return out, nil
}
