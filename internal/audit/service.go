package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to end users.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogSettlement records the outcome of a refund settlement for a session.
func (s *Service) LogSettlement(ctx context.Context, sessionID, targetUserID, transactionID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeSettlement,
		TargetUserID:  targetUserID,
		SessionID:     sessionID,
		TransactionID: transactionID,
		Message:       message,
		Metadata:      metadata,
	})
}

// LogAdminAction records a back-office action against a user's wallet.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, targetUserID, transactionID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeAdminAction,
		ActorUserID:   actorUserID,
		ActorRole:     actorRole,
		IPAddress:     ip,
		TargetUserID:  targetUserID,
		TransactionID: transactionID,
		Message:       message,
		Metadata:      metadata,
	})
}

// LogCallEvent records a call lifecycle transition worth keeping for ops.
func (s *Service) LogCallEvent(ctx context.Context, actorUserID, sessionID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCallEvent,
		ActorUserID: actorUserID,
		SessionID:   sessionID,
		Message:     message,
		Metadata:    metadata,
	})
}
