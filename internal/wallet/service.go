package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"counsel-platform/internal/audit"
	"counsel-platform/internal/notify"
	"counsel-platform/pkg/utils"
)

// SessionEconomics is the slice of a call session the settlement flow needs.
// Declared here so the call package can satisfy SessionFinalizer without a
// dependency cycle.
type SessionEconomics struct {
	SessionID       string
	CallerID        string
	ExpertID        string
	CostMinor       int64
	Currency        string
	SelectedMinutes int
	Status          string
	AppointmentID   string
}

// SettlementOutcome is what the call side needs to close out its records
// after money has (or has not) moved.
type SettlementOutcome struct {
	Outcome          string
	RefundMinor      int64
	RemainingMinutes float64
	TransactionID    string
	Reason           string
	SettledAt        time.Time
}

// SessionFinalizer exposes the call-session operations settlement depends on.
type SessionFinalizer interface {
	// SessionEconomics returns the pre-paid economics of a session.
	// ok=false means the session does not exist.
	SessionEconomics(ctx context.Context, sessionID string) (SessionEconomics, bool, error)

	// FinalizeAfterSettlement annotates the session with the outcome, forces
	// it ended if still pending/active, and cancels any linked appointment.
	FinalizeAfterSettlement(ctx context.Context, sessionID string, outcome SettlementOutcome) error
}

// Settlement outcomes. The endpoint reports all of them as success; only
// "refunded" moved money in this request.
const (
	OutcomeRefunded       = "refunded"
	OutcomeDuplicate      = "already_refunded"
	OutcomeNoRefundNeeded = "no_refund_needed"
	OutcomeNotSettleable  = "not_settleable"
)

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry.
// - Ledger is append-only (immutable).
// - Settlement is idempotent per (session, caller, reason); retries and
//   concurrent duplicates return the original entry.
//
// Failure taxonomy for settlement:
// - Hard (fail the request): economics lookup error, ledger insert error
//   other than a duplicate key.
// - Soft (log and continue): projection recompute, session finalization,
//   notifications, audit.
type Service struct {
	ledger   Ledger
	sessions SessionFinalizer
	notifier notify.Notifier
	audits   *audit.Service
	log      *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(ledger Ledger, sessions SessionFinalizer, notifier notify.Notifier, audits *audit.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		sessions: sessions,
		notifier: notifier,
		audits:   audits,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
)

type SettleRefundRequest struct {
	SessionID string `json:"session_id"`

	// ElapsedSeconds is how long the call actually ran. Ignored when
	// FullRefund is set.
	ElapsedSeconds int `json:"elapsed_seconds"`

	// FullRefund returns the entire pre-paid cost (expert no-show, call
	// never connected).
	FullRefund bool `json:"full_refund"`

	// Reason tags the ledger entry; defaults to call_refund.
	Reason string `json:"reason,omitempty"`
}

type Settlement struct {
	SessionID        string       `json:"session_id"`
	Outcome          string       `json:"outcome"`
	RefundMinor      int64        `json:"refund_minor"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	Transaction      *Transaction `json:"transaction,omitempty"`

	// NewBalanceMinor is nil when the projection refresh failed; the ledger
	// entry is still committed.
	NewBalanceMinor *int64 `json:"new_balance_minor,omitempty"`
}

// SettleRefund credits back the unused portion of a pre-paid consultation.
//
// The operation is idempotent: the ledger's unique idempotency key closes
// the race two concurrent callers cannot see in the pre-check, and the
// loser returns the winner's entry as a duplicate.
func (s *Service) SettleRefund(ctx context.Context, req SettleRefundRequest) (Settlement, error) {
	if req.SessionID == "" {
		return Settlement{}, ErrInvalidArgument
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonCallRefund
	}
	if reason != ReasonCallRefund && reason != ReasonExpertNoShow {
		return Settlement{}, ErrInvalidArgument
	}

	now := s.clock().UTC()

	econ, ok, err := s.sessions.SessionEconomics(ctx, req.SessionID)
	if err != nil {
		return Settlement{}, fmt.Errorf("session economics: %w", err)
	}
	if !ok || econ.CostMinor <= 0 || econ.SelectedMinutes <= 0 {
		// Nothing to settle. Benign: the session was free, malformed, or
		// never recorded; retrying will not change that.
		s.log.Info("refund settlement skipped, no settleable economics",
			"session_id", req.SessionID, "found", ok)
		return Settlement{SessionID: req.SessionID, Outcome: OutcomeNotSettleable}, nil
	}

	key := idempotencyKey(econ.SessionID, econ.CallerID, reason)

	// Pre-check for a prior settlement. A lookup failure here is tolerated
	// as "probably first attempt"; the unique key below still guarantees at
	// most one credit.
	if prior, found, err := s.ledger.FindPriorSettlement(ctx, econ.CallerID, key, econ.SessionID, reason); err != nil {
		s.log.Warn("prior settlement lookup failed, proceeding as first attempt",
			"session_id", econ.SessionID, "err", err)
	} else if found {
		return s.duplicateSettlement(econ.SessionID, prior), nil
	}

	calc := ComputeRefund(econ.CostMinor, econ.SelectedMinutes, req.ElapsedSeconds, req.FullRefund)
	if calc.RefundMinor <= 0 {
		s.log.Info("refund settlement complete, nothing to refund",
			"session_id", econ.SessionID, "elapsed_seconds", req.ElapsedSeconds)
		return Settlement{
			SessionID:        econ.SessionID,
			Outcome:          OutcomeNoRefundNeeded,
			RemainingMinutes: calc.RemainingMinutes,
		}, nil
	}

	meta, _ := json.Marshal(map[string]any{
		"call_session_id":   econ.SessionID,
		"expert_id":         econ.ExpertID,
		"elapsed_seconds":   req.ElapsedSeconds,
		"selected_minutes":  econ.SelectedMinutes,
		"remaining_minutes": calc.RemainingMinutes,
		"refund_reason":     reason,
		"full_refund":       req.FullRefund,
	})
	expires := now.Add(RefundCreditValidity)
	entry := Transaction{
		ID:             uuid.NewString(),
		UserID:         econ.CallerID,
		Type:           TransactionTypeCredit,
		AmountMinor:    calc.RefundMinor,
		Currency:       econ.Currency,
		Reason:         reason,
		ReferenceID:    econ.SessionID,
		ReferenceType:  ReferenceTypeCallSession,
		IdempotencyKey: key,
		ExpiresAt:      &expires,
		Metadata:       string(meta),
		CreatedAt:      now,
	}

	if err := s.ledger.Insert(ctx, entry); err != nil {
		if utils.IsUniqueViolation(err) {
			// Lost the race to a concurrent settlement. Return the winner's
			// entry instead of double-crediting.
			prior, found, lookupErr := s.ledger.FindByIdempotencyKey(ctx, econ.CallerID, key)
			if lookupErr != nil || !found {
				return Settlement{}, fmt.Errorf("settlement raced but prior entry unavailable: %w", err)
			}
			return s.duplicateSettlement(econ.SessionID, prior), nil
		}
		return Settlement{}, fmt.Errorf("insert refund credit: %w", err)
	}

	out := Settlement{
		SessionID:        econ.SessionID,
		Outcome:          OutcomeRefunded,
		RefundMinor:      calc.RefundMinor,
		RemainingMinutes: calc.RemainingMinutes,
		Transaction:      &entry,
	}

	// Everything below is best-effort. The credit is committed; a stale
	// projection or missed notification is repairable, a double credit is not.
	if balance, err := s.ledger.DerivedBalance(ctx, econ.CallerID, now); err != nil {
		s.log.Warn("balance recompute failed after settlement",
			"session_id", econ.SessionID, "user_id", econ.CallerID, "err", err)
	} else if err := s.ledger.UpsertBalance(ctx, econ.CallerID, econ.Currency, balance, now); err != nil {
		s.log.Warn("balance projection update failed after settlement",
			"session_id", econ.SessionID, "user_id", econ.CallerID, "err", err)
	} else {
		out.NewBalanceMinor = &balance
	}

	if err := s.sessions.FinalizeAfterSettlement(ctx, econ.SessionID, SettlementOutcome{
		Outcome:          OutcomeRefunded,
		RefundMinor:      calc.RefundMinor,
		RemainingMinutes: calc.RemainingMinutes,
		TransactionID:    entry.ID,
		Reason:           reason,
		SettledAt:        now,
	}); err != nil {
		s.log.Warn("session finalization failed after settlement",
			"session_id", econ.SessionID, "err", err)
	}

	s.notifyRefund(ctx, econ, calc.RefundMinor)
	s.auditSettlement(ctx, econ, entry, calc)

	return out, nil
}

func (s *Service) duplicateSettlement(sessionID string, prior Transaction) Settlement {
	return Settlement{
		SessionID:   sessionID,
		Outcome:     OutcomeDuplicate,
		RefundMinor: prior.AmountMinor,
		Transaction: &prior,
	}
}

func (s *Service) notifyRefund(ctx context.Context, econ SessionEconomics, refundMinor int64) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, notify.Notification{
		UserID:  econ.CallerID,
		Type:    notify.TypeRefundProcessed,
		Title:   "Refund processed",
		Content: fmt.Sprintf("%.2f %s has been credited back to your wallet.", float64(refundMinor)/100.0, econ.Currency),
		Data: map[string]any{
			"session_id":   econ.SessionID,
			"refund_minor": refundMinor,
			"currency":     econ.Currency,
		},
	})
}

func (s *Service) auditSettlement(ctx context.Context, econ SessionEconomics, entry Transaction, calc RefundCalc) {
	if s.audits == nil {
		return
	}
	if err := s.audits.LogSettlement(ctx, econ.SessionID, econ.CallerID, entry.ID,
		"refund settled", entry.Metadata); err != nil {
		s.log.Warn("audit append failed for settlement",
			"session_id", econ.SessionID, "err", err)
	}
}

func idempotencyKey(sessionID, callerID, reason string) string {
	return fmt.Sprintf("%s:%s:%s", sessionID, callerID, reason)
}

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReferenceType  string `json:"reference_type,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReferenceType  string `json:"reference_type,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	b, ok, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		// No projection row yet means no transactions yet.
		return Balance{UserID: userID, BalanceMinor: 0}, nil
	}
	return b, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	return s.ledger.ListTransactions(ctx, userID, limit)
}

// Credit adds funds (top-up, promotional grant). Idempotent per key.
func (s *Service) Credit(ctx context.Context, userID string, req CreditRequest) (Transaction, error) {
	if err := validateMoneyReq(userID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Transaction{}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonTopUp
	}

	if existing, ok, err := s.ledger.FindByIdempotencyKey(ctx, userID, req.IdempotencyKey); err != nil {
		return Transaction{}, err
	} else if ok {
		return existing, nil
	}

	now := s.clock().UTC()
	entry := Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           TransactionTypeCredit,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         reason,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	return s.insertIdempotent(ctx, userID, entry)
}

// Debit spends funds (call charge). Idempotent per key; fails with
// ErrInsufficientFunds when the derived balance cannot cover the amount.
func (s *Service) Debit(ctx context.Context, userID string, req DebitRequest) (Transaction, error) {
	if err := validateMoneyReq(userID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Transaction{}, err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonCallCharge
	}

	if existing, ok, err := s.ledger.FindByIdempotencyKey(ctx, userID, req.IdempotencyKey); err != nil {
		return Transaction{}, err
	} else if ok {
		return existing, nil
	}

	now := s.clock().UTC()
	balance, err := s.ledger.DerivedBalance(ctx, userID, now)
	if err != nil {
		return Transaction{}, err
	}
	if balance < req.AmountMinor {
		return Transaction{}, ErrInsufficientFunds
	}

	entry := Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           TransactionTypeDebit,
		AmountMinor:    -req.AmountMinor,
		Currency:       req.Currency,
		Reason:         reason,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	return s.insertIdempotent(ctx, userID, entry)
}

// AdminManualCredit is the back-office adjustment path. Audited with the
// acting admin's identity.
func (s *Service) AdminManualCredit(ctx context.Context, userID, adminUserID, adminRole, ip string, req CreditRequest) (Transaction, error) {
	if adminUserID == "" {
		return Transaction{}, ErrInvalidArgument
	}
	if req.Reason == "" {
		req.Reason = ReasonAdminAdjustment
	}
	entry, err := s.Credit(ctx, userID, req)
	if err != nil {
		return Transaction{}, err
	}
	if s.audits != nil {
		if err := s.audits.LogAdminAction(ctx, adminUserID, adminRole, ip, userID, entry.ID,
			"manual wallet credit", entry.Metadata); err != nil {
			s.log.Warn("audit append failed for admin credit",
				"user_id", userID, "admin_user_id", adminUserID, "err", err)
		}
	}
	return entry, nil
}

// insertIdempotent appends the entry, returning the committed entry. When a
// concurrent request won the key race, the winner's entry is returned.
func (s *Service) insertIdempotent(ctx context.Context, userID string, entry Transaction) (Transaction, error) {
	if err := s.ledger.InsertAndProject(ctx, entry); err != nil {
		if utils.IsUniqueViolation(err) {
			existing, ok, lookupErr := s.ledger.FindByIdempotencyKey(ctx, userID, entry.IdempotencyKey)
			if lookupErr == nil && ok {
				return existing, nil
			}
			return Transaction{}, fmt.Errorf("idempotency race, prior entry unavailable: %w", err)
		}
		return Transaction{}, err
	}
	return entry, nil
}

func validateMoneyReq(userID string, amountMinor int64, currency, idempotencyKey string) error {
	if userID == "" || idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return ErrInvalidArgument
	}
	if !ValidCurrency(currency) {
		return ErrInvalidArgument
	}
	return nil
}
