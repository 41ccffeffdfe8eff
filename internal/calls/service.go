package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"counsel-platform/internal/audit"
	"counsel-platform/internal/notify"
	"counsel-platform/internal/pricing"
	"counsel-platform/internal/rtc"
	"counsel-platform/internal/wallet"
)

// Service drives a consultation's transport setup, invitation and teardown
// through a linear state machine: pending -> active -> ended for the
// session, pending -> accepted|declined|cancelled for the request.
//
// Failure taxonomy:
// - Hard (returned to the caller): credential issuance, session/request
//   persistence, request lookup.
// - Soft (logged, swallowed): notifications, audit, slot release. A missed
//   notification never rolls back committed state; the other party still
//   sees the state change through their own dashboard.
type Service struct {
	repo     Repository
	issuer   rtc.Issuer
	limiter  Limiter
	rates    *pricing.Service
	notifier notify.Notifier
	audits   *audit.Service
	log      *slog.Logger

	// credentialSlack pads credential lifetime past the pre-paid duration so
	// a call running slightly long is not cut off by token expiry.
	credentialSlack time.Duration

	clock func() time.Time
}

type ServiceDeps struct {
	Repo     Repository
	Issuer   rtc.Issuer
	Limiter  Limiter
	Rates    *pricing.Service
	Notifier notify.Notifier
	Audits   *audit.Service
	Log      *slog.Logger

	CredentialSlack time.Duration
}

func NewService(deps ServiceDeps) *Service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = UnlimitedLimiter{}
	}
	if deps.CredentialSlack <= 0 {
		deps.CredentialSlack = 5 * time.Minute
	}
	return &Service{
		repo:            deps.Repo,
		issuer:          deps.Issuer,
		limiter:         deps.Limiter,
		rates:           deps.Rates,
		notifier:        deps.Notifier,
		audits:          deps.Audits,
		log:             deps.Log,
		credentialSlack: deps.CredentialSlack,
		clock:           time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var (
	ErrInvalidArgument   = errors.New("calls: invalid argument")
	ErrExpertUnavailable = errors.New("calls: expert at capacity")
	ErrRequestNotFound   = errors.New("calls: request not found or expired")
	ErrSessionNotFound   = errors.New("calls: session not found")
	ErrForbidden         = errors.New("calls: not a party to this call")
)

type InitiateRequest struct {
	CallerID        string           `json:"caller_id"`
	ExpertID        string           `json:"expert_id"`
	CallType        pricing.CallType `json:"call_type"`
	SelectedMinutes int              `json:"selected_minutes"`
	AppointmentID   string           `json:"appointment_id,omitempty"`
}

// InitiateResponse is what the caller's client needs to join the channel.
// The expert's credential never leaves the server on this path; it travels
// inside the Request instead.
type InitiateResponse struct {
	SessionID   string         `json:"session_id"`
	RequestID   string         `json:"request_id"`
	ChannelName string         `json:"channel_name"`
	Credential  rtc.Credential `json:"credential"`

	CostMinor int64  `json:"cost_minor"`
	Currency  string `json:"currency"`

	// RequestExpiresAt is when the invitation lapses if the expert does not
	// respond.
	RequestExpiresAt time.Time `json:"request_expires_at"`
}

// Initiate sets up one consultation attempt.
//
// Ordering matters: both credentials are issued before any row is written,
// so an aborted attempt never leaves a persisted session with unusable
// credentials embedded. The session insert is the step that commits the
// attempt; a request-insert failure after it is a tolerated partial state
// (the session exists but no invitation reached the expert).
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	if req.CallerID == "" || req.ExpertID == "" || req.CallerID == req.ExpertID {
		return InitiateResponse{}, ErrInvalidArgument
	}
	if !req.CallType.Valid() || req.SelectedMinutes <= 0 {
		return InitiateResponse{}, ErrInvalidArgument
	}

	now := s.clock().UTC()

	est, err := s.rates.EstimateConsultationCost(ctx, pricing.EstimateRequest{
		ExpertID: req.ExpertID,
		CallType: req.CallType,
		Minutes:  req.SelectedMinutes,
		At:       now,
	})
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("estimate cost: %w", err)
	}

	ok, err := s.limiter.Acquire(ctx, req.ExpertID)
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("acquire call slot: %w", err)
	}
	if !ok {
		return InitiateResponse{}, ErrExpertUnavailable
	}
	committed := false
	defer func() {
		if !committed {
			s.releaseSlot(ctx, req.ExpertID)
		}
	}()

	sessionID := NewSessionID(now)
	channel := ChannelName(req.CallerID, req.ExpertID, now)
	callerUID, expertUID := rtc.NewUIDPair()
	expireAt := now.Add(time.Duration(req.SelectedMinutes)*time.Minute + s.credentialSlack)

	callerCred, err := s.issuer.IssueToken(ctx, rtc.IssueRequest{
		ChannelName: channel, UID: callerUID, Role: rtc.RolePublisher, ExpireAt: expireAt,
	})
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("issue caller credential: %w", err)
	}
	expertCred, err := s.issuer.IssueToken(ctx, rtc.IssueRequest{
		ChannelName: channel, UID: expertUID, Role: rtc.RolePublisher, ExpireAt: expireAt,
	})
	if err != nil {
		return InitiateResponse{}, fmt.Errorf("issue expert credential: %w", err)
	}

	session := Session{
		ID:               sessionID,
		CallerID:         req.CallerID,
		ExpertID:         req.ExpertID,
		CallType:         req.CallType,
		ChannelName:      channel,
		CallerCredential: callerCred,
		ExpertCredential: expertCred,
		CostMinor:        est.TotalMinor,
		Currency:         est.Currency,
		SelectedMinutes:  req.SelectedMinutes,
		Status:           SessionStatusPending,
		AppointmentID:    req.AppointmentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return InitiateResponse{}, fmt.Errorf("persist session: %w", err)
	}
	committed = true

	invite := Request{
		ID:               "req_" + sessionID,
		SessionID:        sessionID,
		CallerID:         req.CallerID,
		ExpertID:         req.ExpertID,
		ChannelName:      channel,
		ExpertCredential: expertCred,
		Status:           RequestStatusPending,
		ExpiresAt:        now.Add(RequestTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateRequest(ctx, invite); err != nil {
		// The session row committed; surface the failure so the caller can
		// retry, without attempting a rollback.
		return InitiateResponse{}, fmt.Errorf("persist request: %w", err)
	}

	s.notifyOne(ctx, req.ExpertID, notify.TypeCallIncoming, "Incoming consultation",
		"You have a new consultation request.", map[string]any{
			"session_id": sessionID,
			"request_id": invite.ID,
			"caller_id":  req.CallerID,
			"call_type":  string(req.CallType),
			"expires_at": invite.ExpiresAt,
		})
	s.notifyOne(ctx, req.CallerID, notify.TypeCallConfirmed, "Consultation requested",
		"Waiting for the expert to answer.", map[string]any{
			"session_id": sessionID,
			"expert_id":  req.ExpertID,
		})

	return InitiateResponse{
		SessionID:        sessionID,
		RequestID:        invite.ID,
		ChannelName:      channel,
		Credential:       callerCred,
		CostMinor:        est.TotalMinor,
		Currency:         est.Currency,
		RequestExpiresAt: invite.ExpiresAt,
	}, nil
}

// AcceptResponse carries the expert's channel entry.
type AcceptResponse struct {
	SessionID   string         `json:"session_id"`
	ChannelName string         `json:"channel_name"`
	Credential  rtc.Credential `json:"credential"`
}

// Accept answers an invitation: request -> accepted, session -> active.
func (s *Service) Accept(ctx context.Context, requestID, expertID string) (AcceptResponse, error) {
	now := s.clock().UTC()

	req, ok, err := s.repo.GetActiveRequest(ctx, requestID, now)
	if err != nil {
		return AcceptResponse{}, fmt.Errorf("lookup request: %w", err)
	}
	if !ok {
		return AcceptResponse{}, ErrRequestNotFound
	}
	if req.ExpertID != expertID {
		return AcceptResponse{}, ErrForbidden
	}

	req.Status = RequestStatusAccepted
	req.UpdatedAt = now
	if err := s.repo.UpdateRequest(ctx, req); err != nil {
		return AcceptResponse{}, fmt.Errorf("accept request: %w", err)
	}

	session, ok, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return AcceptResponse{}, fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return AcceptResponse{}, ErrSessionNotFound
	}
	session.Status = SessionStatusActive
	session.StartTime = &now
	session.AnsweredAt = &now
	session.UpdatedAt = now
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return AcceptResponse{}, fmt.Errorf("activate session: %w", err)
	}

	s.notifyOne(ctx, session.CallerID, notify.TypeCallAccepted, "Expert joined",
		"Your consultation is starting.", map[string]any{
			"session_id": session.ID,
			"expert_id":  session.ExpertID,
		})

	return AcceptResponse{
		SessionID:   session.ID,
		ChannelName: req.ChannelName,
		Credential:  req.ExpertCredential,
	}, nil
}

// Decline refuses an invitation. The session goes straight from pending to
// ended without ever being active; declined is terminal, not "never started".
func (s *Service) Decline(ctx context.Context, requestID, expertID string) error {
	now := s.clock().UTC()

	req, ok, err := s.repo.GetActiveRequest(ctx, requestID, now)
	if err != nil {
		return fmt.Errorf("lookup request: %w", err)
	}
	if !ok {
		return ErrRequestNotFound
	}
	if req.ExpertID != expertID {
		return ErrForbidden
	}

	req.Status = RequestStatusDeclined
	req.UpdatedAt = now
	if err := s.repo.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("decline request: %w", err)
	}

	session, ok, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if ok {
		session.Status = SessionStatusEnded
		session.EndTime = &now
		session.UpdatedAt = now
		if err := s.repo.UpdateSession(ctx, session); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}

	s.releaseSlot(ctx, req.ExpertID)
	s.notifyOne(ctx, req.CallerID, notify.TypeCallDeclined, "Expert unavailable",
		"The expert declined your consultation request.", map[string]any{
			"session_id": req.SessionID,
		})
	return nil
}

// End terminates a session and voids any still-pending invitations for it.
// Ending an already-ended session is a no-op, not an error.
func (s *Service) End(ctx context.Context, sessionID, actorID string, durationSeconds int) error {
	now := s.clock().UTC()

	session, ok, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	if actorID != "" && actorID != session.CallerID && actorID != session.ExpertID {
		return ErrForbidden
	}
	if session.Status == SessionStatusEnded {
		return nil
	}

	session.Status = SessionStatusEnded
	session.EndTime = &now
	if durationSeconds > 0 {
		session.DurationSeconds = durationSeconds
	} else if session.StartTime != nil {
		session.DurationSeconds = int(now.Sub(*session.StartTime).Seconds())
	}
	session.UpdatedAt = now
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	if _, err := s.repo.CancelPendingRequests(ctx, sessionID, now); err != nil {
		s.log.Warn("cancel pending requests failed", "session_id", sessionID, "err", err)
	}

	s.releaseSlot(ctx, session.ExpertID)

	for _, userID := range []string{session.CallerID, session.ExpertID} {
		if userID == actorID {
			continue
		}
		s.notifyOne(ctx, userID, notify.TypeCallEnded, "Consultation ended",
			"The consultation has ended.", map[string]any{
				"session_id":       sessionID,
				"duration_seconds": session.DurationSeconds,
			})
	}

	if s.audits != nil {
		if err := s.audits.LogCallEvent(ctx, actorID, sessionID, "call ended", ""); err != nil {
			s.log.Warn("audit append failed for call end", "session_id", sessionID, "err", err)
		}
	}
	return nil
}

// IncomingRequests lists an expert's actionable invitations.
func (s *Service) IncomingRequests(ctx context.Context, expertID string) ([]Request, error) {
	if expertID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListActiveRequestsForExpert(ctx, expertID, s.clock().UTC())
}

// GetSession returns a session a party is allowed to see.
func (s *Service) GetSession(ctx context.Context, sessionID, actorID string) (Session, error) {
	session, ok, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if actorID != "" && actorID != session.CallerID && actorID != session.ExpertID {
		return Session{}, ErrForbidden
	}
	return session, nil
}

// SessionEconomics exposes the pre-paid terms of a session to the refund
// settlement flow.
func (s *Service) SessionEconomics(ctx context.Context, sessionID string) (wallet.SessionEconomics, bool, error) {
	session, ok, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return wallet.SessionEconomics{}, false, err
	}
	return wallet.SessionEconomics{
		SessionID:       session.ID,
		CallerID:        session.CallerID,
		ExpertID:        session.ExpertID,
		CostMinor:       session.CostMinor,
		Currency:        session.Currency,
		SelectedMinutes: session.SelectedMinutes,
		Status:          string(session.Status),
		AppointmentID:   session.AppointmentID,
	}, true, nil
}

// FinalizeAfterSettlement records the settlement outcome on the session. A
// refund is conclusive proof the call is over, so a session still pending or
// active is forced to ended, its open invitations voided, and any linked
// appointment cancelled.
func (s *Service) FinalizeAfterSettlement(ctx context.Context, sessionID string, outcome wallet.SettlementOutcome) error {
	session, ok, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}

	now := outcome.SettledAt
	if now.IsZero() {
		now = s.clock().UTC()
	}

	// End and Decline release the expert's slot when they close the session.
	// A settlement only holds one to release if it is the closer, otherwise
	// the extra decrement would free capacity a live session still occupies.
	wasOpen := session.Status != SessionStatusEnded

	session.Metadata = annotateSettlement(session.Metadata, outcome)
	if wasOpen {
		session.Status = SessionStatusEnded
		session.EndTime = &now
	}
	session.UpdatedAt = now
	if err := s.repo.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	if _, err := s.repo.CancelPendingRequests(ctx, sessionID, now); err != nil {
		s.log.Warn("cancel pending requests failed", "session_id", sessionID, "err", err)
	}
	if session.AppointmentID != "" {
		if err := s.repo.CancelAppointment(ctx, session.AppointmentID, now); err != nil {
			s.log.Warn("appointment cancellation failed",
				"session_id", sessionID, "appointment_id", session.AppointmentID, "err", err)
		}
	}
	if wasOpen {
		s.releaseSlot(ctx, session.ExpertID)
	}
	return nil
}

// annotateSettlement merges the settlement outcome into the session's
// metadata JSON, preserving unrelated keys.
func annotateSettlement(metadata string, outcome wallet.SettlementOutcome) string {
	m := map[string]any{}
	if metadata != "" {
		// Unparseable metadata is replaced rather than propagated.
		_ = json.Unmarshal([]byte(metadata), &m)
	}
	m["settlement"] = map[string]any{
		"outcome":           outcome.Outcome,
		"refund_minor":      outcome.RefundMinor,
		"remaining_minutes": outcome.RemainingMinutes,
		"transaction_id":    outcome.TransactionID,
		"reason":            outcome.Reason,
		"settled_at":        outcome.SettledAt,
	}
	out, err := json.Marshal(m)
	if err != nil {
		return metadata
	}
	return string(out)
}

func (s *Service) releaseSlot(ctx context.Context, expertID string) {
	if err := s.limiter.Release(ctx, expertID); err != nil {
		s.log.Warn("call slot release failed", "expert_id", expertID, "err", err)
	}
}

func (s *Service) notifyOne(ctx context.Context, userID, typ, title, content string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, notify.Notification{
		UserID:  userID,
		Type:    typ,
		Title:   title,
		Content: content,
		Data:    data,
	})
}
