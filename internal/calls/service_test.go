package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"counsel-platform/internal/notify"
	"counsel-platform/internal/pricing"
	"counsel-platform/internal/rtc"
	"counsel-platform/internal/wallet"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	requests map[string]Request

	cancelledAppointments []string

	failCreateSession bool
	failCreateRequest bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]Session),
		requests: make(map[string]Request),
	}
}

func (m *memRepo) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateSession {
		return errors.New("db down")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *memRepo) GetSession(ctx context.Context, id string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *memRepo) UpdateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return errors.New("no such session")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *memRepo) CreateRequest(ctx context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateRequest {
		return errors.New("db down")
	}
	m.requests[r.ID] = r
	return nil
}

func (m *memRepo) GetActiveRequest(ctx context.Context, id string, now time.Time) (Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || !r.Actionable(now) {
		return Request{}, false, nil
	}
	return r, true, nil
}

func (m *memRepo) UpdateRequest(ctx context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return errors.New("no such request")
	}
	m.requests[r.ID] = r
	return nil
}

func (m *memRepo) CancelPendingRequests(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.requests {
		if r.SessionID == sessionID && r.Status == RequestStatusPending {
			r.Status = RequestStatusCancelled
			r.UpdatedAt = now
			m.requests[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ListActiveRequestsForExpert(ctx context.Context, expertID string, now time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.requests {
		if r.ExpertID == expertID && r.Actionable(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) CancelAppointment(ctx context.Context, appointmentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledAppointments = append(m.cancelledAppointments, appointmentID)
	return nil
}

type fakeIssuer struct {
	mu       sync.Mutex
	calls    int
	failFrom int // fail on the nth call (1-based); 0 never fails
}

func (f *fakeIssuer) Name() string { return "fake" }

func (f *fakeIssuer) IssueToken(ctx context.Context, req rtc.IssueRequest) (rtc.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFrom > 0 && f.calls >= f.failFrom {
		return rtc.Credential{}, errors.New("issuer unavailable")
	}
	return rtc.Credential{
		Token:     fmt.Sprintf("tok-%s-%d", req.ChannelName, req.UID),
		UID:       req.UID,
		ExpiresAt: req.ExpireAt,
	}, nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	acquired int
	released int
	full     bool
}

func (f *fakeLimiter) Acquire(ctx context.Context, expertID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false, nil
	}
	f.acquired++
	return true, nil
}

func (f *fakeLimiter) Release(ctx context.Context, expertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) byType(typ string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.sent {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	repo     *memRepo
	issuer   *fakeIssuer
	limiter  *fakeLimiter
	notifier *recordingNotifier
	svc      *Service
	now      time.Time
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rates := pricing.NewMemoryRepo()
	rates.Add(pricing.ExpertRate{
		ExpertID:           "expert1",
		CallType:           pricing.CallTypeVideo,
		RatePerMinuteMinor: 333,
		Currency:           "USD",
		EffectiveFrom:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	f := &fixture{
		repo:     newMemRepo(),
		issuer:   &fakeIssuer{},
		limiter:  &fakeLimiter{},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.clock = &f.now
	f.svc = NewService(ServiceDeps{
		Repo:     f.repo,
		Issuer:   f.issuer,
		Limiter:  f.limiter,
		Rates:    pricing.NewService(rates),
		Notifier: f.notifier,
	}).WithClock(func() time.Time { return *f.clock })
	return f
}

func (f *fixture) initiate(t *testing.T) InitiateResponse {
	t.Helper()
	out, err := f.svc.Initiate(context.Background(), InitiateRequest{
		CallerID:        "caller1",
		ExpertID:        "expert1",
		CallType:        pricing.CallTypeVideo,
		SelectedMinutes: 30,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return out
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if !strings.HasPrefix(out.SessionID, "call_") {
		t.Fatalf("unexpected session id %q", out.SessionID)
	}
	if len(out.ChannelName) > 64 {
		t.Fatalf("channel name exceeds transport limit: %q", out.ChannelName)
	}
	if out.CostMinor != 9990 || out.Currency != "USD" {
		t.Fatalf("unexpected economics: %d %s", out.CostMinor, out.Currency)
	}
	if out.RequestExpiresAt != f.now.Add(RequestTTL) {
		t.Fatalf("request expiry must be creation + 2 minutes")
	}

	session, ok, _ := f.repo.GetSession(context.Background(), out.SessionID)
	if !ok || session.Status != SessionStatusPending {
		t.Fatalf("expected pending session persisted, got %+v", session)
	}
	if session.CallerCredential.UID == session.ExpertCredential.UID {
		t.Fatalf("parties must get distinct uids")
	}
	if out.Credential.Token != session.CallerCredential.Token {
		t.Fatalf("caller must receive the caller-side credential")
	}

	// Credential lifetime covers the pre-paid duration plus slack.
	wantExpire := f.now.Add(30*time.Minute + 5*time.Minute)
	if !out.Credential.ExpiresAt.Equal(wantExpire) {
		t.Fatalf("credential expiry %v, want %v", out.Credential.ExpiresAt, wantExpire)
	}

	if got := f.notifier.byType(notify.TypeCallIncoming); len(got) != 1 || got[0].UserID != "expert1" {
		t.Fatalf("expert must receive the invitation notification, got %+v", got)
	}
	if got := f.notifier.byType(notify.TypeCallConfirmed); len(got) != 1 || got[0].UserID != "caller1" {
		t.Fatalf("caller must receive the confirmation, got %+v", got)
	}
}

func TestInitiate_CredentialFailureLeavesNothingPersisted(t *testing.T) {
	f := newFixture(t)
	f.issuer.failFrom = 2 // caller credential succeeds, expert's fails

	_, err := f.svc.Initiate(context.Background(), InitiateRequest{
		CallerID: "caller1", ExpertID: "expert1",
		CallType: pricing.CallTypeVideo, SelectedMinutes: 30,
	})
	if err == nil {
		t.Fatalf("expected hard failure")
	}
	if len(f.repo.sessions) != 0 || len(f.repo.requests) != 0 {
		t.Fatalf("aborted attempt must not persist rows")
	}
	if f.limiter.released != 1 {
		t.Fatalf("slot must be released on abort, released=%d", f.limiter.released)
	}
}

func TestInitiate_SessionWriteFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.repo.failCreateSession = true

	if _, err := f.svc.Initiate(context.Background(), InitiateRequest{
		CallerID: "caller1", ExpertID: "expert1",
		CallType: pricing.CallTypeVideo, SelectedMinutes: 30,
	}); err == nil {
		t.Fatalf("expected hard failure")
	}
	if f.limiter.released != 1 {
		t.Fatalf("slot must be released on abort")
	}
}

func TestInitiate_ExpertAtCapacity(t *testing.T) {
	f := newFixture(t)
	f.limiter.full = true

	if _, err := f.svc.Initiate(context.Background(), InitiateRequest{
		CallerID: "caller1", ExpertID: "expert1",
		CallType: pricing.CallTypeVideo, SelectedMinutes: 30,
	}); !errors.Is(err, ErrExpertUnavailable) {
		t.Fatalf("expected ErrExpertUnavailable, got %v", err)
	}
}

func TestInitiate_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	cases := []InitiateRequest{
		{CallerID: "", ExpertID: "expert1", CallType: pricing.CallTypeVideo, SelectedMinutes: 30},
		{CallerID: "caller1", ExpertID: "caller1", CallType: pricing.CallTypeVideo, SelectedMinutes: 30},
		{CallerID: "caller1", ExpertID: "expert1", CallType: "morse", SelectedMinutes: 30},
		{CallerID: "caller1", ExpertID: "expert1", CallType: pricing.CallTypeVideo, SelectedMinutes: 0},
	}
	for i, req := range cases {
		if _, err := f.svc.Initiate(context.Background(), req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	acc, err := f.svc.Accept(context.Background(), out.RequestID, "expert1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.ChannelName != out.ChannelName {
		t.Fatalf("expert must join the same channel")
	}
	if acc.Credential.Token == out.Credential.Token {
		t.Fatalf("expert must get their own credential, not the caller's")
	}

	session, _, _ := f.repo.GetSession(context.Background(), out.SessionID)
	if session.Status != SessionStatusActive {
		t.Fatalf("expected active session, got %s", session.Status)
	}
	if session.StartTime == nil || session.AnsweredAt == nil {
		t.Fatalf("accept must stamp start and answered times")
	}
	if got := f.notifier.byType(notify.TypeCallAccepted); len(got) != 1 || got[0].UserID != "caller1" {
		t.Fatalf("caller must be told the expert joined")
	}
}

func TestAccept_WrongExpertForbidden(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if _, err := f.svc.Accept(context.Background(), out.RequestID, "impostor"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAccept_ExpiredRequestUnreachable(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	// The row still reads pending, but the expiry has passed; active-request
	// lookups must not see it.
	f.now = f.now.Add(RequestTTL + time.Second)
	if _, err := f.svc.Accept(context.Background(), out.RequestID, "expert1"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if reqs, _ := f.svc.IncomingRequests(context.Background(), "expert1"); len(reqs) != 0 {
		t.Fatalf("expired request must not be listed, got %d", len(reqs))
	}
}

func TestDecline_SessionEndsWithoutActivating(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if err := f.svc.Decline(context.Background(), out.RequestID, "expert1"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	session, _, _ := f.repo.GetSession(context.Background(), out.SessionID)
	if session.Status != SessionStatusEnded {
		t.Fatalf("declined session must be ended, got %s", session.Status)
	}
	if session.StartTime != nil || session.AnsweredAt != nil {
		t.Fatalf("declined session must never have been active")
	}
	if session.EndTime == nil {
		t.Fatalf("decline must stamp end time")
	}
	if f.limiter.released != 1 {
		t.Fatalf("decline must release the expert's slot")
	}
	if got := f.notifier.byType(notify.TypeCallDeclined); len(got) != 1 || got[0].UserID != "caller1" {
		t.Fatalf("caller must be told about the decline")
	}
}

func TestEnd_CascadesPendingRequests(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if err := f.svc.End(context.Background(), out.SessionID, "caller1", 600); err != nil {
		t.Fatalf("end: %v", err)
	}

	session, _, _ := f.repo.GetSession(context.Background(), out.SessionID)
	if session.Status != SessionStatusEnded || session.DurationSeconds != 600 {
		t.Fatalf("expected ended session with duration, got %+v", session)
	}
	req := f.repo.requests[out.RequestID]
	if req.Status != RequestStatusCancelled {
		t.Fatalf("pending request must be cancelled on end, got %s", req.Status)
	}

	// Ending again is a no-op.
	if err := f.svc.End(context.Background(), out.SessionID, "caller1", 600); err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if f.limiter.released != 1 {
		t.Fatalf("repeat end must not release another slot")
	}
}

func TestEnd_DerivesDurationFromStartTime(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)
	if _, err := f.svc.Accept(context.Background(), out.RequestID, "expert1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.now = f.now.Add(12 * time.Minute)
	if err := f.svc.End(context.Background(), out.SessionID, "expert1", 0); err != nil {
		t.Fatalf("end: %v", err)
	}
	session, _, _ := f.repo.GetSession(context.Background(), out.SessionID)
	if session.DurationSeconds != 720 {
		t.Fatalf("expected derived duration 720s, got %d", session.DurationSeconds)
	}
}

func TestEnd_StrangerForbidden(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if err := f.svc.End(context.Background(), out.SessionID, "stranger", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestFinalizeAfterSettlement(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	// Link an appointment after the fact.
	session := f.repo.sessions[out.SessionID]
	session.AppointmentID = "appt1"
	f.repo.sessions[out.SessionID] = session

	settledAt := f.now.Add(40 * time.Minute)
	err := f.svc.FinalizeAfterSettlement(context.Background(), out.SessionID, wallet.SettlementOutcome{
		Outcome:       wallet.OutcomeRefunded,
		RefundMinor:   3333,
		TransactionID: "tx1",
		Reason:        wallet.ReasonCallRefund,
		SettledAt:     settledAt,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	session, _, _ = f.repo.GetSession(context.Background(), out.SessionID)
	if session.Status != SessionStatusEnded {
		t.Fatalf("settlement must force the session ended, got %s", session.Status)
	}
	if session.EndTime == nil || !session.EndTime.Equal(settledAt) {
		t.Fatalf("end time must be the settlement instant")
	}
	if !strings.Contains(session.Metadata, `"refund_minor":3333`) {
		t.Fatalf("settlement outcome must be annotated in metadata, got %s", session.Metadata)
	}
	if req := f.repo.requests[out.RequestID]; req.Status != RequestStatusCancelled {
		t.Fatalf("open invitation must be voided by settlement")
	}
	if len(f.repo.cancelledAppointments) != 1 || f.repo.cancelledAppointments[0] != "appt1" {
		t.Fatalf("linked appointment must be cancelled, got %v", f.repo.cancelledAppointments)
	}
}

func TestFinalizeAfterSettlement_ReleasesSlotOncePerSession(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if _, err := f.svc.Accept(context.Background(), out.RequestID, "expert1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.svc.End(context.Background(), out.SessionID, "caller1", 600); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := f.svc.FinalizeAfterSettlement(context.Background(), out.SessionID, wallet.SettlementOutcome{
		Outcome:     wallet.OutcomeRefunded,
		RefundMinor: 3333,
		SettledAt:   f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if f.limiter.released > f.limiter.acquired {
		t.Fatalf("released %d slots for %d acquires", f.limiter.released, f.limiter.acquired)
	}
	if f.limiter.released != 1 {
		t.Fatalf("end-then-settle must release exactly once, got %d", f.limiter.released)
	}

	// A session the settlement itself closes still gives its slot back.
	out2 := f.initiate(t)
	if err := f.svc.FinalizeAfterSettlement(context.Background(), out2.SessionID, wallet.SettlementOutcome{
		Outcome:     wallet.OutcomeRefunded,
		RefundMinor: 9990,
		SettledAt:   f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if f.limiter.acquired != 2 || f.limiter.released != 2 {
		t.Fatalf("settling an open session must release its slot, acquired=%d released=%d",
			f.limiter.acquired, f.limiter.released)
	}
}

func TestFinalizeAfterSettlement_AfterDeclineKeepsSlotBalance(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	if err := f.svc.Decline(context.Background(), out.RequestID, "expert1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := f.svc.FinalizeAfterSettlement(context.Background(), out.SessionID, wallet.SettlementOutcome{
		Outcome:     wallet.OutcomeRefunded,
		RefundMinor: 9990,
		SettledAt:   f.now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if f.limiter.released != 1 {
		t.Fatalf("decline-then-settle must release exactly once, got %d", f.limiter.released)
	}
}

func TestSessionEconomics(t *testing.T) {
	f := newFixture(t)
	out := f.initiate(t)

	econ, ok, err := f.svc.SessionEconomics(context.Background(), out.SessionID)
	if err != nil || !ok {
		t.Fatalf("economics: ok=%v err=%v", ok, err)
	}
	if econ.CostMinor != 9990 || econ.SelectedMinutes != 30 || econ.CallerID != "caller1" {
		t.Fatalf("unexpected economics %+v", econ)
	}

	if _, ok, err := f.svc.SessionEconomics(context.Background(), "ghost"); err != nil || ok {
		t.Fatalf("unknown session must be ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestChannelName(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ChannelName("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", now)
	b := ChannelName("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", now)
	if a != b {
		t.Fatalf("channel derivation must be deterministic")
	}
	if len(a) > 64 {
		t.Fatalf("channel name too long: %d", len(a))
	}
	if !strings.HasPrefix(a, "ch_11111111_aaaaaaaa_") {
		t.Fatalf("unexpected channel name %q", a)
	}
}
