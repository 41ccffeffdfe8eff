package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"counsel-platform/internal/auth"
	"counsel-platform/internal/calls"
	"counsel-platform/internal/presence"
	"counsel-platform/internal/pricing"
	"counsel-platform/internal/rbac"
	"counsel-platform/internal/reporting"
	"counsel-platform/internal/wallet"
	"counsel-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Presence *presence.Tracker
	Calls    *calls.Service
	Wallet   *wallet.Service
	Reports  *reporting.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Presence ---

func (h Handlers) GetPresence(c *gin.Context) {
	expertID := c.Param("expert_id")
	rec, err := h.Presence.Ensure(c.Request.Context(), expertID)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidExpertID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid expert id"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type bulkPresenceRequest struct {
	ExpertIDs []string `json:"expert_ids"`
}

// BulkPresence refreshes a set of experts in one batched fetch and returns
// the cached view. Malformed ids are silently dropped, matching the refresh
// semantics.
func (h Handlers) BulkPresence(c *gin.Context) {
	var req bulkPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.ExpertIDs) == 0 || len(req.ExpertIDs) > 200 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "expert_ids must contain 1..200 entries"})
		return
	}

	if err := h.Presence.BulkRefresh(c.Request.Context(), req.ExpertIDs); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence refresh failed"})
		return
	}

	out := make(map[string]presence.Record, len(req.ExpertIDs))
	for _, id := range req.ExpertIDs {
		if rec, ok := h.Presence.GetCached(id); ok {
			out[id] = rec
		}
	}
	c.JSON(http.StatusOK, gin.H{"presence": out, "version": h.Presence.Version()})
}

type setPresenceRequest struct {
	Status         presence.Status `json:"status"`
	AcceptingCalls bool            `json:"accepting_calls"`
	PreviousStatus presence.Status `json:"previous_status,omitempty"`
}

// SetPresence lets an expert publish their own availability. A write failure
// is surfaced loudly; silently staying invisible would hide the expert from
// every seeker.
func (h Handlers) SetPresence(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req setPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if err := h.Presence.Set(c.Request.Context(), userID, req.Status, req.AcceptingCalls, req.PreviousStatus); err != nil {
		switch {
		case errors.Is(err, presence.ErrInvalidExpertID), errors.Is(err, presence.ErrInvalidStatus):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logger.FromGin(c).Error("presence write failed", "expert_id", userID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence write failed"})
		}
		return
	}
	rec, _ := h.Presence.GetCached(userID)
	c.JSON(http.StatusOK, rec)
}

// Heartbeat bumps last_activity without touching status.
func (h Handlers) Heartbeat(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := h.Presence.Touch(c.Request.Context(), userID); err != nil {
		if errors.Is(err, presence.ErrInvalidExpertID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid expert id"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- Calls ---

type initiateCallRequest struct {
	ExpertID        string `json:"expert_id"`
	CallType        string `json:"call_type"`
	SelectedMinutes int    `json:"selected_minutes"`
	AppointmentID   string `json:"appointment_id,omitempty"`
}

func (h Handlers) InitiateCall(c *gin.Context) {
	callerID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req initiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	out, err := h.Calls.Initiate(c.Request.Context(), calls.InitiateRequest{
		CallerID:        callerID,
		ExpertID:        req.ExpertID,
		CallType:        pricing.CallType(req.CallType),
		SelectedMinutes: req.SelectedMinutes,
		AppointmentID:   req.AppointmentID,
	})
	if err != nil {
		switch {
		case errors.Is(err, calls.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call request"})
		case errors.Is(err, calls.ErrExpertUnavailable):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "expert is unavailable right now"})
		case errors.Is(err, pricing.ErrRateNotFound):
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "expert has no rate for this call type"})
		default:
			logger.FromGin(c).Error("call initiation failed", "caller_id", callerID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start the call"})
		}
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	expertID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	out, err := h.Calls.Accept(c.Request.Context(), c.Param("request_id"), expertID)
	if err != nil {
		h.abortCallError(c, err, "accept failed")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	expertID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if err := h.Calls.Decline(c.Request.Context(), c.Param("request_id"), expertID); err != nil {
		h.abortCallError(c, err, "decline failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type endCallRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

func (h Handlers) EndCall(c *gin.Context) {
	actorID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req endCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if err := h.Calls.End(c.Request.Context(), c.Param("session_id"), actorID, req.DurationSeconds); err != nil {
		h.abortCallError(c, err, "end failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h Handlers) IncomingRequests(c *gin.Context) {
	expertID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	reqs, err := h.Calls.IncomingRequests(c.Request.Context(), expertID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "request lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (h Handlers) GetCallSession(c *gin.Context) {
	actorID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	role, _ := auth.Role(c.Request.Context())
	if rbac.IsAdmin(role) || rbac.IsBackOffice(role) {
		actorID = "" // back-office may read any session
	}
	session, err := h.Calls.GetSession(c.Request.Context(), c.Param("session_id"), actorID)
	if err != nil {
		h.abortCallError(c, err, "session lookup failed")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h Handlers) abortCallError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, calls.ErrRequestNotFound), errors.Is(err, calls.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found or expired"})
	case errors.Is(err, calls.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a party to this call"})
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		logger.FromGin(c).Error(msg, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// --- Wallet ---

func (h Handlers) GetWalletBalance(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	bal, err := h.Wallet.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h Handlers) ListWalletTransactions(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	txs, err := h.Wallet.ListTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "transaction lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type settleRefundRequest struct {
	DurationSeconds int    `json:"duration_seconds"`
	FullRefund      bool   `json:"full_refund"`
	Reason          string `json:"reason,omitempty"`
}

// SettleRefund is the back-office/media-edge settlement endpoint. Idempotent:
// repeats and concurrent duplicates report the original settlement.
func (h Handlers) SettleRefund(c *gin.Context) {
	var req settleRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	out, err := h.Wallet.SettleRefund(c.Request.Context(), wallet.SettleRefundRequest{
		SessionID:      c.Param("session_id"),
		ElapsedSeconds: req.DurationSeconds,
		FullRefund:     req.FullRefund,
		Reason:         req.Reason,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid settlement request"})
			return
		}
		logger.FromGin(c).Error("refund settlement failed", "session_id", c.Param("session_id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type adminManualCreditRequest struct {
	UserID         string `json:"user_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

// AdminManualCredit performs an admin-only wallet credit.
func (h Handlers) AdminManualCredit(c *gin.Context) {
	adminUserID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	adminRole, _ := auth.Role(c.Request.Context())

	var req adminManualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}

	tx, err := h.Wallet.AdminManualCredit(c.Request.Context(), req.UserID, adminUserID, adminRole, c.ClientIP(), wallet.CreditRequest{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid credit request"})
			return
		}
		logger.FromGin(c).Error("admin credit failed", "user_id", req.UserID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

// --- Reporting ---

func (h Handlers) ExpertSummary(c *gin.Context) {
	expertID := c.Param("expert_id")

	actorID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	role, _ := auth.Role(c.Request.Context())
	if actorID != expertID && !rbac.IsAdmin(role) && !rbac.IsBackOffice(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		return
	}

	from, to, err := parseRange(c.Query("from"), c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from/to must be RFC3339 with from < to"})
		return
	}

	out, err := h.Reports.ConsultationSummary(c.Request.Context(), reporting.ConsultationSummaryRequest{
		ExpertID: expertID,
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid report request"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("inverted range")
	}
	return from, to, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}
