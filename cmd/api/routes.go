package main

import (
	"database/sql"
	"time"

	"counsel-platform/internal/httpapi"
	"counsel-platform/internal/rbac"
	"counsel-platform/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// AUTH routes (token issuance).
	// NOTE: Placeholder credential validation; see httpapi.Handlers.Login.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// PRESENCE routes
		pres := v1.Group("/presence")
		{
			pres.GET("/stream", h.StreamPresence)
			pres.GET("/:expert_id", h.GetPresence)
			pres.POST("/bulk", h.BulkPresence)
			pres.POST("/heartbeat", h.Heartbeat)
			pres.PUT("", rbac.RequireAnyRole(rbac.RoleExpert), h.SetPresence)
		}

		// CALL routes
		callGroup := v1.Group("/calls")
		{
			callGroup.POST("", rbac.RequireAnyRole(rbac.RoleUser), h.InitiateCall)
			callGroup.GET("/requests", rbac.RequireAnyRole(rbac.RoleExpert), h.IncomingRequests)
			callGroup.POST("/requests/:request_id/accept", rbac.RequireAnyRole(rbac.RoleExpert), h.AcceptCall)
			callGroup.POST("/requests/:request_id/decline", rbac.RequireAnyRole(rbac.RoleExpert), h.DeclineCall)
			callGroup.GET("/:session_id", h.GetCallSession)
			callGroup.POST("/:session_id/end", h.EndCall)

			// Settlement is back-office/internal only; callers never decide
			// their own refunds.
			callGroup.POST("/:session_id/settle-refund",
				rbac.RequireAnyRole(rbac.RoleSupport), h.SettleRefund)
		}

		// WALLET routes
		wallets := v1.Group("/wallet")
		{
			wallets.GET("/balance", h.GetWalletBalance)
			wallets.GET("/transactions", h.ListWalletTransactions)
		}

		// REPORT routes
		v1.GET("/reports/experts/:expert_id/summary", h.ExpertSummary)

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole())
		{
			admin.POST("/wallets/manual-credit", h.AdminManualCredit)
		}
	}
}
