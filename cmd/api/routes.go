package main

import (
	"database/sql"
	"net/http"
	"time"

	"practice-dialer/internal/config"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/httpapi"
	"practice-dialer/internal/rbac"
	"practice-dialer/internal/webhook"
	"practice-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	cfg      config.Config
	db       *sql.DB
	registry *prometheus.Registry
	authMW   gin.HandlerFunc
	ledger   *credits.Service
	webhooks webhook.Handler
	api      httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.api

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	// Provider webhooks (public, HMAC-signed).
	r.POST("/webhooks/elevenlabs", d.webhooks.Receive)

	// token issuance for local and dev environments only
	if !d.cfg.IsProduction() {
		r.POST("/v1/auth/login", h.Login)
	}

	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		// CREDITS
		cr := v1.Group("/credits")
		cr.Use(httpapi.RequireUserAndAnyRole(rbac.RoleUser, rbac.RoleAdmin)...)
		cr.Use(h.EnsureAccount())
		{
			cr.GET("", h.GetCredits)
			cr.GET("/usage", h.GetUsage)
		}

		// CALLS
		calls := v1.Group("/calls")
		calls.Use(httpapi.RequireUserAndAnyRole(rbac.RoleUser, rbac.RoleAdmin)...)
		calls.Use(h.EnsureAccount())
		{
			calls.GET("", h.ListCalls)
			calls.GET("/preflight", h.Preflight)
			calls.POST("", credits.RequireAvailableSeconds(d.ledger, d.cfg.Scheduling.MinimumLastCallSeconds), h.ScheduleCall)
			calls.POST("/:call_id/cancel", h.CancelCall)
		}

		// ADMIN routes
		// Hidden support role can read reconciliation only.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireUser())
		{
			read := admin.Group("")
			read.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSupport))
			read.GET("/credits/:user_id/reconcile", h.Reconcile)
			read.GET("/credits/:user_id/audit", h.AuditHistory)

			write := admin.Group("")
			write.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
			write.POST("/credits/award", h.AdminAward)
			write.POST("/credits/deduct", h.AdminDeduct)
			write.POST("/credits/refund", h.AdminRefund)
			write.POST("/blocklist", h.BlockPractice)
		}
	}
}
