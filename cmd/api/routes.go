package main

import (
	"database/sql"
	"time"

	"dispo-voice/internal/httpapi"
	"dispo-voice/internal/legs"
	"dispo-voice/internal/telephony"
	"dispo-voice/pkg/utils"

	"github.com/gin-gonic/gin"
)

type registerDeps struct {
	authMW       gin.HandlerFunc
	db           *sql.DB
	calls        *legs.Service
	orchestrator httpapi.TransferService
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, deps registerDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by Telnyx signature validation in production.
	{
		h := telephony.TelnyxWebhookHandler{Events: deps.calls.HandleCallEvent}
		r.POST("/webhooks/telnyx", h.HandleEvent)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.authMW)
	{
		h := httpapi.Handlers{
			Transfers: deps.orchestrator,
			Calls:     deps.calls,
		}

		calls := v1.Group("/calls")
		{
			calls.POST("/start", h.StartCall)
			calls.POST("/record/start", h.StartRecording)
		}

		transfers := v1.Group("/transfers")
		{
			transfers.POST("/blind", h.BlindTransfer)
			transfers.POST("/consult/start", h.StartConsult)
			transfers.POST("/consult/bridge", h.BridgeConsult)
			transfers.POST("/consult/complete", h.CompleteTransfer)
			transfers.POST("/consult/cancel", h.CancelConsult)
		}
	}
}
