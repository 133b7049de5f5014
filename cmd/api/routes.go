package main

import (
	"collections-voice/internal/audit"
	"collections-voice/internal/auth"
	"collections-voice/internal/conversation"
	"collections-voice/internal/httpapi"
	"collections-voice/internal/ingest"
	"collections-voice/internal/queue"
	"collections-voice/internal/rbac"
	"collections-voice/internal/relay"
	"collections-voice/internal/reporting"
	"collections-voice/internal/telephony"

	"github.com/gin-gonic/gin"
)

const (
	pathStatusCallback = "/webhooks/twilio/status"
	pathTurnStart      = "/webhooks/twilio/turn/start"
	pathTurn           = "/webhooks/twilio/turn"
	pathQueueDelivery  = "/webhooks/queue/calls"
	pathMediaStream    = "/media-stream"
	pathMedia          = "/media/tts/"
)

type routeDeps struct {
	PublicBaseURL string
	Signatures    telephony.SignatureValidator

	Auth       *auth.Manager
	AllowLogin bool

	Status       ingest.StatusCallbackHandler
	QueueWebhook queue.WebhookHandler
	Stream       *relay.StreamHandler
	Turn         *conversation.Handlers

	Queue     queue.Publisher
	Calls     httpapi.CallReader
	Reporting *reporting.Service
	Audit     *audit.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Carrier webhooks, signed with the account auth token.
	twilio := r.Group("/", telephony.RequireTwilioSignature(d.Signatures, d.PublicBaseURL))
	{
		twilio.POST(pathStatusCallback, d.Status.Handle)
		twilio.POST(pathTurnStart, d.Turn.Start)
		twilio.POST(pathTurn, d.Turn.Turn)
	}

	// Queue push deliveries carry their own HMAC signature.
	r.POST(pathQueueDelivery, d.QueueWebhook.HandleDelivery)

	// Carrier media stream and synthesized audio fetched by the carrier.
	r.GET(pathMediaStream, d.Stream.Handle)
	r.GET(pathMedia+":id", d.Turn.Media)

	h := httpapi.Handlers{
		Auth:       d.Auth,
		Queue:      d.Queue,
		Calls:      d.Calls,
		Reporting:  d.Reporting,
		Audit:      d.Audit,
		AllowLogin: d.AllowLogin,
	}
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.Auth), rbac.RequireTeam())
	{
		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.IdentityFrom(c.Request.Context())
			c.JSON(200, gin.H{"user_id": id.UserID, "team": id.Team, "role": id.Role})
		})

		calls := v1.Group("/calls")
		{
			calls.POST("", rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleCollector), h.CreateCall)
			calls.GET("/:id", rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleCollector, rbac.RoleAnalyst), h.GetCall)
		}

		campaigns := v1.Group("/campaigns")
		campaigns.Use(rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleAnalyst))
		{
			campaigns.GET("/:id/summary", h.CampaignSummary)
		}
	}
}
