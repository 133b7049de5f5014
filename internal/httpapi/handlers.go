package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"collections-voice/internal/audit"
	"collections-voice/internal/auth"
	"collections-voice/internal/calls"
	"collections-voice/internal/dispatch"
	"collections-voice/internal/queue"
	"collections-voice/internal/rbac"
	"collections-voice/internal/reporting"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CallReader is the read side of the Call Record Store.
type CallReader interface {
	Get(ctx context.Context, id string) (calls.Call, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Queue     queue.Publisher
	Calls     CallReader
	Reporting *reporting.Service
	Audit     *audit.Service

	// AllowLogin enables the token endpoint outside production.
	AllowLogin bool
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Team   string `json:"team"`
	Role   string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login issues a JWT token pair.
//
// NOTE: local/dev only. Production tokens come from the identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.AllowLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
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
	if rbac.IsHiddenRole(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "role not available for login"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{UserID: req.UserID, Team: req.Team, Role: req.Role})
	if errors.Is(err, auth.ErrUnknownRole) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	logger.SetActor(c, req.UserID)
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Refresh exchanges a refresh token for a new pair. Unlike Login it stays
// enabled in production, for tokens minted by the identity provider.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, id, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		logger.FromGin(c).Warn("token refresh rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	logger.SetActor(c, id.UserID)
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

// CreateCall enqueues a manual call. The job id is fixed here so a client
// retry with the same id collapses onto one Call Record.
func (h Handlers) CreateCall(c *gin.Context) {
	if h.Queue == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue not configured"})
		return
	}
	var req queue.CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	job := req.Job()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	logger.Annotate(c, logger.CallRef{ReceivableID: job.ReceivableID, CampaignID: job.CampaignID})
	if err := dispatch.Validate(job); err != nil {
		c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
		return
	}

	id, err := h.Queue.Publish(c.Request.Context(), job, queue.PublishOptions{})
	if err != nil {
		logger.FromGin(c).Error("manual dispatch enqueue failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "enqueue failed"})
		return
	}

	actor, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	h.Audit.Record(c.Request.Context(), audit.Event{
		Type:         audit.EventTypeManualDispatch,
		ActorUserID:  actor,
		ActorRole:    role,
		IPAddress:    c.ClientIP(),
		ReceivableID: job.ReceivableID,
		CampaignID:   job.CampaignID,
		Message:      "manual call enqueued",
		Metadata:     audit.Meta(map[string]any{"job_id": id, "mode": job.Mode, "team": auth.Team(c.Request.Context())}),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "job_id": id})
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	logger.Annotate(c, logger.CallRef{CallID: c.Param("id")})
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Reporting ---

// CampaignSummary answers GET /v1/campaigns/:id/summary?from=&to= with
// RFC3339 bounds. The range defaults to the last 24 hours.
func (h Handlers) CampaignSummary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}

	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		CampaignID: c.Param("id"),
		Range:      reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Convenience middleware bundles.

func RequireTeamAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireTeam(), rbac.RequireAnyRole(roles...)}
}
