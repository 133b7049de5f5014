package queue

import (
	"encoding/json"
	"io"
	"net/http"

	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// MessageIDHeader lets the queue carrier pass its delivery id.
const MessageIDHeader = "X-Queue-Message-Id"

const maxDeliveryBody = 64 << 10

// WebhookHandler receives pushed job deliveries (POST /webhooks/queue/calls),
// verifies them, and runs the same Handler the pull Worker uses.
//
// Non-2xx responses make the carrier redeliver, so validation failures
// answer 400 with NonRetryableHeader set and transient failures answer 5xx.
type WebhookHandler struct {
	Verifier Verifier
	Handler  Handler
}

// NonRetryableHeader tells the carrier not to redeliver.
const NonRetryableHeader = "X-Queue-Non-Retryable"

// CallRequest is the one request schema for starting a call, shared by the
// queue webhook and the operator API.
type CallRequest struct {
	ID           string  `json:"id"`
	ReceivableID string  `json:"receivableId"`
	CampaignID   string  `json:"campaignId"`
	PhoneNumber  string  `json:"phoneNumber"`
	TriggerType  string  `json:"triggerType"`
	Mode         Mode    `json:"mode"`
	Contact      Contact `json:"contact"`
}

// Job converts the request, defaulting the mode to stream.
func (r CallRequest) Job() Job {
	job := Job{
		ID:           r.ID,
		ReceivableID: r.ReceivableID,
		CampaignID:   r.CampaignID,
		PhoneNumber:  r.PhoneNumber,
		TriggerType:  r.TriggerType,
		Mode:         r.Mode,
		Contact:      r.Contact,
	}
	if job.Mode == "" {
		job.Mode = ModeStream
	}
	return job
}

func (h WebhookHandler) HandleDelivery(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Handler == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue handler not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDeliveryBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.Verifier != nil {
		if err := h.Verifier.Verify(c.Request, body); err != nil {
			log.Warn("queue delivery rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var req CallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.Header(NonRetryableHeader, "true")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	job := req.Job()
	if job.ID == "" {
		job.ID = c.GetHeader(MessageIDHeader)
	}
	log = logger.Annotate(c, logger.CallRef{ReceivableID: job.ReceivableID, CampaignID: job.CampaignID})

	if err := h.Handler(c.Request.Context(), job); err != nil {
		status := errs.HTTPStatus(err)
		if !errs.Retryable(err) {
			c.Header(NonRetryableHeader, "true")
			log.Warn("queue delivery invalid", "err", err)
		} else {
			log.Error("queue delivery failed", "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": errs.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "job_id": job.ID})
}
