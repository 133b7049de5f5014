package ingest

import (
	"errors"
	"net/http"

	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusCallbackHandler serves POST /webhooks/twilio/status.
type StatusCallbackHandler struct {
	Ingestor *Ingestor
}

func (h StatusCallbackHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Ingestor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingestor not configured"})
		return
	}

	form, err := telephony.ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
		return
	}
	log = logger.Annotate(c, logger.CallRef{CallID: form.CallSid})

	res, err := h.Ingestor.Ingest(c.Request.Context(), Callback{
		ProviderCallID: form.CallSid,
		Status:         form.CallStatus,
		Duration:       form.CallDuration,
	})
	switch {
	case errors.Is(err, ErrUnknownCall):
		// Reported, not fatal: answer 200 so the provider does not retry.
		c.JSON(http.StatusOK, gin.H{"status": "unknown", "call_id": form.CallSid})
		return
	case err != nil:
		log.Error("status callback ingest failed", "err", err)
		c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res.Outcome, "call_id": form.CallSid})
}
