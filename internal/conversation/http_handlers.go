package conversation

import (
	"errors"
	"net/http"

	"collections-voice/internal/dispatch"
	"collections-voice/internal/telephony"
	"collections-voice/pkg/errs"
	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the turn loop to the carrier.
type Handlers struct {
	Controller *Controller
	Audio      AudioStore
}

// Start serves POST /webhooks/twilio/turn/start, the answer URL of
// turn-mode calls. Call context arrives as query parameters.
func (h *Handlers) Start(c *gin.Context) {
	form, err := telephony.ParseGatherCallback(c.Request)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
		return
	}
	cc := CallContext{
		CallID:       form.CallSid,
		ReceivableID: c.Query(dispatch.ParamReceivableID),
		CampaignID:   c.Query(dispatch.ParamCampaignID),
		ContactName:  c.Query(dispatch.ParamContactName),
		AmountDue:    c.Query(dispatch.ParamAmountDue),
		Currency:     c.Query(dispatch.ParamCurrency),
		DueDate:      c.Query(dispatch.ParamDueDate),
	}
	log := logger.Annotate(c, logger.CallRef{CallID: cc.CallID, ReceivableID: cc.ReceivableID, CampaignID: cc.CampaignID})
	twiml, err := h.Controller.Begin(c.Request.Context(), cc)
	if err != nil {
		log.Warn("turn start ended the call", "err", err)
	}
	telephony.WriteTwiML(c, twiml)
}

// Turn serves POST /webhooks/twilio/turn, the gather action.
func (h *Handlers) Turn(c *gin.Context) {
	form, err := telephony.ParseGatherCallback(c.Request)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err)})
		return
	}
	log := logger.Annotate(c, logger.CallRef{CallID: form.CallSid})
	twiml, err := h.Controller.Turn(c.Request.Context(), form.CallSid, form.SpeechResult)
	if err != nil {
		log.Warn("turn ended the call", "err", err)
	}
	telephony.WriteTwiML(c, twiml)
}

// Media serves GET /media/tts/:id for the carrier's <Play>.
func (h *Handlers) Media(c *gin.Context) {
	a, err := h.Audio.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAudioNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("tts audio lookup failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, a.ContentType, a.Data)
}
