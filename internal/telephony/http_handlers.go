package telephony

import (
	"net/http"
	"strings"

	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator is satisfied by *client.RequestValidator from twilio-go.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// RequireTwilioSignature rejects webhook requests whose X-Twilio-Signature
// does not match. publicBaseURL is the externally visible origin Twilio
// signed against (proxies rewrite Host). A nil validator disables the check.
func RequireTwilioSignature(v SignatureValidator, publicBaseURL string) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		log := logger.FromGin(c)

		sig := c.GetHeader(SignatureHeader)
		if sig == "" {
			log.Warn("twilio webhook missing signature", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k, vals := range c.Request.PostForm {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}
		url := base + c.Request.URL.RequestURI()
		if !v.Validate(url, params, sig) {
			log.Warn("twilio webhook signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// WriteTwiML writes an XML response with status 200.
func WriteTwiML(c *gin.Context, twiml string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
