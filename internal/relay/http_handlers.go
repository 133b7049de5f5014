package relay

import (
	"context"
	"net/http"
	"strings"

	"collections-voice/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamHandler upgrades carrier media-stream requests and serves them on
// a TelephonyLeg.
type StreamHandler struct {
	Leg *TelephonyLeg
	// Root outlives the HTTP request and is cancelled at shutdown.
	Root context.Context
	// AllowedOrigins lists browser origins accepted in addition to
	// origin-less carrier connections.
	AllowedOrigins []string
}

func (h *StreamHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range h.AllowedOrigins {
				if strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Handle serves GET /media-stream.
func (h *StreamHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	root := h.Root
	if root == nil {
		root = context.Background()
	}
	if err := h.Leg.Serve(root, conn); err != nil {
		log.Warn("media stream ended with error", "err", err)
	}
}
