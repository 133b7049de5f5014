package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"

	ctxLogger  = "logger"
	ctxCallRef = "logger.call_ref"
	ctxActor   = "logger.actor"
)

// Middleware injects a request-scoped logger and writes one summary line per
// request. Handlers that resolve a call attach it with Annotate so the summary
// carries the call identifiers; authenticated routes attach the operator with
// SetActor.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ctxLogger, reqLogger)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if actor := c.GetString(ctxActor); actor != "" {
			attrs = append(attrs, "operator_id", actor)
		}
		if v, ok := c.Get(ctxCallRef); ok {
			if ref, ok := v.(CallRef); ok {
				attrs = append(attrs, ref.attrs()...)
			}
		}

		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "errors", c.Errors.String())
			reqLogger.Error("request", attrs...)
		case status >= http.StatusInternalServerError:
			reqLogger.Error("request", attrs...)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			// Rejected webhooks and tokens are worth seeing without debug logs.
			reqLogger.Warn("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

// Annotate binds ref to the request: the request logger gains its
// identifiers and the summary line reports them. Empty fields in ref keep
// earlier values.
func Annotate(c *gin.Context, ref CallRef) *slog.Logger {
	if v, ok := c.Get(ctxCallRef); ok {
		if prev, ok := v.(CallRef); ok {
			ref = prev.merge(ref)
		}
	}
	c.Set(ctxCallRef, ref)

	base := slog.Default()
	if v, ok := c.Get(ctxLogger); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			base = l
		}
	}
	l := ForCall(base, ref)
	c.Set(ctxLogger+".call", l)
	return l
}

// SetActor records the authenticated operator for the summary line.
func SetActor(c *gin.Context, userID string) {
	if userID != "" {
		c.Set(ctxActor, userID)
	}
}

// FromGin returns the request logger, including identifiers added by
// Annotate.
func FromGin(c *gin.Context) *slog.Logger {
	for _, key := range []string{ctxLogger + ".call", ctxLogger} {
		if v, ok := c.Get(key); ok {
			if l, ok := v.(*slog.Logger); ok && l != nil {
				return l
			}
		}
	}
	return slog.Default()
}
