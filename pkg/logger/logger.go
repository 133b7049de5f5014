package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// CallRef carries the correlation identifiers attached to pipeline logs.
type CallRef struct {
	CallID       string
	ReceivableID string
	CampaignID   string
	StreamID     string
}

// ForCall returns l annotated with the non-empty identifiers in ref.
func ForCall(l *slog.Logger, ref CallRef) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	attrs := ref.attrs()
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

func (r CallRef) attrs() []any {
	var attrs []any
	if r.CallID != "" {
		attrs = append(attrs, "call_id", r.CallID)
	}
	if r.ReceivableID != "" {
		attrs = append(attrs, "receivable_id", r.ReceivableID)
	}
	if r.CampaignID != "" {
		attrs = append(attrs, "campaign_id", r.CampaignID)
	}
	if r.StreamID != "" {
		attrs = append(attrs, "stream_id", r.StreamID)
	}
	return attrs
}

func (r CallRef) merge(next CallRef) CallRef {
	if next.CallID != "" {
		r.CallID = next.CallID
	}
	if next.ReceivableID != "" {
		r.ReceivableID = next.ReceivableID
	}
	if next.CampaignID != "" {
		r.CampaignID = next.CampaignID
	}
	if next.StreamID != "" {
		r.StreamID = next.StreamID
	}
	return r
}

// Discard returns a logger that drops everything. Used by tests and
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ShutdownFlush is a placeholder for future log flushing (if a buffered logger is used).
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
