package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"collections-voice/pkg/logger"
)

func TestService_AppendRequiresSubjectAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallFailed}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without subject, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{CallID: "CA1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without type, got %v", err)
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())

	svc.Record(context.Background(), Event{
		Type:         EventTypeCallDispatched,
		CallID:       "CA1",
		ReceivableID: "r1",
		Metadata:     Meta(map[string]any{"mode": "stream"}),
	})
	svc.Record(context.Background(), Event{Type: EventTypeRelayFault})

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
	if !strings.Contains(evs[0].Metadata, `"mode":"stream"`) {
		t.Fatalf("unexpected metadata %q", evs[0].Metadata)
	}
	if len(repo.OfType(EventTypeCallDispatched)) != 1 {
		t.Fatalf("expected call_dispatched event")
	}
}

func TestService_NilIsNoop(t *testing.T) {
	var svc *Service
	svc.Record(context.Background(), Event{Type: EventTypeCallFailed, CallID: "CA1"})
}
