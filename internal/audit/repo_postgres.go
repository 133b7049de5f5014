package audit

import (
	"context"
	"database/sql"
	"fmt"

	"collections-voice/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id            TEXT PRIMARY KEY,
    type          TEXT NOT NULL,
    actor_user_id TEXT,
    actor_role    TEXT,
    ip_address    TEXT,
    call_id       TEXT,
    receivable_id TEXT,
    campaign_id   TEXT,
    stream_id     TEXT,
    message       TEXT,
    metadata      JSONB,
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_call_id ON audit_events (call_id);
CREATE INDEX IF NOT EXISTS audit_events_receivable_id ON audit_events (receivable_id)
`

// PostgresRepo appends events to audit_events. It has no update or delete
// path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, schema)
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	var meta any
	if e.Metadata != "" {
		meta = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_events
  (id, type, actor_user_id, actor_role, ip_address, call_id, receivable_id, campaign_id, stream_id, message, metadata, created_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11::jsonb, $12)`,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CallID, e.ReceivableID, e.CampaignID, e.StreamID, e.Message, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}
