package calls

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"collections-voice/pkg/utils"
)

//go:embed schema.sql
var schemaDDL string

const (
	pkeyConstraint  = "calls_pkey"
	dedupConstraint = "calls_dedup_key_active"
)

// PostgresRepo stores Call Records through database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema creates the calls table and its indexes if missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, schemaDDL)
}

const callColumns = `id, receivable_id, campaign_id, phone_number, status, duration,
start_time, end_time, COALESCE(dedup_key, ''), metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c        Call
		duration sql.NullInt64
		start    sql.NullTime
		end      sql.NullTime
		meta     []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.ReceivableID,
		&c.CampaignID,
		&c.PhoneNumber,
		&c.Status,
		&duration,
		&start,
		&end,
		&c.DedupKey,
		&meta,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		c.Duration = &d
	}
	if start.Valid {
		c.StartTime = &start.Time
	}
	if end.Valid {
		c.EndTime = &end.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return Call{}, err
		}
	}
	return c, nil
}

func metaJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func statusStrings(in []CallStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	meta, err := metaJSON(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (
  id, receivable_id, campaign_id, phone_number, status, duration,
  start_time, end_time, dedup_key, metadata, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err = r.db.ExecContext(ctx, q,
		c.ID,
		c.ReceivableID,
		c.CampaignID,
		c.PhoneNumber,
		string(c.Status),
		c.Duration,
		c.StartTime,
		c.EndTime,
		nullString(c.DedupKey),
		meta,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, dedupConstraint) || utils.IsUniqueViolation(err, pkeyConstraint) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) FindByDedupKey(ctx context.Context, key string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE dedup_key = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, key))
}

// Advance locks the row, checks the rank guard and writes in one
// transaction, so a rejected update returns the state that rejected it.
func (r *PostgresRepo) Advance(ctx context.Context, id string, u Update, now time.Time) (Call, bool, error) {
	meta, err := metaJSON(u.Metadata)
	if err != nil {
		return Call{}, false, err
	}
	q := `
UPDATE calls SET
  status     = $2,
  duration   = COALESCE($3, duration),
  start_time = COALESCE(start_time, $4),
  end_time   = COALESCE(end_time, $5),
  metadata   = metadata || $6::jsonb,
  updated_at = $7
WHERE id = $1
RETURNING ` + callColumns

	var (
		out     Call
		applied bool
	)
	err = utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanCall(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, u.Status) {
			out = cur
			return nil
		}
		out, err = scanCall(tx.QueryRowContext(ctx, q,
			id,
			string(u.Status),
			u.Duration,
			u.StartTime,
			u.EndTime,
			meta,
			now,
		))
		applied = err == nil
		return err
	})
	if err != nil {
		return Call{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) BackfillDuration(ctx context.Context, id string, seconds int, now time.Time) (Call, bool, error) {
	q := `
UPDATE calls SET duration = $2, updated_at = $3
WHERE id = $1 AND duration IS NULL AND status = ANY($4)
RETURNING ` + callColumns
	terminal := statusStrings([]CallStatus{CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy})
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id, seconds, now, terminal))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Call{}, false, err
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return Call{}, false, err
	}
	return cur, false, nil
}

func (r *PostgresRepo) Rekey(ctx context.Context, oldID, newID string, now time.Time) (Call, error) {
	if oldID == newID {
		return r.Get(ctx, oldID)
	}
	q := `
UPDATE calls SET
  id = $2,
  metadata = metadata || jsonb_build_object('` + MetaInternalID + `', $1::text, '` + MetaProviderCallSID + `', $2::text),
  updated_at = $3
WHERE id = $1
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, oldID, newID, now))
	if utils.IsUniqueViolation(err, pkeyConstraint) {
		return Call{}, ErrDuplicate
	}
	return c, err
}

func (r *PostgresRepo) MarkPlacementFailed(ctx context.Context, id, reason string, now time.Time) (Call, error) {
	q := `
UPDATE calls SET
  status = $2,
  dedup_key = NULL,
  end_time = COALESCE(end_time, $3),
  metadata = metadata || jsonb_build_object('` + MetaFailureReason + `', $4::text),
  updated_at = $3
WHERE id = $1 AND status = ANY($5)
RETURNING ` + callColumns
	open := statusStrings(lowerRanked(CallStatusFailed))
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id, string(CallStatusFailed), now, reason, open))
	if errors.Is(err, ErrNotFound) {
		return r.Get(ctx, id)
	}
	return c, err
}

func (r *PostgresRepo) MergeMetadata(ctx context.Context, id string, meta map[string]any, now time.Time) error {
	b, err := metaJSON(meta)
	if err != nil {
		return err
	}
	const q = `UPDATE calls SET metadata = metadata || $2::jsonb, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, b, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]Call, error) {
	q := `
SELECT ` + callColumns + ` FROM calls
WHERE ($1 = '' OR campaign_id = $1)
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, f.CampaignID, nullTime(f.From), nullTime(f.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
