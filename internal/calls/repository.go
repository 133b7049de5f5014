package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("calls: not found")
	ErrDuplicate = errors.New("calls: duplicate")
	ErrInvalid   = errors.New("calls: invalid call")
)

// Repository is the persistence contract for Call Records.
//
// Every status write is conditional on the stored status ranking below the
// new one, so concurrent writers (status callback vs relay teardown) cannot
// regress a record. There is no Delete.
type Repository interface {
	// Create inserts c. It fails with ErrDuplicate when c.ID exists or when
	// another record holds the same non-empty DedupKey.
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	FindByDedupKey(ctx context.Context, key string) (Call, error)

	// Advance applies u if the stored status ranks below u.Status.
	// The bool is false (with a nil error) when the write was rejected.
	Advance(ctx context.Context, id string, u Update, now time.Time) (Call, bool, error)
	// BackfillDuration sets the duration of a terminal record whose duration
	// is still null.
	BackfillDuration(ctx context.Context, id string, seconds int, now time.Time) (Call, bool, error)

	// Rekey moves the record from its internal id to the provider call id.
	Rekey(ctx context.Context, oldID, newID string, now time.Time) (Call, error)
	// MarkPlacementFailed moves a non-terminal record to FAILED and releases
	// its dedup key.
	MarkPlacementFailed(ctx context.Context, id, reason string, now time.Time) (Call, error)
	MergeMetadata(ctx context.Context, id string, meta map[string]any, now time.Time) error

	List(ctx context.Context, f ListFilter) ([]Call, error)
}
