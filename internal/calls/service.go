package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service owns Call Record lifecycle rules on top of a Repository.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// Create inserts a new record at SCHEDULED. An empty ID gets an internal uuid.
func (s *Service) Create(ctx context.Context, c Call) (Call, error) {
	if s.repo == nil {
		return Call{}, errors.New("calls: repository not configured")
	}
	if strings.TrimSpace(c.ReceivableID) == "" {
		return Call{}, fmt.Errorf("%w: receivable_id required", ErrInvalid)
	}
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = CallStatusScheduled
	c.Duration = nil
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.repo.Create(ctx, c); err != nil {
		return Call{}, err
	}
	return c, nil
}

// Transition applies a status write from any writer. Rejected writes are not
// errors: they return OutcomeIgnored with the stored record. A terminal
// record with a null duration accepts the duration from a later callback.
func (s *Service) Transition(ctx context.Context, id string, u Update) (Call, Outcome, error) {
	if !IsValid(u.Status) {
		return Call{}, OutcomeIgnored, fmt.Errorf("%w: unknown status %q", ErrInvalid, u.Status)
	}
	now := s.now()
	c, applied, err := s.repo.Advance(ctx, id, u, now)
	if err != nil {
		return Call{}, OutcomeIgnored, err
	}
	if applied {
		return c, OutcomeApplied, nil
	}
	if u.Duration != nil && IsTerminal(c.Status) && c.Duration == nil {
		bc, ok, err := s.repo.BackfillDuration(ctx, id, *u.Duration, now)
		if err != nil {
			return Call{}, OutcomeIgnored, err
		}
		if ok {
			return bc, OutcomeBackfilled, nil
		}
		c = bc
	}
	return c, OutcomeIgnored, nil
}

func (s *Service) Rekey(ctx context.Context, oldID, newID string) (Call, error) {
	if strings.TrimSpace(newID) == "" {
		return Call{}, fmt.Errorf("%w: provider id required", ErrInvalid)
	}
	return s.repo.Rekey(ctx, oldID, newID, s.now())
}

func (s *Service) MarkPlacementFailed(ctx context.Context, id, reason string) (Call, error) {
	return s.repo.MarkPlacementFailed(ctx, id, reason, s.now())
}

func (s *Service) MergeMetadata(ctx context.Context, id string, meta map[string]any) error {
	return s.repo.MergeMetadata(ctx, id, meta, s.now())
}

func (s *Service) Get(ctx context.Context, id string) (Call, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) FindByDedupKey(ctx context.Context, key string) (Call, error) {
	return s.repo.FindByDedupKey(ctx, key)
}

// Exists reports whether a record currently holds dedup key.
func (s *Service) Exists(ctx context.Context, dedupKey string) (bool, error) {
	if dedupKey == "" {
		return false, nil
	}
	_, err := s.repo.FindByDedupKey(ctx, dedupKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Call, error) {
	return s.repo.List(ctx, f)
}
