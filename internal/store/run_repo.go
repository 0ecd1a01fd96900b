package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = fmt.Errorf("run %w", scrape.ErrNotFound)

// ErrMissingUnitKey is returned by Insert when the arguments lack the unit key.
var ErrMissingUnitKey = fmt.Errorf("%w: arguments.%s is required", scrape.ErrValidation, scrape.ArgumentUnitKey)

// StatusUpdate describes one ledger transition driven by a status message.
type StatusUpdate struct {
	// ID is the run to mutate. Unknown IDs are ignored.
	ID string
	// Status is the new run status.
	Status scrape.RunStatus
	// At stamps the transition column and updated_at.
	At time.Time
	// ErrorMessage is stored only for failed runs.
	ErrorMessage string
}

// RunRepository is the durable ledger of dispatch attempts.
type RunRepository interface {
	// Insert stores a pending run with its computed hash and returns the stored row.
	Insert(ctx context.Context, run scrape.Run) (scrape.Run, error)
	// LatestPerHash returns the newest run per hash for the queue type, ordered by updated_at ascending.
	LatestPerHash(ctx context.Context, queueType scrape.QueueType) ([]scrape.Run, error)
	// UpdateStatus applies a transition; a missing run is a no-op.
	UpdateStatus(ctx context.Context, update StatusUpdate) error
	// Get fetches a run by id or returns ErrNotFound.
	Get(ctx context.Context, id string) (scrape.Run, error)
	// Reset deletes runs for one queue type, or all runs when queueType is nil.
	Reset(ctx context.Context, queueType *scrape.QueueType) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// ValidateInsert checks a run before any I/O.
func ValidateInsert(run scrape.Run) error {
	if run.UnitKey() == "" {
		return ErrMissingUnitKey
	}
	if run.Type == "" {
		return fmt.Errorf("%w: type is required", scrape.ErrValidation)
	}
	return nil
}

// ValidateUpdate checks a status update before any I/O.
func ValidateUpdate(update StatusUpdate) error {
	if update.ID == "" {
		return fmt.Errorf("%w: run id is required", scrape.ErrValidation)
	}
	if !update.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", scrape.ErrValidation, update.Status)
	}
	return nil
}

// ApplyUpdate mutates run in place the way every ledger backend must.
func ApplyUpdate(run *scrape.Run, update StatusUpdate) {
	at := update.At
	run.Status = update.Status
	run.UpdatedAt = at
	switch update.Status {
	case scrape.RunProcessing:
		run.StartedAt = &at
	case scrape.RunProcessed:
		run.CompletedAt = &at
	case scrape.RunFailed:
		run.FailedAt = &at
		msg := update.ErrorMessage
		run.FailedErrorMessage = &msg
	case scrape.RunPending:
	}
}

// IsNotFound reports whether err is a missing-run error.
func IsNotFound(err error) bool {
	return errors.Is(err, scrape.ErrNotFound)
}

// PrepareInsert validates run and fills the columns every backend derives on insert.
func PrepareInsert(
	run scrape.Run,
	ids scrape.IDGenerator,
	hasher scrape.Hasher,
	clock scrape.Clock,
) (scrape.Run, error) {
	if err := ValidateInsert(run); err != nil {
		return scrape.Run{}, err
	}
	hash, err := RunHash(hasher, run.Type, run.UnitKey())
	if err != nil {
		return scrape.Run{}, err
	}
	if run.ID == "" {
		id, err := ids.NewID()
		if err != nil {
			return scrape.Run{}, fmt.Errorf("generate run id: %w", err)
		}
		run.ID = id
	}
	now := clock.Now()
	run.Hash = hash
	run.Status = scrape.RunPending
	run.StartedAt = nil
	run.CompletedAt = nil
	run.FailedAt = nil
	run.FailedErrorMessage = nil
	run.CreatedAt = now
	run.UpdatedAt = now
	return run, nil
}
