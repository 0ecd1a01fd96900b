// Package memory provides in-process ledger and blob stores for development and tests.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

// RunStore implements store.RunRepository in memory.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]scrape.Run
	ids    scrape.IDGenerator
	hasher scrape.Hasher
	clock  scrape.Clock
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore(ids scrape.IDGenerator, hasher scrape.Hasher, clock scrape.Clock) *RunStore {
	return &RunStore{
		runs:   make(map[string]scrape.Run),
		ids:    ids,
		hasher: hasher,
		clock:  clock,
	}
}

// Insert stores a pending run.
func (s *RunStore) Insert(_ context.Context, run scrape.Run) (scrape.Run, error) {
	prepared, err := store.PrepareInsert(run, s.ids, s.hasher, s.clock)
	if err != nil {
		return scrape.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[prepared.ID] = cloneRun(prepared)
	return prepared, nil
}

// LatestPerHash returns the newest run per hash ordered by updated_at ascending.
func (s *RunStore) LatestPerHash(_ context.Context, queueType scrape.QueueType) ([]scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]scrape.Run, 0, len(s.runs))
	for _, run := range s.runs {
		all = append(all, cloneRun(run))
	}
	return store.SelectLatestPerHash(all, queueType), nil
}

// UpdateStatus applies a status transition. Unknown IDs are ignored.
func (s *RunStore) UpdateStatus(_ context.Context, update store.StatusUpdate) error {
	if err := store.ValidateUpdate(update); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[update.ID]
	if !ok {
		return nil
	}
	store.ApplyUpdate(&run, update)
	s.runs[update.ID] = run
	return nil
}

// Get returns a run by id.
func (s *RunStore) Get(_ context.Context, id string) (scrape.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return scrape.Run{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// Reset deletes runs for queueType, or every run when queueType is nil.
func (s *RunStore) Reset(_ context.Context, queueType *scrape.QueueType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, run := range s.runs {
		if queueType != nil && run.Type != *queueType {
			continue
		}
		delete(s.runs, id)
		deleted++
	}
	return deleted, nil
}

// Ping always succeeds.
func (s *RunStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *RunStore) Close() {}

// Put stores run verbatim. Used to seed fixtures.
func (s *RunStore) Put(run scrape.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
}

// cloneRun copies the reference fields of run so callers never share them
// with the stored row.
func cloneRun(run scrape.Run) scrape.Run {
	run.Arguments = maps.Clone(run.Arguments)
	run.StartedAt = clonePtr(run.StartedAt)
	run.CompletedAt = clonePtr(run.CompletedAt)
	run.FailedAt = clonePtr(run.FailedAt)
	run.FailedErrorMessage = clonePtr(run.FailedErrorMessage)
	return run
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
