// Package testutils provides in-memory implementations of the domain
// repositories and the Telegram client for tests.
package testutils

import (
	"context"
	"sync"
	"time"

	"subscription_bot/internal/domain/batch"

	"github.com/google/uuid"
)

// Increment is one recorded IncrementCounters call.
type Increment struct {
	BatchID    uuid.UUID
	Successful int
	Failed     int
}

// BatchStore is an in-memory batch.Repository.
type BatchStore struct {
	mu         sync.Mutex
	batches    map[uuid.UUID]*batch.Batch
	Increments []Increment

	CreateErr    error
	IncrementErr error
	CompleteErr  error
}

func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[uuid.UUID]*batch.Batch)}
}

func (s *BatchStore) Create(_ context.Context, b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if b.Status == "" {
		b.Status = batch.StatusPending
	}
	b.CreatedAt = time.Now()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

// Put stores b as-is, for arranging state directly.
func (s *BatchStore) Put(b *batch.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[b.ID] = &cp
}

func (s *BatchStore) GetByID(_ context.Context, id uuid.UUID) (*batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, batch.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *BatchStore) MarkInProgress(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batch.ErrNotFound
	}
	if b.Status == batch.StatusPending {
		b.Status = batch.StatusInProgress
		b.StartedAt.Time, b.StartedAt.Valid = time.Now(), true
	}
	return nil
}

func (s *BatchStore) IncrementCounters(_ context.Context, id uuid.UUID, successful, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Increments = append(s.Increments, Increment{BatchID: id, Successful: successful, Failed: failed})
	if s.IncrementErr != nil {
		return s.IncrementErr
	}
	if b, ok := s.batches[id]; ok {
		b.SuccessfulSends += successful
		b.FailedSends += failed
	}
	return nil
}

func (s *BatchStore) Complete(_ context.Context, id uuid.UUID, r batch.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	b, ok := s.batches[id]
	if !ok {
		return batch.ErrNotFound
	}
	if b.CompletedAt.Valid {
		return nil
	}
	b.Status = r.Status
	b.SuccessfulSends = r.SuccessfulSends
	b.FailedSends = r.FailedSends
	b.ErrorDetails = r.ErrorDetails
	b.ErrorSummary = r.ErrorSummary
	b.CompletedAt.Time, b.CompletedAt.Valid = time.Now(), true
	return nil
}

func (s *BatchStore) FailStale(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.batches {
		if b.Status != batch.StatusPending && b.Status != batch.StatusInProgress {
			continue
		}
		b.Status = batch.StatusFailed
		b.CompletedAt.Time, b.CompletedAt.Valid = time.Now(), true
		if b.ErrorSummary == nil {
			b.ErrorSummary = make(map[string]int)
		}
		b.ErrorSummary["server_restart"] = 1
		b.ErrorDetails = append(b.ErrorDetails, batch.FailedSendDetail{
			ErrorMessage: reason,
			ErrorType:    "ServerRestart",
			ErrorKey:     "server_restart",
		})
		n++
	}
	return n, nil
}

// All returns a snapshot of every stored batch.
func (s *BatchStore) All() []*batch.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*batch.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		cp := *b
		out = append(out, &cp)
	}
	return out
}
