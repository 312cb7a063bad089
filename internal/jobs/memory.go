package jobs

import (
	"context"
	"sync"
	"time"

	"broll/internal/pkg/errors"
)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]Record
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]Record), now: func() time.Time { return time.Now().UTC() }}
}

func (m *Memory) Create(_ context.Context, rec Record) error {
	if err := newRecordCheck(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[rec.ID]; ok {
		return errDuplicate(rec.ID)
	}
	now := m.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.jobs[rec.ID] = rec
	return nil
}

func (m *Memory) Transition(_ context.Context, id string, state State, failure *Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if !CanTransition(rec.State, state) {
		return errTransition(id, rec.State, state)
	}
	rec.State = state
	if state == StateFailed {
		rec.Failure = failure
	}
	rec.UpdatedAt = m.now()
	m.jobs[id] = rec
	return nil
}

func (m *Memory) Complete(_ context.Context, id string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return errors.NotFound("job", id)
	}
	if !CanTransition(rec.State, StateCompleted) {
		return errTransition(id, rec.State, StateCompleted)
	}
	rec.State = StateCompleted
	rec.Output = append([]byte(nil), output...)
	rec.UpdatedAt = m.now()
	m.jobs[id] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Record{}, errors.NotFound("job", id)
	}
	return rec, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
