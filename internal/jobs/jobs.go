// Package jobs persists render job state for the asynchronous API.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"broll/internal/pkg/errors"
)

// State is a job lifecycle state.
type State string

const (
	StateInQueue          State = "IN_QUEUE"
	StateReceived         State = "RECEIVED"
	StateTemplateResolved State = "TEMPLATE_RESOLVED"
	StateRendering        State = "RENDERING"
	StateEncoding         State = "ENCODING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
)

var transitions = map[State][]State{
	StateInQueue:          {StateReceived},
	StateReceived:         {StateTemplateResolved},
	StateTemplateResolved: {StateRendering},
	StateRendering:        {StateEncoding},
	StateEncoding:         {StateCompleted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is a legal move. Any
// non-terminal state may fail.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the states that may move to to.
func sourcesOf(to State) []State {
	var out []State
	for _, from := range []State{StateInQueue, StateReceived, StateTemplateResolved, StateRendering, StateEncoding} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Failure is the error attached to a failed job.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FailureFrom converts any error into a Failure using its code. The code is
// left out of the message since it is already the kind.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var e *errors.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	return &Failure{Kind: string(errors.GetCode(err)), Message: msg}
}

// Record is one stored job.
type Record struct {
	ID        string          `json:"id"`
	State     State           `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Failure   *Failure        `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists job records.
type Store interface {
	// Create inserts a new record; the ID must be unused.
	Create(ctx context.Context, rec Record) error
	// Transition moves a job to state, attaching failure when state is FAILED.
	Transition(ctx context.Context, id string, state State, failure *Failure) error
	// Complete moves a job to COMPLETED and stores its output.
	Complete(ctx context.Context, id string, output []byte) error
	Get(ctx context.Context, id string) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store for driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown job store driver %q", driver)
	}
}

func errDuplicate(id string) error {
	return errors.Newf(errors.CodeConflict, "job already exists: %s", id).WithField("id", id)
}

func errTransition(id string, from, to State) error {
	return errors.Newf(errors.CodeInternal, "job %s cannot move from %s to %s", id, from, to).
		WithField("from", string(from)).
		WithField("to", string(to))
}

func newRecordCheck(rec Record) error {
	if rec.ID == "" {
		return errors.Validation("job id required")
	}
	if rec.State == "" {
		return errors.Validation("job state required")
	}
	return nil
}
