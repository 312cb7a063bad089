package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"broll/internal/handler"
	"broll/internal/jobs"
	"broll/internal/pkg/errors"
	"broll/internal/pkg/logger"
	"broll/internal/worker/queue"
)

// scriptedRunner walks the observer through states and returns a fixed result.
type scriptedRunner struct {
	obs    handler.Observer
	states []jobs.State
	fail   *jobs.Failure

	mu  sync.Mutex
	ran []string
}

func (r *scriptedRunner) Run(ctx context.Context, id string, _ []byte) handler.Result {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	r.mu.Unlock()
	for _, s := range r.states {
		r.obs(ctx, id, s)
	}
	if r.fail != nil {
		return handler.Result{JobID: id, State: jobs.StateFailed, Failure: r.fail}
	}
	return handler.Result{JobID: id, State: jobs.StateCompleted, Response: &handler.Response{Template: "t", FrameCount: 24}}
}

func allStates() []jobs.State {
	return []jobs.State{jobs.StateReceived, jobs.StateTemplateResolved, jobs.StateRendering, jobs.StateEncoding}
}

func TestProcessCompletesJob(t *testing.T) {
	store := jobs.NewMemory()
	runner := &scriptedRunner{obs: StoreObserver(store, nil), states: allStates()}
	d := Deps{Store: store, Runner: runner}

	res := Process(context.Background(), d, logger.Discard(), queue.Message{ID: "job-1", Input: json.RawMessage(`{}`)})
	if res.State != jobs.StateCompleted {
		t.Fatalf("state = %s", res.State)
	}

	rec, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateCompleted {
		t.Errorf("stored state = %s", rec.State)
	}
	var out handler.Response
	if err := json.Unmarshal(rec.Output, &out); err != nil || out.FrameCount != 24 {
		t.Errorf("stored output = %s (%v)", rec.Output, err)
	}
}

func TestProcessRecordsFailure(t *testing.T) {
	store := jobs.NewMemory()
	ctx := context.Background()
	if err := store.Create(ctx, jobs.Record{ID: "job-2", State: jobs.StateInQueue}); err != nil {
		t.Fatal(err)
	}
	fail := &jobs.Failure{Kind: "RENDER_FAILURE", Message: "blender exited with status 1"}
	runner := &scriptedRunner{obs: StoreObserver(store, nil), states: allStates()[:3], fail: fail}

	Process(ctx, Deps{Store: store, Runner: runner}, logger.Discard(), queue.Message{ID: "job-2"})

	rec, err := store.Get(ctx, "job-2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateFailed || rec.Failure == nil || *rec.Failure != *fail {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Output != nil {
		t.Error("failed job must not store output")
	}
}

type flakyQueue struct {
	*queue.Local
	mu    sync.Mutex
	fails int
}

func (q *flakyQueue) Pop(ctx context.Context) (queue.Message, bool, error) {
	q.mu.Lock()
	if q.fails > 0 {
		q.fails--
		q.mu.Unlock()
		return queue.Message{}, false, fmt.Errorf("connection reset")
	}
	q.mu.Unlock()
	return q.Local.Pop(ctx)
}

func TestRunProcessesUntilCanceled(t *testing.T) {
	store := jobs.NewMemory()
	q := &flakyQueue{Local: queue.NewLocal(4, 10*time.Millisecond), fails: 1}
	runner := &scriptedRunner{obs: StoreObserver(store, nil), states: allStates()}

	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"a", "b"} {
		if err := q.Push(ctx, queue.Message{ID: id, Input: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{Queue: q, Store: store, Runner: runner, Log: logger.Discard(), RetryDelay: time.Millisecond})
	}()

	deadline := time.After(5 * time.Second)
	for {
		rec, err := store.Get(context.Background(), "b")
		if err == nil && rec.State == jobs.StateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs were not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if fmt.Sprint(runner.ran) != "[a b]" {
		t.Errorf("ran = %v, want jobs in queue order", runner.ran)
	}
}

// racingStore never finds a job, as if the API created it right after the lookup.
type racingStore struct {
	*jobs.Memory
}

func (racingStore) Get(_ context.Context, id string) (jobs.Record, error) {
	return jobs.Record{}, errors.NotFound("job", id)
}

func TestEnsureRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing record", func(t *testing.T) {
		store := jobs.NewMemory()
		if err := ensureRecord(ctx, store, queue.Message{ID: "job-1"}); err != nil {
			t.Fatalf("ensureRecord: %v", err)
		}
		if rec, err := store.Get(ctx, "job-1"); err != nil || rec.State != jobs.StateInQueue {
			t.Fatalf("record = %+v err=%v", rec, err)
		}
	})

	t.Run("concurrent create is not an error", func(t *testing.T) {
		store := racingStore{Memory: jobs.NewMemory()}
		if err := store.Create(ctx, jobs.Record{ID: "job-1", State: jobs.StateInQueue}); err != nil {
			t.Fatal(err)
		}
		if err := ensureRecord(ctx, store, queue.Message{ID: "job-1"}); err != nil {
			t.Fatalf("expected duplicate to be ignored, got %v", err)
		}
	})

	t.Run("invalid record surfaces", func(t *testing.T) {
		err := ensureRecord(ctx, jobs.NewMemory(), queue.Message{ID: ""})
		if !errors.IsValidation(err) {
			t.Fatalf("expected validation error for empty id, got %v", err)
		}
	})
}
