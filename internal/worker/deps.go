package worker

import (
	"context"
	"sync"
	"time"

	"broll/internal/handler"
	"broll/internal/jobs"
	"broll/internal/pkg/logger"
	"broll/internal/worker/queue"
)

// JobRunner runs one job to completion. *handler.Handler implements it.
type JobRunner interface {
	Run(ctx context.Context, jobID string, input []byte) handler.Result
}

type Deps struct {
	Queue queue.Queue
	Store jobs.Store
	// Runner should report its states through StoreObserver(Store, ...).
	Runner JobRunner
	Log    *logger.Logger
	// RetryDelay is the pause after a queue error; defaults to one second.
	RetryDelay time.Duration
}

type serialRunner struct {
	mu sync.Mutex
	r  JobRunner
}

// Serial wraps r so that at most one job runs at a time, whichever of the
// queue loop or a synchronous request started it.
func Serial(r JobRunner) JobRunner {
	return &serialRunner{r: r}
}

func (s *serialRunner) Run(ctx context.Context, jobID string, input []byte) handler.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Run(ctx, jobID, input)
}
