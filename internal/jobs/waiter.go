package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/persistence"
)

// JobReader is the read side of the job store. *persistence.Store satisfies it.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*persistence.Job, error)
}

// Waiter tracks job completion via bus events with polling fallback.
type Waiter struct {
	eventBus *bus.Bus // optional; nil means polling only
	store    JobReader
}

// NewWaiter creates a job completion waiter. eventBus can be nil to operate
// in polling-only mode.
func NewWaiter(eventBus *bus.Bus, store JobReader) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// Settled reports whether a job needs no further work from the run loop:
// it is terminal or waiting for a human decision.
func Settled(status persistence.JobStatus) bool {
	return status.IsTerminal() || status == persistence.JobStatusPendingApproval
}

// WaitForJob blocks until the job settles or the timeout expires.
func (w *Waiter) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) (*persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe first so a transition between the check and the wait is not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe("job.")
		defer w.eventBus.Unsubscribe(sub)
	}

	job, err := w.checkSettled(ctx, jobID)
	if err != nil || job != nil {
		return job, err
	}

	interval := time.Second
	if w.eventBus == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var events <-chan bus.Event
		if sub != nil {
			events = sub.Ch()
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				sub = nil
				continue
			}
			if e, isJob := ev.Payload.(bus.JobStateChangedEvent); !isJob || e.JobID != jobID {
				continue
			}
		}
		job, err := w.checkSettled(ctx, jobID)
		if err != nil || job != nil {
			return job, err
		}
	}
}

// WaitForAll waits for several jobs. A failing wait does not abort the others.
func (w *Waiter) WaitForAll(ctx context.Context, jobIDs []string, timeout time.Duration) (map[string]*persistence.Job, error) {
	results := make(map[string]*persistence.Job, len(jobIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(jobIDs))

	for _, id := range jobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			job, err := w.WaitForJob(ctx, jobID, timeout)
			if err != nil {
				errCh <- fmt.Errorf("job %s: %w", jobID, err)
				return
			}
			mu.Lock()
			results[jobID] = job
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d waits failed: %w", len(errs), errs[0])
	}
	return results, nil
}

// checkSettled returns the job once it has settled, or (nil, nil).
func (w *Waiter) checkSettled(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !Settled(job.Status) {
		return nil, nil
	}
	return job, nil
}
