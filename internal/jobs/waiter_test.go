package jobs_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/basket/go-devpipe/internal/jobs"
	"github.com/basket/go-devpipe/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "devpipe.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestWaitForJob_AlreadySettled(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	id, _ := store.CreateJob(ctx, "todo app", "")
	_ = store.TransitionJob(ctx, id, persistence.JobStatusRunning, persistence.JobUpdate{})
	_ = store.TransitionJob(ctx, id, persistence.JobStatusCompleted, persistence.JobUpdate{})

	job, err := jobs.NewWaiter(b, store).WaitForJob(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if job.Status != persistence.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
}

func TestWaitForJob_WakesOnEvent(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()
	id, _ := store.CreateJob(ctx, "todo app", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.TransitionJob(ctx, id, persistence.JobStatusRunning, persistence.JobUpdate{})
		_ = store.TransitionJob(ctx, id, persistence.JobStatusPendingApproval, persistence.JobUpdate{})
	}()

	job, err := jobs.NewWaiter(b, store).WaitForJob(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if job.Status != persistence.JobStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", job.Status)
	}
}

func TestWaitForJob_PollingOnly(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	id, _ := store.CreateJob(ctx, "todo app", "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.TransitionJob(ctx, id, persistence.JobStatusCancelled, persistence.JobUpdate{})
	}()

	job, err := jobs.NewWaiter(nil, store).WaitForJob(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if job.Status != persistence.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
}

func TestWaitForJob_Timeout(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	id, _ := store.CreateJob(ctx, "todo app", "")

	if job, err := jobs.NewWaiter(nil, store).WaitForJob(ctx, id, 50*time.Millisecond); err == nil {
		t.Fatalf("expected timeout, got %v", job)
	}
}

func TestWaitForJob_UnknownJob(t *testing.T) {
	store := openTestStore(t, nil)
	if _, err := jobs.NewWaiter(nil, store).WaitForJob(context.Background(), "missing", time.Second); err == nil {
		t.Fatal("expected an error for an unknown job")
	}
}
