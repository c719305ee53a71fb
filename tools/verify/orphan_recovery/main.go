package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-devpipe/internal/persistence"
)

// Drives a crash drill against a devpipe database:
//
//	prepare      queue two jobs
//	start-sleep  move the oldest queued job to running and hang until killed
//	recover      fail orphaned runs and check queued jobs survived
func main() {
	mode := flag.String("mode", "", "prepare|start-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		for _, desc := range []string{"crash drill: running", "crash drill: queued"} {
			id, err := store.CreateJob(ctx, desc, "")
			if err != nil {
				fmt.Fprintf(os.Stderr, "create job: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("PREPARED_JOB_ID=%s\n", id)
			time.Sleep(10 * time.Millisecond)
		}
	case "start-sleep":
		pending, _, err := store.ListJobs(ctx, persistence.JobStatusPending, 100, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Fprintln(os.Stderr, "no queued job")
			os.Exit(1)
		}
		oldest := pending[len(pending)-1]
		if err := store.TransitionJob(ctx, oldest.ID, persistence.JobStatusRunning, persistence.JobUpdate{
			CurrentStep: persistence.Ptr("requirements"),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "start job: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RUNNING_JOB_ID=%s\n", oldest.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		failed, err := store.FailOrphanedJobs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fail orphaned jobs: %v\n", err)
			os.Exit(1)
		}
		jobs, _, err := store.ListJobs(ctx, "", 100, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ORPHANED=%d\n", failed)
		pass := true
		queued := 0
		for _, job := range jobs {
			fmt.Printf("JOB_STATUS id=%s status=%s outcome=%q\n", job.ID, job.Status, job.Outcome)
			switch job.Status {
			case persistence.JobStatusRunning:
				pass = false
			case persistence.JobStatusPending:
				queued++
			}
		}
		if queued == 0 {
			pass = false
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: running jobs left behind or queued jobs lost")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
