package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-devpipe/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "devpipe-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "devpipe.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	expires := time.Now().Add(time.Hour)
	for i := 0; i < 40; i++ {
		jobID, err := store.CreateJob(ctx, fmt.Sprintf("backup drill %d", i), "")
		if err != nil {
			fmt.Printf("create_job_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.TransitionJob(ctx, jobID, persistence.JobStatusRunning, persistence.JobUpdate{}); err != nil {
			fmt.Printf("start_job_error=%v\n", err)
			os.Exit(1)
		}
		rec := persistence.KnowledgeRecord{
			NSKey:     jobID + "/technical:initial_spec",
			Version:   1,
			EntryJSON: `{"value":"drill"}`,
			ExpiresAt: expires,
		}
		if err := store.MirrorKnowledge(ctx, rec, expires); err != nil {
			fmt.Printf("mirror_knowledge_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.TransitionJob(ctx, jobID, persistence.JobStatusCompleted, persistence.JobUpdate{
			Progress: persistence.Ptr(100.0),
			Outcome:  persistence.Ptr("published"),
		}); err != nil {
			fmt.Printf("complete_job_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.JobCounts(ctx)
	if err != nil {
		fmt.Printf("count_jobs_error=%v\n", err)
		os.Exit(1)
	}
	knowledge, err := restoreStore.LoadKnowledgeCurrent(ctx, time.Now())
	if err != nil {
		fmt.Printf("load_knowledge_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_completed_jobs=%d\n", counts[persistence.JobStatusCompleted])
	fmt.Printf("restored_knowledge_entries=%d\n", len(knowledge))

	if counts[persistence.JobStatusCompleted] < 40 || len(knowledge) < 40 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
