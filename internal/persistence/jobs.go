package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-devpipe/internal/bus"
	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusRunning         JobStatus = "running"
	JobStatusPendingApproval JobStatus = "pending_approval"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCancelled       JobStatus = "cancelled"
)

// ErrInvalidTransition is returned when a job status change is not permitted.
var ErrInvalidTransition = errors.New("invalid job status transition")

var allowedJobTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusPending: {
		JobStatusRunning:   {},
		JobStatusCancelled: {},
		JobStatusFailed:    {},
	},
	JobStatusRunning: {
		JobStatusPendingApproval: {},
		JobStatusCompleted:       {},
		JobStatusFailed:          {},
		JobStatusCancelled:       {},
	},
	JobStatusPendingApproval: {
		JobStatusRunning:   {},
		JobStatusCompleted: {},
		JobStatusFailed:    {},
		JobStatusCancelled: {},
	},
}

// IsTerminal reports whether no further transitions are possible from s.
func (s JobStatus) IsTerminal() bool {
	_, ok := allowedJobTransitions[s]
	return !ok
}

func canTransitionJob(from, to JobStatus) bool {
	next, ok := allowedJobTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Job is the externally visible record of one pipeline run. It is the only run
// state that survives a process restart.
type Job struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	RepoRef       string    `json:"repo_ref,omitempty"`
	Status        JobStatus `json:"status"`
	Progress      float64   `json:"progress"`
	CurrentStep   string    `json:"current_step"`
	Error         string    `json:"error,omitempty"`
	FailedStageID string    `json:"failed_stage_id,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobUpdate carries the optional fields written alongside a status change.
type JobUpdate struct {
	Progress      *float64
	CurrentStep   *string
	Error         *string
	FailedStageID *string
	Outcome       *string
}

const jobColumns = `id, description, repo_ref, status, progress, current_step, error, failed_stage_id, outcome, created_at, updated_at`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	return scanFn(
		&job.ID,
		&job.Description,
		&job.RepoRef,
		&job.Status,
		&job.Progress,
		&job.CurrentStep,
		&job.Error,
		&job.FailedStageID,
		&job.Outcome,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

// CreateJob inserts a pending job and returns its id.
func (s *Store) CreateJob(ctx context.Context, description, repoRef string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, description, repo_ref, status, current_step, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'queued', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, description, repoRef, JobStatusPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	s.publishJobState(id, "", JobStatusPending)
	return id, nil
}

// GetJob returns the job with the given id or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id).Scan, &job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status, and the
// total count matching the filter.
func (s *Store) ListJobs(ctx context.Context, statusFilter JobStatus, limit, offset int) ([]Job, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var (
		totalCount int
		countErr   error
		query      string
		args       []any
	)
	if statusFilter != "" {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, statusFilter).Scan(&totalCount)
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`
		args = []any{statusFilter, limit, offset}
	} else {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs;`).Scan(&totalCount)
		query = `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`
		args = []any{limit, offset}
	}
	if countErr != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", countErr)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := scanJob(rows.Scan, &j); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, totalCount, rows.Err()
}

// TransitionJob moves a job to status `to`, applying upd in the same statement.
// Transitions not present in the allowed map return ErrInvalidTransition.
func (s *Store) TransitionJob(ctx context.Context, id string, to JobStatus, upd JobUpdate) error {
	return s.transitionJob(ctx, id, "", to, upd)
}

// TransitionJobFrom is TransitionJob as a compare-and-set: it fails with
// ErrInvalidTransition unless the job is currently in status want.
func (s *Store) TransitionJobFrom(ctx context.Context, id string, want, to JobStatus, upd JobUpdate) error {
	return s.transitionJob(ctx, id, want, to, upd)
}

func (s *Store) transitionJob(ctx context.Context, id string, want, to JobStatus, upd JobUpdate) error {
	var from JobStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return err
		}
		if want != "" && from != want {
			return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, id, from, want)
		}
		if !canTransitionJob(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if err := applyJobUpdateTx(ctx, tx, id, &to, upd); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	s.publishJobState(id, from, to)
	if to.IsTerminal() || to == JobStatusPendingApproval {
		if s.bus != nil {
			s.bus.Publish(bus.TopicJobFinished, bus.JobStateChangedEvent{JobID: id, OldStatus: string(from), NewStatus: string(to)})
		}
	}
	return nil
}

// UpdateJobProgress records progress without changing status. Terminal jobs are left untouched.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, percent float64, step string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET progress = ?, current_step = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, percent, step, id, JobStatusPending, JobStatusRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func applyJobUpdateTx(ctx context.Context, tx *sql.Tx, id string, status *JobStatus, upd JobUpdate) error {
	set := "updated_at = CURRENT_TIMESTAMP"
	var args []any
	if status != nil {
		set += ", status = ?"
		args = append(args, *status)
	}
	if upd.Progress != nil {
		set += ", progress = ?"
		args = append(args, *upd.Progress)
	}
	if upd.CurrentStep != nil {
		set += ", current_step = ?"
		args = append(args, *upd.CurrentStep)
	}
	if upd.Error != nil {
		set += ", error = ?"
		args = append(args, *upd.Error)
	}
	if upd.FailedStageID != nil {
		set += ", failed_stage_id = ?"
		args = append(args, *upd.FailedStageID)
	}
	if upd.Outcome != nil {
		set += ", outcome = ?"
		args = append(args, *upd.Outcome)
	}
	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?;`, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[JobStatus]int)
	for rows.Next() {
		var st JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// FailOrphanedJobs marks jobs left running by a previous process as failed.
// Pending jobs stay queued for the next server to pick up.
// In-process run state does not survive a restart, so those runs cannot resume.
func (s *Store) FailOrphanedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = 'process restarted before run finished', outcome = 'interrupted', updated_at = CURRENT_TIMESTAMP
		WHERE status = ?;
	`, JobStatusFailed, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) publishJobState(id string, from, to JobStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicJobStateChanged, bus.JobStateChangedEvent{
		JobID:     id,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

// Ptr returns a pointer to v. It keeps JobUpdate literals short.
func Ptr[T any](v T) *T {
	return &v
}
