// Package flush commits confident session attributes to the durable user
// profile through the SQLite job queue.
package flush

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/metrics"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/profile"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/storage"
)

// JobType is the queue type of profile flush jobs.
const JobType = "profile_flush"

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Committer writes attributes to the durable profile.
type Committer interface {
	CommitAttributes(userID string, attrs attr.Map) ([]string, error)
}

// Payload is the body of a profile flush job.
type Payload struct {
	UserID     string   `json:"user_id"`
	SessionID  string   `json:"session_id"`
	Attributes attr.Map `json:"attributes"`
}

// Enqueue queues the eligible fields of state for commit. It returns the
// job id, or "" when nothing in state is confident enough to keep.
func Enqueue(store Enqueuer, userID, sessionID string, state attr.Map) (string, error) {
	eligible := profile.Eligible(state)
	if len(eligible) == 0 || userID == "" {
		return "", nil
	}
	body, err := json.Marshal(Payload{UserID: userID, SessionID: sessionID, Attributes: eligible})
	if err != nil {
		return "", fmt.Errorf("encoding flush payload: %w", err)
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{ID: id, Type: JobType, PayloadJSON: string(body)}); err != nil {
		return "", fmt.Errorf("enqueueing flush for session %s: %w", sessionID, err)
	}
	return id, nil
}

// Worker processes profile_flush jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	committer Committer
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, committer Committer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		committer: committer,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("flush worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single profile_flush job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		metrics.RecordFlush(false)
		w.logger.Warn("flush job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	metrics.RecordFlush(true)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.UserID == "" {
		return fmt.Errorf("payload has no user_id")
	}

	written, err := w.committer.CommitAttributes(payload.UserID, payload.Attributes)
	if err != nil {
		return err
	}
	w.logger.Debug("profile flushed",
		"user_id", payload.UserID,
		"session_id", payload.SessionID,
		"fields", written,
	)
	return nil
}
