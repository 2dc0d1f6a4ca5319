package storage

import (
	logx "bulksender/pkg/logx"
	"context"
)

// Store is the persistence API used by the queue facade and the worker.
//
// Reads go straight to the database; there is no in-memory mirror.
type Store interface {
	CreateJob(ctx context.Context, j NewJob) (int64, error)
	AddMessages(ctx context.Context, jobID int64, recipients []string) (int, error)
	// CreateJobWithMessages creates the job and all its messages in one transaction.
	CreateJobWithMessages(ctx context.Context, j NewJob, recipients []string) (int64, error)

	// NextPending returns the oldest pending message of an existing job that is
	// not stopped. jobID == 0 means any job; jobs listed in skip are passed over.
	NextPending(ctx context.Context, jobID int64, skip ...int64) (Message, bool, error)
	// MarkSent returns false if the message was already terminal (no-op).
	MarkSent(ctx context.Context, id int64) (bool, error)
	// MarkFailed consumes one retry, or the whole budget if permanent.
	// Terminal messages are returned unchanged.
	MarkFailed(ctx context.Context, id int64, reason string, permanent bool) (Message, error)
	// RecordAttempt stamps last_attempt_at and last_error without consuming a
	// retry. Terminal messages are returned unchanged.
	RecordAttempt(ctx context.Context, id int64, reason string) (Message, error)

	UpdateJobStatus(ctx context.Context, id int64, u StatusUpdate) (bool, error)
	CompleteIfDone(ctx context.Context, id int64) (bool, error)

	GetJob(ctx context.Context, id int64) (Job, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	ListMessages(ctx context.Context, jobID int64, status MessageStatus) ([]Message, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id int64) error

	MaxRetryAttempts() int
	Close() error
}

// Open opens (creating if needed) the sqlite database at cfg.Path and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(ctx, cfg, log)
}
