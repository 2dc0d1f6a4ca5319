package storage

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyJob        = errors.New("job has neither text nor attachment")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// MaxRetryAttempts is the number of failed attempts after which a message
	// becomes terminally failed. 0 means 3.
	MaxRetryAttempts int
}

const (
	defaultBusyTimeout = 5 * time.Second
	defaultMaxRetries  = 3
)

type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobPaused          JobStatus = "paused"
	JobWaitingForLogin JobStatus = "waiting_for_login"
	JobStopped         JobStatus = "stopped"
	JobCompleted       JobStatus = "completed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool { return s == JobStopped || s == JobCompleted }

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobPaused, JobWaitingForLogin, JobStopped, JobCompleted:
		return true
	}
	return false
}

// ActiveStatuses are the statuses reported by ListActiveJobs.
var ActiveStatuses = []JobStatus{JobRunning, JobPaused, JobWaitingForLogin}

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool { return s == MessageSent || s == MessageFailed }

func (s MessageStatus) Valid() bool {
	return s == MessagePending || s == MessageSent || s == MessageFailed
}

// NewJob is the input to CreateJob. Empty Text/Attachment are stored as NULL.
type NewJob struct {
	Text       string
	Attachment string
	DelayMin   time.Duration
	DelayMax   time.Duration
}

// Job is one bulk send request.
type Job struct {
	ID          int64         `json:"id"`
	Status      JobStatus     `json:"status"`
	Text        string        `json:"message_text,omitempty"`
	Attachment  string        `json:"attachment_path,omitempty"`
	DelayMin    time.Duration `json:"delay_min"`
	DelayMax    time.Duration `json:"delay_max"`
	Total       int           `json:"total_messages"`
	Sent        int           `json:"sent_count"`
	Failed      int           `json:"failed_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Remaining is the number of messages that are neither sent nor terminally failed.
func (j Job) Remaining() int {
	return max(0, j.Total-j.Sent-j.Failed)
}

// Message is one delivery to one recipient within a job.
type Message struct {
	ID            int64         `json:"id"`
	JobID         int64         `json:"job_id"`
	Recipient     string        `json:"recipient"`
	Text          string        `json:"message_text,omitempty"`
	Attachment    string        `json:"attachment_path,omitempty"`
	Status        MessageStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// StatusUpdate is a conditional job transition.
//
// The update applies only if the current status is one of From (any status when
// From is empty). Stamps are written only when the column is still NULL, so
// started_at and completed_at are each set at most once.
type StatusUpdate struct {
	To             JobStatus
	From           []JobStatus
	StampStarted   bool
	StampCompleted bool
}
