package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bulksender/internal/eventbus"
	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"
)

// Defaults are the delay bounds applied to jobs enqueued without their own.
type Defaults struct {
	DelayMin time.Duration
	DelayMax time.Duration
}

const (
	DefaultDelayMin = 4 * time.Second
	DefaultDelayMax = 8 * time.Second
)

// Request is one enqueue call.
type Request struct {
	Recipients []string
	Text       string
	Attachment string
	DelayMin   time.Duration // 0 means the process default
	DelayMax   time.Duration // 0 means the process default
}

// Queue is the validated entry point over the store. Producers and the worker
// only talk to the store through it.
type Queue struct {
	st  storage.Store
	bus eventbus.Bus
	log logx.Logger

	mu  sync.RWMutex
	def Defaults
}

func New(st storage.Store, bus eventbus.Bus, log logx.Logger, def Defaults) *Queue {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{st: st, bus: bus, log: log}
	q.SetDefaults(def)
	return q
}

// SetDefaults swaps the default delay bounds. Existing jobs keep theirs.
func (q *Queue) SetDefaults(def Defaults) {
	if def.DelayMin <= 0 {
		def.DelayMin = DefaultDelayMin
	}
	if def.DelayMax <= 0 {
		def.DelayMax = DefaultDelayMax
	}
	if def.DelayMin > def.DelayMax {
		def.DelayMax = def.DelayMin
	}
	q.mu.Lock()
	q.def = def
	q.mu.Unlock()
}

func (q *Queue) Defaults() Defaults {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.def
}

func (q *Queue) MaxRetryAttempts() int { return q.st.MaxRetryAttempts() }

// Dedupe trims recipients, drops empties and duplicates, and keeps first-seen order.
func Dedupe(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Enqueue creates a job with one message per unique recipient.
func (q *Queue) Enqueue(ctx context.Context, req Request) (int64, error) {
	recipients := Dedupe(req.Recipients)
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}
	text := strings.TrimSpace(req.Text)
	attach := strings.TrimSpace(req.Attachment)
	if text == "" && attach == "" {
		return 0, ErrNoContent
	}
	if req.DelayMin < 0 || req.DelayMax < 0 {
		return 0, fmt.Errorf("%w: delays must be >= 0", ErrInvalidDelay)
	}

	def := q.Defaults()
	dmin, dmax := req.DelayMin, req.DelayMax
	if dmin == 0 {
		dmin = def.DelayMin
	}
	if dmax == 0 {
		dmax = def.DelayMax
	}
	if dmin > dmax {
		return 0, fmt.Errorf("%w: delay_min %s > delay_max %s", ErrInvalidDelay, dmin, dmax)
	}

	// Keep the caller's text verbatim; only the emptiness check is trimmed.
	if text != "" {
		text = req.Text
	}
	id, err := q.st.CreateJobWithMessages(ctx, storage.NewJob{
		Text:       text,
		Attachment: attach,
		DelayMin:   dmin,
		DelayMax:   dmax,
	}, recipients)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	q.log.Info("job enqueued",
		logx.Int64("job_id", id),
		logx.Int("messages", len(recipients)),
		logx.Int("duplicates", len(req.Recipients)-len(recipients)),
		logx.Bool("has_attachment", attach != ""),
		logx.Duration("delay_min", dmin),
		logx.Duration("delay_max", dmax),
	)
	q.publishStatus(id, "", storage.JobPending)
	return id, nil
}

// Dequeue returns the oldest pending message, passing over the jobs in skip.
func (q *Queue) Dequeue(ctx context.Context, jobID int64, skip ...int64) (storage.Message, bool, error) {
	return q.st.NextPending(ctx, jobID, skip...)
}

// AcknowledgeSent records a successful delivery. It returns false when the
// message was already terminal (the call is then a no-op).
func (q *Queue) AcknowledgeSent(ctx context.Context, id int64) (bool, error) {
	changed, err := q.st.MarkSent(ctx, id)
	if err != nil {
		return false, err
	}
	if !changed {
		q.log.Debug("message already terminal; sent ack ignored", logx.Int64("message_id", id))
		return false, nil
	}
	ev := eventbus.MessageSent{MessageID: id}
	if m, err := q.st.GetMessage(ctx, id); err == nil {
		ev.JobID = m.JobID
		ev.Recipient = m.Recipient
	}
	q.log.Debug("message sent", logx.Int64("message_id", id), logx.Int64("job_id", ev.JobID))
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageSent, Data: ev})
	return true, nil
}

// AcknowledgeFailed consumes one attempt of the retry budget (the whole budget
// when permanent). terminal reports whether the message is now failed for good.
func (q *Queue) AcknowledgeFailed(ctx context.Context, id int64, reason string, permanent bool) (retryCount int, terminal bool, err error) {
	m, err := q.st.MarkFailed(ctx, id, reason, permanent)
	if err != nil {
		return 0, false, err
	}
	terminal = m.Status == storage.MessageFailed
	q.log.Warn("message attempt failed",
		logx.Int64("message_id", id),
		logx.Int64("job_id", m.JobID),
		logx.Int("retry_count", m.RetryCount),
		logx.Bool("terminal", terminal),
		logx.Bool("permanent", permanent),
		logx.String("reason", reason),
	)
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageFailed, Data: eventbus.MessageFailed{
		JobID:      m.JobID,
		MessageID:  id,
		Recipient:  m.Recipient,
		Reason:     reason,
		RetryCount: m.RetryCount,
		Terminal:   terminal,
	}})
	return m.RetryCount, terminal, nil
}

// RecordAttempt notes an attempt that failed for infrastructure reasons. The
// retry budget is left untouched.
func (q *Queue) RecordAttempt(ctx context.Context, id int64, reason string) error {
	m, err := q.st.RecordAttempt(ctx, id, reason)
	if err != nil {
		return err
	}
	q.log.Warn("message attempt not counted",
		logx.Int64("message_id", id),
		logx.Int64("job_id", m.JobID),
		logx.Int("retry_count", m.RetryCount),
		logx.String("reason", reason),
	)
	return nil
}

// ---- job transitions ----

// StartJob claims a pending job (pending -> running, stamps started_at).
// It returns false when the job was not pending.
func (q *Queue) StartJob(ctx context.Context, id int64) (bool, error) {
	return q.transition(ctx, id, storage.StatusUpdate{
		To:           storage.JobRunning,
		From:         []storage.JobStatus{storage.JobPending},
		StampStarted: true,
	})
}

// WaitForLogin parks a running job while the session is down.
func (q *Queue) WaitForLogin(ctx context.Context, id int64) (bool, error) {
	return q.transition(ctx, id, storage.StatusUpdate{
		To:   storage.JobWaitingForLogin,
		From: []storage.JobStatus{storage.JobRunning},
	})
}

// Reconnected moves a parked job back to running. Jobs paused or stopped in the
// meantime are left alone. A job whose last message finished while it was
// parked completes here.
func (q *Queue) Reconnected(ctx context.Context, id int64) (bool, error) {
	ok, err := q.transition(ctx, id, storage.StatusUpdate{
		To:   storage.JobRunning,
		From: []storage.JobStatus{storage.JobWaitingForLogin},
	})
	if err != nil || !ok {
		return ok, err
	}
	if _, err := q.CompleteIfDone(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

// CompleteIfDone transitions running -> completed once every message is terminal.
func (q *Queue) CompleteIfDone(ctx context.Context, id int64) (bool, error) {
	done, err := q.st.CompleteIfDone(ctx, id)
	if err != nil || !done {
		return done, err
	}
	if j, err := q.st.GetJob(ctx, id); err == nil {
		q.log.Info("job completed",
			logx.Int64("job_id", id),
			logx.Int("sent", j.Sent),
			logx.Int("failed", j.Failed),
			logx.Int("total", j.Total),
		)
	}
	q.publishStatus(id, storage.JobRunning, storage.JobCompleted)
	return true, nil
}

// PauseJob: pending|running|waiting_for_login -> paused. Pausing a paused job is a no-op.
func (q *Queue) PauseJob(ctx context.Context, id int64) error {
	return q.admin(ctx, id, storage.JobPaused, storage.JobPending, storage.JobRunning, storage.JobWaitingForLogin)
}

// ResumeJob: paused -> running only. It stamps started_at when the job was
// paused before it ever ran, and completes a job whose last message finished
// while it was paused.
func (q *Queue) ResumeJob(ctx context.Context, id int64) error {
	if err := q.admin(ctx, id, storage.JobRunning, storage.JobPaused); err != nil {
		return err
	}
	_, err := q.CompleteIfDone(ctx, id)
	return err
}

// StopJob moves any non-terminal job to stopped. It is irreversible; stopping a
// stopped job is a no-op.
func (q *Queue) StopJob(ctx context.Context, id int64) error {
	return q.admin(ctx, id, storage.JobStopped,
		storage.JobPending, storage.JobRunning, storage.JobPaused, storage.JobWaitingForLogin)
}

func (q *Queue) admin(ctx context.Context, id int64, to storage.JobStatus, from ...storage.JobStatus) error {
	j, err := q.st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == to && to != storage.JobRunning {
		return nil
	}
	if !containsStatus(from, j.Status) {
		return invalidTransition(id, j.Status, to)
	}
	ok, err := q.st.UpdateJobStatus(ctx, id, storage.StatusUpdate{
		To:           to,
		From:         []storage.JobStatus{j.Status},
		StampStarted: to == storage.JobRunning,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with the worker or another admin call; report the fresh state.
		cur, err := q.st.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == to && to != storage.JobRunning {
			return nil
		}
		return invalidTransition(id, cur.Status, to)
	}
	q.log.Info("job status changed",
		logx.Int64("job_id", id),
		logx.String("from", string(j.Status)),
		logx.String("to", string(to)),
	)
	q.publishStatus(id, j.Status, to)
	return nil
}

func (q *Queue) transition(ctx context.Context, id int64, u storage.StatusUpdate) (bool, error) {
	ok, err := q.st.UpdateJobStatus(ctx, id, u)
	if err != nil || !ok {
		return ok, err
	}
	var from storage.JobStatus
	if len(u.From) == 1 {
		from = u.From[0]
	}
	q.log.Info("job status changed",
		logx.Int64("job_id", id),
		logx.String("from", string(from)),
		logx.String("to", string(u.To)),
	)
	q.publishStatus(id, from, u.To)
	return true, nil
}

func (q *Queue) publishStatus(id int64, from, to storage.JobStatus) {
	q.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStatus, Data: eventbus.JobStatusChanged{
		JobID: id,
		From:  string(from),
		To:    string(to),
	}})
}

func containsStatus(list []storage.JobStatus, s storage.JobStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// ---- reads ----

func (q *Queue) JobStatus(ctx context.Context, id int64) (storage.Job, error) {
	return q.st.GetJob(ctx, id)
}

func (q *Queue) ActiveJobs(ctx context.Context) ([]storage.Job, error) {
	return q.st.ListActiveJobs(ctx)
}

func (q *Queue) Jobs(ctx context.Context, limit int) ([]storage.Job, error) {
	return q.st.ListJobs(ctx, limit)
}

// JobMessages lists a job's messages, optionally filtered by status.
func (q *Queue) JobMessages(ctx context.Context, id int64, status storage.MessageStatus) ([]storage.Message, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown message status %q", ErrInvalidInput, status)
	}
	if _, err := q.st.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return q.st.ListMessages(ctx, id, status)
}

// DeleteJob removes a terminal job and its messages.
func (q *Queue) DeleteJob(ctx context.Context, id int64) error {
	j, err := q.st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: job %d is %s; stop it before deleting", ErrInvalidTransition, id, j.Status)
	}
	if err := q.st.DeleteJob(ctx, id); err != nil {
		return err
	}
	q.log.Info("job deleted", logx.Int64("job_id", id))
	return nil
}
