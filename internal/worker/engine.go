package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"bulksender/internal/eventbus"
	"bulksender/internal/pacing"
	"bulksender/internal/queue"
	"bulksender/internal/storage"
	"bulksender/internal/transport"
	logx "bulksender/pkg/logx"

	"github.com/google/uuid"
)

// Settings are the loop intervals. Zero values fall back to the defaults below;
// a negative IterationPause disables the pause.
type Settings struct {
	PollInterval         time.Duration
	IdleInterval         time.Duration
	SessionCheckInterval time.Duration
	ReconnectTimeout     time.Duration
	SessionLossBackoff   time.Duration
	IterationPause       time.Duration
	SendTimeout          time.Duration
	// StartupLoginTimeout bounds the initial wait for an authenticated session.
	// Negative skips the wait.
	StartupLoginTimeout time.Duration

	Pacing       pacing.Config
	MaxPerMinute int
}

const (
	DefaultPollInterval         = time.Second
	DefaultIdleInterval         = 2 * time.Second
	DefaultSessionCheckInterval = 5 * time.Second
	DefaultReconnectTimeout     = 30 * time.Second
	DefaultSessionLossBackoff   = 5 * time.Second
	DefaultIterationPause       = 500 * time.Millisecond
	DefaultSendTimeout          = 60 * time.Second
	DefaultStartupLoginTimeout  = 60 * time.Second
)

func (s Settings) withDefaults() Settings {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&s.PollInterval, DefaultPollInterval)
	def(&s.IdleInterval, DefaultIdleInterval)
	def(&s.SessionCheckInterval, DefaultSessionCheckInterval)
	def(&s.ReconnectTimeout, DefaultReconnectTimeout)
	def(&s.SessionLossBackoff, DefaultSessionLossBackoff)
	def(&s.SendTimeout, DefaultSendTimeout)
	switch {
	case s.IterationPause == 0:
		s.IterationPause = DefaultIterationPause
	case s.IterationPause < 0:
		s.IterationPause = 0
	}
	if s.StartupLoginTimeout == 0 {
		s.StartupLoginTimeout = DefaultStartupLoginTimeout
	}
	if s.MaxPerMinute < 0 {
		s.MaxPerMinute = 0
	}
	return s
}

type Option func(*Engine)

// WithSleep replaces every blocking wait of the loop.
func WithSleep(fn pacing.SleepFunc) Option { return func(e *Engine) { e.sleep = fn } }

// WithClock replaces time.Now for the session check cadence.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// WithPacing passes options to the delay policy (e.g. a seeded rand).
func WithPacing(opts ...pacing.Option) Option {
	return func(e *Engine) { e.pacingOpts = append(e.pacingOpts, opts...) }
}

// Engine is the single sender. It drains the queue one message at a time.
type Engine struct {
	q    *queue.Queue
	tr   transport.Transport
	sess transport.Session
	bus  eventbus.Bus
	log  logx.Logger

	policy  *pacing.Policy
	ceiling *pacing.Ceiling

	now        func() time.Time
	sleep      pacing.SleepFunc
	pacingOpts []pacing.Option
	runID      string

	mu  sync.RWMutex
	set Settings

	// loop state; only touched by the Run goroutine
	lastCheck  time.Time
	forceCheck bool
	currentJob int64
	orphans    []int64 // job ids whose row is missing; their messages are passed over
}

func New(q *queue.Queue, tr transport.Transport, sess transport.Session, bus eventbus.Bus, log logx.Logger, set Settings, opts ...Option) *Engine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	set = set.withDefaults()
	e := &Engine{
		q:     q,
		tr:    tr,
		sess:  sess,
		bus:   bus,
		now:   time.Now,
		sleep: pacing.Sleep,
		runID: uuid.NewString(),
		set:   set,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	e.log = log.With(logx.String("run_id", e.runID))
	e.policy = pacing.NewPolicy(set.Pacing, append([]pacing.Option{pacing.WithSleep(e.sleep)}, e.pacingOpts...)...)
	e.ceiling = pacing.NewCeiling(set.MaxPerMinute)
	return e
}

func (e *Engine) RunID() string { return e.runID }

// Apply swaps intervals and pacing defaults. Bounds of the job being drained are kept.
func (e *Engine) Apply(set Settings) {
	set = set.withDefaults()
	e.mu.Lock()
	e.set = set
	e.mu.Unlock()
	e.policy.Apply(set.Pacing)
	e.ceiling.SetRate(set.MaxPerMinute)
	e.log.Info("worker settings applied",
		logx.Duration("poll", set.PollInterval),
		logx.Duration("session_check", set.SessionCheckInterval),
		logx.Int("max_per_minute", set.MaxPerMinute),
	)
}

// SendTimeout is the longest a single send may keep Run from returning after
// cancellation.
func (e *Engine) SendTimeout() time.Duration { return e.settings().SendTimeout }

func (e *Engine) settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Run drains the queue until ctx is cancelled. The current iteration always
// finishes; a send in flight is never interrupted.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("worker started")
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerStarted, Data: eventbus.WorkerLifecycle{RunID: e.runID}})
	defer func() {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerStopped, Data: eventbus.WorkerLifecycle{RunID: e.runID}})
		e.log.Info("worker stopped")
	}()

	e.awaitLogin(ctx)
	for ctx.Err() == nil {
		e.iterate(ctx)
	}
	return nil
}

// awaitLogin waits for the session before the first dequeue. On timeout the
// loop starts anyway and the periodic check drives recovery.
func (e *Engine) awaitLogin(ctx context.Context) {
	set := e.settings()
	if set.StartupLoginTimeout < 0 {
		return
	}
	deadline := e.now().Add(set.StartupLoginTimeout)
	challenged := false
	for ctx.Err() == nil {
		if e.sess.Healthy(ctx) {
			e.lastCheck = e.now()
			return
		}
		if !challenged {
			challenged = e.publishChallenge(ctx)
			e.log.Warn("session not authenticated; waiting for login",
				logx.Duration("timeout", set.StartupLoginTimeout))
		}
		if !e.now().Before(deadline) {
			e.log.Warn("startup login wait timed out; continuing")
			return
		}
		_ = e.sleep(ctx, set.PollInterval)
	}
}

func (e *Engine) iterate(ctx context.Context) {
	set := e.settings()

	if e.forceCheck || e.now().Sub(e.lastCheck) >= set.SessionCheckInterval {
		e.forceCheck = false
		healthy := e.sess.Healthy(ctx)
		e.lastCheck = e.now()
		if ctx.Err() != nil {
			return
		}
		if !healthy {
			e.sessionLost(ctx, set)
			_ = e.sleep(ctx, set.SessionLossBackoff)
			return
		}
	}

	m, found, err := e.q.Dequeue(ctx, 0, e.orphans...)
	if err != nil {
		e.storageError(ctx, set, "dequeue", err)
		return
	}
	if !found {
		e.idle(ctx, set)
		return
	}

	job, err := e.q.JobStatus(ctx, m.JobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		// Data-integrity anomaly: the message is left untouched and its job is
		// passed over from now on.
		e.log.Error("message references missing job; skipping",
			logx.Int64("message_id", m.ID), logx.Int64("job_id", m.JobID))
		e.orphans = append(e.orphans, m.JobID)
		return
	}
	if err != nil {
		e.storageError(ctx, set, "load job", err)
		return
	}

	switch job.Status {
	case storage.JobStopped:
		e.log.Debug("job stopped; message abandoned", logx.Int64("job_id", job.ID), logx.Int64("message_id", m.ID))
		return
	case storage.JobPaused:
		_ = e.sleep(ctx, set.PollInterval)
		return
	case storage.JobWaitingForLogin:
		if !e.sess.Healthy(ctx) {
			_ = e.sleep(ctx, set.PollInterval)
			return
		}
		if _, err := e.q.Reconnected(ctx, job.ID); err != nil {
			e.storageError(ctx, set, "resume job", err)
		}
		return
	case storage.JobPending:
		ok, err := e.q.StartJob(ctx, job.ID)
		if err != nil {
			e.storageError(ctx, set, "start job", err)
			return
		}
		if !ok {
			// Changed under us (admin pause/stop); re-evaluate next iteration.
			return
		}
	case storage.JobRunning:
	default:
		e.log.Error("pending message in terminal job; skipping",
			logx.Int64("message_id", m.ID), logx.Int64("job_id", job.ID), logx.String("status", string(job.Status)))
		_ = e.sleep(ctx, set.PollInterval)
		return
	}

	if job.ID != e.currentJob {
		e.currentJob = job.ID
		e.policy.ForJob(job.DelayMin, job.DelayMax)
	}

	if err := e.ceiling.Wait(ctx); err != nil {
		return
	}
	e.deliver(ctx, set, m)

	_ = e.policy.Wait(ctx)
	e.log.Trace("paced", logx.Int("attempts", e.policy.Attempts()))
	_ = e.sleep(ctx, set.IterationPause)
}

// idle runs when nothing is pending. Running jobs whose messages are all
// terminal are completed here: their last outcome may have landed while the
// job was paused or parked, when completion cannot fire.
func (e *Engine) idle(ctx context.Context, set Settings) {
	active, err := e.q.ActiveJobs(ctx)
	if err != nil {
		e.storageError(ctx, set, "list active jobs", err)
		return
	}
	if len(active) == 0 {
		e.currentJob = 0
		e.policy.Reset()
		_ = e.sleep(ctx, set.IdleInterval)
		return
	}
	for _, j := range active {
		if j.Status == storage.JobRunning && j.Remaining() == 0 {
			e.complete(ctx, set, j.ID)
		}
	}
	_ = e.sleep(ctx, set.PollInterval)
}

// deliver performs one send and records its outcome. Bookkeeping runs on a
// context detached from cancellation so a completed send is never left pending.
func (e *Engine) deliver(ctx context.Context, set Settings, m storage.Message) {
	bg := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bg, set.SendTimeout)
	start := e.now()
	res, err := e.tr.Send(sendCtx, transport.Delivery{
		MessageID:  m.ID,
		JobID:      m.JobID,
		Recipient:  m.Recipient,
		Text:       m.Text,
		Attachment: m.Attachment,
	})
	cancel()
	if err != nil {
		// Infrastructure failures never consume the retry budget.
		e.log.Warn("transport error; forcing session check",
			logx.Int64("message_id", m.ID), logx.Err(err))
		e.forceCheck = true
		if err := e.q.RecordAttempt(bg, m.ID, err.Error()); err != nil {
			e.storageError(ctx, set, "record attempt", err)
		}
		return
	}

	if res.OK() {
		if _, err := e.q.AcknowledgeSent(bg, m.ID); err != nil {
			e.storageError(ctx, set, "acknowledge sent", err)
			return
		}
		e.log.Debug("message delivered",
			logx.Int64("message_id", m.ID),
			logx.Int64("job_id", m.JobID),
			logx.Duration("took", e.now().Sub(start)),
		)
		e.complete(ctx, set, m.JobID)
		return
	}

	reason := res.Reason
	if reason == "" {
		reason = res.Outcome.String()
	}
	_, terminal, err := e.q.AcknowledgeFailed(bg, m.ID, reason, res.IsPermanent())
	if err != nil {
		e.storageError(ctx, set, "acknowledge failed", err)
		return
	}
	if terminal {
		e.complete(ctx, set, m.JobID)
	}
}

func (e *Engine) complete(ctx context.Context, set Settings, jobID int64) {
	if _, err := e.q.CompleteIfDone(context.WithoutCancel(ctx), jobID); err != nil {
		e.storageError(ctx, set, "complete job", err)
	}
}

// sessionLost parks every running job, tries one reconnect, and resumes exactly
// the jobs it parked.
func (e *Engine) sessionLost(ctx context.Context, set Settings) {
	active, err := e.q.ActiveJobs(ctx)
	if err != nil {
		e.log.Error("session lost; cannot list active jobs", logx.Err(err))
		return
	}
	var parked []int64
	for _, j := range active {
		if j.Status != storage.JobRunning {
			continue
		}
		ok, err := e.q.WaitForLogin(ctx, j.ID)
		if err != nil {
			e.log.Error("park job failed", logx.Int64("job_id", j.ID), logx.Err(err))
			continue
		}
		if ok {
			parked = append(parked, j.ID)
		}
	}
	e.log.Warn("session lost", logx.Int("parked_jobs", len(parked)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionLost, Data: eventbus.SessionChange{Jobs: parked}})
	e.publishChallenge(ctx)

	if !e.sess.Reconnect(ctx, set.ReconnectTimeout) {
		if ctx.Err() != nil {
			return
		}
		e.log.Error("session reconnect failed; jobs stay parked",
			logx.Duration("timeout", set.ReconnectTimeout), logx.Int("parked_jobs", len(parked)))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFailed, Data: eventbus.SessionChange{Jobs: parked}})
		return
	}

	bg := context.WithoutCancel(ctx)
	var resumed []int64
	for _, id := range parked {
		ok, err := e.q.Reconnected(bg, id)
		if err != nil {
			e.log.Error("resume job failed", logx.Int64("job_id", id), logx.Err(err))
			continue
		}
		if ok {
			resumed = append(resumed, id)
		}
	}
	e.lastCheck = e.now()
	e.log.Info("session restored", logx.Int("resumed_jobs", len(resumed)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionRestored, Data: eventbus.SessionChange{Jobs: resumed}})
}

func (e *Engine) publishChallenge(ctx context.Context) bool {
	ch, ok := e.sess.(transport.Challenger)
	if !ok {
		return false
	}
	payload, ok := ch.Challenge(ctx)
	if !ok {
		return false
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionQR, Data: eventbus.SessionChallenge{Payload: payload}})
	return true
}

func (e *Engine) storageError(ctx context.Context, set Settings, op string, err error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	e.log.Error("storage error; retrying after poll interval", logx.String("op", op), logx.Err(err))
	_ = e.sleep(ctx, set.PollInterval)
}
