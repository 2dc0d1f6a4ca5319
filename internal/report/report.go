// Package report logs, and optionally sends to the operator, a periodic
// progress summary of the active jobs.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec with optional seconds, or a descriptor like "@every 10m"
	Timezone string
}

// Source lists the jobs to summarize. *queue.Queue satisfies it.
type Source interface {
	ActiveJobs(ctx context.Context) ([]storage.Job, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a schedule spec.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	return parser.Parse(spec)
}

type Service struct {
	mu       sync.Mutex
	cfg      Config
	src      Source
	notifier Notifier
	log      logx.Logger

	c   *cron.Cron
	ctx context.Context
}

// New builds the service. notifier may be nil.
func New(cfg Config, src Source, notifier Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, notifier: notifier, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	ctx := s.ctx
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("progress report failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("report schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("progress report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Apply reschedules when the config changed and the service was started.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// RunOnce builds the summary, logs it and hands it to the notifier when any
// job is active. It returns the summary text.
func (s *Service) RunOnce(ctx context.Context) (string, error) {
	jobs, err := s.src.ActiveJobs(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		s.log.Debug("progress report: no active jobs")
		return "", nil
	}
	text := Summarize(jobs)
	for _, j := range jobs {
		s.log.Info("job progress",
			logx.Int64("job_id", j.ID),
			logx.String("status", string(j.Status)),
			logx.Int("sent", j.Sent),
			logx.Int("failed", j.Failed),
			logx.Int("total", j.Total),
		)
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, text); err != nil {
			s.log.Debug("progress report not delivered", logx.Err(err))
		}
	}
	return text, nil
}

// Summarize renders one line per job with an ETA from the midpoint of its delay bounds.
func Summarize(jobs []storage.Job) string {
	var b strings.Builder
	b.WriteString("📊 Progress\n")
	for _, j := range jobs {
		pct := 0
		if j.Total > 0 {
			pct = (j.Sent + j.Failed) * 100 / j.Total
		}
		fmt.Fprintf(&b, "#%d %s: %d/%d sent, %d failed (%d%%)", j.ID, j.Status, j.Sent, j.Total, j.Failed, pct)
		if rem := j.Remaining(); rem > 0 {
			eta := time.Duration(rem) * (j.DelayMin + j.DelayMax) / 2
			fmt.Fprintf(&b, ", ~%s left", eta.Round(time.Second))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
