package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"bulksender/internal/eventbus"
	rtsup "bulksender/internal/runtime/supervisor"
	logx "bulksender/pkg/logx"

	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers to the operator chat.
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, png []byte, caption string) error
}

type Config struct {
	Enabled    bool
	RatePerSec int
	QueueSize  int
	// Events limits forwarded bus events by type. Empty means DefaultEvents.
	Events []string
	QRSize int
}

// DefaultEvents are forwarded when Config.Events is empty. Per-message events
// are opt-in.
var DefaultEvents = []string{
	eventbus.TypeJobStatus,
	eventbus.TypeSessionLost,
	eventbus.TypeSessionRestored,
	eventbus.TypeSessionFailed,
	eventbus.TypeSessionQR,
	eventbus.TypeWorkerStarted,
	eventbus.TypeWorkerStopped,
}

type HistoryItem struct {
	At   time.Time
	Text string
}

type note struct {
	text  string
	photo []byte
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	events  map[string]struct{}
	limiter *rate.Limiter

	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	queue chan note
	sup   *rtsup.Supervisor
	unsub func()

	hmu     sync.Mutex
	history []HistoryItem
}

var _ logx.AlertSender = (*Service)(nil)

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps rate and event filter. Queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 512
	}
	types := cfg.Events
	if len(types) == 0 {
		types = DefaultEvents
	}
	s.events = make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			s.events[t] = struct{}{}
		}
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and starts the sender loop. It is idempotent and
// a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan note, s.cfg.QueueSize)
	events, unsub := s.bus.Subscribe(64)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures must not take the worker down
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.unsub, s.sup = q, unsub, sup

	sup.GoRestart("notify.events", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				s.handle(c, ev)
			}
		}
	}, rtsup.WithPublishFirstError(true))
	sup.GoRestart("notify.sender", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case n := <-q:
				s.deliver(c, n)
			}
		}
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("notifier started")
}

// Stop unsubscribes and waits for the loops to exit. Queued notes are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notifier stop", logx.Err(err))
	}
}

// Notify queues a text note without blocking.
func (s *Service) Notify(ctx context.Context, text string) error {
	return s.enqueue(ctx, note{text: text})
}

// Alert implements logx.AlertSender.
func (s *Service) Alert(ctx context.Context, text string) error {
	return s.enqueue(ctx, note{text: "🚨 " + text})
}

func (s *Service) enqueue(ctx context.Context, n note) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	enabled := s.cfg.Enabled
	q := s.queue
	s.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) wants(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventType]
	return ok
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	if !s.wants(ev.Type) {
		return
	}
	if ev.Type == eventbus.TypeSessionQR {
		sc, ok := ev.Data.(eventbus.SessionChallenge)
		if !ok || sc.Payload == "" {
			return
		}
		s.mu.Lock()
		size := s.cfg.QRSize
		s.mu.Unlock()
		png, err := qrcode.Encode(sc.Payload, qrcode.Medium, size)
		if err != nil {
			s.log.Warn("render login qr", logx.Err(err))
			return
		}
		s.queueNote(ctx, note{text: "📱 Session needs login: scan this code with the sending device.", photo: png})
		return
	}
	text := Format(ev)
	if text == "" {
		return
	}
	s.queueNote(ctx, note{text: text})
}

func (s *Service) queueNote(ctx context.Context, n note) {
	if err := s.enqueue(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("notification dropped", logx.Err(err))
	}
}

func (s *Service) deliver(ctx context.Context, n note) {
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var err error
	if n.photo != nil {
		err = sender.SendPhoto(callCtx, n.photo, n.text)
	} else {
		err = sender.SendText(callCtx, n.text)
	}
	if err != nil {
		// Log at warn: an error-level line would loop back through Alert.
		s.log.Warn("notification send failed", logx.Err(err))
		return
	}
	s.appendHistory(n.text)
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// Format renders a bus event as an operator note. It returns "" for events
// that carry nothing worth telling.
func Format(ev eventbus.Event) string {
	switch d := ev.Data.(type) {
	case eventbus.JobStatusChanged:
		switch d.To {
		case "pending":
			return fmt.Sprintf("🆕 Job #%d queued", d.JobID)
		case "running":
			if d.From == "waiting_for_login" {
				return fmt.Sprintf("▶️ Job #%d resumed after login", d.JobID)
			}
			if d.From == "paused" {
				return fmt.Sprintf("▶️ Job #%d resumed", d.JobID)
			}
			return fmt.Sprintf("▶️ Job #%d started", d.JobID)
		case "paused":
			return fmt.Sprintf("⏸ Job #%d paused", d.JobID)
		case "waiting_for_login":
			return fmt.Sprintf("⏳ Job #%d waiting for login", d.JobID)
		case "stopped":
			return fmt.Sprintf("⏹ Job #%d stopped", d.JobID)
		case "completed":
			return fmt.Sprintf("✅ Job #%d completed", d.JobID)
		}
		return fmt.Sprintf("Job #%d: %s -> %s", d.JobID, d.From, d.To)
	case eventbus.MessageFailed:
		if !d.Terminal {
			return ""
		}
		return fmt.Sprintf("❌ Job #%d: message to %s failed after %d attempts: %s", d.JobID, d.Recipient, d.RetryCount, d.Reason)
	case eventbus.MessageSent:
		return fmt.Sprintf("Job #%d: sent to %s", d.JobID, d.Recipient)
	case eventbus.SessionChange:
		switch ev.Type {
		case eventbus.TypeSessionLost:
			return "⚠️ Session lost. Parked jobs: " + jobList(d.Jobs)
		case eventbus.TypeSessionRestored:
			return "✅ Session restored. Resumed jobs: " + jobList(d.Jobs)
		case eventbus.TypeSessionFailed:
			return "🚨 Reconnect failed. Jobs waiting for login: " + jobList(d.Jobs)
		}
	case eventbus.WorkerLifecycle:
		switch ev.Type {
		case eventbus.TypeWorkerStarted:
			return "Worker started (run " + shortID(d.RunID) + ")"
		case eventbus.TypeWorkerStopped:
			return "Worker stopped (run " + shortID(d.RunID) + ")"
		}
	}
	return ""
}

func jobList(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
