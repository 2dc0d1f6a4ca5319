package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize   = 64
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxFieldLen = 600
)

// AlertSender delivers a rendered log line to an operator channel.
// Implementations must be safe for concurrent use.
type AlertSender interface {
	Alert(ctx context.Context, text string) error
}

// alertSink is a zerolog.LevelWriter that renders events at or above a level
// and hands them to a background sender. Writes never block the caller.
type alertSink struct {
	queue chan string

	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlertSink() *alertSink {
	return &alertSink{
		queue:    make(chan string, alertQueueSize),
		minLevel: zerolog.WarnLevel,
	}
}

func (a *alertSink) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

func (a *alertSink) hasSender() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sender != nil
}

// configure updates level and rate, and starts delivery the first time alerts
// are enabled.
func (a *alertSink) configure(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel, a.done = cancel, make(chan struct{})
		go a.deliver(ctx, a.done)
	}
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *alertSink) deliver(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.Alert(sctx, text)
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level >= a.minLevel
	lim := a.limiter
	a.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if text := renderAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// renderAlert turns one JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field in key order. Non-JSON input is passed through.
func renderAlert(p []byte) string {
	line := strings.TrimSpace(string(p))
	var ev map[string]any
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return clip(line, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := ev["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := ev["message"].(string)
	b.WriteString(msg)

	delete(ev, "time")
	delete(ev, "level")
	delete(ev, "message")
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(ev[k]), alertMaxFieldLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
