package sdnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "bulksender/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifier_States(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify

	n.Ready()
	n.Status("draining job #3")
	n.Reloading()
	n.Stopping()

	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=draining job #3", daemon.SdNotifyReloading, daemon.SdNotifyStopping}, rec.states)
}

func TestNotifier_OutsideSystemdIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := New(logx.Nop())
	n.Ready()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Watchdog(ctx))
	assert.NoError(t, ctx.Err())
}

func TestNotifier_WatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return 10 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNotifier_WatchdogErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.watchdog = func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") }
	assert.NoError(t, n.Watchdog(context.Background()))
}
