package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	jobs []storage.Job
	err  error
}

func (f fakeSource) ActiveJobs(context.Context) ([]storage.Job, error) { return f.jobs, f.err }

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

var running = storage.Job{
	ID:       3,
	Status:   storage.JobRunning,
	Total:    10,
	Sent:     4,
	Failed:   1,
	DelayMin: 4 * time.Second,
	DelayMax: 8 * time.Second,
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	paused := storage.Job{ID: 4, Status: storage.JobPaused, Total: 2, Sent: 2}
	got := Summarize([]storage.Job{running, paused})
	assert.Equal(t, "📊 Progress\n"+
		"#3 running: 4/10 sent, 1 failed (50%), ~30s left\n"+
		"#4 paused: 2/2 sent, 0 failed (100%)", got)
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	n := &fakeNotifier{}
	s := New(Config{}, fakeSource{jobs: []storage.Job{running}}, n, logx.Nop())
	text, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "#3 running")
	assert.Equal(t, 1, n.count())

	idle := New(Config{}, fakeSource{}, n, logx.Nop())
	text, err = idle.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, 1, n.count(), "no active jobs, nothing sent")

	broken := New(Config{}, fakeSource{err: errors.New("db locked")}, nil, logx.Nop())
	_, err = broken.RunOnce(ctx)
	require.Error(t, err)
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@every 10m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		_, err := ParseSpec(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "every ten", "61 * * * *"} {
		_, err := ParseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	s := New(Config{Enabled: true, Schedule: "* * * * * *"}, fakeSource{jobs: []storage.Job{running}}, n, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return n.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestStart_DisabledAndBadSpec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New(Config{Schedule: "garbage"}, fakeSource{}, nil, logx.Nop())
	require.NoError(t, s.Start(ctx))
	s.Stop()

	s = New(Config{Enabled: true, Schedule: "garbage"}, fakeSource{}, nil, logx.Nop())
	require.Error(t, s.Start(ctx))
}

func TestApply_Reschedules(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	s := New(Config{Enabled: false, Schedule: "@every 1h"}, fakeSource{jobs: []storage.Job{running}}, n, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 0, n.count())
	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "* * * * * *"}))
	require.Eventually(t, func() bool { return n.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "garbage"}))
}
