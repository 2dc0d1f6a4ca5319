package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bulksender/internal/config"
	"bulksender/internal/queue"
	"bulksender/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fastConfig = `{
  "logging": {"level": "error", "console": false},
  "queue": {"max_retry_attempts": 3, "default_delay_min": "1ms", "default_delay_max": "2ms"},
  "pacing": {"long_pause_every": 0},
  "worker": {
    "poll_interval": "5ms",
    "idle_interval": "5ms",
    "session_check_interval": "1s",
    "iteration_pause": "1ms",
    "startup_login_timeout": "10ms"
  },
  "transport": {"driver": "dryrun"}
}`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func startApp(t *testing.T, body string, opts Options) *App {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, dir, body)
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(dir, "app.db")
	}
	a, err := New(context.Background(), path, opts)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestApp_WorkerDrainsWithDryrun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := startApp(t, fastConfig, Options{Worker: true})
	require.NotNil(t, a.Engine())

	id, err := a.Queue().Enqueue(ctx, queue.Request{Recipients: []string{"+1", "+2", "+1"}, Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := a.Queue().JobStatus(ctx, id)
		return err == nil && j.Status == storage.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	j, err := a.Queue().JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, j.Sent)
	assert.Equal(t, 0, j.Failed)
	assert.NotNil(t, j.CompletedAt)
}

func TestApp_WithoutWorkerNothingDrains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := startApp(t, fastConfig, Options{})
	assert.Nil(t, a.Engine())

	id, err := a.Queue().Enqueue(ctx, queue.Request{Recipients: []string{"+1"}, Text: "hello"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	j, err := a.Queue().JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
}

func TestApp_HotReloadUpdatesQueueDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, fastConfig)
	a, err := New(context.Background(), path, Options{DBPath: filepath.Join(dir, "app.db")})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	assert.Equal(t, time.Millisecond, a.Queue().Defaults().DelayMin)

	updated := `{
  "logging": {"level": "error", "console": false},
  "queue": {"max_retry_attempts": 3, "default_delay_min": "3s", "default_delay_max": "6s"},
  "transport": {"driver": "dryrun"}
}`
	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return a.Queue().Defaults().DelayMin == 3*time.Second
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 6*time.Second, a.Queue().Defaults().DelayMax)
}

func TestApp_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"transport": {"driver": "carrier-pigeon"}}`)
	_, err := New(context.Background(), path, Options{DBPath: filepath.Join(dir, "app.db")})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestApp_StopIsSafeWithoutStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := New(context.Background(), writeConfig(t, dir, fastConfig), Options{DBPath: filepath.Join(dir, "app.db")})
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopAppStop))
	assert.NoError(t, a.Err())
}

func TestOpen_AdminHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	db := filepath.Join(dir, "admin.db")

	h, err := Open(ctx, filepath.Join(dir, "missing.json"), db)
	require.NoError(t, err)
	id, err := h.Queue.Enqueue(ctx, queue.Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// A second handle over the same file sees the job.
	h, err = Open(ctx, "", db)
	require.NoError(t, err)
	defer h.Close()
	j, err := h.Queue.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
	assert.Equal(t, queue.DefaultDelayMin, j.DelayMin)
}

func TestApp_StopTimeoutCoversSendTimeout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := `{
  "logging": {"level": "error", "console": false},
  "worker": {"send_timeout": "90s"},
  "transport": {"driver": "dryrun"}
}`
	a, err := New(context.Background(), writeConfig(t, dir, body), Options{Worker: true, DBPath: filepath.Join(dir, "app.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	assert.Equal(t, 90*time.Second+stopMargin, a.supervisorBudget())
	assert.Equal(t, 90*time.Second+stopMargin+stopTail, a.StopTimeout())

	dir = t.TempDir()
	b, err := New(context.Background(), writeConfig(t, dir, fastConfig), Options{DBPath: filepath.Join(dir, "app.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background(), StopAppStop) })
	assert.Equal(t, minSupervisorStop+stopTail, b.StopTimeout())
}
