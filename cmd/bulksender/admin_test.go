package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	config string
	db     string
}

func newCLI(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"logging": {"level": "error", "console": false}}`), 0o644))
	return cliEnv{config: cfg, db: filepath.Join(dir, "queue.db")}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config, "--db", e.db}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_EnqueueAndInspect(t *testing.T) {
	env := newCLI(t)

	out, err := env.run(t, "enqueue", "--to", "+15550100", "--to", "+1 555 0100", "--to", "abc", "--text", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "job #1 enqueued: 1 recipients (1 duplicates, 1 invalid)")

	out, err = env.run(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "pending")

	out, err = env.run(t, "status", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Job #1: pending")
	assert.Contains(t, out, "1 total, 0 sent, 0 failed, 1 remaining")

	out, err = env.run(t, "status", "#1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_messages": 1`)

	out, err = env.run(t, "messages", "1", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "+15550100")

	out, err = env.run(t, "messages", "1", "--status", "sent")
	require.NoError(t, err)
	assert.Contains(t, out, "No messages.")
}

func TestCLI_EnqueueFromFile(t *testing.T) {
	env := newCLI(t)
	list := filepath.Join(t.TempDir(), "list.csv")
	require.NoError(t, os.WriteFile(list, []byte("name,phone\nann,+15550100\nbob,+15550101\nann,+15550100\n"), 0o644))

	out, err := env.run(t, "enqueue", "--file", list, "--text", "hi", "--to", "+15550102")
	require.NoError(t, err)
	assert.Contains(t, out, "3 recipients (1 duplicates, 0 invalid)")
}

func TestCLI_Lifecycle(t *testing.T) {
	env := newCLI(t)
	_, err := env.run(t, "enqueue", "--to", "+15550100", "--text", "hello")
	require.NoError(t, err)

	_, err = env.run(t, "resume", "1")
	assert.Error(t, err, "pending jobs cannot be resumed")

	out, err := env.run(t, "pause", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "job #1 is paused")

	out, err = env.run(t, "jobs", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	out, err = env.run(t, "report")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = env.run(t, "delete", "1")
	assert.Error(t, err, "non-terminal jobs cannot be deleted")

	out, err = env.run(t, "stop", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "job #1 is stopped")

	out, err = env.run(t, "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "job #1 deleted")

	out, err = env.run(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs.")
}

func TestCLI_Errors(t *testing.T) {
	env := newCLI(t)

	_, err := env.run(t, "status", "abc")
	assert.ErrorContains(t, err, "invalid job id")

	_, err = env.run(t, "status", "42")
	assert.Error(t, err)

	_, err = env.run(t, "enqueue", "--text", "hello")
	assert.Error(t, err, "no recipients")

	_, err = env.run(t, "enqueue", "--to", "+15550100")
	assert.Error(t, err, "no text or attachment")

	_, err = env.run(t, "enqueue", "--to", "+15550100", "--text", "x", "--delay-min", "5s", "--delay-max", "1s")
	assert.Error(t, err, "min above max")
}

func TestParseJobID(t *testing.T) {
	t.Parallel()
	id, err := parseJobID("#7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	for _, bad := range []string{"", "0", "-3", "x1"} {
		_, err := parseJobID(bad)
		assert.Error(t, err, bad)
	}
}
