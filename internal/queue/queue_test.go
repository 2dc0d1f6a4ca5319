package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bulksender/internal/eventbus"
	"bulksender/internal/storage"
	logx "bulksender/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Path:             filepath.Join(t.TempDir(), "q.db"),
		MaxRetryAttempts: 3,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	return New(st, bus, logx.Nop(), Defaults{}), bus
}

func TestEnqueue_DedupesPreservingOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"1", "1", "2"}, Text: "hi"})
	require.NoError(t, err)

	msgs, err := q.JobMessages(ctx, id, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Recipient)
	assert.Equal(t, "2", msgs[1].Recipient)

	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, j.Status)
	assert.Equal(t, 2, j.Total)
	assert.Equal(t, DefaultDelayMin, j.DelayMin)
	assert.Equal(t, DefaultDelayMax, j.DelayMax)
}

func TestDedupe(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b", "c"}, Dedupe([]string{" a", "b", "", "a", "c ", "b"}))
	assert.Empty(t, Dedupe(nil))
}

func TestEnqueue_InputErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "no recipients", req: Request{Text: "hi"}, want: ErrNoRecipients},
		{name: "blank recipients", req: Request{Recipients: []string{" ", ""}, Text: "hi"}, want: ErrNoRecipients},
		{name: "no content", req: Request{Recipients: []string{"1"}}, want: ErrNoContent},
		{name: "whitespace content", req: Request{Recipients: []string{"1"}, Text: "  "}, want: ErrNoContent},
		{name: "inverted delays", req: Request{Recipients: []string{"1"}, Text: "x", DelayMin: 9 * time.Second, DelayMax: 2 * time.Second}, want: ErrInvalidDelay},
		{name: "negative delay", req: Request{Recipients: []string{"1"}, Text: "x", DelayMin: -time.Second}, want: ErrInvalidDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	jobs, err := q.Jobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected enqueues must not be stored")
}

func TestEnqueue_AttachmentOnlyAndCustomDelays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{
		Recipients: []string{"+1"},
		Attachment: "/tmp/flyer.png",
		DelayMin:   time.Second,
		DelayMax:   2 * time.Second,
	})
	require.NoError(t, err)
	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flyer.png", j.Attachment)
	assert.Equal(t, time.Second, j.DelayMin)
	assert.Equal(t, 2*time.Second, j.DelayMax)
}

func TestAcknowledge_FailTwiceThenSucceed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, bus := newTestQueue(t)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	ok, err := q.StartJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 1; i <= 2; i++ {
		m, found, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.True(t, found)
		rc, terminal, err := q.AcknowledgeFailed(ctx, m.ID, "timeout", false)
		require.NoError(t, err)
		assert.Equal(t, i, rc)
		assert.False(t, terminal)
	}

	m, found, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	changed, err := q.AcknowledgeSent(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	done, err := q.CompleteIfDone(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)

	msgs, err := q.JobMessages(ctx, id, storage.MessageSent)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].RetryCount)

	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, j.Status)
	require.NotNil(t, j.CompletedAt)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{
		eventbus.TypeJobStatus, // pending
		eventbus.TypeJobStatus, // running
		eventbus.TypeMessageFailed,
		eventbus.TypeMessageFailed,
		eventbus.TypeMessageSent,
		eventbus.TypeJobStatus, // completed
	}, types)
}

func TestAdminTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)

	// Resume only from paused.
	require.ErrorIs(t, q.ResumeJob(ctx, id), ErrInvalidTransition)

	require.NoError(t, q.PauseJob(ctx, id))
	require.NoError(t, q.PauseJob(ctx, id))
	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobPaused, j.Status)

	require.NoError(t, q.ResumeJob(ctx, id))
	j, err = q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobRunning, j.Status)

	// Parked jobs can be paused too.
	ok, err := q.WaitForLogin(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.PauseJob(ctx, id))

	// A paused job is not touched by Reconnected.
	ok, err = q.Reconnected(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.StopJob(ctx, id))
	require.NoError(t, q.StopJob(ctx, id))
	require.ErrorIs(t, q.ResumeJob(ctx, id), ErrInvalidTransition)
	require.ErrorIs(t, q.PauseJob(ctx, id), ErrInvalidTransition)

	j, err = q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStopped, j.Status)

	require.ErrorIs(t, q.StopJob(ctx, 999), ErrJobNotFound)
}

func TestResumeJob_StampsStartedWhenPausedBeforeRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, q.PauseJob(ctx, id))
	require.NoError(t, q.ResumeJob(ctx, id))

	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobRunning, j.Status)
	require.NotNil(t, j.StartedAt)
	first := *j.StartedAt

	// A second pause/resume keeps the original stamp.
	require.NoError(t, q.PauseJob(ctx, id))
	require.NoError(t, q.ResumeJob(ctx, id))
	j, err = q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, first.Equal(*j.StartedAt))
}

func TestResumeJob_CompletesJobFinishedWhilePaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	ok, err := q.StartJob(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	m, found, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)

	// The last outcome lands after an admin pause.
	require.NoError(t, q.PauseJob(ctx, id))
	_, err = q.AcknowledgeSent(ctx, m.ID)
	require.NoError(t, err)
	done, err := q.CompleteIfDone(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, q.ResumeJob(ctx, id))
	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)
}

func TestReconnected_CompletesJobFinishedWhileParked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	_, err = q.StartJob(ctx, id)
	require.NoError(t, err)
	m, _, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)

	ok, err := q.WaitForLogin(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	_, terminal, err := q.AcknowledgeFailed(ctx, m.ID, "not on network", true)
	require.NoError(t, err)
	require.True(t, terminal)

	ok, err = q.Reconnected(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	j, err := q.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, j.Status)
}

func TestRecordAttempt_DoesNotConsumeRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	m, _, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	for range q.MaxRetryAttempts() + 1 {
		require.NoError(t, q.RecordAttempt(ctx, m.ID, "gateway rejected credentials"))
	}
	msgs, err := q.JobMessages(ctx, id, storage.MessagePending)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 0, msgs[0].RetryCount)
	assert.Equal(t, "gateway rejected credentials", msgs[0].LastError)
}

func TestDeleteJob_OnlyTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	require.ErrorIs(t, q.DeleteJob(ctx, id), ErrInvalidTransition)

	require.NoError(t, q.StopJob(ctx, id))
	require.NoError(t, q.DeleteJob(ctx, id))
	_, err = q.JobStatus(ctx, id)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobMessages_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.JobMessages(ctx, 5, "")
	require.ErrorIs(t, err, ErrJobNotFound)

	id, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "hi"})
	require.NoError(t, err)
	_, err = q.JobMessages(ctx, id, "bogus")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestActiveJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t)

	a, err := q.Enqueue(ctx, Request{Recipients: []string{"+1"}, Text: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Request{Recipients: []string{"+2"}, Text: "b"})
	require.NoError(t, err)

	active, err := q.ActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = q.StartJob(ctx, a)
	require.NoError(t, err)
	active, err = q.ActiveJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].ID)
}
