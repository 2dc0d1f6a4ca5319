package pacing

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BaseDelayWithinBounds(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{LongPauseEvery: 0}, WithRand(rand.New(rand.NewSource(1))))
	p.ForJob(2*time.Second, 3*time.Second)
	for i := 0; i < 200; i++ {
		d := p.Next()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, 200, p.Attempts())
}

func TestPolicy_LongPauseEveryNth(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{
		DelayMin:       time.Second,
		DelayMax:       time.Second,
		LongPauseEvery: 3,
		LongPauseMin:   10 * time.Second,
		LongPauseMax:   10 * time.Second,
	}, WithRand(rand.New(rand.NewSource(7))))

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, p.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, time.Second, 11 * time.Second,
		time.Second, time.Second, 11 * time.Second,
	}, got)
}

func TestPolicy_ForJobResetsAndFallsBack(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{DelayMin: 5 * time.Second, DelayMax: 5 * time.Second, LongPauseEvery: 2})
	p.Next()
	require.Equal(t, 1, p.Attempts())

	p.ForJob(0, 0)
	assert.Equal(t, 0, p.Attempts())
	assert.Equal(t, 5*time.Second, p.Next())

	p.Reset()
	assert.Equal(t, 0, p.Attempts())
}

func TestPolicy_DefaultsMatchCadence(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{LongPauseEvery: DefaultLongPauseEvery}, WithRand(rand.New(rand.NewSource(3))))
	for i := 1; i <= 20; i++ {
		d := p.Next()
		if i%10 == 0 {
			assert.GreaterOrEqual(t, d, DefaultDelayMin+DefaultLongPauseMin)
			assert.LessOrEqual(t, d, DefaultDelayMax+DefaultLongPauseMax)
			continue
		}
		assert.GreaterOrEqual(t, d, DefaultDelayMin)
		assert.LessOrEqual(t, d, DefaultDelayMax)
	}
}

func TestPolicy_WaitUsesSleeper(t *testing.T) {
	t.Parallel()
	var slept []time.Duration
	p := NewPolicy(Config{DelayMin: time.Second, DelayMax: time.Second},
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, []time.Duration{time.Second}, slept)
}

func TestSleep_HonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var nilC *Ceiling
	require.NoError(t, nilC.Wait(ctx))
	assert.False(t, nilC.Enabled())

	off := NewCeiling(0)
	assert.False(t, off.Enabled())
	require.NoError(t, off.Wait(ctx))

	c := NewCeiling(60)
	assert.True(t, c.Enabled())
	require.NoError(t, c.Wait(ctx)) // first token is free

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, c.Wait(short), "second send within a second must wait")

	c.SetRate(0)
	require.NoError(t, c.Wait(ctx))
}
