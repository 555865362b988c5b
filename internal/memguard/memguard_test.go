package memguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	limit  int64
	usage  int64
	max    int64
	sets   []int64
	setErr error
}

func (f *fakeLimiter) Limit() int64 { return f.limit }
func (f *fakeLimiter) Usage() int64 { return f.usage }

func (f *fakeLimiter) SetLimit(limit int64) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.max > 0 && limit > f.max {
		return ErrRefused
	}
	f.sets = append(f.sets, limit)
	f.limit = limit
	return nil
}

func TestAcquireUnlimitedIsNoop(t *testing.T) {
	t.Parallel()

	l := &fakeLimiter{limit: Unlimited, usage: 1 << 30}
	g := New(l)
	require.NoError(t, g.Acquire(1<<40))
	require.NoError(t, g.Release())
	assert.Empty(t, l.sets)
}

func TestAcquireWithinHeadroom(t *testing.T) {
	t.Parallel()

	l := &fakeLimiter{limit: 100 << 20, usage: 10 << 20}
	g := New(l)
	require.NoError(t, g.Acquire(1<<20))
	assert.Empty(t, l.sets)
	require.NoError(t, g.Release())
	assert.Empty(t, l.sets)
}

func TestAcquireRaisesByShortfall(t *testing.T) {
	t.Parallel()

	const limit = 8 << 20
	const used = 6 << 20
	l := &fakeLimiter{limit: limit, usage: used}
	g := New(l)

	need := int64(4 << 20)
	require.NoError(t, g.Acquire(need))
	headroom := int64(limit - used - Margin)
	require.Len(t, l.sets, 1)
	assert.Equal(t, int64(limit)+need-headroom, l.sets[0])

	require.NoError(t, g.Release())
	require.Len(t, l.sets, 2)
	assert.Equal(t, int64(limit), l.sets[1])
	assert.Equal(t, int64(limit), l.limit)
}

func TestReleaseRestoresFirstCeilingOnce(t *testing.T) {
	t.Parallel()

	l := &fakeLimiter{limit: 4 << 20, usage: 3 << 20}
	g := New(l)
	require.NoError(t, g.Acquire(2<<20))
	require.NoError(t, g.Acquire(8<<20))
	assert.Greater(t, l.limit, int64(8<<20))

	require.NoError(t, g.Release())
	assert.Equal(t, int64(4<<20), l.limit)
	restores := len(l.sets)

	l.limit = 99 << 20
	require.NoError(t, g.Release())
	assert.Len(t, l.sets, restores)
	assert.Equal(t, int64(99<<20), l.limit)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	t.Parallel()

	l := &fakeLimiter{limit: 1 << 20}
	require.NoError(t, New(l).Release())
	assert.Empty(t, l.sets)
}

func TestAcquireRefused(t *testing.T) {
	t.Parallel()

	t.Run("limiter maximum", func(t *testing.T) {
		t.Parallel()
		l := &fakeLimiter{limit: 2 << 20, usage: 1 << 20, max: 3 << 20}
		err := New(l).Acquire(64 << 20)
		require.ErrorIs(t, err, ErrRefused)
	})

	t.Run("foreign error is wrapped", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		l := &fakeLimiter{limit: 2 << 20, usage: 1 << 20, setErr: boom}
		err := New(l).Acquire(64 << 20)
		require.ErrorIs(t, err, ErrRefused)
		require.ErrorIs(t, err, boom)
	})
}

func TestRuntimeLimiter(t *testing.T) {
	// Not parallel: touches the process-wide ceiling.
	r := Runtime{Max: 1 << 40}
	prev := r.Limit()
	t.Cleanup(func() { _ = r.SetLimit(prev) })

	assert.Positive(t, r.Usage())
	require.NoError(t, r.SetLimit(1<<39))
	assert.Equal(t, int64(1<<39), r.Limit())
	require.ErrorIs(t, r.SetLimit(1<<41), ErrRefused)
	require.ErrorIs(t, r.SetLimit(-5), ErrRefused)
}
