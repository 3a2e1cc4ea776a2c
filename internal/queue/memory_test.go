package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ProcessesInOrder(t *testing.T) {
	m := NewMemory(MemoryConfig{Idle: 5 * time.Millisecond})
	q := New(m)

	var mu sync.Mutex
	var seen []string
	q.Register("step", func(_ context.Context, j *Job) error {
		var name string
		require.NoError(t, j.Decode(&name))
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
		return nil
	})

	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "step", n)))
	}
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	mu.Unlock()
}

func TestMemory_DelayedJobWaitsForVisibility(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Enqueue(context.Background(), mustJob(t, "later", nil).WithDelay(time.Minute)))
	require.NoError(t, m.Enqueue(context.Background(), mustJob(t, "now", nil)))

	item, ok := m.next()
	require.True(t, ok)
	assert.Equal(t, "now", item.job.Name)

	_, ok = m.next()
	assert.False(t, ok)

	now = now.Add(time.Minute)
	item, ok = m.next()
	require.True(t, ok)
	assert.Equal(t, "later", item.job.Name)
}

func TestMemory_RetriesUntilMaxAttempts(t *testing.T) {
	m := NewMemory(MemoryConfig{Idle: 5 * time.Millisecond})
	q := New(m)

	var mu sync.Mutex
	calls := 0
	q.Register("flaky", func(context.Context, *Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("nope")
	})

	require.NoError(t, q.Enqueue(context.Background(), mustJob(t, "flaky", nil).WithMaxAttempts(2)))
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, 0, m.Len())
}

func TestMemory_CloseRejectsEnqueue(t *testing.T) {
	m := NewMemory(DefaultMemoryConfig())
	require.NoError(t, m.Start(context.Background(), dispatchFunc(func(context.Context, *Job) error { return nil })))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.Enqueue(context.Background(), mustJob(t, "x", nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Start(context.Background(), nil), ErrClosed)
}
