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

// recordingProvider captures calls made by the façade.
type recordingProvider struct {
	mu      sync.Mutex
	batches [][]*Job
	single  []*Job
	delayed []*Job
	delays  []time.Duration
	starts  int
	size    int
	fail    error
}

func (p *recordingProvider) Name() string         { return "recording" }
func (p *recordingProvider) SupportsDedupe() bool { return false }
func (p *recordingProvider) BatchSize() int       { return p.size }
func (p *recordingProvider) Close() error         { return nil }

func (p *recordingProvider) Enqueue(_ context.Context, j *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.single = append(p.single, j)
	return nil
}

func (p *recordingProvider) EnqueueBatch(_ context.Context, jobs []*Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, jobs)
	return nil
}

func (p *recordingProvider) Delay(_ context.Context, j *Job, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delayed = append(p.delayed, j)
	p.delays = append(p.delays, d)
	return nil
}

func (p *recordingProvider) Start(_ context.Context, _ Dispatcher) error {
	p.starts++
	return nil
}

// dispatchFunc adapts a function to Dispatcher.
type dispatchFunc func(ctx context.Context, job *Job) error

func (f dispatchFunc) Dequeue(ctx context.Context, job *Job) error { return f(ctx, job) }

func mustJob(t *testing.T, name string, data any) *Job {
	t.Helper()
	j, err := NewJob(name, data)
	require.NoError(t, err)
	return j
}

func TestNewJob_EncodesData(t *testing.T) {
	j := mustJob(t, "email", map[string]int64{"campaign_id": 7})
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts())

	var out struct {
		CampaignID int64 `json:"campaign_id"`
	}
	require.NoError(t, j.Decode(&out))
	assert.Equal(t, int64(7), out.CampaignID)

	raw, err := j.Encode()
	require.NoError(t, err)
	back, err := DecodeJob(raw)
	require.NoError(t, err)
	assert.Equal(t, j.ID, back.ID)
	assert.Equal(t, "email", back.Name)
}

func TestDecodeJob_RequiresName(t *testing.T) {
	_, err := DecodeJob([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestQueue_DequeueRunsRegisteredHandler(t *testing.T) {
	q := New(&recordingProvider{})
	var got *Job
	q.Register("email", func(_ context.Context, j *Job) error {
		got = j
		return nil
	})

	j := mustJob(t, "email", nil)
	require.NoError(t, q.Dequeue(context.Background(), j))
	assert.Same(t, j, got)
}

func TestQueue_DequeueReturnsHandlerError(t *testing.T) {
	q := New(&recordingProvider{})
	boom := errors.New("boom")
	q.Register("email", func(context.Context, *Job) error { return boom })

	err := q.Dequeue(context.Background(), mustJob(t, "email", nil))
	assert.ErrorIs(t, err, boom)
}

func TestQueue_DequeueUnknownJob(t *testing.T) {
	q := New(&recordingProvider{})
	err := q.Dequeue(context.Background(), mustJob(t, "nope", nil))
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.False(t, q.Registered("nope"))
}

func TestQueue_EnqueueBatchChunksByProviderSize(t *testing.T) {
	p := &recordingProvider{size: 2}
	q := New(p)

	jobs := make([]*Job, 5)
	for i := range jobs {
		jobs[i] = mustJob(t, "text", nil)
	}
	require.NoError(t, q.EnqueueBatch(context.Background(), jobs))

	require.Len(t, p.batches, 3)
	assert.Len(t, p.batches[0], 2)
	assert.Len(t, p.batches[1], 2)
	assert.Len(t, p.batches[2], 1)
}

func TestQueue_EnqueueWrapsProviderError(t *testing.T) {
	p := &recordingProvider{fail: ErrClosed}
	q := New(p)
	err := q.Enqueue(context.Background(), mustJob(t, "push", nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_DelayRequeuesWithFreshID(t *testing.T) {
	p := &recordingProvider{}
	q := New(p)

	j := mustJob(t, "email", nil).WithDedupe("send:1:2:0")
	j.AttemptsMade = 1
	require.NoError(t, q.Delay(context.Background(), j, 3*time.Second))

	require.Len(t, p.delayed, 1)
	next := p.delayed[0]
	assert.NotEqual(t, j.ID, next.ID)
	assert.Equal(t, "send:1:2:0", next.Options.DedupeKey)
	assert.Equal(t, 1, next.AttemptsMade)
	assert.Equal(t, int64(3000), next.Options.DelayMs)
	assert.Equal(t, 3*time.Second, p.delays[0])
}

func TestQueue_StartDelegatesToProvider(t *testing.T) {
	p := &recordingProvider{}
	q := New(p)
	require.NoError(t, q.Start(context.Background()))
	assert.Equal(t, 1, p.starts)
}
