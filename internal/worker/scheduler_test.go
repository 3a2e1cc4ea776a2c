package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/relay/internal/service/campaign"
)

type countingStates struct {
	calls int32
	err   error
}

func (c *countingStates) ScheduleStateUpdates(context.Context) error {
	atomic.AddInt32(&c.calls, 1)
	return c.err
}

func TestScheduler_StartStop(t *testing.T) {
	q := &fakeQueue{}
	states := &countingStates{}
	s := NewScheduler(q, states, SchedulerConfig{
		ProcessInterval: 5 * time.Millisecond,
		StateInterval:   5 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.ProcessTicks >= 2 && st.StateTicks >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	jobs := q.take()
	require.NotEmpty(t, jobs)
	for _, j := range jobs {
		assert.Equal(t, campaign.JobProcessCampaigns, j.Name)
		assert.Equal(t, campaign.JobProcessCampaigns, j.Options.DedupeKey)
		assert.Equal(t, 1, j.MaxAttempts())
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&states.calls), int32(2))

	// stopped: no further ticks
	ticks := s.Stats().ProcessTicks
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, s.Stats().ProcessTicks)
}

func TestScheduler_CountsErrors(t *testing.T) {
	states := &countingStates{err: errors.New("redis down")}
	s := NewScheduler(&fakeQueue{}, states, SchedulerConfig{
		ProcessInterval: time.Hour,
		StateInterval:   5 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Stats().Errors >= 1 }, time.Second, 5*time.Millisecond)
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&fakeQueue{}, &countingStates{}, SchedulerConfig{})
	assert.Equal(t, time.Minute, s.processInterval)
	assert.Equal(t, 2*time.Minute, s.stateInterval)
}
