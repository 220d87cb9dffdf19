package certificate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedStatus struct {
	active bool
	err    error
}

func (f fixedStatus) GetSchedulerStatus(ctx context.Context) (bool, error) {
	return f.active, f.err
}

type countingSource struct{ calls atomic.Int32 }

func (c *countingSource) FetchPayloads(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestSchedulerIntervalFloor(t *testing.T) {
	syncer, _ := newTestSyncer(t, &countingSource{})

	s, err := NewScheduler(syncer, fixedStatus{active: true}, time.Millisecond, false, nil)
	require.NoError(t, err)
	assert.Equal(t, MinSyncInterval, s.Interval())

	s, err = NewScheduler(syncer, fixedStatus{active: true}, time.Minute, false, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.Interval())
}

func TestSchedulerTick(t *testing.T) {
	var tests = map[string]struct {
		status fixedStatus
		calls  int32
	}{
		"active runs a cycle": {status: fixedStatus{active: true}, calls: 1},
		"paused skips":        {status: fixedStatus{active: false}, calls: 0},
		"status error skips":  {status: fixedStatus{err: errors.New("locked")}, calls: 0},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			source := &countingSource{}
			syncer, _ := newTestSyncer(t, source)
			s, err := NewScheduler(syncer, test.status, time.Hour, false, zaptest.NewLogger(t))
			require.NoError(t, err)

			s.syncCertificates()

			assert.Equal(t, test.calls, source.calls.Load())
			if test.calls > 0 {
				last, ok := syncer.LastResult()
				require.True(t, ok)
				assert.False(t, last.Manual)
			}
		})
	}
}

func TestSchedulerRunsImmediatelyOnStart(t *testing.T) {
	source := &countingSource{}
	syncer, _ := newTestSyncer(t, source)
	s, err := NewScheduler(syncer, fixedStatus{active: true}, time.Hour, true, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerSkipsAfterStop(t *testing.T) {
	source := &countingSource{}
	syncer, _ := newTestSyncer(t, source)
	s, err := NewScheduler(syncer, fixedStatus{active: true}, time.Hour, false, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop()
	s.syncCertificates()

	assert.Zero(t, source.calls.Load())
}
