package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/certsync/internal/archive"
	"github.com/gateway-fm/certsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSource struct {
	payloads []string
	err      error
}

func (s stubSource) FetchPayloads(ctx context.Context) ([]string, error) {
	return s.payloads, s.err
}

// slowSource tracks how many fetches overlap.
type slowSource struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (s *slowSource) FetchPayloads(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panickingImporter struct{}

func (panickingImporter) Import(ctx context.Context, raw []byte) (ImportOutcome, error) {
	panic("unexpected payload")
}

type recordingStatus struct {
	mu      sync.Mutex
	state   string
	message string
}

func (r *recordingStatus) SetConnectivity(state, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state, r.message = state, message
}

type recordingRecorder struct {
	mu       sync.Mutex
	cycles   []string
	payloads map[string]int
}

func (r *recordingRecorder) ObserveCycle(state string, manual bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, fmt.Sprintf("%s/%t", state, manual))
}

func (r *recordingRecorder) ObservePayload(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = map[string]int{}
	}
	r.payloads[outcome]++
}

func newTestSyncer(t *testing.T, source PayloadSource, opts ...SyncerOption) (*Syncer, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	importer := newTestImporter(t, archive.NewMemoryArchive(), store, nil)
	return NewSyncer(source, importer, zaptest.NewLogger(t), opts...), store
}

func TestSyncCycleIsolatesInvalidPayloads(t *testing.T) {
	source := stubSource{payloads: []string{
		`{"deviceId":"D1","timestamp":"2024-03-01T10:00:00Z","gasType":"CO","passed":true}`,
		`{"timestamp":"2024-03-01T11:00:00Z","gasType":"CO","passed":true}`,
		`{"deviceId":"D3","timestamp":"2024-03-01T12:00:00Z","gasType":"H2S","passed":false}`,
	}}
	recorder := &recordingRecorder{}
	status := &recordingStatus{}
	syncer, store := newTestSyncer(t, source, WithRecorder(recorder), WithStatusSink(status))

	result := syncer.RunSyncCycle(context.Background(), true)

	require.NoError(t, result.Err)
	assert.Equal(t, transport.StateConnected, result.State)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Rejected)
	assert.Zero(t, result.Duplicates)
	assert.Contains(t, result.Message, "Sync complete. New: 2, duplicates skipped: 0.")
	assert.Contains(t, result.Message, "Rejected: 1.")
	assert.True(t, strings.HasPrefix(result.Message, "["+result.CorrelationID+"]"))
	assert.Len(t, result.CorrelationID, 32)

	records, err := store.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"D1", "D3"}, []string{records[0].DeviceID, records[1].DeviceID})

	assert.Equal(t, "connected", status.state)
	assert.Equal(t, []string{"connected/true"}, recorder.cycles)
	assert.Equal(t, map[string]int{"imported": 2, "rejected": 1}, recorder.payloads)

	last, ok := syncer.LastResult()
	require.True(t, ok)
	assert.Equal(t, result.CorrelationID, last.CorrelationID)
}

func TestSyncCycleCountsDuplicates(t *testing.T) {
	source := stubSource{payloads: []string{validPayload, validPayload}}
	syncer, _ := newTestSyncer(t, source)

	first := syncer.RunSyncCycle(context.Background(), false)
	second := syncer.RunSyncCycle(context.Background(), false)

	assert.Equal(t, 1, first.Imported)
	assert.Equal(t, 1, first.Duplicates)
	assert.Zero(t, second.Imported)
	assert.Equal(t, 2, second.Duplicates)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestSyncCycleIsSingleFlight(t *testing.T) {
	source := &slowSource{delay: 20 * time.Millisecond}
	syncer, _ := newTestSyncer(t, source)

	var wg sync.WaitGroup
	results := make([]SyncResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = syncer.RunSyncCycle(context.Background(), i%2 == 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.peak.Load())
	assert.Equal(t, int32(6), source.calls.Load())
	for _, r := range results {
		assert.Equal(t, transport.StateConnected, r.State)
	}
}

func TestSyncCycleGivesUpWaitingWhenCancelled(t *testing.T) {
	source := &slowSource{delay: 200 * time.Millisecond}
	syncer, _ := newTestSyncer(t, source)

	done := make(chan SyncResult)
	go func() { done <- syncer.RunSyncCycle(context.Background(), false) }()
	require.Eventually(t, func() bool { return source.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	waiting := syncer.RunSyncCycle(ctx, true)

	assert.True(t, waiting.Cancelled)
	assert.Equal(t, transport.StateTimeout, waiting.State)
	assert.Equal(t, int32(1), source.calls.Load())

	first := <-done
	assert.Equal(t, transport.StateConnected, first.State)
}

func TestSyncCycleStateMapping(t *testing.T) {
	var tests = map[string]struct {
		err       error
		state     transport.State
		message   string
		cancelled bool
	}{
		"auth failure": {
			err: &transport.ConnectivityError{
				State: transport.StateAuthFailed, Attempts: 1,
				Message: "X-dock rejected the credentials. Check username and password.",
			},
			state:   transport.StateAuthFailed,
			message: "X-dock rejected the credentials. Check username and password.",
		},
		"retries exhausted on timeouts": {
			err: fmt.Errorf("fetch: %w", &transport.ConnectivityError{
				State: transport.StateTimeout, Attempts: 4,
				Message: "X-dock did not respond in time after 4 attempt(s).",
			}),
			state:   transport.StateTimeout,
			message: "X-dock did not respond in time after 4 attempt(s).",
		},
		"unavailable": {
			err: &transport.ConnectivityError{
				State: transport.StateUnavailable, Attempts: 4,
				Message: "X-dock is unavailable after 4 attempt(s).",
			},
			state:   transport.StateUnavailable,
			message: "X-dock is unavailable after 4 attempt(s).",
		},
		"cancelled fetch": {
			err:       fmt.Errorf("%w on attempt 2: %w", transport.ErrCancelled, context.Canceled),
			state:     transport.StateTimeout,
			message:   "Sync cancelled or timed out.",
			cancelled: true,
		},
		"unexpected error": {
			err:     errors.New("decoder exploded"),
			state:   transport.StateUnavailable,
			message: "Unexpected sync failure. Check logs for details.",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			status := &recordingStatus{}
			syncer, _ := newTestSyncer(t, stubSource{err: test.err}, WithStatusSink(status))

			result := syncer.RunSyncCycle(context.Background(), true)

			assert.Equal(t, test.state, result.State)
			assert.Equal(t, test.cancelled, result.Cancelled)
			assert.Equal(t, fmt.Sprintf("[%s] %s", result.CorrelationID, test.message), result.Message)
			assert.ErrorIs(t, result.Err, test.err)
			assert.Equal(t, test.state.String(), status.state)
			assert.Equal(t, result.Message, status.message)
		})
	}
}

func TestSyncCycleStorageFailureAbortsBatch(t *testing.T) {
	importer := newTestImporter(t, archive.NewMemoryArchive(), failingRepo{err: errors.New("disk full")}, nil)
	source := stubSource{payloads: []string{validPayload, validPayload}}
	syncer := NewSyncer(source, importer, zaptest.NewLogger(t))

	result := syncer.RunSyncCycle(context.Background(), false)

	assert.Equal(t, transport.StateUnavailable, result.State)
	assert.ErrorIs(t, result.Err, ErrStorage)
	assert.Zero(t, result.Imported)
}

func TestSyncCycleRecoversFromPanic(t *testing.T) {
	syncer := NewSyncer(stubSource{payloads: []string{validPayload}}, panickingImporter{}, zaptest.NewLogger(t))

	result := syncer.RunSyncCycle(context.Background(), false)

	assert.Equal(t, transport.StateUnavailable, result.State)
	assert.Contains(t, result.Cause, "unexpected payload")

	// the gate is released after a panic
	again := syncer.RunSyncCycle(context.Background(), false)
	assert.Equal(t, transport.StateUnavailable, again.State)
}

func TestSyncCycleTimeout(t *testing.T) {
	source := &slowSource{delay: time.Second}
	syncer, _ := newTestSyncer(t, source, WithCycleTimeout(20*time.Millisecond))

	result := syncer.RunSyncCycle(context.Background(), false)

	assert.Equal(t, transport.StateTimeout, result.State)
	assert.True(t, result.Cancelled)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}
