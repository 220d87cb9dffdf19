package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gateway-fm/certsync/internal/logging"
	"github.com/gateway-fm/certsync/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PayloadSource fetches one batch of raw payloads.
type PayloadSource interface {
	FetchPayloads(ctx context.Context) ([]string, error)
}

// PayloadImporter imports a single raw payload.
type PayloadImporter interface {
	Import(ctx context.Context, raw []byte) (ImportOutcome, error)
}

// StatusSink receives the connectivity state after every cycle.
type StatusSink interface {
	SetConnectivity(state, message string)
}

// Recorder receives cycle and payload outcomes for metrics.
type Recorder interface {
	ObserveCycle(state string, manual bool, duration time.Duration)
	ObservePayload(outcome string)
}

// SyncResult is the reported outcome of one sync cycle.
type SyncResult struct {
	CorrelationID string          `json:"correlationId"`
	Manual        bool            `json:"manual"`
	State         transport.State `json:"state"`
	Cancelled     bool            `json:"cancelled,omitempty"`
	Imported      int             `json:"imported"`
	Duplicates    int             `json:"duplicates"`
	Rejected      int             `json:"rejected"`
	Message       string          `json:"message"`
	Cause         string          `json:"cause,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	Err           error           `json:"-"`
}

type SyncerOption func(*Syncer)

func WithRecorder(r Recorder) SyncerOption {
	return func(s *Syncer) { s.recorder = r }
}

func WithStatusSink(sink StatusSink) SyncerOption {
	return func(s *Syncer) { s.status = sink }
}

// WithCycleTimeout bounds every cycle, including the wait for the transport's retries.
func WithCycleTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.cycleTimeout = d }
}

// Syncer runs sync cycles one at a time.
type Syncer struct {
	source       PayloadSource
	importer     PayloadImporter
	cycleTimeout time.Duration
	recorder     Recorder
	status       StatusSink
	logger       *zap.Logger
	newID        func() string

	// gate holds one token while a cycle runs
	gate chan struct{}

	mu   sync.RWMutex
	last *SyncResult
}

func NewSyncer(source PayloadSource, importer PayloadImporter, logger *zap.Logger, opts ...SyncerOption) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Syncer{
		source:   source,
		importer: importer,
		logger:   logger,
		newID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		gate: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunSyncCycle fetches a batch and imports it payload by payload. A call
// made while another cycle runs waits for it to finish, or gives up when
// ctx ends first. Every outcome, including panics, is reported in the
// result rather than returned as an error.
func (s *Syncer) RunSyncCycle(ctx context.Context, manual bool) SyncResult {
	id := s.newID()
	logger := logging.WithCorrelationID(s.logger, id).With(zap.Bool("manual", manual))
	result := SyncResult{CorrelationID: id, Manual: manual}

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		result.State = transport.StateTimeout
		result.Cancelled = true
		result.Err = ctx.Err()
		result.Cause = ctx.Err().Error()
		result.Message = fmt.Sprintf("[%s] Sync cancelled or timed out.", id)
		logger.Warn("sync cancelled while waiting for the running cycle")
		return result
	}
	defer func() { <-s.gate }()

	result.StartedAt = time.Now().UTC()
	logger.Info("sync cycle started")

	cycleCtx := ctx
	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}
	cycleCtx = transport.WithCorrelationID(cycleCtx, id)

	err := s.runGuarded(cycleCtx, logger, &result)
	s.classify(cycleCtx, &result, err, logger)
	result.FinishedAt = time.Now().UTC()

	s.report(result)
	return result
}

// LastResult returns the most recently completed cycle.
func (s *Syncer) LastResult() (SyncResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return SyncResult{}, false
	}
	return *s.last, true
}

func (s *Syncer) runGuarded(ctx context.Context, logger *zap.Logger, result *SyncResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
	}()
	return s.run(ctx, logger, result)
}

func (s *Syncer) run(ctx context.Context, logger *zap.Logger, result *SyncResult) error {
	payloads, err := s.source.FetchPayloads(ctx)
	if err != nil {
		return err
	}
	logger.Debug("fetched payload batch", zap.Int("payloads", len(payloads)))

	for i, payload := range payloads {
		outcome, err := s.importer.Import(ctx, []byte(payload))
		if err != nil {
			if errors.Is(err, ErrValidation) {
				result.Rejected++
				s.observePayload("rejected")
				logger.Warn("payload rejected",
					zap.Int("index", i),
					zap.String("digest", outcome.Digest),
					zap.String("artifact", outcome.ArtifactPath),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("payload %d (%s): %w", i, outcome.Digest, err)
		}

		if outcome.Imported {
			result.Imported++
			s.observePayload("imported")
		} else {
			result.Duplicates++
			s.observePayload("duplicate")
		}
	}
	return nil
}

func (s *Syncer) classify(ctx context.Context, result *SyncResult, err error, logger *zap.Logger) {
	result.Err = err
	if err != nil {
		result.Cause = err.Error()
	}

	var connErr *transport.ConnectivityError
	switch {
	case err == nil:
		result.State = transport.StateConnected
		result.Message = fmt.Sprintf("[%s] Sync complete. New: %d, duplicates skipped: %d.",
			result.CorrelationID, result.Imported, result.Duplicates)
		if result.Rejected > 0 {
			result.Message += fmt.Sprintf(" Rejected: %d.", result.Rejected)
		}
		logger.Info("sync cycle succeeded",
			zap.Int("imported", result.Imported),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("rejected", result.Rejected))

	case errors.As(err, &connErr):
		result.State = connErr.State
		result.Message = fmt.Sprintf("[%s] %s", result.CorrelationID, connErr.Message)
		logger.Warn("sync cycle failed",
			zap.String("state", connErr.State.String()),
			zap.Int("attempts", connErr.Attempts),
			zap.Error(err))

	case isCancellation(ctx, err):
		result.State = transport.StateTimeout
		result.Cancelled = true
		result.Message = fmt.Sprintf("[%s] Sync cancelled or timed out.", result.CorrelationID)
		logger.Warn("sync cycle cancelled",
			zap.Int("imported", result.Imported),
			zap.Error(err))

	default:
		result.State = transport.StateUnavailable
		result.Message = fmt.Sprintf("[%s] Unexpected sync failure. Check logs for details.", result.CorrelationID)
		logger.Error("sync cycle failed unexpectedly",
			zap.Int("imported", result.Imported),
			zap.Int("duplicates", result.Duplicates),
			zap.Error(err))
	}
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, transport.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil
}

func (s *Syncer) report(result SyncResult) {
	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()

	if s.status != nil {
		s.status.SetConnectivity(result.State.String(), result.Message)
	}
	if s.recorder != nil {
		s.recorder.ObserveCycle(result.State.String(), result.Manual, result.FinishedAt.Sub(result.StartedAt))
	}
}

func (s *Syncer) observePayload(outcome string) {
	if s.recorder != nil {
		s.recorder.ObservePayload(outcome)
	}
}
