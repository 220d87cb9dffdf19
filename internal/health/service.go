package health

import (
	"context"
	"sync"
	"time"
)

// Status is the connectivity reported by the latest sync cycle.
type Status struct {
	Connectivity string    `json:"connectivity"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
	ShuttingDown bool      `json:"-"`
}

// Healthy reports whether the service should be considered serving.
// Before the first cycle the connectivity is unknown and counts as healthy.
func (s Status) Healthy() bool {
	if s.ShuttingDown {
		return false
	}
	return s.Connectivity == "unknown" || s.Connectivity == "connected"
}

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	status      Status
	subscribers []func(Status)
}

func NewService(ctx context.Context) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		status: Status{Connectivity: "unknown"},
	}
}

// SetConnectivity records the state of the latest sync cycle.
func (s *Service) SetConnectivity(state, message string) {
	s.mu.Lock()
	s.status.Connectivity = state
	s.status.Message = message
	s.status.UpdatedAt = time.Now().UTC()
	status, subscribers := s.snapshot()
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(status)
	}
}

// Subscribe registers fn to be called with every status change.
func (s *Service) Subscribe(fn func(Status)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	status, _ := s.snapshot()
	s.mu.Unlock()
	fn(status)
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, _ := s.snapshot()
	return status
}

// snapshot must be called with mu held.
func (s *Service) snapshot() (Status, []func(Status)) {
	status := s.status
	status.ShuttingDown = s.ctx.Err() != nil
	return status, append([]func(Status){}, s.subscribers...)
}

func (s *Service) Shutdown() {
	s.cancel()
	s.mu.RLock()
	status, subscribers := s.snapshot()
	s.mu.RUnlock()

	for _, fn := range subscribers {
		fn(status)
	}
}

func (s *Service) IsShuttingDown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns the service context for use in operations
func (s *Service) Context() context.Context {
	return s.ctx
}
