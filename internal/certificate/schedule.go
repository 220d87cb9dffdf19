package certificate

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// MinSyncInterval is the shortest period between scheduled cycles.
const MinSyncInterval = 5 * time.Second

// SchedulerStatus reports whether scheduled syncing is switched on.
type SchedulerStatus interface {
	GetSchedulerStatus(ctx context.Context) (bool, error)
}

// Scheduler triggers sync cycles periodically.
type Scheduler struct {
	syncer    *Syncer
	status    SchedulerStatus
	scheduler gocron.Scheduler
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Intervals below MinSyncInterval are raised
// to it. When runAtStart is set the first cycle runs as soon as Start is called.
func NewScheduler(syncer *Syncer, status SchedulerStatus, interval time.Duration, runAtStart bool, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		syncer:    syncer,
		status:    status,
		scheduler: s,
		interval:  interval,
		logger:    logger,
		ctx:       context.Background(),
		cancel:    func() {},
	}

	opts := []gocron.JobOption{
		gocron.WithName("certificate-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if runAtStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(scheduler.syncCertificates),
		opts...,
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins the periodic loop. Cycles run under ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("starting certificate scheduler", zap.Duration("interval", s.interval))
	s.scheduler.Start()
}

// Stop cancels a running cycle and halts the loop.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping certificate scheduler")
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error("error shutting down scheduler", zap.Error(err))
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// syncCertificates runs on every tick.
func (s *Scheduler) syncCertificates() {
	ctx := s.runContext()
	if ctx.Err() != nil {
		return
	}

	active, err := s.status.GetSchedulerStatus(ctx)
	if err != nil {
		s.logger.Error("error checking scheduler status", zap.Error(err))
		return
	}
	if !active {
		s.logger.Debug("automatic sync is paused, skipping tick")
		return
	}

	s.syncer.RunSyncCycle(ctx, false)
}
