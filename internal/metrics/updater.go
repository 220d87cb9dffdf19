package metrics

import (
	"context"

	"github.com/gateway-fm/certsync/internal/certificate"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Updater recounts stored certificates in the background whenever an
// import is reported.
type Updater struct {
	repo    certificate.Repository
	stored  *prometheus.GaugeVec
	logger  *zap.Logger
	trigger chan struct{}
}

func NewUpdater(repo certificate.Repository, reg prometheus.Registerer, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	stored := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "certsync_certificates_stored",
			Help: "Stored certificate records by result",
		},
		[]string{"result"},
	)
	reg.MustRegister(stored)

	return &Updater{
		repo:   repo,
		stored: stored,
		logger: logger,
		// one pending refresh is enough to cover any number of imports
		trigger: make(chan struct{}, 1),
	}
}

func (u *Updater) Start(ctx context.Context) {
	u.Trigger()
	go func() {
		for {
			select {
			case <-u.trigger:
				u.UpdateMetrics(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// CertificateImported satisfies certificate.Notifier.
func (u *Updater) CertificateImported(ctx context.Context, r certificate.Record) error {
	u.Trigger()
	return nil
}

func (u *Updater) UpdateMetrics(ctx context.Context) {
	records, err := u.repo.Query(ctx, certificate.QueryFilter{})
	if err != nil {
		u.logger.Warn("failed to count stored certificates", zap.Error(err))
		return
	}
	passed := 0
	for _, r := range records {
		if r.Passed {
			passed++
		}
	}
	u.stored.WithLabelValues("pass").Set(float64(passed))
	u.stored.WithLabelValues("fail").Set(float64(len(records) - passed))
}
