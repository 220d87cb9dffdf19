package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gateway-fm/certsync/internal/archive"
	"github.com/gateway-fm/certsync/internal/certificate"
	"github.com/gateway-fm/certsync/internal/config"
	"github.com/gateway-fm/certsync/internal/events"
	"github.com/gateway-fm/certsync/internal/health"
	"github.com/gateway-fm/certsync/internal/inbox"
	"github.com/gateway-fm/certsync/internal/logging"
	"github.com/gateway-fm/certsync/internal/metrics"
	"github.com/gateway-fm/certsync/internal/transport"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

// ProvideSqliteStore opens the sqlite file that holds control state and,
// with the sqlite driver, the certificates themselves.
func ProvideSqliteStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*certificate.SqliteStore, error) {
	store, err := certificate.NewSqliteStore(cfg.Store.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.Init(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func ProvideRepository(lc fx.Lifecycle, cfg *config.Config, sqlite *certificate.SqliteStore, logger *zap.Logger) (certificate.Repository, error) {
	if cfg.Store.Driver != "postgres" {
		return sqlite, nil
	}

	logger.Info("initializing database connection pool")
	poolConfig, err := pgxpool.ParseConfig(cfg.Store.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("cannot reach database, check DATABASE_URL: %w", err)
			}
			logger.Info("database connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return certificate.NewPostgresStore(pool), nil
}

func ProvideArchive(cfg *config.Config) (archive.Archive, error) {
	if cfg.Archive.Driver != "s3" {
		return archive.NewFileArchive(cfg.Archive.Root), nil
	}
	client, err := archive.NewS3Client(context.Background(), archive.S3Config{
		Bucket:    cfg.Archive.S3Bucket,
		Prefix:    cfg.Archive.S3Prefix,
		Region:    cfg.Archive.S3Region,
		Endpoint:  cfg.Archive.S3Endpoint,
		AccessKey: cfg.Archive.S3AccessKey,
		SecretKey: cfg.Archive.S3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return archive.NewS3Archive(client, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix), nil
}

func ProvideParser() (*certificate.Parser, error) {
	return certificate.NewParser()
}

func ProvideReporter() *metrics.PrometheusReporter {
	return metrics.NewPrometheusReporter(prometheus.DefaultRegisterer)
}

func ProvideUpdater(repo certificate.Repository, logger *zap.Logger) *metrics.Updater {
	return metrics.NewUpdater(repo, prometheus.DefaultRegisterer, logger)
}

// ProvidePublisher returns nil when RABBITMQ_URL is unset.
func ProvidePublisher(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*events.Publisher, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, certificate events are disabled")
		return nil, nil
	}
	conn, err := events.Dial(cfg.RabbitMQ.URL, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := events.NewPublisher(conn, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close rabbitmq channel", zap.Error(err))
			}
			return conn.Close()
		},
	})
	return publisher, nil
}

func ProvideNotifier(updater *metrics.Updater, publisher *events.Publisher) certificate.Notifier {
	notifiers := certificate.Notifiers{updater}
	if publisher != nil {
		notifiers = append(notifiers, publisher)
	}
	return notifiers
}

func ProvideImporter(a archive.Archive, repo certificate.Repository, parser *certificate.Parser, notifier certificate.Notifier, logger *zap.Logger) *certificate.Importer {
	return certificate.NewImporter(a, repo, parser, notifier, logger)
}

func ProvideTransport(cfg *config.Config, reporter *metrics.PrometheusReporter, logger *zap.Logger) (*transport.Client, error) {
	fetcher, err := transport.NewHTTPFetcher(
		cfg.XDock.BaseURL,
		cfg.XDock.PayloadsPath,
		cfg.XDock.Username,
		cfg.XDock.Password,
		&http.Client{},
	)
	if err != nil {
		return nil, err
	}
	logger.Info("x-dock endpoint configured", zap.String("endpoint", fetcher.Endpoint()))

	return transport.NewClient(fetcher, transport.Policy{
		MaxAttempts:    cfg.XDock.MaxRetryAttempts,
		InitialBackoff: cfg.XDock.InitialBackoff,
		AttemptTimeout: cfg.XDock.RequestTimeout,
	},
		transport.WithLogger(logger),
		transport.WithAttemptObserver(reporter.ObserveAttempt),
	)
}

func ProvideHealthService(lc fx.Lifecycle) *health.Service {
	svc := health.NewService(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			svc.Shutdown()
			return nil
		},
	})
	return svc
}

func ProvideSyncer(cfg *config.Config, client *transport.Client, importer *certificate.Importer, reporter *metrics.PrometheusReporter, status *health.Service, logger *zap.Logger) *certificate.Syncer {
	return certificate.NewSyncer(client, importer, logger,
		certificate.WithCycleTimeout(cfg.Sync.CycleTimeout),
		certificate.WithRecorder(reporter),
		certificate.WithStatusSink(status),
	)
}

// ProvideController stores the bcrypt hash of the configured control key.
func ProvideController(cfg *config.Config, store *certificate.SqliteStore, logger *zap.Logger) (*certificate.Controller, error) {
	controller := certificate.NewController(store, cfg.Control.Confirmations, logger)
	if err := controller.StoreKey(context.Background(), cfg.Control.APIKey); err != nil {
		return nil, fmt.Errorf("failed to store control API key: %w", err)
	}
	return controller, nil
}

func ProvideScheduler(cfg *config.Config, syncer *certificate.Syncer, store *certificate.SqliteStore, logger *zap.Logger) (*certificate.Scheduler, error) {
	return certificate.NewScheduler(syncer, store, cfg.Sync.PollingInterval, cfg.Sync.AutoEnabled, logger)
}

func ProvideExportSinks(cfg *config.Config) map[string]certificate.Sink {
	return map[string]certificate.Sink{
		"csv":     certificate.NewCSVSink(cfg.Export.Dir),
		"summary": certificate.NewSummarySink(cfg.Export.Dir),
	}
}

func ProvideAPIServer(syncer *certificate.Syncer, repo certificate.Repository, controller *certificate.Controller, sinks map[string]certificate.Sink, logger *zap.Logger) *certificate.APIServer {
	return certificate.NewAPIServer(syncer, repo, controller, sinks, logger)
}

// ProvideInboxWatcher returns nil when INBOX_DIR is unset.
func ProvideInboxWatcher(cfg *config.Config, importer *certificate.Importer, logger *zap.Logger) *inbox.Watcher {
	if cfg.Inbox.Dir == "" {
		return nil
	}
	return inbox.NewWatcher(cfg.Inbox.Dir, cfg.Inbox.SettleDelay, importer, logger)
}

type servers struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	API       *certificate.APIServer
	Reporter  *metrics.PrometheusReporter
	Updater   *metrics.Updater
	Health    *health.Service
	Scheduler *certificate.Scheduler
	Inbox     *inbox.Watcher
}

func startServers(lc fx.Lifecycle, s servers) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := s.Logger

	s.API.RegisterHandlers(http.DefaultServeMux)
	health.NewApi(s.Health).RegisterHandlers(http.DefaultServeMux)
	s.Reporter.WireUpHttpMetrics(http.DefaultServeMux, prometheus.DefaultGatherer)

	httpServer := &http.Server{
		Addr:    s.Config.HTTPAddr,
		Handler: http.DefaultServeMux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	grpcServer := grpc.NewServer()
	health.NewGRPCServer(s.Health).Register(grpcServer)

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			grpcListener, err := net.Listen("tcp", s.Config.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", s.Config.GRPCAddr, err)
			}
			httpListener, err := net.Listen("tcp", s.Config.HTTPAddr)
			if err != nil {
				grpcListener.Close()
				return fmt.Errorf("failed to listen on %s: %w", s.Config.HTTPAddr, err)
			}

			go func() {
				logger.Info("starting gRPC server", zap.String("address", s.Config.GRPCAddr))
				if err := grpcServer.Serve(grpcListener); err != nil {
					logger.Error("gRPC server stopped", zap.Error(err))
				}
			}()
			go func() {
				logger.Info("http server listening", zap.String("address", s.Config.HTTPAddr))
				if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()

			s.Updater.Start(ctx)
			if s.Inbox != nil {
				if err := s.Inbox.Start(ctx); err != nil {
					return err
				}
			}
			if s.Config.Sync.AutoEnabled {
				s.Scheduler.Start(ctx)
			} else {
				logger.Info("automatic sync disabled by configuration")
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			logger.Info("shutting down...")
			s.Health.Shutdown()
			cancel()

			if s.Config.Sync.AutoEnabled {
				s.Scheduler.Stop()
			}
			if s.Inbox != nil {
				if err := s.Inbox.Stop(); err != nil {
					logger.Warn("failed to stop inbox watcher", zap.Error(err))
				}
			}

			grpcServer.GracefulStop()
			if err := httpServer.Shutdown(stopCtx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	})
}
