package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gateway-fm/certsync/internal/config"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (default: search the working directory and its parents)")
	flag.Parse()

	loadEnv(*envFile)

	app := fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			config.Load,
			newLogger,
			ProvideSqliteStore,
			ProvideRepository,
			ProvideArchive,
			ProvideParser,
			ProvideReporter,
			ProvideUpdater,
			ProvidePublisher,
			ProvideNotifier,
			ProvideImporter,
			ProvideTransport,
			ProvideHealthService,
			ProvideSyncer,
			ProvideController,
			ProvideScheduler,
			ProvideExportSinks,
			ProvideAPIServer,
			ProvideInboxWatcher,
		),
		fx.Invoke(startServers),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "application did not start within 30 seconds; check that the database, RabbitMQ and S3 endpoints are reachable")
		}
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", err)
	}
}

// loadEnv loads the given .env file, or the first one found in the working
// directory and its two parents. A missing file is fine in containers.
func loadEnv(explicit string) {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", explicit, err)
			os.Exit(1)
		}
		return
	}

	envPaths := []string{".env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}
