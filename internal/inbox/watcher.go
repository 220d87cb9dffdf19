// Package inbox imports certificate payloads dropped into a directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gateway-fm/certsync/internal/certificate"
	"go.uber.org/zap"
)

const (
	processedDir  = "processed"
	quarantineDir = "quarantine"
)

// Importer imports a single raw payload.
type Importer interface {
	Import(ctx context.Context, raw []byte) (certificate.ImportOutcome, error)
}

// Watcher feeds *.json files from a directory through the importer. Files
// that import (or turn out to be duplicates) move to processed/, files that
// fail validation move to quarantine/, and anything else stays for a retry.
type Watcher struct {
	dir      string
	settle   time.Duration
	importer Importer
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWatcher(dir string, settle time.Duration, importer Importer, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		settle:   settle,
		importer: importer,
		logger:   logger.With(zap.String("inbox", dir)),
	}
}

// Start processes files already present and then watches for new ones.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range []string{w.dir, filepath.Join(w.dir, processedDir), filepath.Join(w.dir, quarantineDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.watcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Rescan(ctx)
		w.loop(ctx)
	}()

	w.logger.Info("watching inbox")
	return nil
}

func (w *Watcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPayloadFile(event.Name) {
				continue
			}
			if err := w.ProcessFile(ctx, event.Name); err != nil {
				w.logger.Warn("failed to process inbox file", zap.String("file", event.Name), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", zap.Error(err))
		}
	}
}

// Rescan processes every payload file currently in the inbox.
func (w *Watcher) Rescan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("failed to list inbox", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !isPayloadFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.ProcessFile(ctx, path); err != nil {
			w.logger.Warn("failed to process inbox file", zap.String("file", path), zap.Error(err))
		}
	}
}

// ProcessFile imports one file once its size has settled. A file that has
// already been moved away is ignored.
func (w *Watcher) ProcessFile(ctx context.Context, path string) error {
	if err := w.waitStable(ctx, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	outcome, err := w.importer.Import(ctx, raw)
	logger := w.logger.With(zap.String("file", filepath.Base(path)), zap.String("digest", outcome.Digest))
	switch {
	case err == nil:
		logger.Info("inbox file imported", zap.Bool("new", outcome.Imported))
		return w.move(path, processedDir, outcome.Digest)
	case errors.Is(err, certificate.ErrValidation):
		logger.Warn("inbox file rejected", zap.Error(err))
		return w.move(path, quarantineDir, outcome.Digest)
	default:
		return err
	}
}

// waitStable returns once the file size is unchanged across one settle
// period. An empty file counts as stable and is left to the importer to reject.
func (w *Watcher) waitStable(ctx context.Context, path string) error {
	last := int64(-1)
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.settle):
		}
	}
}

func (w *Watcher) move(path, sub, digest string) error {
	name := filepath.Base(path)
	target := filepath.Join(w.dir, sub, name)
	if _, err := os.Stat(target); err == nil && len(digest) >= 12 {
		ext := filepath.Ext(name)
		target = filepath.Join(w.dir, sub, strings.TrimSuffix(name, ext)+"-"+digest[:12]+ext)
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", name, sub, err)
	}
	return nil
}

func isPayloadFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
