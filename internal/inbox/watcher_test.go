package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/certsync/internal/archive"
	"github.com/gateway-fm/certsync/internal/certificate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const valid = `{"deviceId":"D1","timestamp":"2024-03-01T10:15:00Z","gasType":"CO","passed":true}`

type failingImporter struct{}

func (failingImporter) Import(ctx context.Context, raw []byte) (certificate.ImportOutcome, error) {
	return certificate.ImportOutcome{}, &certificate.StorageError{Op: "insert", Err: errors.New("disk full")}
}

func newImporter(t *testing.T) (*certificate.Importer, *certificate.MemoryStore) {
	t.Helper()
	parser, err := certificate.NewParser()
	require.NoError(t, err)
	store := certificate.NewMemoryStore()
	return certificate.NewImporter(archive.NewMemoryArchive(), store, parser, nil, nil), store
}

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	importer, store := newImporter(t)
	w := NewWatcher(dir, 10*time.Millisecond, importer, zaptest.NewLogger(t))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, processedDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, quarantineDir), 0o755))
	ctx := context.Background()

	good := write(t, dir, "good.json", valid)
	require.NoError(t, w.ProcessFile(ctx, good))
	assert.False(t, exists(good))
	assert.True(t, exists(filepath.Join(dir, processedDir, "good.json")))

	// same content under the same name is a duplicate and gets a distinct name
	again := write(t, dir, "good.json", valid)
	require.NoError(t, w.ProcessFile(ctx, again))
	entries, err := os.ReadDir(filepath.Join(dir, processedDir))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bad := write(t, dir, "bad.json", `{"gasType":"CO"}`)
	require.NoError(t, w.ProcessFile(ctx, bad))
	assert.True(t, exists(filepath.Join(dir, quarantineDir, "bad.json")))

	records, err := store.Query(ctx, certificate.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// already moved away
	assert.NoError(t, w.ProcessFile(ctx, filepath.Join(dir, "gone.json")))
}

func TestProcessFileKeepsFileOnStorageFailure(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, 10*time.Millisecond, failingImporter{}, zaptest.NewLogger(t))
	path := write(t, dir, "retry.json", valid)

	err := w.ProcessFile(context.Background(), path)

	require.ErrorIs(t, err, certificate.ErrStorage)
	assert.True(t, exists(path))
}

func TestWatcherImportsExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	importer, store := newImporter(t)
	write(t, dir, "existing.json", valid)
	write(t, dir, "notes.txt", "ignored")

	w := NewWatcher(dir, 20*time.Millisecond, importer, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	write(t, dir, "new.json", `{"deviceId":"D2","timestamp":"2024-03-02T10:15:00Z","gasType":"H2S","passed":false}`)

	require.Eventually(t, func() bool {
		records, err := store.Query(context.Background(), certificate.QueryFilter{})
		return err == nil && len(records) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, processedDir, "new.json")) && exists(filepath.Join(dir, processedDir, "existing.json"))
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestWatcherQuarantinesEmptyFileAndContinues(t *testing.T) {
	dir := t.TempDir()
	importer, store := newImporter(t)
	write(t, dir, "a-empty.json", "")
	write(t, dir, "b-valid.json", valid)

	w := NewWatcher(dir, 20*time.Millisecond, importer, zaptest.NewLogger(t))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		records, err := store.Query(context.Background(), certificate.QueryFilter{})
		return err == nil && len(records) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, quarantineDir, "a-empty.json")) && exists(filepath.Join(dir, processedDir, "b-valid.json"))
	}, 5*time.Second, 20*time.Millisecond)
}
