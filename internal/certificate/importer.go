package certificate

import (
	"context"
	"errors"
	"time"

	"github.com/gateway-fm/certsync/internal/archive"
	"go.uber.org/zap"
)

// Notifier is told about every newly stored record.
type Notifier interface {
	CertificateImported(ctx context.Context, r Record) error
}

// Notifiers fans one event out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) CertificateImported(ctx context.Context, r Record) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.CertificateImported(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Importer turns one raw payload into an archived artifact and, when it
// validates, a stored record.
type Importer struct {
	archive  archive.Archive
	repo     Repository
	parser   *Parser
	notifier Notifier
	logger   *zap.Logger
}

func NewImporter(a archive.Archive, repo Repository, parser *Parser, notifier Notifier, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		archive:  a,
		repo:     repo,
		parser:   parser,
		notifier: notifier,
		logger:   logger,
	}
}

// Import archives raw before validating it, so rejected payloads are kept
// as evidence. Outcome.Imported is true only when a new record was stored.
func (i *Importer) Import(ctx context.Context, raw []byte) (ImportOutcome, error) {
	outcome := ImportOutcome{Digest: Digest(raw)}

	artifact, err := i.archive.Store(ctx, outcome.Digest, raw)
	if err != nil {
		return outcome, storageError(ctx, "archive", err)
	}
	outcome.ArtifactPath = artifact.Location

	parsed, err := i.parser.Parse(raw)
	if err != nil {
		return outcome, err
	}

	record := NewRecord(parsed, outcome.Digest)
	record.ImportedAt = time.Now().UTC().Truncate(time.Microsecond)
	created, err := i.repo.InsertIfNew(ctx, record)
	if err != nil {
		return outcome, storageError(ctx, "insert", err)
	}
	outcome.Imported = created

	if created && i.notifier != nil {
		if err := i.notifier.CertificateImported(ctx, record); err != nil {
			i.logger.Warn("failed to publish imported certificate",
				zap.String("digest", outcome.Digest),
				zap.String("device_id", record.DeviceID),
				zap.Error(err))
		}
	}

	return outcome, nil
}

// storageError keeps cancellation recognisable while tagging I/O failures.
func storageError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
