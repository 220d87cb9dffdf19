package certificate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps certificate records in PostgreSQL. The table is
// created on first use.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	ready bool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS certificates (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			cert_timestamp TIMESTAMPTZ NOT NULL,
			gas_type TEXT NOT NULL,
			passed BOOLEAN NOT NULL,
			certificate_path TEXT NOT NULL,
			digest TEXT NOT NULL,
			imported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (device_id, cert_timestamp, digest)
		);
		CREATE INDEX IF NOT EXISTS idx_certificates_timestamp ON certificates (cert_timestamp DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create certificates table: %w", err)
	}
	s.ready = true
	return nil
}

func (s *PostgresStore) InsertIfNew(ctx context.Context, r Record) (bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (device_id, cert_timestamp, gas_type, passed, certificate_path, digest, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, cert_timestamp, digest) DO NOTHING`,
		r.DeviceID, r.Timestamp.UTC(), r.GasType, r.Passed, r.CertificatePath, r.Digest, importedAt(r),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert certificate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	where, args := postgresWhere(filter)
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, cert_timestamp, gas_type, passed, certificate_path, digest, imported_at
		FROM certificates `+where+`
		ORDER BY cert_timestamp DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Timestamp, &r.GasType, &r.Passed, &r.CertificatePath, &r.Digest, &r.ImportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan certificate row: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.ImportedAt = r.ImportedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate certificates: %w", err)
	}
	return records, nil
}

func postgresWhere(filter QueryFilter) (string, []any) {
	return whereClause(filter,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t.UTC() })
}
