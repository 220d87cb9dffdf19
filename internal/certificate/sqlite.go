package certificate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SqliteStore keeps certificate records and the service's control state in
// one SQLite file. The file, its directory and the schema are created on
// first use.
type SqliteStore struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewSqliteStore(dbPath string, logger *zap.Logger) (*SqliteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SqliteStore{path: dbPath, logger: logger}, nil
}

func (s *SqliteStore) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	s.logger.Info("sqlite store ready", zap.String("path", s.path))
	s.db = db
	return db, nil
}

// Init creates the schema if it does not exist yet.
func (s *SqliteStore) Init(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"certificates", `
		CREATE TABLE IF NOT EXISTS certificates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			cert_timestamp TEXT NOT NULL,
			gas_type TEXT NOT NULL,
			passed INTEGER NOT NULL,
			certificate_path TEXT NOT NULL,
			digest TEXT NOT NULL,
			imported_at TEXT NOT NULL,
			UNIQUE(device_id, cert_timestamp, digest)
		);`},
		{"certificates timestamp index", `CREATE INDEX IF NOT EXISTS idx_certificates_timestamp ON certificates(cert_timestamp);`},
		{"credentials", `
		CREATE TABLE IF NOT EXISTS credentials (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`},
		{"scheduler_status", `
		CREATE TABLE IF NOT EXISTS scheduler_status (
			id INTEGER PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			last_updated DATETIME NOT NULL
		);`},
		{"control_attempts", `
		CREATE TABLE IF NOT EXISTS control_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_type TEXT NOT NULL,
			attempted_at DATETIME NOT NULL
		);`},
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO scheduler_status (id, is_active, last_updated) VALUES (1, 1, ?)", formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler status: %w", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SqliteStore) InsertIfNew(ctx context.Context, r Record) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO certificates (device_id, cert_timestamp, gas_type, passed, certificate_path, digest, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, cert_timestamp, digest) DO NOTHING`,
		r.DeviceID, formatTimestamp(r.Timestamp), r.GasType, r.Passed, r.CertificatePath, r.Digest,
		formatTimestamp(importedAt(r)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert certificate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

func (s *SqliteStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	where, args := whereClause(filter,
		func(int) string { return "?" },
		func(t time.Time) any { return formatTimestamp(t) })

	rows, err := db.QueryContext(ctx, `
		SELECT id, device_id, cert_timestamp, gas_type, passed, certificate_path, digest, imported_at
		FROM certificates `+where+`
		ORDER BY cert_timestamp DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("failed to close certificates query", zap.Error(closeErr))
		}
	}()

	records := []Record{}
	for rows.Next() {
		var (
			r          Record
			timestamp  string
			importedAt string
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &timestamp, &r.GasType, &r.Passed, &r.CertificatePath, &r.Digest, &importedAt); err != nil {
			return nil, fmt.Errorf("failed to scan certificate row: %w", err)
		}
		if r.Timestamp, err = parseStoredTimestamp(timestamp); err != nil {
			return nil, err
		}
		if r.ImportedAt, err = parseStoredTimestamp(importedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate certificates: %w", err)
	}

	return records, nil
}

// GetCredential retrieves a credential value.
func (s *SqliteStore) GetCredential(ctx context.Context, key string) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get credential for key %s: %w", key, err)
	}
	return value, nil
}

// SetCredential sets a credential value.
func (s *SqliteStore) SetCredential(ctx context.Context, key, value string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "INSERT OR REPLACE INTO credentials (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set credential for key %s: %w", key, err)
	}
	return nil
}

// GetSchedulerStatus reports whether automatic sync is active.
func (s *SqliteStore) GetSchedulerStatus(ctx context.Context) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	var isActive bool
	err = db.QueryRowContext(ctx, "SELECT is_active FROM scheduler_status WHERE id = 1").Scan(&isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to get scheduler status: %w", err)
	}
	return isActive, nil
}

// SetSchedulerStatus pauses or resumes automatic sync.
func (s *SqliteStore) SetSchedulerStatus(ctx context.Context, isActive bool) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "UPDATE scheduler_status SET is_active = ?, last_updated = ? WHERE id = 1", isActive, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set scheduler status: %w", err)
	}
	return nil
}

// RecordControlAttempt records an authorized pause or resume request.
func (s *SqliteStore) RecordControlAttempt(ctx context.Context, attemptType string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "INSERT INTO control_attempts (attempt_type, attempted_at) VALUES (?, ?)", attemptType, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record control attempt: %w", err)
	}
	return nil
}

// CountRecentControlAttempts counts attempts of a type within the window.
func (s *SqliteStore) CountRecentControlAttempts(ctx context.Context, attemptType string, window time.Duration) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := formatTimestamp(time.Now().Add(-window))
	var count int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM control_attempts WHERE attempt_type = ? AND attempted_at >= ?",
		attemptType, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent control attempts: %w", err)
	}
	return count, nil
}

// ClearControlAttempts removes attempts of a type, or older than olderThan when it is positive.
func (s *SqliteStore) ClearControlAttempts(ctx context.Context, attemptType string, olderThan time.Duration) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if olderThan > 0 {
		_, err = db.ExecContext(ctx, "DELETE FROM control_attempts WHERE attempted_at < ?", formatTimestamp(time.Now().Add(-olderThan)))
	} else {
		_, err = db.ExecContext(ctx, "DELETE FROM control_attempts WHERE attempt_type = ?", attemptType)
	}
	if err != nil {
		return fmt.Errorf("failed to clear control attempts: %w", err)
	}
	return nil
}
