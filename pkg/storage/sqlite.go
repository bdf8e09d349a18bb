package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores records in the audit_log table of a SQLite database.
// Every Append is its own insert; there is no buffering.
type SQLiteSink struct {
	db         *sql.DB
	stmtInsert *sql.Stmt

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteSink opens or creates the database at path and migrates it.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// one writer; SQLite serializes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO audit_log (time, action, domain) VALUES (?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &SQLiteSink{db: db, stmtInsert: stmt}, nil
}

// Append inserts one record
func (s *SQLiteSink) Append(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.stmtInsert.ExecContext(ctx, FormatTimestamp(rec.Timestamp), string(rec.Action), rec.Domain)
	if err != nil {
		return classifyWriteError(fmt.Errorf("failed to insert audit record: %w", err))
	}
	return nil
}

// Recent returns at most limit records, newest first
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `SELECT time, action, domain FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		var ts, action, domain string
		if err := rows.Scan(&ts, &action, &domain); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Timestamp: parsed, Action: Action(action), Domain: domain})
	}
	return records, rows.Err()
}

// Close releases the statement and database
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.stmtInsert.Close()
	return s.db.Close()
}
