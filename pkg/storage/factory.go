package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"adward/pkg/config"
)

const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// New creates the sink selected by cfg. A disabled audit config yields a
// NoOpSink.
func New(cfg *config.AuditConfig) (Sink, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpSink(), nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	switch cfg.Backend {
	case BackendCSV, "":
		sink, err := NewCSVSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case BackendSQLite:
		sink, err := NewSQLiteSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Backend)
	}
}

// NoOpSink discards every record
type NoOpSink struct{}

// NewNoOpSink creates a new no-op sink
func NewNoOpSink() *NoOpSink {
	return &NoOpSink{}
}

// Append does nothing
func (n *NoOpSink) Append(ctx context.Context, rec Record) error {
	return nil
}

// Recent returns an empty slice
func (n *NoOpSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	return []Record{}, nil
}

// Close does nothing
func (n *NoOpSink) Close() error {
	return nil
}
