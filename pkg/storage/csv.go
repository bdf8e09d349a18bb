package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var csvHeader = []string{"time", "action", "domain"}

// CSVSink appends records to a CSV file. The header row is written only when
// the file is created empty.
type CSVSink struct {
	path string

	mu     sync.Mutex
	f      *os.File
	out    io.Writer
	closed bool
}

// NewCSVSink opens path for appending, creating it if needed.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat audit log: %w", err)
	}

	s := &CSVSink{path: path, f: f, out: f}
	if info.Size() == 0 {
		if err := s.writeRow(csvHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write audit header: %w", err)
		}
	}
	return s, nil
}

// Append writes and flushes one row.
func (s *CSVSink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return classifyWriteError(s.writeRow([]string{
		FormatTimestamp(rec.Timestamp),
		string(rec.Action),
		rec.Domain,
	}))
}

// writeRow uses a fresh csv.Writer per row. Its buffered writer keeps the
// first error forever, which would wedge the sink after one failed write.
func (s *CSVSink) writeRow(row []string) error {
	w := csv.NewWriter(s.out)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Recent reads the file back and returns the newest limit records.
func (s *CSVSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	return readCSV(f, limit)
}

func readCSV(r io.Reader, limit int) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log: %w", err)
		}
		if row[0] == csvHeader[0] {
			continue
		}
		ts, err := ParseTimestamp(row[0])
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Timestamp: ts, Action: Action(row[1]), Domain: row[2]})
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close flushes and closes the file
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
