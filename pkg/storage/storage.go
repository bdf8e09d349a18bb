// Package storage persists the audit trail of filtering decisions.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Action is the kind of event recorded for a domain
type Action string

const (
	ActionReceived  Action = "Received"
	ActionBlocked   Action = "Blocked"
	ActionForwarded Action = "Forwarded"
)

// Record is a single audit entry
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Domain    string    `json:"domain"`
}

// Sink appends audit records. Implementations are not required to be safe
// for concurrent use; callers serialize writes.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	// Recent returns at most limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// TimestampLayout is the second-precision part of a formatted timestamp;
// milliseconds follow after a colon.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders t as "2006-01-02 15:04:05:000" in local time.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%s:%03d", t.Format(TimestampLayout), t.Nanosecond()/int(time.Millisecond))
}

// ParseTimestamp parses the output of FormatTimestamp in local time.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) != len(TimestampLayout)+4 || s[len(TimestampLayout)] != ':' {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	base, err := time.ParseInLocation(TimestampLayout, s[:len(TimestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, err
	}
	var ms int
	if _, err := fmt.Sscanf(s[len(TimestampLayout)+1:], "%03d", &ms); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}
