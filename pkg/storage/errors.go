package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrInvalidBackend is returned when an unknown backend is configured
	ErrInvalidBackend = errors.New("invalid audit backend")

	// ErrSinkBroken is returned when the sink can no longer accept writes:
	// the connection was reset, the pipe broke or the file/db was closed.
	ErrSinkBroken = errors.New("audit sink broken")

	// ErrClosed is returned when writing to a closed sink
	ErrClosed = errors.New("audit sink is closed")
)

// classifyWriteError wraps err with ErrSinkBroken when retrying can never
// succeed. Other errors are returned unchanged.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if IsBroken(err) {
		return fmt.Errorf("%w: %w", ErrSinkBroken, err)
	}
	return err
}

// IsBroken reports whether err means the sink is permanently unusable.
func IsBroken(err error) bool {
	return errors.Is(err, ErrSinkBroken) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, sql.ErrConnDone)
}
