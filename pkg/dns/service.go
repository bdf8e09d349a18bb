package dns

import (
	"context"
	"errors"

	"adward/pkg/blocklist"
)

// ErrNotRunning is reported by Health when the listener is down.
var ErrNotRunning = errors.New("server not running")

// Service is the operational surface a supervisor or CLI drives.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ReloadLists(ctx context.Context) error
	IsRunning() bool
	Health(ctx context.Context) error
	BlockSet() *blocklist.Set
	AllowSet() *blocklist.Set
	AddDomain(ctx context.Context, kind blocklist.Kind, domain string) error
	RemoveDomain(ctx context.Context, kind blocklist.Kind, domain string) error
}

var _ Service = (*Server)(nil)

// ReloadLists rebuilds the block/allow snapshot from disk. Queries in flight
// keep the snapshot they started with.
func (s *Server) ReloadLists(ctx context.Context) error {
	return s.lists.Reload(ctx)
}

// Health reports nil while the listener is bound and lists are loaded.
func (s *Server) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if !s.lists.Loaded() {
		return errors.New("block lists not loaded")
	}
	return nil
}

// BlockSet returns the active block set
func (s *Server) BlockSet() *blocklist.Set {
	return s.lists.BlockSet()
}

// AllowSet returns the active allow set
func (s *Server) AllowSet() *blocklist.Set {
	return s.lists.AllowSet()
}

// AddDomain adds domain to the block or allow list and reloads.
func (s *Server) AddDomain(ctx context.Context, kind blocklist.Kind, domain string) error {
	return s.lists.AddDomain(ctx, kind, domain)
}

// RemoveDomain removes domain from the block or allow list and reloads.
func (s *Server) RemoveDomain(ctx context.Context, kind blocklist.Kind, domain string) error {
	return s.lists.RemoveDomain(ctx, kind, domain)
}
