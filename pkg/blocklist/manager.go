package blocklist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"adward/pkg/config"
	"adward/pkg/logging"
	"adward/pkg/telemetry"

	mdns "github.com/miekg/dns"
)

// Kind selects the block or allow list.
type Kind string

const (
	KindBlock Kind = "block"
	KindAllow Kind = "allow"
)

// ParseKind converts a user supplied list name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBlock, KindAllow:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Manager owns the active block/allow snapshot. Reads are lock-free; reloads
// and list mutations are serialized and publish a fresh snapshot atomically.
type Manager struct {
	blockDir   string
	allowFile  string
	customFile string
	logger     *logging.Logger
	metrics    *telemetry.Metrics

	current atomic.Pointer[Snapshot]

	// single writer for reload and file mutations
	mu sync.Mutex
}

// NewManager creates a manager for the configured list locations. Nothing is
// loaded until Reload is called.
func NewManager(cfg *config.ListsConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Manager {
	custom := cfg.CustomFile
	if custom == "" {
		custom = "custom.txt"
	}
	return &Manager{
		blockDir:   cfg.BlockDir,
		allowFile:  cfg.AllowFile,
		customFile: custom,
		logger:     logger,
		metrics:    metrics,
	}
}

// Reload rebuilds both sets from disk and swaps them in. On error the
// previous snapshot stays active.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked(ctx)
}

func (m *Manager) reloadLocked(ctx context.Context) error {
	startTime := time.Now()

	block, err := LoadBlockSet(m.blockDir)
	if err != nil {
		return err
	}
	allow, err := LoadAllowSet(m.allowFile)
	if err != nil {
		return err
	}

	next := &Snapshot{Block: block, Allow: allow, LoadedAt: time.Now()}
	prev := m.current.Swap(next)

	blockDelta, allowDelta := next.Block.Len()-prev.blockLen(), next.Allow.Len()-prev.allowLen()
	if m.metrics != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(blockDelta))
		m.metrics.AllowlistSize.Add(ctx, int64(allowDelta))
	}

	m.logger.Info("Block lists loaded",
		"block_domains", next.Block.Len(),
		"allow_domains", next.Allow.Len(),
		"block_delta", blockDelta,
		"allow_delta", allowDelta,
		"duration", time.Since(startTime))

	return nil
}

func (s *Snapshot) blockLen() int {
	if s == nil {
		return 0
	}
	return s.Block.Len()
}

func (s *Snapshot) allowLen() int {
	if s == nil {
		return 0
	}
	return s.Allow.Len()
}

// Snapshot returns the active snapshot, or nil before the first load.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Loaded reports whether a snapshot has been published.
func (m *Manager) Loaded() bool {
	return m.current.Load() != nil
}

// BlockSet returns the active block set.
func (m *Manager) BlockSet() *Set {
	if s := m.current.Load(); s != nil {
		return s.Block
	}
	return NewSet()
}

// AllowSet returns the active allow set.
func (m *Manager) AllowSet() *Set {
	if s := m.current.Load(); s != nil {
		return s.Allow
	}
	return NewSet()
}

// Match classifies domain against the active snapshot.
func (m *Manager) Match(domain string) MatchResult {
	return m.current.Load().Match(domain)
}

// AddDomain appends domain to the custom block file or the allow file and
// reloads.
func (m *Manager) AddDomain(ctx context.Context, kind Kind, domain string) error {
	normalized, err := validDomain(domain)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.fileFor(kind)
	if err != nil {
		return err
	}
	if kind == KindAllow {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create allow list directory: %w", err)
		}
	} else if _, err := os.Stat(m.blockDir); err != nil {
		return fmt.Errorf("%w: %s", ErrDirectoryNotFound, m.blockDir)
	}

	added, err := appendRule(path, normalized)
	if err != nil {
		return err
	}
	if added {
		m.logger.Info("Domain added", "list", string(kind), "domain", normalized)
	}
	return m.reloadLocked(ctx)
}

// RemoveDomain deletes every rule for domain from the selected list and
// reloads. For the block list every file in the directory is rewritten.
func (m *Manager) RemoveDomain(ctx context.Context, kind Kind, domain string) error {
	normalized, err := validDomain(domain)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	switch kind {
	case KindBlock:
		if _, err := os.Stat(m.blockDir); err != nil {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, m.blockDir)
		}
		files, err := ruleFiles(m.blockDir)
		if err != nil {
			return err
		}
		paths = files
	case KindAllow:
		if m.allowFile == "" {
			return ErrNoAllowFile
		}
		paths = []string{m.allowFile}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	removed := false
	for _, path := range paths {
		ok, err := removeRule(path, normalized)
		if err != nil {
			return err
		}
		removed = removed || ok
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, normalized)
	}

	m.logger.Info("Domain removed", "list", string(kind), "domain", normalized)
	return m.reloadLocked(ctx)
}

func (m *Manager) fileFor(kind Kind) (string, error) {
	switch kind {
	case KindBlock:
		return filepath.Join(m.blockDir, m.customFile), nil
	case KindAllow:
		if m.allowFile == "" {
			return "", ErrNoAllowFile
		}
		return m.allowFile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func validDomain(domain string) (string, error) {
	normalized := Normalize(domain)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if _, ok := mdns.IsDomainName(normalized); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return normalized, nil
}

// appendRule adds a rule for domain unless the file already lists it.
func appendRule(path, domain string) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	listed := make(map[string]struct{})
	if err := parseRules(bytes.NewReader(existing), listed); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if _, ok := listed[domain]; ok {
		return false, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	line := formatRule(domain) + "\n"
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// removeRule rewrites path without the rules for domain. Other lines,
// comments included, are kept as they are.
func removeRule(path, domain string) (bool, error) {
	// Edit the link target so a symlinked list stays a symlink.
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var out bytes.Buffer
	removed := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if d, ok := parseRuleLine(line); ok && d == domain {
			removed = true
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	if !removed {
		return false, nil
	}

	return true, writeFileAtomic(path, out.Bytes())
}

// writeFileAtomic replaces path through a temp file in the same directory so
// a concurrent load never reads a truncated file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".adward-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
