package blocklist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ruleSentinel prefixes every rule line: "0.0.0.0 <domain>".
const ruleSentinel = "0.0.0.0"

// LoadBlockSet unions the rules of every regular file in dir.
func LoadBlockSet(dir string) (*Set, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
		}
		return nil, fmt.Errorf("failed to stat block list directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, dir)
	}

	paths, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}

	domains := make(map[string]struct{})
	for _, path := range paths {
		if err := parseRuleFile(path, domains); err != nil {
			return nil, err
		}
	}

	return newSetFromMap(domains), nil
}

// ruleFiles lists the rule files of a block directory: regular files or
// symlinks to them. Dot-files are skipped; that covers in-progress temp files.
func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read block list directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if isHidden(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// LoadAllowSet reads the rules of a single file. A missing file yields an
// empty set.
func LoadAllowSet(path string) (*Set, error) {
	domains := make(map[string]struct{})
	if path == "" {
		return newSetFromMap(domains), nil
	}
	if err := parseRuleFile(path, domains); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newSetFromMap(domains), nil
		}
		return nil, err
	}
	return newSetFromMap(domains), nil
}

func parseRuleFile(path string, into map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open rule file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := parseRules(f, into); err != nil {
		return fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return nil
}

// parseRules adds the domain of every "0.0.0.0 <domain>" line in r. Any
// other line is ignored, as are columns after the domain.
func parseRules(r io.Reader, into map[string]struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if domain, ok := parseRuleLine(scanner.Text()); ok {
			into[domain] = struct{}{}
		}
	}
	return scanner.Err()
}

func parseRuleLine(line string) (string, bool) {
	if !strings.HasPrefix(line, ruleSentinel) {
		return "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != ruleSentinel {
		return "", false
	}
	domain := Normalize(fields[1])
	if domain == "" {
		return "", false
	}
	return domain, true
}

// formatRule renders a domain in rule-file form.
func formatRule(domain string) string {
	return ruleSentinel + " " + domain
}
