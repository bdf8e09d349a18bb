package blocklist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"adward/pkg/logging"

	mdns "github.com/miekg/dns"
)

// Downloader fetches remote block lists and stores them as rule files.
type Downloader struct {
	client *http.Client
	logger *logging.Logger
}

// NewDownloader creates a downloader. If client is nil, a default HTTP client
// with a 60s timeout is used.
func NewDownloader(logger *logging.Logger, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second, // Long timeout for large files
		}
	}
	return &Downloader{
		client: client,
		logger: logger,
	}
}

// Download fetches url and returns the set of domains it lists.
func (d *Downloader) Download(ctx context.Context, url string) (map[string]struct{}, error) {
	d.logger.Info("Downloading block list", "url", url)
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download block list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := parseRemoteList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse block list: %w", err)
	}

	d.logger.Info("Block list downloaded",
		"url", url,
		"domains", len(domains),
		"duration", time.Since(startTime))

	return domains, nil
}

// UpdateResult reports the outcome for one source URL.
type UpdateResult struct {
	URL     string
	Path    string
	Domains int
	Err     error
}

// UpdateAll downloads every url into dir as "<sanitized url>.txt" in rule
// format. A failing source is reported and the rest continue.
func (d *Downloader) UpdateAll(ctx context.Context, urls []string, dir string) []UpdateResult {
	results := make([]UpdateResult, 0, len(urls))
	for _, url := range urls {
		res := UpdateResult{URL: url, Path: filepath.Join(dir, SanitizeFilename(url)+".txt")}

		domains, err := d.Download(ctx, url)
		if err == nil {
			err = writeFileAtomic(res.Path, renderRules(domains))
		}
		if err != nil {
			d.logger.Error("Failed to update block list", "url", url, "error", err)
			res.Err = err
		}
		res.Domains = len(domains)
		results = append(results, res)
	}
	return results
}

// ReadSources returns the non-empty, non-comment lines of a sources file.
func ReadSources(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

var unsafeFilenameChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// SanitizeFilename maps a URL to a file name safe on common filesystems.
func SanitizeFilename(url string) string {
	return unsafeFilenameChars.ReplaceAllString(url, "_")
}

func renderRules(domains map[string]struct{}) []byte {
	sorted := make([]string, 0, len(domains))
	for d := range domains {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, d := range sorted {
		buf.WriteString(formatRule(d))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// parseRemoteList keeps the "0.0.0.0 <domain>" rules of a published list.
// Lines in any other form (other addresses, adblock syntax, bare names, stray
// markup) are dropped, as are names that are not valid hostnames.
func parseRemoteList(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		domain, ok := parseRuleLine(strings.TrimSpace(scanner.Text()))
		if !ok || !isHostname(domain) {
			continue
		}
		domains[domain] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading block list: %w", err)
	}
	return domains, nil
}

var hostnameChars = regexp.MustCompile(`^[a-z0-9_.-]+$`)

func isHostname(domain string) bool {
	switch domain {
	case "localhost", "localhost.localdomain", "local", "broadcasthost", "0.0.0.0":
		return false
	}
	if !hostnameChars.MatchString(domain) {
		return false
	}
	_, ok := mdns.IsDomainName(domain)
	return ok
}
