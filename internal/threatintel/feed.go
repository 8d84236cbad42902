package threatintel

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/nshruti113/admission-guard/internal/models"
)

// FeedConfig points at a curated threat feed file: one IP or CIDR per line,
// '#' starts a comment.
type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// FeedSource matches IPs against a curated list of known-bad addresses.
type FeedSource struct {
	mu       sync.RWMutex
	addrs    map[netip.Addr]bool
	prefixes []netip.Prefix
}

func NewFeedSource(entries ...string) *FeedSource {
	f := &FeedSource{addrs: make(map[netip.Addr]bool)}
	f.Replace(entries)
	return f
}

func (f *FeedSource) Name() string {
	return "threat_feed"
}

// Replace swaps the feed contents. Unparseable entries are skipped and counted.
func (f *FeedSource) Replace(entries []string) (loaded, skipped int) {
	addrs := make(map[netip.Addr]bool)
	var prefixes []netip.Prefix

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				skipped++
				continue
			}
			prefixes = append(prefixes, p.Masked())
		} else {
			a, err := netip.ParseAddr(e)
			if err != nil {
				skipped++
				continue
			}
			addrs[a.Unmap()] = true
		}
		loaded++
	}

	f.mu.Lock()
	f.addrs = addrs
	f.prefixes = prefixes
	f.mu.Unlock()
	return loaded, skipped
}

// LoadFile replaces the feed with the contents of path.
func (f *FeedSource) LoadFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("threatintel: failed to open feed %s: %w", path, err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("threatintel: failed to read feed %s: %w", path, err)
	}

	loaded, _ := f.Replace(entries)
	return loaded, nil
}

func (f *FeedSource) Lookup(_ context.Context, ip string) ([]models.ReputationFactor, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, nil
	}
	addr = addr.Unmap()

	f.mu.RLock()
	defer f.mu.RUnlock()

	match := f.addrs[addr]
	if !match {
		for _, p := range f.prefixes {
			if p.Contains(addr) {
				match = true
				break
			}
		}
	}
	if !match {
		return nil, nil
	}

	return []models.ReputationFactor{{
		Type:        "threat_feed",
		Impact:      35,
		Description: "Listed in curated threat feed",
	}}, nil
}
