package federation

import (
	"net/url"
	"strings"
	"sync"
)

// Blocklist holds administratively blocked hosts. A blocked host also blocks
// every subdomain below it.
type Blocklist struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewBlocklist creates a blocklist from host names. Entries may carry a
// scheme or port; both are ignored.
func NewBlocklist(hosts []string) *Blocklist {
	bl := &Blocklist{hosts: make(map[string]struct{})}
	for _, h := range hosts {
		bl.Add(h)
	}
	return bl
}

// Add blocks a host
func (b *Blocklist) Add(host string) {
	host = normalizeBlockedHost(host)
	if host == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts[host] = struct{}{}
}

// Remove unblocks a host
func (b *Blocklist) Remove(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hosts, normalizeBlockedHost(host))
}

// Hosts returns the blocked hosts.
func (b *Blocklist) Hosts() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.hosts))
	for h := range b.hosts {
		out = append(out, h)
	}
	return out
}

// IsHostBlocked reports whether host or one of its parent domains is blocked.
func (b *Blocklist) IsHostBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = normalizeBlockedHost(host)
	if host == "" {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for {
		if _, ok := b.hosts[host]; ok {
			return true
		}
		dot := strings.Index(host, ".")
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
}

// IsURLBlocked reports whether the host of rawURL is blocked. Handles
// (user@host) are accepted as well.
func (b *Blocklist) IsURLBlocked(rawURL string) bool {
	if b == nil || rawURL == "" {
		return false
	}
	if !strings.Contains(rawURL, "://") {
		if h, err := ParseHandle(rawURL); err == nil {
			return b.IsHostBlocked(h.Hostname())
		}
		return b.IsHostBlocked(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return b.IsHostBlocked(u.Hostname())
}

func normalizeBlockedHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(StripPort(host), ".")
}
