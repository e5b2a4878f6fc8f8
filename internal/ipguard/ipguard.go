// Package ipguard bounds the number of concurrent connections accepted from
// a single remote IP, independent of any authentication concern. It is
// grounded on the teacher repository's AddIP/RemoveIP/isIPExempted trio.
package ipguard

import (
	"net"
	"strings"
	"sync"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/rtmpfanout/rtmpfanout/internal/logging"
)

// Guard tracks per-IP connection counts and an exemption list.
type Guard struct {
	mu        sync.Mutex
	count     map[string]uint32
	limit     uint32
	whitelist string
}

// New creates a Guard with the given per-IP limit. A limit of 0 means
// unlimited. whitelist is a comma-separated list of IP ranges (or "*" for
// everything) exempt from the limit.
func New(limit uint32, whitelist string) *Guard {
	return &Guard{
		count:     make(map[string]uint32),
		limit:     limit,
		whitelist: whitelist,
	}
}

// Acquire registers a connection attempt from ip. It returns false if the
// limit has already been reached and ip is not exempted.
func (g *Guard) Acquire(ip string) bool {
	if g.limit == 0 || g.isExempted(ip) {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.count[ip]
	if c >= g.limit {
		return false
	}

	g.count[ip] = c + 1
	return true
}

// Release decrements the connection count for ip. It is a no-op for
// exempted or untracked IPs.
func (g *Guard) Release(ip string) {
	if g.limit == 0 || g.isExempted(ip) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.count[ip]
	if c <= 1 {
		delete(g.count, ip)
	} else {
		g.count[ip] = c - 1
	}
}

func (g *Guard) isExempted(ipStr string) bool {
	if g.whitelist == "" {
		return false
	}

	if g.whitelist == "*" {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, part := range strings.Split(g.whitelist, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		rang, err := iprange.ParseRange(part)
		if err != nil {
			logging.Warning("invalid IP range in whitelist", "range", part, "error", err.Error())
			continue
		}

		if rang.Contains(ip) {
			return true
		}
	}

	return false
}
