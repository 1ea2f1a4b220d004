// Package dnscache implements the resolution cache from spec.md §4.4: a
// mutex-guarded map from hostname to its most recent address records,
// with TTL-bounded eviction and deterministic address-family selection.
//
// The shape follows the teacher's internal/agent package: a small struct
// wrapping a map behind a sync.Mutex, with plain Go-verb method names
// rather than an actor abstraction — the actor/message-passing side of
// the original design lives one layer up, in internal/dnsresolver.
package dnscache

import (
	"net"
	"sync"
	"time"
)

// Family selects which address family resolve should prefer.
type Family int

const (
	// FamilyAny accepts the first matching record regardless of family.
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Record is one cached resolution: the addresses a hostname resolved to,
// and when that resolution was recorded.
type Record struct {
	Addresses []net.IP
	CreatedAt time.Time
}

// entry is never exposed directly: the invariant "no empty address
// sequences" is enforced at the boundary (AddRecords rejects an empty slice) so
// every entry in the map is usable without a nil/empty check at lookup
// time.
type entry struct {
	addresses []net.IP
	createdAt time.Time
}

// Cache is the DNS resolution cache external collaborator. The zero
// value is not usable; construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Resolve looks up name and, if present, returns the first address
// matching family (FamilyAny matches anything). The selection is
// deterministic: the first record in insertion order that matches wins,
// never a random or rotated pick.
func (c *Cache) Resolve(name string, family Family) (net.IP, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return nil, time.Time{}, false
	}
	for _, addr := range e.addresses {
		if matches(addr, family) {
			return addr, e.createdAt, true
		}
	}
	return nil, time.Time{}, false
}

func matches(addr net.IP, family Family) bool {
	switch family {
	case FamilyIPv4:
		return addr.To4() != nil
	case FamilyIPv6:
		return addr.To4() == nil && addr.To16() != nil
	default:
		return true
	}
}

// AddRecords installs a fresh resolution for name, stamped at createdAt.
// An empty results slice is rejected: spec.md §4.4 forbids a cache entry
// with no addresses, since a lookup into one could never be satisfied.
func (c *Cache) AddRecords(name string, results []net.IP, createdAt time.Time) bool {
	if len(results) == 0 {
		return false
	}
	addrs := make([]net.IP, len(results))
	copy(addrs, results)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = entry{addresses: addrs, createdAt: createdAt}
	return true
}

// RemoveOutdatedRecords evicts every entry whose createdAt is older than
// now-ttl, and reports how many were removed. This is the periodic
// sweep driven by cache_cleanup_period.
func (c *Cache) RemoveOutdatedRecords(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-ttl)
	removed := 0
	for name, e := range c.entries {
		// spec.md §4.4 defines outdated as now-created_at >= ttl, i.e.
		// created_at <= cutoff; a record created exactly ttl ago must not
		// survive the sweep.
		if !e.createdAt.After(cutoff) {
			delete(c.entries, name)
			removed++
		}
	}
	return removed
}

// Clear empties the cache outright. The resolver agent does not call it
// when dns parameters change: cached entries survive updated_dns_params.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len reports the number of cached hostnames, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
