package dnsresolver

import (
	"net"

	"github.com/aclgate/aclgate/internal/dnscache"
)

// ResolveRequest asks the agent to resolve name to an address of the
// given family. Reply receives exactly one ResolveResult. ReqID is the
// opaque request identifier spec.md §3's ResolveRequest carries alongside
// name/ip_version/reply_to, minted by the agent's configured idgen.Generator
// so it can be correlated across logs and traces.
type ResolveRequest struct {
	Name   string
	Family dnscache.Family
	ReqID  string
	Reply  chan ResolveResult
}

// ResolveResult is the single reply to a ResolveRequest.
type ResolveResult struct {
	Addr net.IP
	Err  error
}

// resolveCompletion is posted back onto the agent's own loop by the
// lookup worker goroutine once an upstream query finishes. It never
// crosses a public API boundary.
type resolveCompletion struct {
	name string
	ips  []net.IP
	err  error
}

// clearCacheTick names the periodic sweep of expired records. The run
// loop drives that sweep from a time.Ticker; no clearCacheTick value is
// ever sent on the message channel.
type clearCacheTick struct{}

// updatedDNSParams is spec.md §4.5's updated_dns_params message: adopts
// a new cache_cleanup_period for the next re-arm (the in-flight tick
// keeps its original deadline). The upstream resolver address is a
// supplement spec.md doesn't need (its "system resolution" is opaque);
// an empty value leaves the current upstream in place.
type updatedDNSParams struct {
	upstream      string
	cleanupPeriod int64 // nanoseconds, to keep the message a plain value type; 0 means unchanged
}

// Stats is the small ambient counters interface the agent reports into.
// It intentionally does not reuse internal/handler.StatsSink — that
// package imports this one for the HandlerContext's Resolver field, and
// Go doesn't allow the cycle back.
type Stats interface {
	IncCacheHit()
	IncSuccessfulLookup()
	IncFailedLookup()
}
