package dnsresolver

import "github.com/aclgate/aclgate/internal/dnscache"

// waiter is one pending ResolveRequest parked on the waiting list for a
// hostname already being looked up.
type waiter struct {
	family dnscache.Family
	reply  chan ResolveResult
}

// waitlist coalesces concurrent requests for the same hostname into a
// single in-flight upstream lookup, per spec.md §4.5.
type waitlist struct {
	byName map[string][]waiter
}

func newWaitlist() *waitlist {
	return &waitlist{byName: make(map[string][]waiter)}
}

// add parks w under name and reports whether a lookup for name was
// already in flight (false means the caller must start one).
func (w *waitlist) add(name string, wt waiter) (alreadyInFlight bool) {
	_, alreadyInFlight = w.byName[name]
	w.byName[name] = append(w.byName[name], wt)
	return alreadyInFlight
}

// drain removes and returns every waiter parked under name.
func (w *waitlist) drain(name string) []waiter {
	waiters := w.byName[name]
	delete(w.byName, name)
	return waiters
}

// drainAll removes and returns every waiter across every hostname, for
// the shutdown path.
func (w *waitlist) drainAll() []waiter {
	var all []waiter
	for name, waiters := range w.byName {
		all = append(all, waiters...)
		delete(w.byName, name)
	}
	return all
}
