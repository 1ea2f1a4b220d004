package dnscache

import (
	"net"
	"testing"
	"time"
)

func TestAddAndResolve(t *testing.T) {
	c := New()
	now := time.Now()
	if !c.AddRecords("example.com", []net.IP{net.ParseIP("93.184.216.34")}, now) {
		t.Fatal("expected AddRecords to succeed")
	}
	ip, createdAt, ok := c.Resolve("example.com", FamilyAny)
	if !ok {
		t.Fatal("expected a hit")
	}
	if ip.String() != "93.184.216.34" {
		t.Fatalf("unexpected address: %s", ip)
	}
	if !createdAt.Equal(now) {
		t.Fatalf("expected createdAt %v, got %v", now, createdAt)
	}
}

func TestAddRecordsRejectsEmpty(t *testing.T) {
	c := New()
	if c.AddRecords("example.com", nil, time.Now()) {
		t.Fatal("expected AddRecords to reject an empty result set")
	}
	if c.Len() != 0 {
		t.Fatalf("expected no entry to be installed, len=%d", c.Len())
	}
}

func TestResolveFamilySelection(t *testing.T) {
	c := New()
	c.AddRecords("dual.example.com", []net.IP{
		net.ParseIP("2001:db8::1"),
		net.ParseIP("203.0.113.9"),
	}, time.Now())

	v4, _, ok := c.Resolve("dual.example.com", FamilyIPv4)
	if !ok || v4.String() != "203.0.113.9" {
		t.Fatalf("expected ipv4 match, got %v ok=%v", v4, ok)
	}
	v6, _, ok := c.Resolve("dual.example.com", FamilyIPv6)
	if !ok || v6.String() != "2001:db8::1" {
		t.Fatalf("expected ipv6 match, got %v ok=%v", v6, ok)
	}
}

func TestResolveMiss(t *testing.T) {
	c := New()
	if _, _, ok := c.Resolve("missing.example.com", FamilyAny); ok {
		t.Fatal("expected a miss")
	}
}

func TestRemoveOutdatedRecords(t *testing.T) {
	c := New()
	base := time.Now()
	c.AddRecords("old.example.com", []net.IP{net.ParseIP("10.0.0.1")}, base.Add(-time.Hour))
	c.AddRecords("fresh.example.com", []net.IP{net.ParseIP("10.0.0.2")}, base)

	removed := c.RemoveOutdatedRecords(base, 5*time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, _, ok := c.Resolve("old.example.com", FamilyAny); ok {
		t.Fatal("expected old.example.com to be evicted")
	}
	if _, _, ok := c.Resolve("fresh.example.com", FamilyAny); !ok {
		t.Fatal("expected fresh.example.com to survive")
	}
}

func TestRemoveOutdatedRecordsBoundaryIsInclusive(t *testing.T) {
	c := New()
	base := time.Now()
	// created exactly ttl ago: now-created_at == ttl must be outdated.
	c.AddRecords("exact.example.com", []net.IP{net.ParseIP("10.0.0.3")}, base.Add(-5*time.Minute))

	removed := c.RemoveOutdatedRecords(base, 5*time.Minute)
	if removed != 1 {
		t.Fatalf("expected the exact-ttl entry to be evicted, removed=%d", removed)
	}
	if _, _, ok := c.Resolve("exact.example.com", FamilyAny); ok {
		t.Fatal("expected exact.example.com to be evicted at the ttl boundary")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.AddRecords("example.com", []net.IP{net.ParseIP("10.0.0.1")}, time.Now())
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Clear, len=%d", c.Len())
	}
}
