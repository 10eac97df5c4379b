package cache

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func newTestManager(t *testing.T, ttl time.Duration, maxConns int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.json")
	return New(ttl, maxConns, path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func pipeConn(t *testing.T) *countingConn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return &countingConn{Conn: a}
}

func TestConnPoolRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	c := pipeConn(t)
	m.PutConn("example.com", 443, c)

	got, ok := m.GetConn("example.com", 443)
	if !ok {
		t.Fatal("expected pooled connection")
	}
	if got != c {
		t.Fatal("expected the same handle back")
	}
	// Ownership transferred: the pool must not hand it out twice.
	if _, ok := m.GetConn("example.com", 443); ok {
		t.Fatal("connection handed out twice")
	}
}

func TestConnPoolExpiryClosesExactlyOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	c := pipeConn(t)
	m.PutConn("example.com", 443, c)

	// Age the entry past the TTL.
	m.mu.Lock()
	key := connKey{host: "example.com", port: 443}
	e := m.conns[key]
	e.cachedAt = time.Now().Add(-2 * time.Minute)
	m.conns[key] = e
	m.mu.Unlock()

	if _, ok := m.GetConn("example.com", 443); ok {
		t.Fatal("stale connection must not be returned")
	}
	if n := c.closes.Load(); n != 1 {
		t.Fatalf("stale connection closed %d times, want 1", n)
	}
}

func TestPutConnReplacesExisting(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	old := pipeConn(t)
	m.PutConn("example.com", 443, old)
	fresh := pipeConn(t)
	m.PutConn("example.com", 443, fresh)

	if n := old.closes.Load(); n != 1 {
		t.Fatalf("replaced connection closed %d times, want 1", n)
	}
	got, ok := m.GetConn("example.com", 443)
	if !ok || got != fresh {
		t.Fatal("expected the replacement handle")
	}
}

func TestPutConnEvictsExpiredAtCapacity(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 2)
	stale := pipeConn(t)
	live := pipeConn(t)
	m.PutConn("old.example.com", 443, stale)
	m.PutConn("live.example.com", 443, live)

	m.mu.Lock()
	key := connKey{host: "old.example.com", port: 443}
	e := m.conns[key]
	e.cachedAt = time.Now().Add(-2 * time.Minute)
	m.conns[key] = e
	m.mu.Unlock()

	m.PutConn("new.example.com", 443, pipeConn(t))

	if n := stale.closes.Load(); n != 1 {
		t.Fatalf("expired entry closed %d times, want 1", n)
	}
	if _, ok := m.GetConn("live.example.com", 443); !ok {
		t.Fatal("unexpired entry must survive capacity eviction")
	}
}

func TestDNSCacheTTL(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	m.PutDNS("example.com", "93.184.216.34")
	if ip, ok := m.GetDNS("example.com"); !ok || ip != "93.184.216.34" {
		t.Fatalf("GetDNS = %q, %v", ip, ok)
	}

	m.mu.Lock()
	e := m.dns["example.com"]
	e.resolvedAt = time.Now().Add(-2 * time.Minute)
	m.dns["example.com"] = e
	m.mu.Unlock()

	if _, ok := m.GetDNS("example.com"); ok {
		t.Fatal("expired DNS entry must not be returned")
	}
}

func TestPageCacheVersioning(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	m.PutPage("example.com", 80, "/index.html", []byte("v1"))
	m.PutPage("example.com", 80, "/index.html", []byte("v1")) // identical, no-op
	if n := m.PageVersionCount("example.com", 80, "/index.html"); n != 1 {
		t.Fatalf("versions = %d, want 1 after identical put", n)
	}

	m.PutPage("example.com", 80, "/index.html", []byte("v2"))
	m.PutPage("example.com", 80, "/index.html", []byte("v3"))
	if n := m.PageVersionCount("example.com", 80, "/index.html"); n != 2 {
		t.Fatalf("versions = %d, want 2 after truncation", n)
	}
	body, ok := m.GetPage("example.com", 80, "/index.html")
	if !ok || string(body) != "v3" {
		t.Fatalf("GetPage = %q, %v; want newest v3", body, ok)
	}
}

func TestSnapshotRoundTripDropsExpiredDNS(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	m.PutDNS("fresh.example.com", "10.0.0.1")
	m.PutDNS("stale.example.com", "10.0.0.2")
	m.PutPage("example.com", 80, "/a?b=c|d", []byte("page body"))

	m.mu.Lock()
	e := m.dns["stale.example.com"]
	e.resolvedAt = time.Now().Add(-2 * time.Minute)
	m.dns["stale.example.com"] = e
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New(time.Minute, 10, m.path, m.log)
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := restored.GetDNS("fresh.example.com"); !ok {
		t.Fatal("fresh DNS entry must survive reload")
	}
	if _, ok := restored.GetDNS("stale.example.com"); ok {
		t.Fatal("expired DNS entry must be dropped on load")
	}
	body, ok := restored.GetPage("example.com", 80, "/a?b=c|d")
	if !ok || string(body) != "page body" {
		t.Fatalf("page did not survive reload: %q, %v", body, ok)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	if err := m.Load(); err != nil {
		t.Fatalf("load of missing snapshot: %v", err)
	}
}

func TestClientsRegistry(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	m.Register("10.0.0.1:5000", "alice")
	m.Register("10.0.0.2:5001", "bob")
	if got := len(m.Clients()); got != 2 {
		t.Fatalf("clients = %d, want 2", got)
	}
	m.Deregister("10.0.0.1:5000")
	clients := m.Clients()
	if len(clients) != 1 || clients[0].User != "bob" {
		t.Fatalf("clients = %+v, want bob only", clients)
	}
}

func TestClearClosesPoolAndEmptiesTables(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, time.Minute, 10)
	c := pipeConn(t)
	m.PutConn("example.com", 443, c)
	m.PutDNS("example.com", "93.184.216.34")
	m.PutPage("example.com", 80, "/", []byte("body"))

	m.Clear()

	if n := c.closes.Load(); n != 1 {
		t.Fatalf("pooled connection closed %d times, want 1", n)
	}
	if dns, pages, conns, _ := m.Counts(); dns != 0 || pages != 0 || conns != 0 {
		t.Fatalf("counts after clear = %d/%d/%d, want all zero", dns, pages, conns)
	}

	// The empty snapshot is persisted in the background.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(m.path); err == nil {
			if m.Load() == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("empty snapshot never reached disk")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if dns, pages, _, _ := m.Counts(); dns != 0 || pages != 0 {
		t.Fatalf("snapshot after clear holds %d dns / %d pages, want empty", dns, pages)
	}
}
