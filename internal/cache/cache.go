// Package cache implements the proxy's three caches (pooled remote
// connections, DNS resolutions, page-version snapshots) plus the live client
// registry, all behind a single coarse lock. DNS and page entries survive
// restarts via a JSON snapshot on disk; pooled sockets never do.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

type connKey struct {
	host string
	port int
}

type pooledConn struct {
	conn     net.Conn
	cachedAt time.Time
}

type dnsEntry struct {
	ip         string
	resolvedAt time.Time
}

type pageVersion struct {
	body     []byte
	cachedAt time.Time
}

type pageKey struct {
	host string
	port int
	path string
}

// ClientInfo describes one live proxy connection for admin introspection.
type ClientInfo struct {
	Addr        string
	User        string
	ConnectedAt time.Time
}

// Manager owns the cache tables. All operations are brief in-memory map
// operations under one mutex; disk writes happen outside the lock.
type Manager struct {
	ttl      time.Duration
	maxConns int
	path     string
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[connKey]pooledConn
	dns     map[string]dnsEntry
	pages   map[pageKey][]pageVersion
	clients map[string]ClientInfo
}

// New creates an empty manager persisting to the snapshot file at path.
func New(ttl time.Duration, maxConns int, path string, logger *slog.Logger) *Manager {
	return &Manager{
		ttl:      ttl,
		maxConns: maxConns,
		path:     path,
		log:      logger,
		conns:    map[connKey]pooledConn{},
		dns:      map[string]dnsEntry{},
		pages:    map[pageKey][]pageVersion{},
		clients:  map[string]ClientInfo{},
	}
}

// GetConn hands out the pooled connection for (host, port) if one exists and
// is younger than the TTL. The entry leaves the pool either way: a live
// handle transfers ownership to the caller, a stale one is closed here,
// exactly once.
func (m *Manager) GetConn(host string, port int) (net.Conn, bool) {
	key := connKey{host: host, port: port}
	m.mu.Lock()
	entry, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.cachedAt) >= m.ttl {
		_ = entry.conn.Close()
		return nil, false
	}
	return entry.conn, true
}

// PutConn returns conn to the pool. At capacity, expired entries are evicted
// oldest first before inserting. A previous entry for the same key is closed
// and replaced; the pool holds at most one connection per (host, port).
func (m *Manager) PutConn(host string, port int, conn net.Conn) {
	key := connKey{host: host, port: port}
	now := time.Now()

	m.mu.Lock()
	if prev, ok := m.conns[key]; ok {
		_ = prev.conn.Close()
	}
	if len(m.conns) >= m.maxConns {
		m.evictExpiredConnsLocked(now)
	}
	m.conns[key] = pooledConn{conn: conn, cachedAt: now}
	m.mu.Unlock()
}

func (m *Manager) evictExpiredConnsLocked(now time.Time) {
	type expired struct {
		key connKey
		at  time.Time
	}
	var victims []expired
	for k, e := range m.conns {
		if now.Sub(e.cachedAt) >= m.ttl {
			victims = append(victims, expired{key: k, at: e.cachedAt})
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].at.Before(victims[j].at) })
	for _, v := range victims {
		_ = m.conns[v.key].conn.Close()
		delete(m.conns, v.key)
	}
}

// GetDNS returns the cached resolution for host if younger than the TTL.
func (m *Manager) GetDNS(host string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.dns[host]
	if !ok {
		return "", false
	}
	if time.Since(entry.resolvedAt) >= m.ttl {
		delete(m.dns, host)
		return "", false
	}
	return entry.ip, true
}

// PutDNS records a resolution for host.
func (m *Manager) PutDNS(host, ip string) {
	m.mu.Lock()
	m.dns[host] = dnsEntry{ip: ip, resolvedAt: time.Now()}
	m.mu.Unlock()
}

// GetPage returns the newest cached version for (host, port, path).
// Page versions never expire by time.
func (m *Manager) GetPage(host string, port int, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.pages[pageKey{host: host, port: port, path: path}]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1].body, true
}

// PutPage records a page response. A body byte-identical to the current
// newest version is a no-op; otherwise it is appended and the history is
// truncated to the two most recent versions.
func (m *Manager) PutPage(host string, port int, path string, body []byte) {
	key := pageKey{host: host, port: port, path: path}
	copied := make([]byte, len(body))
	copy(copied, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.pages[key]
	if len(versions) > 0 && bytes.Equal(versions[len(versions)-1].body, copied) {
		return
	}
	versions = append(versions, pageVersion{body: copied, cachedAt: time.Now()})
	if len(versions) > 2 {
		versions = versions[len(versions)-2:]
	}
	m.pages[key] = versions
}

// PageVersionCount returns how many versions are held for a page. Test and
// admin introspection helper.
func (m *Manager) PageVersionCount(host string, port int, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages[pageKey{host: host, port: port, path: path}])
}

// Clear closes every pooled connection and empties all three caches, then
// persists the now-empty snapshot in the background.
func (m *Manager) Clear() {
	m.mu.Lock()
	for _, e := range m.conns {
		_ = e.conn.Close()
	}
	m.conns = map[connKey]pooledConn{}
	m.dns = map[string]dnsEntry{}
	m.pages = map[pageKey][]pageVersion{}
	m.mu.Unlock()

	go func() {
		if err := m.Save(); err != nil {
			m.log.Error("cache snapshot save failed", "err", err)
		}
	}()
}

// Register adds a live client to the introspection registry.
func (m *Manager) Register(addr, user string) {
	m.mu.Lock()
	m.clients[addr] = ClientInfo{Addr: addr, User: user, ConnectedAt: time.Now()}
	m.mu.Unlock()
}

// Deregister removes a live client from the registry.
func (m *Manager) Deregister(addr string) {
	m.mu.Lock()
	delete(m.clients, addr)
	m.mu.Unlock()
}

// Clients lists live clients sorted by connect time, oldest first.
func (m *Manager) Clients() []ClientInfo {
	m.mu.Lock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Counts reports table sizes for STATUS.
func (m *Manager) Counts() (dns, pages, conns, clients int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dns), len(m.pages), len(m.conns), len(m.clients)
}

// DNSEntries returns a copy of the DNS table for the CACHE dump.
func (m *Manager) DNSEntries() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.dns))
	for host, e := range m.dns {
		out[host] = e.ip
	}
	return out
}

// RunSaver persists the snapshot on a fixed interval until ctx is done, then
// writes one final snapshot on the way out.
func (m *Manager) RunSaver(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.Save(); err != nil {
				m.log.Error("final cache snapshot save failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := m.Save(); err != nil {
				m.log.Error("cache snapshot save failed", "err", err)
			}
		}
	}
}

// Save snapshots the DNS and page caches to disk. The snapshot is copied
// under the lock and marshaled/written outside it so disk latency never
// extends the critical section. Pooled sockets are not serializable and are
// deliberately excluded.
func (m *Manager) Save() error {
	snap := m.snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return err
	}
	m.log.Debug("cache snapshot saved", "dns", len(snap.DNS), "pages", len(snap.Pages))
	return nil
}

// Load restores a snapshot from disk. DNS entries older than the TTL are
// dropped; page versions are kept regardless of age. A missing file is not
// an error.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	for host, e := range snap.DNS {
		at := time.Unix(0, e.ResolvedAtUnixNano)
		if now.Sub(at) >= m.ttl {
			continue
		}
		m.dns[host] = dnsEntry{ip: e.IP, resolvedAt: at}
	}
	for rawKey, versions := range snap.Pages {
		key, ok := parsePageKey(rawKey)
		if !ok {
			continue
		}
		restored := make([]pageVersion, 0, len(versions))
		for _, v := range versions {
			restored = append(restored, pageVersion{body: v.Body, cachedAt: time.Unix(0, v.CachedAtUnixNano)})
		}
		if len(restored) > 2 {
			restored = restored[len(restored)-2:]
		}
		if len(restored) > 0 {
			m.pages[key] = restored
		}
	}
	dnsCount, pageCount := len(m.dns), len(m.pages)
	m.mu.Unlock()

	m.log.Info("cache snapshot loaded", "dns", dnsCount, "pages", pageCount)
	return nil
}
