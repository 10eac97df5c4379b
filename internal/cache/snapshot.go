package cache

import (
	"encoding/json"
	"time"
)

// snapshotFile is the on-disk snapshot layout. Page keys are serialized as a
// JSON array ["host", port, "path"] so arbitrary paths round-trip losslessly.
type snapshotFile struct {
	DNS             map[string]dnsSnapshotEntry      `json:"dns_cache"`
	Pages           map[string][]pageSnapshotVersion `json:"page_cache"`
	SavedAtUnixNano int64                            `json:"saved_at_unix_nano"`
}

type dnsSnapshotEntry struct {
	IP                 string `json:"ip"`
	ResolvedAtUnixNano int64  `json:"resolved_at_unix_nano"`
}

type pageSnapshotVersion struct {
	Body             []byte `json:"body"`
	CachedAtUnixNano int64  `json:"cached_at_unix_nano"`
}

func (m *Manager) snapshot() snapshotFile {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := snapshotFile{
		DNS:             make(map[string]dnsSnapshotEntry, len(m.dns)),
		Pages:           make(map[string][]pageSnapshotVersion, len(m.pages)),
		SavedAtUnixNano: time.Now().UnixNano(),
	}
	for host, e := range m.dns {
		snap.DNS[host] = dnsSnapshotEntry{IP: e.ip, ResolvedAtUnixNano: e.resolvedAt.UnixNano()}
	}
	for key, versions := range m.pages {
		out := make([]pageSnapshotVersion, 0, len(versions))
		for _, v := range versions {
			body := make([]byte, len(v.body))
			copy(body, v.body)
			out = append(out, pageSnapshotVersion{Body: body, CachedAtUnixNano: v.cachedAt.UnixNano()})
		}
		snap.Pages[formatPageKey(key)] = out
	}
	return snap
}

func formatPageKey(key pageKey) string {
	raw, err := json.Marshal([]any{key.host, key.port, key.path})
	if err != nil {
		return ""
	}
	return string(raw)
}

func parsePageKey(raw string) (pageKey, bool) {
	var parts []any
	if err := json.Unmarshal([]byte(raw), &parts); err != nil || len(parts) != 3 {
		return pageKey{}, false
	}
	host, ok1 := parts[0].(string)
	port, ok2 := parts[1].(float64)
	path, ok3 := parts[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return pageKey{}, false
	}
	return pageKey{host: host, port: int(port), path: path}, true
}
