// Package cluster implements the node's view of the rest of the
// cluster: the rank cache pulled from the reference server, best-effort
// pub/sub replication, Bully leader election, and Berkeley clock sync.
package cluster

import "sync"

// ServerInfo is one entry from the reference server's `list` response —
// spec §4.6's `{name, rank}` pairs, cached locally as `servers` (§3).
type ServerInfo struct {
	Name string `codec:"name"`
	Rank int    `codec:"rank"`
}

// Membership is the node's cached view of cluster rank assignments,
// refreshed from the reference server before each election (spec §4.4
// step 2). It is intentionally a flat name→rank cache rather than the
// teacher's ring-backed routing table: this system replicates every
// mutation to every node, so nothing here needs to pick an owner for a
// key (see DESIGN.md for why the teacher's consistent-hash ring was
// dropped instead of adapted).
type Membership struct {
	mu      sync.RWMutex
	servers map[string]int // name -> rank
}

// NewMembership returns an empty Membership; call Refresh once a
// reference-server response is available.
func NewMembership() *Membership {
	return &Membership{servers: make(map[string]int)}
}

// Refresh replaces the cached servers map wholesale — spec §4.6's
// `list()` is a full snapshot, not an incremental update.
func (m *Membership) Refresh(servers []ServerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]int, len(servers))
	for _, s := range servers {
		next[s.Name] = s.Rank
	}
	m.servers = next
}

// All returns every cached {name, rank} pair.
func (m *Membership) All() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerInfo, 0, len(m.servers))
	for name, rank := range m.servers {
		out = append(out, ServerInfo{Name: name, Rank: rank})
	}
	return out
}

// Rank returns the cached rank for name, if known.
func (m *Membership) Rank(name string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rank, ok := m.servers[name]
	return rank, ok
}

// HigherPriorityThan returns every cached peer whose rank is strictly
// smaller than selfRank — spec §4.4 step 3, "emit election to every peer
// with peer.rank < self.rank" — excluding selfName even if it appears in
// the cache (the reference server's list includes every registered node,
// self included).
func (m *Membership) HigherPriorityThan(selfName string, selfRank int) []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ServerInfo
	for name, rank := range m.servers {
		if name == selfName {
			continue
		}
		if rank < selfRank {
			out = append(out, ServerInfo{Name: name, Rank: rank})
		}
	}
	return out
}
