// Package awareness tracks the ephemeral presence of remote peers: display
// name and cursor. Records are merged last-write-wins by their wall-clock
// timestamp and evicted when a peer has been silent for the TTL.
package awareness

import (
	"bytes"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"collabtext/internal/peer"
	"collabtext/internal/replica"
)

const (
	HeartbeatInterval = time.Second
	CleanupInterval   = 500 * time.Millisecond
	TTL               = 5 * time.Second
)

// Cursor is a selection expressed in stable positions. Anchor is where the
// selection started and Head is where the caret is.
type Cursor struct {
	Anchor replica.Anchor
	Head   replica.Anchor
}

// Record is what a peer publishes about itself.
type Record struct {
	Peer        peer.ID
	Name        string
	TimestampMs uint64
	Cursor      *Cursor
}

// Entry is a cached record. ReceivedAt is read from the local monotonic clock
// and is only used to compute the age of the entry.
type Entry struct {
	Record     Record
	ReceivedAt time.Time
}

func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Cache holds at most one entry per remote peer. The local peer is never
// stored. A Cache is not safe for concurrent use; the owning session guards it.
type Cache struct {
	self    peer.ID
	ttl     time.Duration
	entries map[peer.ID]Entry
}

func NewCache(self peer.ID, ttl time.Duration) *Cache {
	return &Cache{
		self:    self,
		ttl:     ttl,
		entries: map[peer.ID]Entry{},
	}
}

// Update merges r received at now. Records for the local peer and records not
// newer than the cached one are rejected. Returns true when r was stored.
func (c *Cache) Update(r Record, now time.Time) bool {
	if r.Peer == c.self {
		return false
	}
	if existing, ok := c.entries[r.Peer]; ok && r.TimestampMs <= existing.Record.TimestampMs {
		return false
	}
	c.entries[r.Peer] = Entry{Record: r, ReceivedAt: now}
	return true
}

// Evict removes entries that are at least TTL old at now and returns their peers.
func (c *Cache) Evict(now time.Time) []peer.ID {
	var evicted []peer.ID
	for id, entry := range c.entries {
		if c.ttl <= now.Sub(entry.ReceivedAt) {
			delete(c.entries, id)
			evicted = append(evicted, id)
		}
	}
	sortPeers(evicted)
	return evicted
}

func (c *Cache) Get(id peer.ID) (Entry, bool) {
	entry, ok := c.entries[id]
	return entry, ok
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// Peers returns the cached peers in a stable order.
func (c *Cache) Peers() []peer.ID {
	ids := maps.Keys(c.entries)
	sortPeers(ids)
	return ids
}

// Entries returns a copy of the cache ordered like Peers.
func (c *Cache) Entries() []Entry {
	entries := make([]Entry, 0, len(c.entries))
	for _, id := range c.Peers() {
		entries = append(entries, c.entries[id])
	}
	return entries
}

func sortPeers(ids []peer.ID) {
	slices.SortFunc(ids, func(a peer.ID, b peer.ID) int {
		return bytes.Compare(a[:], b[:])
	})
}
