// Package clients implements the client connection registry: tracking which
// downstream clients are attached to a rule, a reverse map from an upstream
// pool slot back to the client(s) using it, and a bounded tail-drop cache
// for data that arrives while no upstream connection is available.
package clients

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

// MaxCacheBytes bounds how much unsent data a single client may accumulate
// while its upstream connection is down, mirroring
// ClientConnectionManager.MAX_CACHE_SIZE.
const MaxCacheBytes = 1 << 20 // 1MB

// Entry is one registered client connection for a rule.
type Entry struct {
	ConnectionID string
	Conn         net.Conn

	ReceivedBytes   atomic.Int64
	SentBytes       atomic.Int64
	ReceivedPackets atomic.Int64
	SentPackets     atomic.Int64

	mu          sync.Mutex
	cache       [][]byte
	cachedBytes int

	slot int // pool slot this client is pinned to; -1 until mapped
}

// cacheData appends data to the entry's pending buffer, tail-dropping (i.e.
// refusing and reporting false) once MaxCacheBytes would be exceeded.
func (e *Entry) cacheData(data []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cachedBytes+len(data) > MaxCacheBytes {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.cache = append(e.cache, buf)
	e.cachedBytes += len(data)
	return true
}

// drain removes and returns all cached data, in FIFO order.
func (e *Entry) drain() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.cache
	e.cache = nil
	e.cachedBytes = 0
	return out
}

// requeue puts chunks back at the head of the cache, used when a flush
// attempt fails partway through.
func (e *Entry) requeue(chunks [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = append(chunks, e.cache...)
	for _, c := range chunks {
		e.cachedBytes += len(c)
	}
}

// slotKey identifies a pool slot within a rule. Keying the reverse map on
// this instead of net.Conn matters because conn identity changes on every
// redial: the slot, not the conn, is what a client stays pinned to across a
// reconnect.
type slotKey struct {
	ruleID int64
	slot   int
}

// Registry tracks the client entries for every rule, plus the reverse
// mapping from an upstream pool slot to the client(s) currently pinned to
// it. Per Open Question #3 in SPEC_FULL.md, affinity is opportunistic and
// best-effort: under a pool size greater than one, a miss on the reverse map
// falls back to rule-wide fan-out rather than guaranteeing 1:1 affinity.
type Registry struct {
	conns sinks.ConnectionSink

	mu     sync.RWMutex
	byRule map[int64]map[string]*Entry // ruleID -> connID -> entry
	bySlot map[slotKey]map[string]*Entry
}

// New constructs a Registry. conns may be nil in tests that don't assert on
// persisted traffic stats.
func New(conns sinks.ConnectionSink) *Registry {
	return &Registry{
		conns:  conns,
		byRule: make(map[int64]map[string]*Entry),
		bySlot: make(map[slotKey]map[string]*Entry),
	}
}

// Register adds a client connection under ruleID.
func (r *Registry) Register(ruleID int64, e *Entry) {
	e.slot = -1
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byRule[ruleID]
	if !ok {
		m = make(map[string]*Entry)
		r.byRule[ruleID] = m
	}
	m[e.ConnectionID] = e
}

// Unregister removes a client connection, releasing the rule's map entirely
// once it has no more clients, and cleaning up any reverse mapping.
func (r *Registry) Unregister(ruleID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byRule[ruleID]
	if !ok {
		return
	}
	e, ok := m[connID]
	if !ok {
		return
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.byRule, ruleID)
	}
	if e.slot >= 0 {
		key := slotKey{ruleID, e.slot}
		if rev, ok := r.bySlot[key]; ok {
			delete(rev, connID)
			if len(rev) == 0 {
				delete(r.bySlot, key)
			}
		}
	}
}

// MapUpstream records that connID's traffic is currently flowing through the
// given pool slot, lazily creating the reverse entry.
func (r *Registry) MapUpstream(ruleID int64, connID string, slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byRule[ruleID]
	if !ok {
		return
	}
	e, ok := m[connID]
	if !ok {
		return
	}
	e.slot = slot
	key := slotKey{ruleID, slot}
	rev, ok := r.bySlot[key]
	if !ok {
		rev = make(map[string]*Entry)
		r.bySlot[key] = rev
	}
	rev[connID] = e
}

// ForwardToUpstream writes data to upstream if active, tracking sent
// bytes/packets and persisting them through the connection sink; otherwise
// it caches the data for later flush and reports whether the cache accepted
// it, mirroring ClientConnectionManager's buffer-while-down behavior.
func (r *Registry) ForwardToUpstream(e *Entry, upstream net.Conn, data []byte) (wrote bool, cached bool) {
	if upstream != nil {
		if _, err := upstream.Write(data); err == nil {
			e.SentBytes.Add(int64(len(data)))
			e.SentPackets.Add(1)
			if r.conns != nil {
				r.conns.UpdateTrafficStats(context.Background(), e.ConnectionID, 0, int64(len(data)), 0, 1)
			}
			return true, false
		}
	}
	ok := e.cacheData(data)
	return false, ok
}

// FlushCached drains everything cached for e and writes it to upstream in
// order, stopping at the first write error (remaining cached data is
// requeued for the next flush attempt, mirroring flushCachedData's FIFO
// drain-on-reconnect behavior).
func (r *Registry) FlushCached(e *Entry, upstream net.Conn) error {
	pending := e.drain()
	for i, chunk := range pending {
		if _, err := upstream.Write(chunk); err != nil {
			e.requeue(pending[i:])
			return err
		}
		e.SentBytes.Add(int64(len(chunk)))
		e.SentPackets.Add(1)
		if r.conns != nil {
			r.conns.UpdateTrafficStats(context.Background(), e.ConnectionID, 0, int64(len(chunk)), 0, 1)
		}
	}
	return nil
}

// FlushSlot flushes every client currently pinned to (ruleID, slot) against
// upstream — the hook the pool calls whenever a slot gets a freshly dialed
// connection, so data buffered during an outage goes out the moment the
// slot reconnects.
func (r *Registry) FlushSlot(ruleID int64, slot int, upstream net.Conn) {
	r.mu.RLock()
	rev := r.bySlot[slotKey{ruleID, slot}]
	targets := make([]*Entry, 0, len(rev))
	for _, e := range rev {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if err := r.FlushCached(e, upstream); err != nil {
			break
		}
	}
}

// ForwardResponse delivers data arriving from the upstream occupying slot
// back to the client(s) mapped to it; if none are mapped, it falls back to
// broadcasting to every client currently registered for ruleID, mirroring
// forwardDataSourceResponse's fallback-to-broadcast behavior.
func (r *Registry) ForwardResponse(ruleID int64, slot int, data []byte) {
	r.mu.RLock()
	mapped, ok := r.bySlot[slotKey{ruleID, slot}]
	var targets []*Entry
	if ok && len(mapped) > 0 {
		targets = make([]*Entry, 0, len(mapped))
		for _, e := range mapped {
			targets = append(targets, e)
		}
	} else if m, ok := r.byRule[ruleID]; ok {
		targets = make([]*Entry, 0, len(m))
		for _, e := range m {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if e.Conn == nil {
			continue
		}
		if _, err := e.Conn.Write(data); err == nil {
			e.ReceivedBytes.Add(int64(len(data)))
			e.ReceivedPackets.Add(1)
			if r.conns != nil {
				r.conns.UpdateTrafficStats(context.Background(), e.ConnectionID, int64(len(data)), 0, 1, 0)
			}
		}
	}
}

// Count returns the number of registered clients for ruleID.
func (r *Registry) Count(ruleID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRule[ruleID])
}

// Entries returns a snapshot slice of the clients registered for ruleID.
func (r *Registry) Entries(ruleID int64) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byRule[ruleID]
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}
