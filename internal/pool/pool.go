// Package pool implements the upstream connection pool: a fixed-size set of
// TCP connections to a rule's target, slot 0 dialed eagerly on creation and
// the rest on demand, reconnected with a
// capped-linear backoff on failure, and handed out round-robin to callers.
// Each slot has exactly one reader goroutine for its lifetime, so a shared
// slot handed to two clients never races a concurrent Read against itself.
package pool

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sched"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

const (
	defaultReconnectIntervalMS  = 5000
	defaultMaxReconnectAttempts = 10
	defaultPoolSize             = 5
	maxBackoff                  = 60 * time.Second
	dialTimeout                 = 10 * time.Second
	readBufferSize              = 32 * 1024
)

// Status is a read-only snapshot of a Pool for the admin surface.
type Status struct {
	RuleID               int64
	RuleName             string
	TargetAddress        string
	ActiveConnections    int
	TotalConnections     int
	ReconnectionAttempts int
}

// OnData is invoked from a slot's reader goroutine for every chunk read off
// the upstream connection occupying that slot.
type OnData func(slot int, data []byte)

// OnConnected is invoked whenever a slot gets a freshly dialed connection
// installed, including on reconnect after an outage — the hook the registry
// uses to flush data buffered while the slot was down.
type OnConnected func(slot int, conn net.Conn)

// Pool manages up to PoolSize concurrent connections to a single upstream
// target on behalf of one Rule.
type Pool struct {
	rule    model.Rule
	target  string
	metrics sinks.MetricsSink
	onData  OnData
	onConn  OnConnected

	mu       sync.Mutex
	conns    []net.Conn // nil slot means not connected
	active   int32
	attempts int32
	shutdown atomic.Bool
	next     uint32 // round-robin cursor

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New constructs a Pool for rule, eagerly dialing slot 0. dial defaults to a
// net.Dialer with dialTimeout when nil (tests may override it). onData and
// onConn may be nil when the caller doesn't need response fan-out or
// reconnect flushing (e.g. unit tests exercising the pool in isolation).
func New(rule model.Rule, metrics sinks.MetricsSink, dial func(ctx context.Context, network, addr string) (net.Conn, error), onData OnData, onConn OnConnected) *Pool {
	size := rule.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	if dial == nil {
		d := &net.Dialer{Timeout: dialTimeout}
		dial = d.DialContext
	}

	p := &Pool{
		rule:    rule,
		target:  net.JoinHostPort(rule.TargetIP, strconv.Itoa(rule.TargetPort)),
		metrics: metrics,
		onData:  onData,
		onConn:  onConn,
		conns:   make([]net.Conn, size),
		dial:    dial,
	}

	p.createConnection(0)
	return p
}

func (p *Pool) reconnectInterval() time.Duration {
	ms := p.rule.ReconnectIntervalMS
	if ms <= 0 {
		ms = defaultReconnectIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Pool) maxAttempts() int {
	n := p.rule.MaxReconnectAttempts
	if n <= 0 {
		n = defaultMaxReconnectAttempts
	}
	return n
}

// createConnection dials slot idx asynchronously. On success it installs the
// connection, notifies onConn, and starts the slot's sole reader; on failure
// it schedules a reconnect directly.
func (p *Pool) createConnection(idx int) {
	if p.shutdown.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()

		conn, err := p.dial(ctx, "tcp", p.target)
		if err != nil {
			if p.metrics != nil {
				p.metrics.IncConnectionErrors()
			}
			log.Printf("pool[%d]: dial %s failed: %v", p.rule.ID, p.target, err)
			p.scheduleReconnect(idx)
			return
		}
		p.installConn(idx, conn)
	}()
}

// installConn records a freshly dialed connection in slot idx, notifies
// onConn (the registry's reconnect-flush hook), and starts the slot's
// reader.
func (p *Pool) installConn(idx int, conn net.Conn) {
	p.mu.Lock()
	p.conns[idx] = conn
	p.mu.Unlock()
	atomic.AddInt32(&p.active, 1)
	atomic.StoreInt32(&p.attempts, 0)

	if p.onConn != nil {
		p.onConn(idx, conn)
	}
	go p.serveSlot(idx, conn)
}

// serveSlot is the sole reader for the connection occupying slot idx, for
// as long as that connection lives. Every chunk it reads is handed to onData
// for fan-out to the client(s) currently mapped to this slot; a read error
// releases the slot and lets the caller's backoff logic schedule a redial.
func (p *Pool) serveSlot(idx int, conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if p.onData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				p.onData(idx, data)
			}
			if p.metrics != nil {
				p.metrics.AddBytesTransferred(int64(n))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && p.metrics != nil {
				p.metrics.IncTransferErrors()
			}
			break
		}
	}
	p.releaseSlot(idx)
}

func (p *Pool) releaseSlot(idx int) {
	p.mu.Lock()
	conn := p.conns[idx]
	p.conns[idx] = nil
	p.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	atomic.AddInt32(&p.active, -1)
	if !p.shutdown.Load() {
		p.scheduleReconnect(idx)
	}
}

func (p *Pool) scheduleReconnect(idx int) {
	if p.shutdown.Load() {
		return
	}
	attempts := int(atomic.AddInt32(&p.attempts, 1))
	if attempts > p.maxAttempts() {
		log.Printf("pool[%d]: giving up reconnecting slot %d after %d attempts", p.rule.ID, idx, attempts)
		return
	}
	delay := time.Duration(attempts) * p.reconnectInterval()
	if delay > maxBackoff {
		delay = maxBackoff
	}
	sched.After(delay, func() { p.createConnection(idx) })
}

// MarkDead tells the pool a previously-handed-out connection failed; the
// slot is released and reconnection scheduled. Safe to call more than once
// for the same conn (subsequent calls are no-ops once the slot is cleared).
func (p *Pool) MarkDead(conn net.Conn) {
	p.mu.Lock()
	idx := -1
	for i, c := range p.conns {
		if c == conn {
			idx = i
			break
		}
	}
	p.mu.Unlock()
	if idx >= 0 {
		p.releaseSlot(idx)
	}
}

// Get returns an active connection and the slot index it occupies, rotating
// the starting point on every call so load spreads round-robin across
// active slots; it dials a fresh slot synchronously if capacity remains and
// none is currently active — mirroring ConnectionPoolManager.getConnection's
// scan-plus-on-demand-dial, generalized to not always start from slot 0.
func (p *Pool) Get(ctx context.Context) (net.Conn, int, error) {
	p.mu.Lock()
	n := len(p.conns)
	start := int(atomic.AddUint32(&p.next, 1)) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if c := p.conns[idx]; c != nil {
			p.mu.Unlock()
			return c, idx, nil
		}
	}
	idx := -1
	for i := 0; i < n; i++ {
		if p.conns[i] == nil {
			idx = i
			break
		}
	}
	p.mu.Unlock()

	if idx < 0 {
		return nil, -1, errNoCapacity
	}

	conn, err := p.dial(ctx, "tcp", p.target)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncConnectionErrors()
		}
		p.scheduleReconnect(idx)
		return nil, -1, err
	}
	p.installConn(idx, conn)

	return conn, idx, nil
}

// ConnAt returns the connection currently occupying slot idx, or nil if the
// slot is out of range or down. Callers that cache a slot index across a
// reconnect must re-resolve through ConnAt rather than holding onto a stale
// net.Conn, since conn identity changes on every redial.
func (p *Pool) ConnAt(idx int) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.conns) {
		return nil
	}
	return p.conns[idx]
}

// Status returns a snapshot for the admin surface.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		RuleID:               p.rule.ID,
		RuleName:             p.rule.Name,
		TargetAddress:        p.target,
		ActiveConnections:    int(atomic.LoadInt32(&p.active)),
		TotalConnections:     len(p.conns),
		ReconnectionAttempts: int(atomic.LoadInt32(&p.attempts)),
	}
}

// Shutdown closes every active connection and prevents further reconnects.
func (p *Pool) Shutdown() {
	p.shutdown.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c != nil {
			_ = c.Close()
			p.conns[i] = nil
		}
	}
	atomic.StoreInt32(&p.active, 0)
}

type poolError string

func (e poolError) Error() string { return string(e) }

const errNoCapacity = poolError("connection pool: no capacity and no active connection available")
