// Package tcp implements the byte-transparent TCP listener and forwarding
// pipeline: accept a client, consult the access decider, register it, borrow
// an upstream slot from the rule's pool, and forward client bytes onto it.
// The upstream-to-client direction is owned entirely by the pool's per-slot
// reader, fanned out through the client registry — this listener only ever
// reads from its own client connection.
//
// Deleting a ConnectionRecord on TCP disconnect (but not on UDP) is
// preserved exactly as the connection-record lifecycle requires, even though
// it is asymmetric with the UDP path — see SPEC_FULL.md Open Question #4.
package tcp

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/chenchao1231/SocketRelay/internal/access"
	"github.com/chenchao1231/SocketRelay/internal/clients"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/modules/shared"
	"github.com/chenchao1231/SocketRelay/internal/pool"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
	"github.com/chenchao1231/SocketRelay/internal/traffic"
)

// metricsHook is the TrafficHook wired onto the client->upstream direction:
// the sole production call site of traffic.TrafficHook, recording bytes
// transferred for every chunk that makes it onto the wire (cached chunks
// are not counted here since they haven't actually transferred yet).
type metricsHook struct {
	metrics sinks.MetricsSink
}

func (h metricsHook) OnPacket(ctx *traffic.PacketContext) bool {
	if h.metrics != nil {
		h.metrics.AddBytesTransferred(int64(len(ctx.Payload)))
	}
	return true
}

// Listener accepts TCP clients for one Rule and forwards their bytes through
// a shared upstream Pool.
type Listener struct {
	rule     model.Rule
	ln       net.Listener
	pool     *pool.Pool
	decider  *access.Decider
	registry *clients.Registry
	conns    sinks.ConnectionSink
	metrics  sinks.MetricsSink
	status   sinks.ListenerStatusSink
	hook     traffic.TrafficHook

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New binds a TCP listener on rule's source address. The caller owns
// starting Serve in a goroutine.
func New(rule model.Rule, p *pool.Pool, decider *access.Decider, registry *clients.Registry, conns sinks.ConnectionSink, metrics sinks.MetricsSink, status sinks.ListenerStatusSink) (*Listener, error) {
	addr := net.JoinHostPort(rule.ListenHost(), strconv.Itoa(rule.SourcePort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		rule:     rule,
		ln:       ln,
		pool:     p,
		decider:  decider,
		registry: registry,
		conns:    conns,
		metrics:  metrics,
		status:   status,
		hook:     metricsHook{metrics: metrics},
		closed:   make(chan struct{}),
	}

	if status != nil {
		status.CreateListener(rule.ID, rule.SourcePort, model.ProtocolTCP)
		status.SetWaitingForClients(rule.ID, model.ProtocolTCP)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close is called.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				return err
			}
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			l.handleConn(c)
		}(conn)
	}
}

func (l *Listener) handleConn(client net.Conn) {
	defer client.Close()

	host, _, _ := net.SplitHostPort(client.RemoteAddr().String())
	clientIP := net.ParseIP(host)

	ctx := context.Background()
	if !l.decider.Allowed(ctx, l.rule.ID, clientIP) {
		log.Printf("tcp[%d]: rejecting %s by access policy", l.rule.ID, client.RemoteAddr())
		return
	}

	_, slot, err := l.pool.Get(ctx)
	if err != nil {
		log.Printf("tcp[%d]: no upstream available for %s: %v", l.rule.ID, client.RemoteAddr(), err)
		if l.metrics != nil {
			l.metrics.IncConnectionErrors()
		}
		return
	}

	connID := shared.NewConnectionID()
	entry := &clients.Entry{ConnectionID: connID, Conn: client}
	l.registry.Register(l.rule.ID, entry)
	l.registry.MapUpstream(l.rule.ID, connID, slot)
	defer l.registry.Unregister(l.rule.ID, connID)

	if l.metrics != nil {
		l.metrics.IncActiveConnections()
		l.metrics.IncTotalConnections()
		defer l.metrics.DecActiveConnections()
	}
	if l.status != nil {
		l.status.OnClientConnected(l.rule.ID, model.ProtocolTCP)
		defer l.status.OnClientDisconnected(l.rule.ID, model.ProtocolTCP)
	}

	rec := model.ConnectionRecord{
		ConnectionID: connID,
		RuleID:       l.rule.ID,
		Protocol:     model.ProtocolTCP,
		Status:       model.StatusConnected,
		ClientHost:   host,
	}
	l.conns.Save(ctx, rec)
	defer l.conns.Delete(ctx, connID)

	l.forwardClient(connID, client, slot, entry)
}

// forwardClient is the sole reader of the client connection: every chunk
// read is handed to the registry, which writes it straight to the slot's
// current upstream connection or, if that write fails, buffers it for the
// next reconnect flush. A write failure marks the slot dead so the pool
// redials, but never tears down the client connection itself — this is the
// outage-buffering path: an upstream flap must not disconnect the client.
func (l *Listener) forwardClient(connID string, client net.Conn, slot int, entry *clients.Entry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			current := l.pool.ConnAt(slot)
			wrote, cached := l.registry.ForwardToUpstream(entry, current, data)
			switch {
			case wrote:
				// Registry.ForwardToUpstream already persisted this write's
				// traffic stats; don't double-count them here.
				pctx := traffic.NewOutCtx(connID, client, current)
				pctx.Payload = data
				l.hook.OnPacket(pctx)
			case !cached:
				if l.metrics != nil {
					l.metrics.IncTransferErrors()
				}
				if current != nil {
					l.pool.MarkDead(current)
				}
			default:
				if current != nil {
					l.pool.MarkDead(current)
				}
			}
		}
		if err != nil {
			if err != io.EOF && l.metrics != nil {
				l.metrics.IncTransferErrors()
			}
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight handlers to
// finish.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
		l.wg.Wait()
		if l.status != nil {
			l.status.StopListener(l.rule.ID)
		}
	})
	return err
}
