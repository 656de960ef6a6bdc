// Package broadcast implements the UDP broadcast fan-out path: a downstream
// socket clients subscribe to via a tiny control protocol, and an upstream
// socket whose senders are auto-subscribed and whose datagrams are fanned
// out to every current downstream subscriber.
package broadcast

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/modules/shared"
	"github.com/chenchao1231/SocketRelay/internal/sched"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

const (
	// Control literals, ground-truthed against
	// UdpBroadcastForwardingHandler's constants.
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdHeartbeat   = "HEARTBEAT"

	replySubscribed     = "SUBSCRIBED"
	replyUnsubscribed   = "UNSUBSCRIBED"
	replyHeartbeatAck   = "HEARTBEAT_ACK"
	replyAutoSubscribed = "AUTO_SUBSCRIBED"

	clientTimeout     = 5 * time.Minute
	heartbeatInterval = 1 * time.Minute
)

type subscriber struct {
	connID        string
	addr          *net.UDPAddr
	lastHeartbeat time.Time
}

// Handler runs the broadcast path for one Rule.
type Handler struct {
	rule    model.Rule
	down    *net.UDPConn
	up      *net.UDPConn
	conns   sinks.ConnectionSink
	metrics sinks.MetricsSink
	status  sinks.ListenerStatusSink

	mu         sync.Mutex
	downstream map[string]*subscriber // addr.String() -> subscriber
	upstream   map[string]*subscriber

	rxBytes atomic.Int64 // received on the upstream socket
	txBytes atomic.Int64 // sent on the downstream socket

	heartbeat *sched.Sweeper
	closed    chan struct{}
}

// Stats is a read-only snapshot of a Handler for the admin surface.
type Stats struct {
	DownstreamCount int
	UpstreamCount   int
	BytesReceived   int64
	BytesSent       int64
}

// New binds the downstream socket at rule.SourcePort and the upstream socket
// at rule.TargetPort, and starts the heartbeat sweeper.
func New(rule model.Rule, conns sinks.ConnectionSink, metrics sinks.MetricsSink, status sinks.ListenerStatusSink) (*Handler, error) {
	down, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(rule.ListenHost()), Port: rule.SourcePort})
	if err != nil {
		return nil, err
	}
	up, err := net.ListenUDP("udp", &net.UDPAddr{Port: rule.TargetPort})
	if err != nil {
		down.Close()
		return nil, err
	}

	h := &Handler{
		rule:       rule,
		down:       down,
		up:         up,
		conns:      conns,
		metrics:    metrics,
		status:     status,
		downstream: make(map[string]*subscriber),
		upstream:   make(map[string]*subscriber),
		closed:     make(chan struct{}),
	}

	if status != nil {
		status.CreateListener(rule.ID, rule.SourcePort, model.ProtocolUDP)
		status.SetWaitingForClients(rule.ID, model.ProtocolUDP)
	}

	h.heartbeat = sched.NewSweeper(heartbeatInterval, h.sweepExpired)
	return h, nil
}

// Serve runs both the downstream control-socket loop and the upstream
// fan-in loop, returning when either errors after Close.
func (h *Handler) Serve() error {
	errCh := make(chan error, 2)
	go func() { errCh <- h.serveDownstream() }()
	go func() { errCh <- h.serveUpstream() }()
	return <-errCh
}

func (h *Handler) serveDownstream() error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := h.down.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-h.closed:
				return nil
			default:
				return err
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.handleDownstreamPacket(addr, data)
	}
}

func (h *Handler) serveUpstream() error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := h.up.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-h.closed:
				return nil
			default:
				return err
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.handleUpstreamPacket(addr, data)
	}
}

// handleDownstreamPacket implements the control protocol: SUBSCRIBE,
// UNSUBSCRIBE and HEARTBEAT are recognized literals; anything else
// auto-subscribes the sender if new and is forwarded to every upstream
// sender, mirroring UdpBroadcastForwardingHandler's default branch.
func (h *Handler) handleDownstreamPacket(addr *net.UDPAddr, data []byte) {
	switch string(data) {
	case cmdSubscribe:
		h.addDownstream(addr)
		h.reply(addr, replySubscribed)
	case cmdUnsubscribe:
		h.removeDownstream(addr)
		h.reply(addr, replyUnsubscribed)
	case cmdHeartbeat:
		if h.touchDownstream(addr) {
			h.reply(addr, replyHeartbeatAck)
		} else {
			h.addDownstream(addr)
			h.reply(addr, replyAutoSubscribed)
		}
	default:
		if !h.touchDownstream(addr) {
			h.addDownstream(addr)
			h.reply(addr, replyAutoSubscribed)
		}
		h.forwardToUpstreamSenders(data)
	}
}

// forwardToUpstreamSenders relays a downstream-originated payload to every
// address that has sent this handler an upstream packet.
func (h *Handler) forwardToUpstreamSenders(data []byte) {
	h.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(h.upstream))
	for _, s := range h.upstream {
		targets = append(targets, s.addr)
	}
	h.mu.Unlock()

	for _, t := range targets {
		if _, err := h.up.WriteToUDP(data, t); err != nil {
			if h.metrics != nil {
				h.metrics.IncTransferErrors()
			}
			continue
		}
		if h.metrics != nil {
			h.metrics.AddBytesTransferred(int64(len(data)))
		}
	}
}

// handleUpstreamPacket auto-subscribes the sender as an upstream source
// (for bookkeeping/metrics) and fans the payload out to every current
// downstream subscriber.
func (h *Handler) handleUpstreamPacket(addr *net.UDPAddr, data []byte) {
	h.addUpstream(addr)
	h.rxBytes.Add(int64(len(data)))

	h.mu.Lock()
	targets := make([]*net.UDPAddr, 0, len(h.downstream))
	for _, s := range h.downstream {
		targets = append(targets, s.addr)
	}
	h.mu.Unlock()

	for _, t := range targets {
		if _, err := h.down.WriteToUDP(data, t); err != nil {
			if h.metrics != nil {
				h.metrics.IncTransferErrors()
			}
			continue
		}
		h.txBytes.Add(int64(len(data)))
		if h.metrics != nil {
			h.metrics.AddBytesTransferred(int64(len(data)))
		}
	}
}

func (h *Handler) reply(addr *net.UDPAddr, msg string) {
	_, _ = h.down.WriteToUDP([]byte(msg), addr)
}

func (h *Handler) addDownstream(addr *net.UDPAddr) {
	key := addr.String()
	h.mu.Lock()
	if s, ok := h.downstream[key]; ok {
		s.lastHeartbeat = time.Now()
		h.mu.Unlock()
		return
	}
	connID := shared.NewConnectionID()
	h.downstream[key] = &subscriber{connID: connID, addr: addr, lastHeartbeat: time.Now()}
	h.mu.Unlock()

	h.conns.Save(context.Background(), model.ConnectionRecord{
		ConnectionID: connID,
		RuleID:       h.rule.ID,
		Protocol:     model.ProtocolUDP,
		Status:       model.StatusConnected,
		ClientHost:   addr.IP.String(),
		ClientPort:   addr.Port,
	})
	if h.metrics != nil {
		h.metrics.IncActiveConnections()
		h.metrics.IncTotalConnections()
	}
	if h.status != nil {
		h.status.OnClientConnected(h.rule.ID, model.ProtocolUDP)
	}
}

func (h *Handler) touchDownstream(addr *net.UDPAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.downstream[addr.String()]
	if !ok {
		return false
	}
	s.lastHeartbeat = time.Now()
	return true
}

func (h *Handler) removeDownstream(addr *net.UDPAddr) {
	key := addr.String()
	h.mu.Lock()
	s, ok := h.downstream[key]
	if ok {
		delete(h.downstream, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.conns.Update(context.Background(), model.ConnectionRecord{
		ConnectionID: s.connID,
		RuleID:       h.rule.ID,
		Protocol:     model.ProtocolUDP,
		Status:       model.StatusDisconnected,
	})
	if h.metrics != nil {
		h.metrics.DecActiveConnections()
	}
	if h.status != nil {
		h.status.OnClientDisconnected(h.rule.ID, model.ProtocolUDP)
	}
}

func (h *Handler) addUpstream(addr *net.UDPAddr) {
	key := addr.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.upstream[key]; ok {
		s.lastHeartbeat = time.Now()
		return
	}
	h.upstream[key] = &subscriber{addr: addr, lastHeartbeat: time.Now()}
}

// sweepExpired removes downstream subscribers that have gone silent for
// longer than clientTimeout, mirroring checkClientHeartbeat. Run
// periodically by h.heartbeat.
func (h *Handler) sweepExpired() {
	now := time.Now()
	h.mu.Lock()
	var expired []*net.UDPAddr
	for _, s := range h.downstream {
		if now.Sub(s.lastHeartbeat) > clientTimeout {
			expired = append(expired, s.addr)
		}
	}
	h.mu.Unlock()

	for _, addr := range expired {
		log.Printf("broadcast[%d]: client %s timed out, removing", h.rule.ID, addr)
		h.removeDownstream(addr)
	}
}

// SubscriberCount returns the number of active downstream subscribers, for
// the admin surface.
func (h *Handler) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.downstream)
}

// Stats returns a snapshot of subscriber counts and byte totals for the
// admin surface's broadcast status view.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	downCount := len(h.downstream)
	upCount := len(h.upstream)
	h.mu.Unlock()
	return Stats{
		DownstreamCount: downCount,
		UpstreamCount:   upCount,
		BytesReceived:   h.rxBytes.Load(),
		BytesSent:       h.txBytes.Load(),
	}
}

// Close stops both sockets and the heartbeat sweeper.
func (h *Handler) Close() error {
	select {
	case <-h.closed:
		return nil
	default:
		close(h.closed)
		h.heartbeat.Stop()
	}
	err1 := h.down.Close()
	err2 := h.up.Close()
	if h.status != nil {
		h.status.StopListener(h.rule.ID)
	}
	if err1 != nil {
		return err1
	}
	return err2
}
