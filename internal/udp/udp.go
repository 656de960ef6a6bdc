// Package udp implements the point-to-point UDP forwarding path: one
// inbound listener per rule, a per-client-address outbound socket opened on
// first packet and reused thereafter, and an idle-eviction session table.
package udp

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chenchao1231/SocketRelay/internal/access"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/modules/shared"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

const (
	sessionIdleTimeout = 5 * time.Minute
)

// session is the per-client-address state: the outbound socket dialed to
// the rule's target, and the connection record tracking it.
type session struct {
	connID     string
	clientAddr *net.UDPAddr
	outbound   *net.UDPConn
}

// Manager runs the point-to-point UDP path for one Rule.
type Manager struct {
	rule    model.Rule
	conn    *net.UDPConn
	decider *access.Decider
	conns   sinks.ConnectionSink
	metrics sinks.MetricsSink
	status  sinks.ListenerStatusSink

	sessions *lru.LRU[string, *session]

	total   atomic.Int64 // sessions ever created
	expired atomic.Int64 // sessions evicted for idling out or purged by Close

	closed chan struct{}
}

// Stats is a read-only snapshot of a Manager for the admin surface.
type Stats struct {
	Total   int64
	Active  int64
	Expired int64
	Current int64
}

// New binds the inbound UDP socket for rule and starts the idle-eviction
// table. The caller owns starting Serve in a goroutine.
func New(rule model.Rule, decider *access.Decider, conns sinks.ConnectionSink, metrics sinks.MetricsSink, status sinks.ListenerStatusSink) (*Manager, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(rule.ListenHost()), Port: rule.SourcePort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		rule:    rule,
		conn:    conn,
		decider: decider,
		conns:   conns,
		metrics: metrics,
		status:  status,
		closed:  make(chan struct{}),
	}

	m.sessions = lru.NewLRU[string, *session](0, m.onEvict, sessionIdleTimeout)

	if status != nil {
		status.CreateListener(rule.ID, rule.SourcePort, model.ProtocolUDP)
		status.SetWaitingForClients(rule.ID, model.ProtocolUDP)
	}
	return m, nil
}

// onEvict runs when a session falls out of the LRU after sessionIdleTimeout,
// and for every remaining session when Close purges the table. Unlike internal/tcp, the connection record is retained (marked
// disconnected, not deleted) per the UDP retention decision.
func (m *Manager) onEvict(key string, s *session) {
	if s == nil {
		return
	}
	_ = s.outbound.Close()
	m.expired.Add(1)
	m.conns.Update(context.Background(), model.ConnectionRecord{
		ConnectionID: s.connID,
		RuleID:       m.rule.ID,
		Protocol:     model.ProtocolUDP,
		Status:       model.StatusDisconnected,
	})
	if m.metrics != nil {
		m.metrics.DecActiveConnections()
	}
	if m.status != nil {
		m.status.OnClientDisconnected(m.rule.ID, model.ProtocolUDP)
	}
}

// Addr returns the bound inbound address.
func (m *Manager) Addr() net.Addr { return m.conn.LocalAddr() }

// Serve reads inbound datagrams and forwards them to the rule's target,
// creating a session (and its dedicated outbound socket) on first sight of
// a client address.
func (m *Manager) Serve() error {
	buf := make([]byte, 64*1024)
	for {
		n, clientAddr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.closed:
				return nil
			default:
				return err
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go m.handleInbound(clientAddr, data)
	}
}

func (m *Manager) handleInbound(clientAddr *net.UDPAddr, data []byte) {
	if !m.decider.Allowed(context.Background(), m.rule.ID, clientAddr.IP) {
		log.Printf("udp[%d]: rejecting %s by access policy", m.rule.ID, clientAddr)
		return
	}

	key := clientAddr.String()
	s, ok := m.sessions.Get(key)
	if !ok {
		var err error
		s, err = m.newSession(clientAddr)
		if err != nil {
			log.Printf("udp[%d]: failed to open outbound session for %s: %v", m.rule.ID, clientAddr, err)
			if m.metrics != nil {
				m.metrics.IncConnectionErrors()
			}
			return
		}
	}
	// Get never refreshes the entry's expiry on a hit, only Add does — call
	// it on every lookup so a continuously active session's idle clock resets
	// off the last packet instead of off its creation time.
	m.sessions.Add(key, s)

	target := &net.UDPAddr{IP: net.ParseIP(m.rule.TargetIP), Port: m.rule.TargetPort}
	if _, err := s.outbound.WriteToUDP(data, target); err != nil {
		log.Printf("udp[%d]: write to target failed for %s: %v", m.rule.ID, clientAddr, err)
		if m.metrics != nil {
			m.metrics.IncTransferErrors()
		}
		return
	}

	m.conns.UpdateTrafficStats(context.Background(), s.connID, 0, int64(len(data)), 0, 1)
	if m.metrics != nil {
		m.metrics.AddBytesTransferred(int64(len(data)))
	}
}

func (m *Manager) newSession(clientAddr *net.UDPAddr) (*session, error) {
	outbound, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}

	connID := shared.NewConnectionID()
	s := &session{connID: connID, clientAddr: clientAddr, outbound: outbound}
	m.total.Add(1)

	rec := model.ConnectionRecord{
		ConnectionID: connID,
		RuleID:       m.rule.ID,
		Protocol:     model.ProtocolUDP,
		Status:       model.StatusConnected,
		ClientHost:   clientAddr.IP.String(),
		ClientPort:   clientAddr.Port,
	}
	m.conns.Save(context.Background(), rec)

	if m.metrics != nil {
		m.metrics.IncActiveConnections()
		m.metrics.IncTotalConnections()
	}
	if m.status != nil {
		m.status.OnClientConnected(m.rule.ID, model.ProtocolUDP)
	}

	go m.serveOutbound(s)
	return s, nil
}

// serveOutbound reads replies on the per-client outbound socket and
// re-addresses them back to the originating client.
func (m *Manager) serveOutbound(s *session) {
	buf := make([]byte, 64*1024)
	for {
		s.outbound.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		n, _, err := s.outbound.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		if _, err := m.conn.WriteToUDP(data, s.clientAddr); err != nil {
			if m.metrics != nil {
				m.metrics.IncTransferErrors()
			}
			continue
		}
		m.conns.UpdateTrafficStats(context.Background(), s.connID, int64(n), 0, 1, 0)
		if m.metrics != nil {
			m.metrics.AddBytesTransferred(int64(n))
		}
	}
}

// SessionCount returns the number of live sessions, for the admin surface.
func (m *Manager) SessionCount() int { return m.sessions.Len() }

// Stats returns total/active/expired/current session counts for the admin
// surface's UDP session view. Active and Current both reflect the live LRU
// size; there is no separate notion of an inactive-but-tracked session in
// the point-to-point path.
func (m *Manager) Stats() Stats {
	current := int64(m.sessions.Len())
	return Stats{
		Total:   m.total.Load(),
		Active:  current,
		Expired: m.expired.Load(),
		Current: current,
	}
}

// Close stops the listener and releases every session's outbound socket.
func (m *Manager) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	err := m.conn.Close()
	m.sessions.Purge()
	if m.status != nil {
		m.status.StopListener(m.rule.ID)
	}
	return err
}
