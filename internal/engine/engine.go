// Package engine orchestrates rule lifecycle: activating a Rule spins up
// the right combination of TCP listener, UDP session manager and/or UDP
// broadcast handler (and the upstream pool backing them), tracked by a
// rule-key idempotence map; deactivating tears them back down.
package engine

import (
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chenchao1231/SocketRelay/internal/access"
	"github.com/chenchao1231/SocketRelay/internal/broadcast"
	"github.com/chenchao1231/SocketRelay/internal/clients"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/pool"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
	"github.com/chenchao1231/SocketRelay/internal/tcp"
	"github.com/chenchao1231/SocketRelay/internal/udp"
)

// EventType identifies the kind of lifecycle event the engine emits to
// subscribers (the push channel, primarily).
type EventType string

const (
	EventRuleActivated   EventType = "rule_activated"
	EventRuleDeactivated EventType = "rule_deactivated"
	EventRuleFailed      EventType = "rule_failed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type   EventType
	RuleID int64
	Data   any
}

// active holds everything running for one activated rule.
type active struct {
	rule      model.Rule
	pool      *pool.Pool
	tcpListen *tcp.Listener
	udpMgr    *udp.Manager
	bcast     *broadcast.Handler
}

// Engine is the top-level data-plane orchestrator, constructed once and
// wired against the four collaborator sinks.
type Engine struct {
	decider    *access.Decider
	registry   *clients.Registry
	conns      sinks.ConnectionSink
	asyncConns *sinks.AsyncConnectionSink
	metrics    sinks.MetricsSink
	status     sinks.ListenerStatusSink

	mu       sync.Mutex
	rules    map[string]*active // rule.Key() -> active

	subMu sync.RWMutex
	subs  []func(Event)
}

// New constructs an Engine. Any of the sinks may be nil in tests that only
// exercise a subset of behavior; nil sinks are treated as no-ops.
//
// conns is wrapped in an AsyncConnectionSink so every TCP/UDP/broadcast
// component that receives it from the Engine persists off the data path,
// never inline on the connection's own goroutine.
func New(policy sinks.AccessPolicy, conns sinks.ConnectionSink, metrics sinks.MetricsSink, status sinks.ListenerStatusSink) *Engine {
	async := sinks.NewAsyncConnectionSink(conns, 0, 0)
	return &Engine{
		decider:    access.New(policy, metrics),
		registry:   clients.New(async),
		conns:      async,
		asyncConns: async,
		metrics:    metrics,
		status:     status,
		rules:      make(map[string]*active),
	}
}

// Subscribe registers fn to receive every future Event.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, fn)
}

func (e *Engine) emit(ev Event) {
	e.subMu.RLock()
	subs := append([]func(Event){}, e.subs...)
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// needsConnectionPool mirrors ForwardingEngine.needsConnectionPool: every
// mode needs a pool except UDP broadcast, which has no per-client upstream
// affinity to maintain.
func needsConnectionPool(rule model.Rule) bool {
	return !(rule.Protocol == model.ProtocolUDP && rule.UDPMode == model.UDPModeBroadcast)
}

// Activate starts forwarding for rule, idempotently: calling it again for a
// rule already active is a no-op.
func (e *Engine) Activate(rule model.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := rule.Key()
	if _, ok := e.rules[key]; ok {
		return nil
	}

	a := &active{rule: rule}

	if needsConnectionPool(rule) {
		onData := func(slot int, data []byte) {
			e.registry.ForwardResponse(rule.ID, slot, data)
		}
		onConn := func(slot int, conn net.Conn) {
			e.registry.FlushSlot(rule.ID, slot, conn)
		}
		a.pool = pool.New(rule, e.metrics, nil, onData, onConn)
	}

	var tcpErr, udpErr error
	switch rule.Protocol {
	case model.ProtocolTCP:
		tcpErr = e.startTCP(a)
	case model.ProtocolUDP:
		udpErr = e.startUDP(a)
	case model.ProtocolTCPUDP:
		tcpErr = e.startTCP(a)
		udpErr = e.startUDP(a)
	default:
		return fmt.Errorf("engine: unknown protocol %q", rule.Protocol)
	}

	if tcpErr != nil || udpErr != nil {
		e.teardown(a)
		err := firstErr(tcpErr, udpErr)
		e.emit(Event{Type: EventRuleFailed, RuleID: rule.ID, Data: err.Error()})
		return err
	}

	e.rules[key] = a
	if e.metrics != nil {
		e.metrics.IncForwardingRuleCount()
	}
	e.emit(Event{Type: EventRuleActivated, RuleID: rule.ID})
	return nil
}

func (e *Engine) startTCP(a *active) error {
	l, err := tcp.New(a.rule, a.pool, e.decider, e.registry, e.conns, e.metrics, e.status)
	if err != nil {
		return err
	}
	a.tcpListen = l
	go func() {
		if err := l.Serve(); err != nil {
			log.Printf("engine[%d]: tcp listener stopped: %v", a.rule.ID, err)
		}
	}()
	return nil
}

func (e *Engine) startUDP(a *active) error {
	if a.rule.UDPMode == model.UDPModeBroadcast {
		h, err := broadcast.New(a.rule, e.conns, e.metrics, e.status)
		if err != nil {
			return err
		}
		a.bcast = h
		go func() {
			if err := h.Serve(); err != nil {
				log.Printf("engine[%d]: broadcast handler stopped: %v", a.rule.ID, err)
			}
		}()
		return nil
	}

	m, err := udp.New(a.rule, e.decider, e.conns, e.metrics, e.status)
	if err != nil {
		return err
	}
	a.udpMgr = m
	go func() {
		if err := m.Serve(); err != nil {
			log.Printf("engine[%d]: udp manager stopped: %v", a.rule.ID, err)
		}
	}()
	return nil
}

// Deactivate stops forwarding for rule, tearing down every component started
// by Activate.
func (e *Engine) Deactivate(rule model.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := rule.Key()
	a, ok := e.rules[key]
	if !ok {
		return nil
	}
	delete(e.rules, key)

	e.teardown(a)
	if e.metrics != nil {
		e.metrics.DecForwardingRuleCount()
	}
	e.emit(Event{Type: EventRuleDeactivated, RuleID: rule.ID})
	return nil
}

func (e *Engine) teardown(a *active) {
	if a.tcpListen != nil {
		_ = a.tcpListen.Close()
	}
	if a.udpMgr != nil {
		_ = a.udpMgr.Close()
	}
	if a.bcast != nil {
		_ = a.bcast.Close()
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
}

// Shutdown deactivates every active rule concurrently, for graceful process
// exit, and waits for all of them to finish tearing down.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	rules := make([]model.Rule, 0, len(e.rules))
	for _, a := range e.rules {
		rules = append(rules, a.rule)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, r := range rules {
		r := r
		g.Go(func() error {
			return e.Deactivate(r)
		})
	}
	_ = g.Wait()

	if e.asyncConns != nil {
		e.asyncConns.Close()
	}
}

// PoolStatus returns the upstream pool snapshot for an active rule, or
// false if the rule isn't active or doesn't use a pool.
func (e *Engine) PoolStatus(ruleKey string) (pool.Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.rules[ruleKey]
	if !ok || a.pool == nil {
		return pool.Status{}, false
	}
	return a.pool.Status(), true
}

// UDPStats returns the session-table snapshot for an active point-to-point
// UDP rule, or false if the rule isn't active or isn't running that path.
func (e *Engine) UDPStats(ruleKey string) (udp.Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.rules[ruleKey]
	if !ok || a.udpMgr == nil {
		return udp.Stats{}, false
	}
	return a.udpMgr.Stats(), true
}

// BroadcastStats returns the subscriber/byte snapshot for an active UDP
// broadcast rule, or false if the rule isn't active or isn't running that
// path.
func (e *Engine) BroadcastStats(ruleKey string) (broadcast.Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.rules[ruleKey]
	if !ok || a.bcast == nil {
		return broadcast.Stats{}, false
	}
	return a.bcast.Stats(), true
}

// ClientCount returns how many clients are registered for ruleID.
func (e *Engine) ClientCount(ruleID int64) int {
	return e.registry.Count(ruleID)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
