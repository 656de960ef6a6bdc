// Package sinks defines the collaborator interfaces the engine calls out to
// (access policy lookup, connection persistence, metrics, listener status)
// and ships in-memory fakes so the core can be built and tested without a
// database or HTTP layer.
package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/chenchao1231/SocketRelay/internal/model"
)

// AccessPolicy resolves the effective (global ∪ per-rule) access-control
// rule set for a forwarding rule, ordered by ascending priority.
type AccessPolicy interface {
	EffectiveRules(ctx context.Context, ruleID int64) ([]model.AccessRule, error)
}

// ConnectionSink receives connection lifecycle and traffic updates. Calls
// never block the data path; the engine always dispatches them from a
// bounded worker, never inline.
type ConnectionSink interface {
	Save(ctx context.Context, rec model.ConnectionRecord)
	Update(ctx context.Context, rec model.ConnectionRecord)
	UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64)
	Delete(ctx context.Context, connectionID string)
}

// MetricsSink accumulates process-wide counters.
type MetricsSink interface {
	IncActiveConnections()
	DecActiveConnections()
	IncTotalConnections()
	IncConnectionErrors()
	IncTransferErrors()
	AddBytesTransferred(n int64)
	IncForwardingRuleCount()
	DecForwardingRuleCount()
	// IncAccessPolicyWarnings counts a fail-open decision taken because the
	// effective rule set could not be resolved.
	IncAccessPolicyWarnings()
}

// ListenerStatusSink reports the lifecycle of a rule's listener(s) for a UI.
type ListenerStatusSink interface {
	CreateListener(ruleID int64, port int, proto model.Protocol)
	SetWaitingForClients(ruleID int64, proto model.Protocol)
	OnClientConnected(ruleID int64, proto model.Protocol)
	OnClientDisconnected(ruleID int64, proto model.Protocol)
	StopListener(ruleID int64)
}

// MemoryAccessPolicy is a fake AccessPolicy backed by an in-memory slice,
// used by engine/access tests.
type MemoryAccessPolicy struct {
	mu    sync.RWMutex
	rules []model.AccessRule
}

func NewMemoryAccessPolicy(rules ...model.AccessRule) *MemoryAccessPolicy {
	return &MemoryAccessPolicy{rules: rules}
}

func (m *MemoryAccessPolicy) SetRules(rules []model.AccessRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

func (m *MemoryAccessPolicy) EffectiveRules(_ context.Context, ruleID int64) ([]model.AccessRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AccessRule, 0, len(m.rules))
	for _, r := range m.rules {
		if !r.Enabled {
			continue
		}
		if r.RuleID == nil || *r.RuleID == ruleID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

// MemoryConnectionSink is a fake ConnectionSink keyed by connection ID.
type MemoryConnectionSink struct {
	mu   sync.Mutex
	recs map[string]model.ConnectionRecord
}

func NewMemoryConnectionSink() *MemoryConnectionSink {
	return &MemoryConnectionSink{recs: make(map[string]model.ConnectionRecord)}
}

func (m *MemoryConnectionSink) Save(_ context.Context, rec model.ConnectionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ConnectionID] = rec
}

func (m *MemoryConnectionSink) Update(_ context.Context, rec model.ConnectionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ConnectionID] = rec
}

func (m *MemoryConnectionSink) UpdateTrafficStats(_ context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[connectionID]
	if !ok {
		return
	}
	rec.ReceivedBytes += rxBytes
	rec.SentBytes += txBytes
	rec.ReceivedPackets += rxPkts
	rec.SentPackets += txPkts
	m.recs[connectionID] = rec
}

func (m *MemoryConnectionSink) Delete(_ context.Context, connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, connectionID)
}

func (m *MemoryConnectionSink) Get(connectionID string) (model.ConnectionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[connectionID]
	return rec, ok
}

func (m *MemoryConnectionSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// MemoryMetricsSink is a fake MetricsSink using plain counters guarded by a
// mutex; volumes in tests are low enough that atomics would be premature.
type MemoryMetricsSink struct {
	mu                   sync.Mutex
	ActiveConnections    int64
	TotalConnections     int64
	ConnectionErrors     int64
	TransferErrors       int64
	BytesTransferred     int64
	ForwardingRuleCount  int64
	AccessPolicyWarnings int64
}

func NewMemoryMetricsSink() *MemoryMetricsSink { return &MemoryMetricsSink{} }

func (m *MemoryMetricsSink) IncActiveConnections() {
	m.mu.Lock()
	m.ActiveConnections++
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) DecActiveConnections() {
	m.mu.Lock()
	m.ActiveConnections--
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) IncTotalConnections() {
	m.mu.Lock()
	m.TotalConnections++
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) IncConnectionErrors() {
	m.mu.Lock()
	m.ConnectionErrors++
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) IncTransferErrors() {
	m.mu.Lock()
	m.TransferErrors++
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) AddBytesTransferred(n int64) {
	m.mu.Lock()
	m.BytesTransferred += n
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) IncForwardingRuleCount() {
	m.mu.Lock()
	m.ForwardingRuleCount++
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) DecForwardingRuleCount() {
	m.mu.Lock()
	m.ForwardingRuleCount--
	m.mu.Unlock()
}
func (m *MemoryMetricsSink) IncAccessPolicyWarnings() {
	m.mu.Lock()
	m.AccessPolicyWarnings++
	m.mu.Unlock()
}

// MemoryListenerStatusSink records every event it receives, in call order
// and without the rule ID, enough for tests to assert on lifecycle
// transitions.
type MemoryListenerStatusSink struct {
	mu     sync.Mutex
	Events []string
}

func NewMemoryListenerStatusSink() *MemoryListenerStatusSink {
	return &MemoryListenerStatusSink{}
}

func (m *MemoryListenerStatusSink) record(s string) {
	m.mu.Lock()
	m.Events = append(m.Events, s)
	m.mu.Unlock()
}

func (m *MemoryListenerStatusSink) CreateListener(ruleID int64, port int, proto model.Protocol) {
	m.record("create:" + string(proto))
}
func (m *MemoryListenerStatusSink) SetWaitingForClients(ruleID int64, proto model.Protocol) {
	m.record("waiting:" + string(proto))
}
func (m *MemoryListenerStatusSink) OnClientConnected(ruleID int64, proto model.Protocol) {
	m.record("connected:" + string(proto))
}
func (m *MemoryListenerStatusSink) OnClientDisconnected(ruleID int64, proto model.Protocol) {
	m.record("disconnected:" + string(proto))
}
func (m *MemoryListenerStatusSink) StopListener(ruleID int64) {
	m.record("stop")
}
