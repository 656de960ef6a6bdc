package main

import (
	"log"
	"sync/atomic"

	"github.com/chenchao1231/SocketRelay/internal/model"
)

// processMetrics is the default sinks.MetricsSink for a standalone process:
// plain atomic counters with no external exporter wired up, since the spec
// explicitly keeps a metrics *exporter* out of scope — only the counters
// themselves are required.
type processMetrics struct {
	active      atomic.Int64
	total       atomic.Int64
	connErr     atomic.Int64
	xferErr     atomic.Int64
	bytes       atomic.Int64
	ruleCount   atomic.Int64
	accessWarns atomic.Int64
}

func (m *processMetrics) IncActiveConnections()       { m.active.Add(1) }
func (m *processMetrics) DecActiveConnections()       { m.active.Add(-1) }
func (m *processMetrics) IncTotalConnections()        { m.total.Add(1) }
func (m *processMetrics) IncConnectionErrors()        { m.connErr.Add(1) }
func (m *processMetrics) IncTransferErrors()          { m.xferErr.Add(1) }
func (m *processMetrics) AddBytesTransferred(n int64) { m.bytes.Add(n) }
func (m *processMetrics) IncForwardingRuleCount()     { m.ruleCount.Add(1) }
func (m *processMetrics) DecForwardingRuleCount()     { m.ruleCount.Add(-1) }
func (m *processMetrics) IncAccessPolicyWarnings()    { m.accessWarns.Add(1) }

// logOnlyStatusSink is the default sinks.ListenerStatusSink for a
// standalone process: it just logs, since there is no UI wired up by
// default to consume richer status.
type logOnlyStatusSink struct{}

func (logOnlyStatusSink) CreateListener(ruleID int64, port int, proto model.Protocol) {
	log.Printf("listener[%d]: created on port %d (%s)", ruleID, port, proto)
}
func (logOnlyStatusSink) SetWaitingForClients(ruleID int64, proto model.Protocol) {
	log.Printf("listener[%d]: waiting for clients (%s)", ruleID, proto)
}
func (logOnlyStatusSink) OnClientConnected(ruleID int64, proto model.Protocol) {
	log.Printf("listener[%d]: client connected (%s)", ruleID, proto)
}
func (logOnlyStatusSink) OnClientDisconnected(ruleID int64, proto model.Protocol) {
	log.Printf("listener[%d]: client disconnected (%s)", ruleID, proto)
}
func (logOnlyStatusSink) StopListener(ruleID int64) {
	log.Printf("listener[%d]: stopped", ruleID)
}
