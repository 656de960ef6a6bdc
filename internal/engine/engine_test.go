package engine

import (
	"net"
	"testing"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func TestActivateDeactivateTCPRule(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()
	go func() {
		for {
			c, err := upstreamLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(upstreamLn.Addr().String())
	port, _ := net.LookupPort("tcp", portStr)

	policy := sinks.NewMemoryAccessPolicy()
	conns := sinks.NewMemoryConnectionSink()
	metrics := sinks.NewMemoryMetricsSink()
	status := sinks.NewMemoryListenerStatusSink()

	e := New(policy, conns, metrics, status)

	var gotEvent Event
	e.Subscribe(func(ev Event) { gotEvent = ev })

	rule := model.Rule{ID: 1, SourceIP: "127.0.0.1", SourcePort: 0, TargetIP: host, TargetPort: port, Protocol: model.ProtocolTCP, PoolSize: 1}
	if err := e.Activate(rule); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if gotEvent.Type != EventRuleActivated {
		t.Fatalf("expected activated event, got %v", gotEvent.Type)
	}
	if metrics.ForwardingRuleCount != 1 {
		t.Fatalf("expected forwarding rule count 1, got %d", metrics.ForwardingRuleCount)
	}

	// Idempotent re-activate.
	if err := e.Activate(rule); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if metrics.ForwardingRuleCount != 1 {
		t.Fatalf("expected forwarding rule count to stay at 1 after repeat activate, got %d", metrics.ForwardingRuleCount)
	}

	time.Sleep(50 * time.Millisecond)

	if err := e.Deactivate(rule); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if metrics.ForwardingRuleCount != 0 {
		t.Fatalf("expected forwarding rule count 0 after deactivate, got %d", metrics.ForwardingRuleCount)
	}
}
