package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/access"
	"github.com/chenchao1231/SocketRelay/internal/clients"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/pool"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func TestListenerForwardsBytesRoundTrip(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()

	echoed := make(chan struct{})
	go func() {
		c, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 1024)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
		close(echoed)
	}()

	host, portStr, _ := net.SplitHostPort(upstreamLn.Addr().String())
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatal(err)
	}

	rule := model.Rule{ID: 1, SourceIP: "127.0.0.1", SourcePort: 0, TargetIP: host, TargetPort: port, PoolSize: 1}

	connSink := sinks.NewMemoryConnectionSink()
	metrics := sinks.NewMemoryMetricsSink()
	status := sinks.NewMemoryListenerStatusSink()
	registry := clients.New(connSink)

	onData := func(slot int, data []byte) { registry.ForwardResponse(rule.ID, slot, data) }
	onConn := func(slot int, conn net.Conn) { registry.FlushSlot(rule.ID, slot, conn) }
	p := pool.New(rule, metrics, nil, onData, onConn)
	defer p.Shutdown()
	time.Sleep(100 * time.Millisecond)

	decider := access.New(sinks.NewMemoryAccessPolicy(), metrics)

	l, err := New(rule, p, decider, registry, connSink, metrics, status)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go l.Serve()

	clientConn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1024)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed ping, got %q", buf[:n])
	}

	<-echoed
}
