package udp

import (
	"net"
	"testing"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/access"
	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func TestManagerForwardsDatagramRoundTrip(t *testing.T) {
	targetConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer targetConn.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := targetConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			targetConn.WriteToUDP(buf[:n], addr)
		}
	}()

	targetAddr := targetConn.LocalAddr().(*net.UDPAddr)
	rule := model.Rule{ID: 1, SourceIP: "127.0.0.1", SourcePort: 0, TargetIP: "127.0.0.1", TargetPort: targetAddr.Port}

	decider := access.New(sinks.NewMemoryAccessPolicy(), nil)
	conns := sinks.NewMemoryConnectionSink()
	metrics := sinks.NewMemoryMetricsSink()

	mgr, err := New(rule, decider, conns, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	go mgr.Serve()

	clientConn, err := net.DialUDP("udp", nil, mgr.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1024)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("expected echoed reply: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected hello, got %q", buf[:n])
	}

	if mgr.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", mgr.SessionCount())
	}
	if conns.Len() != 1 {
		t.Fatalf("expected 1 connection record, got %d", conns.Len())
	}
}
