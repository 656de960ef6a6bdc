package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func TestPoolDialsAndReturnsConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go ioDiscard(c)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	rule := model.Rule{ID: 1, TargetIP: host, TargetPort: atoiT(t, port), PoolSize: 2}
	metrics := sinks.NewMemoryMetricsSink()
	p := New(rule, metrics, nil, nil, nil)
	defer p.Shutdown()

	time.Sleep(100 * time.Millisecond)

	conn, _, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn == nil {
		t.Fatal("expected non-nil connection")
	}

	st := p.Status()
	if st.ActiveConnections < 1 {
		t.Fatalf("expected at least one active connection, got %d", st.ActiveConnections)
	}
}

func TestPoolMarkDeadReleasesSlot(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go ioDiscard(c)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	rule := model.Rule{ID: 1, TargetIP: host, TargetPort: atoiT(t, port), PoolSize: 1, ReconnectIntervalMS: 10, MaxReconnectAttempts: 3}
	p := New(rule, nil, nil, nil, nil)
	defer p.Shutdown()

	time.Sleep(100 * time.Millisecond)
	conn, _, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.MarkDead(conn)

	time.Sleep(200 * time.Millisecond)
	if _, _, err := p.Get(context.Background()); err != nil {
		t.Fatalf("expected reconnect to succeed eventually: %v", err)
	}
}

func ioDiscard(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 1024)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func atoiT(t *testing.T, s string) int {
	n, err := net.LookupPort("tcp", s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}
