package broadcast

import (
	"net"
	"testing"
	"time"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func TestSubscribeAndFanOut(t *testing.T) {
	rule := model.Rule{ID: 1, SourceIP: "127.0.0.1", SourcePort: 0, TargetIP: "127.0.0.1", TargetPort: 0}

	conns := sinks.NewMemoryConnectionSink()
	metrics := sinks.NewMemoryMetricsSink()

	h, err := New(rule, conns, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	go h.Serve()

	downAddr := h.down.LocalAddr().(*net.UDPAddr)
	upAddr := h.up.LocalAddr().(*net.UDPAddr)

	subscriber, err := net.DialUDP("udp", nil, downAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer subscriber.Close()

	if _, err := subscriber.Write([]byte(cmdSubscribe)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	subscriber.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := subscriber.Read(buf)
	if err != nil {
		t.Fatalf("expected SUBSCRIBED reply: %v", err)
	}
	if string(buf[:n]) != replySubscribed {
		t.Fatalf("expected %q, got %q", replySubscribed, buf[:n])
	}

	if h.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.SubscriberCount())
	}

	upSender, err := net.DialUDP("udp", nil, upAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer upSender.Close()

	if _, err := upSender.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}

	n, err = subscriber.Read(buf)
	if err != nil {
		t.Fatalf("expected fanned-out payload: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("expected payload, got %q", buf[:n])
	}
}

func TestUnknownPayloadAutoSubscribes(t *testing.T) {
	rule := model.Rule{ID: 1, SourceIP: "127.0.0.1", SourcePort: 0, TargetIP: "127.0.0.1", TargetPort: 0}
	conns := sinks.NewMemoryConnectionSink()

	h, err := New(rule, conns, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	go h.Serve()

	downAddr := h.down.LocalAddr().(*net.UDPAddr)
	subscriber, err := net.DialUDP("udp", nil, downAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer subscriber.Close()

	if _, err := subscriber.Write([]byte("not a known command")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	subscriber.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := subscriber.Read(buf)
	if err != nil {
		t.Fatalf("expected auto-subscribe reply: %v", err)
	}
	if string(buf[:n]) != replyAutoSubscribed {
		t.Fatalf("expected %q, got %q", replyAutoSubscribed, buf[:n])
	}
	if h.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber after auto-subscribe, got %d", h.SubscriberCount())
	}
}
