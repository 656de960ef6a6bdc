package traffic

import (
	"net"
	"testing"
)

func TestNewOutCtxResolvesBothEndpoints(t *testing.T) {
	client, upstream := net.Pipe()
	defer client.Close()
	defer upstream.Close()

	ctx := NewOutCtx("conn-1", client, upstream)

	if ctx.ConnID != "conn-1" {
		t.Fatalf("expected conn-1, got %q", ctx.ConnID)
	}
	if ctx.ClientAddr == nil || ctx.UpstreamAddr == nil {
		t.Fatal("expected both addresses to be resolved")
	}
	if ctx.StartAt.IsZero() {
		t.Fatal("expected StartAt to be set")
	}
}

func TestNewOutCtxToleratesNilConns(t *testing.T) {
	ctx := NewOutCtx("conn-1", nil, nil)
	if ctx.ClientAddr != nil || ctx.UpstreamAddr != nil {
		t.Fatal("expected nil addresses for nil conns")
	}
	if ctx.ClientIP != nil || ctx.UpstreamIP != nil {
		t.Fatal("expected no IP/port fields filled in without a *net.TCPAddr")
	}
}

type fakeHook struct {
	called bool
	seen   *PacketContext
}

func (h *fakeHook) OnPacket(ctx *PacketContext) bool {
	h.called = true
	h.seen = ctx
	return true
}

func TestTrafficHookReceivesPayload(t *testing.T) {
	ctx := NewOutCtx("conn-2", nil, nil)
	ctx.Payload = []byte("hello")

	h := &fakeHook{}
	if !h.OnPacket(ctx) {
		t.Fatal("expected hook to return true")
	}
	if !h.called || string(h.seen.Payload) != "hello" {
		t.Fatalf("expected hook to observe payload, got %v", h.seen)
	}
}
