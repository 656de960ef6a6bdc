package clients

import (
	"net"
	"testing"
)

func TestRegisterUnregisterRemovesEmptyRule(t *testing.T) {
	r := New(nil)
	e := &Entry{ConnectionID: "c1"}
	r.Register(1, e)
	if r.Count(1) != 1 {
		t.Fatalf("expected 1 client, got %d", r.Count(1))
	}
	r.Unregister(1, "c1")
	if r.Count(1) != 0 {
		t.Fatalf("expected 0 clients after unregister, got %d", r.Count(1))
	}
}

func TestCacheTailDrop(t *testing.T) {
	e := &Entry{ConnectionID: "c1"}
	big := make([]byte, MaxCacheBytes)
	if !e.cacheData(big) {
		t.Fatal("expected first write at exactly the cap to be accepted")
	}
	if e.cacheData([]byte{1}) {
		t.Fatal("expected tail-drop once cap is exceeded")
	}
}

func TestForwardToUpstreamCachesWhenDown(t *testing.T) {
	r := New(nil)
	e := &Entry{ConnectionID: "c1"}
	wrote, cached := r.ForwardToUpstream(e, nil, []byte("hello"))
	if wrote {
		t.Fatal("expected no write with nil upstream")
	}
	if !cached {
		t.Fatal("expected data to be cached")
	}
}

func TestForwardResponseFallsBackToRuleBroadcast(t *testing.T) {
	r := New(nil)
	c1, s1 := net.Pipe()
	defer c1.Close()
	defer s1.Close()

	e := &Entry{ConnectionID: "c1", Conn: s1}
	r.Register(1, e)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := c1.Read(buf)
		done <- buf[:n]
	}()

	// No upstream mapping recorded, so the response must fall back to the
	// rule-wide client set.
	r.ForwardResponse(1, 0, []byte("pong"))

	got := <-done
	if string(got) != "pong" {
		t.Fatalf("expected broadcast fallback to deliver data, got %q", got)
	}
}

func TestFlushSlotDrainsCachedDataOnReconnect(t *testing.T) {
	r := New(nil)
	c1, s1 := net.Pipe()
	defer c1.Close()
	defer s1.Close()

	e := &Entry{ConnectionID: "c1", Conn: s1}
	r.Register(1, e)
	r.MapUpstream(1, "c1", 0)

	if !e.cacheData([]byte("buffered")) {
		t.Fatal("expected cache to accept data while upstream is down")
	}

	up1, up2 := net.Pipe()
	defer up1.Close()
	defer up2.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := up2.Read(buf)
		done <- buf[:n]
	}()

	r.FlushSlot(1, 0, up1)

	got := <-done
	if string(got) != "buffered" {
		t.Fatalf("expected flush to deliver buffered data, got %q", got)
	}
}
