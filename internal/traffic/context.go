// Package traffic describes the per-chunk context handed to a TrafficHook
// as bytes cross from a TCP client onto its upstream connection.
package traffic

import (
	"net"
	"time"
)

// PacketContext describes one chunk forwarded from a TCP client to the
// upstream connection currently serving it. Only the client->upstream
// direction ever builds one: the upstream->client direction is fanned out
// by the pool's own slot reader without a hook, and UDP/broadcast have no
// notion of a TrafficHook at all, so there's no second direction or
// protocol to generalize over here.
type PacketContext struct {
	ConnID string

	ClientAddr   net.Addr
	UpstreamAddr net.Addr

	ClientIP   net.IP
	ClientPort int

	UpstreamIP   net.IP
	UpstreamPort int

	StartAt time.Time

	// Payload is the chunk being forwarded, set by the caller after
	// construction — NewOutCtx only fills in addressing and timing.
	Payload []byte
}

// TrafficHook observes every chunk forwarded to an upstream. The one
// production caller (internal/tcp) invokes it after the chunk has already
// been written and ignores the returned bool, so returning false does not
// stop a chunk; the one production hook (internal/tcp's metricsHook) only
// records bytes and always returns true.
type TrafficHook interface {
	OnPacket(ctx *PacketContext) bool
}

// NewOutCtx builds the PacketContext for a single client->upstream chunk on
// connID, resolving both endpoints' addresses once up front.
func NewOutCtx(connID string, client, upstream net.Conn) *PacketContext {
	ctx := &PacketContext{
		ConnID:       connID,
		ClientAddr:   safeRemoteAddr(client),
		UpstreamAddr: safeRemoteAddr(upstream),
		StartAt:      time.Now(),
	}
	fillIPPort(ctx)
	return ctx
}

func safeRemoteAddr(c net.Conn) net.Addr {
	if c == nil {
		return nil
	}
	return c.RemoteAddr()
}

func fillIPPort(ctx *PacketContext) {
	if a, ok := ctx.ClientAddr.(*net.TCPAddr); ok {
		ctx.ClientIP = a.IP
		ctx.ClientPort = a.Port
	}
	if a, ok := ctx.UpstreamAddr.(*net.TCPAddr); ok {
		ctx.UpstreamIP = a.IP
		ctx.UpstreamPort = a.Port
	}
}
