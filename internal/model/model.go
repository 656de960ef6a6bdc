// Package model holds the shared domain types for rules, access-control
// entries and connection records. None of these types carry behavior; the
// packages that operate on them (access, pool, clients, engine) own the
// logic.
package model

import (
	"strconv"
	"time"
)

// Protocol is the L4 protocol a Rule forwards.
type Protocol string

const (
	ProtocolTCP    Protocol = "TCP"
	ProtocolUDP    Protocol = "UDP"
	ProtocolTCPUDP Protocol = "TCP_UDP"
)

// UDPMode selects point-to-point session forwarding vs. fan-out broadcast
// for a UDP (or TCP_UDP) Rule. Ignored for TCP-only rules.
type UDPMode string

const (
	UDPModePointToPoint UDPMode = "point_to_point"
	UDPModeBroadcast    UDPMode = "broadcast"
)

// Rule is a forwarding rule: listen on SourceIP:SourcePort, forward to
// TargetIP:TargetPort.
type Rule struct {
	ID         int64
	Name       string
	SourceIP   string // empty means "0.0.0.0"
	SourcePort int
	TargetIP   string
	TargetPort int
	Protocol   Protocol
	UDPMode    UDPMode
	Enabled    bool
	Remark     string

	AutoReconnect        bool
	ReconnectIntervalMS  int
	MaxReconnectAttempts int
	PoolSize             int

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// ListenHost returns SourceIP, defaulting to the wildcard address.
func (r Rule) ListenHost() string {
	if r.SourceIP == "" {
		return "0.0.0.0"
	}
	return r.SourceIP
}

// Suffix is the protocol discriminator appended to Key, mirroring
// ForwardingEngine.generateRuleKey's "_TCP"/"_UDP" composition. It lets a TCP
// rule and a UDP rule share the same source host:port, since their
// listening sockets don't collide.
func (r Rule) Suffix() string {
	switch r.Protocol {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		if r.UDPMode == UDPModeBroadcast {
			return "UDP_BROADCAST"
		}
		return "UDP"
	case ProtocolTCPUDP:
		if r.UDPMode == UDPModeBroadcast {
			return "TCP_UDP_BROADCAST"
		}
		return "TCP_UDP"
	default:
		return string(r.Protocol)
	}
}

// Key returns the idempotence key used to track an active listener for this
// rule: "<host>_<port>_<suffix>".
func (r Rule) Key() string {
	return r.ListenHost() + "_" + strconv.Itoa(r.SourcePort) + "_" + r.Suffix()
}

// AccessType is the effect of an AccessRule match.
type AccessType string

const (
	AccessAllow AccessType = "ALLOW"
	AccessDeny  AccessType = "DENY"
)

// AccessRule is an IP/CIDR allow or deny entry, either global (RuleID nil)
// or scoped to a single forwarding Rule.
type AccessRule struct {
	ID          int64
	RuleID      *int64 // nil means global
	IPAddress   string // single IP or CIDR
	AccessType  AccessType
	Description string
	Enabled     bool
	Priority    int // lower value evaluates first

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// ConnectionStatus mirrors the lifecycle of a ConnectionRecord.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusError        ConnectionStatus = "ERROR"
	StatusTimeout      ConnectionStatus = "TIMEOUT"
)

// ConnectionRecord is an immutable snapshot of a single client connection
// (TCP session, or UDP per-client-address pseudo-session). Callers always
// hand a copy to a ConnectionSink; nothing shares a *ConnectionRecord across
// goroutines.
type ConnectionRecord struct {
	ConnectionID string
	RuleID       int64
	Protocol     Protocol
	Status       ConnectionStatus
	ErrorMessage string

	ClientHost string
	ClientPort int
	LocalPort  int

	ReceivedBytes   int64
	SentBytes       int64
	ReceivedPackets int64
	SentPackets     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
