// Package access implements the IP access-control decision used on the
// accept path of both the TCP listener and the UDP session manager.
package access

import (
	"context"
	"log"
	"net"
	"sort"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

// compiledRule is an AccessRule with its IP/CIDR pre-parsed.
type compiledRule struct {
	net        *net.IPNet
	ip         net.IP // set instead of net when IPAddress was a bare IP
	accessType model.AccessType
	priority   int
}

func (c *compiledRule) matches(addr net.IP) bool {
	if c.net != nil {
		return c.net.Contains(addr)
	}
	return c.ip.Equal(addr)
}

func compile(rules []model.AccessRule) []*compiledRule {
	out := make([]*compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr := &compiledRule{accessType: r.AccessType, priority: r.Priority}
		if _, ipnet, err := net.ParseCIDR(r.IPAddress); err == nil {
			cr.net = ipnet
		} else if ip := net.ParseIP(r.IPAddress); ip != nil {
			cr.ip = ip
		} else {
			log.Printf("access: skipping rule with unparseable address %q", r.IPAddress)
			continue
		}
		out = append(out, cr)
	}
	// Ascending priority: smaller value evaluates first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// Decider evaluates whether a client IP may reach a given rule, consulting
// an AccessPolicy collaborator for the effective rule set each time — the
// collaborator is expected to cache/snapshot as needed.
type Decider struct {
	policy  sinks.AccessPolicy
	metrics sinks.MetricsSink
}

// New constructs a Decider. metrics may be nil in tests that don't assert
// on the fail-open warning counter.
func New(policy sinks.AccessPolicy, metrics sinks.MetricsSink) *Decider {
	return &Decider{policy: policy, metrics: metrics}
}

// Allowed implements the decision algorithm from IpAccessControlService:
// an empty effective rule set allows everything (fail-open, no rules
// configured); otherwise rules are walked in ascending-priority order and
// the first match wins; if nothing matches, the presence of any ALLOW rule
// in the set implies an implicit whitelist and the connection is denied,
// otherwise (deny-only set, no match) it is allowed. Any error resolving
// the rule set also fails open, so a policy-store outage never disrupts
// forwarding — mirrors "异常情况下默认允许访问，避免影响正常业务".
func (d *Decider) Allowed(ctx context.Context, ruleID int64, clientIP net.IP) bool {
	if d.policy == nil {
		return true
	}
	rules, err := d.policy.EffectiveRules(ctx, ruleID)
	if err != nil {
		log.Printf("access: effective rules lookup failed for rule %d: %v (failing open)", ruleID, err)
		if d.metrics != nil {
			d.metrics.IncAccessPolicyWarnings()
		}
		return true
	}
	if len(rules) == 0 {
		return true
	}

	compiled := compile(rules)
	if len(compiled) == 0 {
		return true
	}

	hasAllow := false
	for _, c := range compiled {
		if c.accessType == model.AccessAllow {
			hasAllow = true
		}
		if c.matches(clientIP) {
			return c.accessType == model.AccessAllow
		}
	}

	return !hasAllow
}
