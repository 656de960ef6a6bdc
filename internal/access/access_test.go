package access

import (
	"context"
	"net"
	"testing"

	"github.com/chenchao1231/SocketRelay/internal/model"
	"github.com/chenchao1231/SocketRelay/internal/sinks"
)

func ruleID(id int64) *int64 { return &id }

func TestAllowedNoRulesFailsOpen(t *testing.T) {
	policy := sinks.NewMemoryAccessPolicy()
	d := New(policy, nil)
	if !d.Allowed(context.Background(), 1, net.ParseIP("1.2.3.4")) {
		t.Fatal("expected fail-open allow with no rules configured")
	}
}

func TestAllowedDenyOnlyDefaultsAllow(t *testing.T) {
	policy := sinks.NewMemoryAccessPolicy(model.AccessRule{
		IPAddress:  "10.0.0.0/8",
		AccessType: model.AccessDeny,
		Enabled:    true,
		Priority:   10,
	})
	d := New(policy, nil)
	if !d.Allowed(context.Background(), 1, net.ParseIP("1.2.3.4")) {
		t.Fatal("expected allow: deny-only rule set, no match")
	}
	if d.Allowed(context.Background(), 1, net.ParseIP("10.1.1.1")) {
		t.Fatal("expected deny: matched deny rule")
	}
}

func TestAllowedWhitelistPresentDefaultsDeny(t *testing.T) {
	policy := sinks.NewMemoryAccessPolicy(model.AccessRule{
		IPAddress:  "10.0.0.0/8",
		AccessType: model.AccessAllow,
		Enabled:    true,
		Priority:   10,
	})
	d := New(policy, nil)
	if d.Allowed(context.Background(), 1, net.ParseIP("1.2.3.4")) {
		t.Fatal("expected deny: whitelist present, no match")
	}
	if !d.Allowed(context.Background(), 1, net.ParseIP("10.1.1.1")) {
		t.Fatal("expected allow: matched allow rule")
	}
}

func TestAllowedPriorityOrderingAscending(t *testing.T) {
	policy := sinks.NewMemoryAccessPolicy(
		model.AccessRule{IPAddress: "10.0.0.0/8", AccessType: model.AccessDeny, Enabled: true, Priority: 50},
		model.AccessRule{IPAddress: "10.1.0.0/16", AccessType: model.AccessAllow, Enabled: true, Priority: 5},
	)
	d := New(policy, nil)
	// More specific but lower-priority-number ALLOW rule must win over the
	// broader higher-priority-number DENY rule.
	if !d.Allowed(context.Background(), 1, net.ParseIP("10.1.2.3")) {
		t.Fatal("expected allow: lower priority number evaluates first")
	}
}

func TestAllowedGlobalAndPerRuleScoped(t *testing.T) {
	policy := sinks.NewMemoryAccessPolicy(
		model.AccessRule{RuleID: ruleID(99), IPAddress: "10.0.0.0/8", AccessType: model.AccessAllow, Enabled: true, Priority: 1},
	)
	d := New(policy, nil)
	// EffectiveRules on the fake scopes by rule id; rule 1 should see no
	// rules (different scope) and therefore fail open.
	if !d.Allowed(context.Background(), 1, net.ParseIP("1.1.1.1")) {
		t.Fatal("expected fail-open: rule-scoped entry should not apply to a different rule id")
	}
}
