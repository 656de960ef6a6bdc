package storage

import (
	"context"
	"testing"

	"github.com/chenchao1231/SocketRelay/internal/model"
)

func TestConnectionStoreSaveUpdateDelete(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	store := NewConnectionStore(db)
	ctx := context.Background()

	rec := model.ConnectionRecord{
		ConnectionID: "conn-1",
		RuleID:       1,
		Protocol:     model.ProtocolTCP,
		Status:       model.StatusConnected,
		ClientHost:   "1.2.3.4",
	}
	store.Save(ctx, rec)
	store.UpdateTrafficStats(ctx, "conn-1", 10, 20, 1, 2)

	var got connectionRecordModel
	if err := db.Where("connection_id = ?", "conn-1").First(&got).Error; err != nil {
		t.Fatalf("expected row to exist: %v", err)
	}
	if got.ReceivedBytes != 10 || got.SentBytes != 20 {
		t.Fatalf("unexpected traffic stats: %+v", got)
	}

	store.Delete(ctx, "conn-1")
	if err := db.Where("connection_id = ?", "conn-1").First(&got).Error; err == nil {
		t.Fatal("expected row to be deleted")
	}
}

func TestAccessRuleStoreEffectiveRulesOrdering(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	store := NewAccessRuleStore(db)
	ctx := context.Background()

	ruleID := int64(5)
	if err := store.Save(ctx, model.AccessRule{IPAddress: "10.0.0.0/8", AccessType: model.AccessDeny, Enabled: true, Priority: 50}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, model.AccessRule{RuleID: &ruleID, IPAddress: "10.1.0.0/16", AccessType: model.AccessAllow, Enabled: true, Priority: 5}); err != nil {
		t.Fatal(err)
	}

	rules, err := store.EffectiveRules(ctx, ruleID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 effective rules (1 global + 1 scoped), got %d", len(rules))
	}
	if rules[0].Priority > rules[1].Priority {
		t.Fatalf("expected ascending priority order, got %+v", rules)
	}
}
