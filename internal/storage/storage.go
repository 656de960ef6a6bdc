// Package storage provides GORM/SQLite-backed implementations of the
// ConnectionSink and AccessPolicy collaborator interfaces. Neither is
// required by the engine itself — internal/sinks' in-memory fakes suffice
// for that — but cmd/server wires these by default for a runnable process.
package storage

import (
	"context"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/chenchao1231/SocketRelay/internal/model"
)

// Open opens (creating if necessary) a SQLite database at path and
// migrates the connection_records and access_rules tables.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&connectionRecordModel{}, &accessRuleModel{}); err != nil {
		return nil, err
	}
	return db, nil
}

// ConnectionStore implements sinks.ConnectionSink against db.
type ConnectionStore struct {
	db *gorm.DB
}

func NewConnectionStore(db *gorm.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

func toConnectionModel(rec model.ConnectionRecord) connectionRecordModel {
	return connectionRecordModel{
		ConnectionID:    rec.ConnectionID,
		RuleID:          rec.RuleID,
		Protocol:        string(rec.Protocol),
		Status:          string(rec.Status),
		ErrorMessage:    rec.ErrorMessage,
		ClientHost:      rec.ClientHost,
		ClientPort:      rec.ClientPort,
		LocalPort:       rec.LocalPort,
		ReceivedBytes:   rec.ReceivedBytes,
		SentBytes:       rec.SentBytes,
		ReceivedPackets: rec.ReceivedPackets,
		SentPackets:     rec.SentPackets,
	}
}

func (s *ConnectionStore) Save(ctx context.Context, rec model.ConnectionRecord) {
	m := toConnectionModel(rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		log.Printf("storage: save connection %s failed: %v", rec.ConnectionID, err)
	}
}

func (s *ConnectionStore) Update(ctx context.Context, rec model.ConnectionRecord) {
	m := toConnectionModel(rec)
	if err := s.db.WithContext(ctx).Model(&connectionRecordModel{}).
		Where("connection_id = ?", rec.ConnectionID).
		Updates(&m).Error; err != nil {
		log.Printf("storage: update connection %s failed: %v", rec.ConnectionID, err)
	}
}

func (s *ConnectionStore) UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) {
	err := s.db.WithContext(ctx).Model(&connectionRecordModel{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]any{
			"received_bytes":   gorm.Expr("received_bytes + ?", rxBytes),
			"sent_bytes":       gorm.Expr("sent_bytes + ?", txBytes),
			"received_packets": gorm.Expr("received_packets + ?", rxPkts),
			"sent_packets":     gorm.Expr("sent_packets + ?", txPkts),
		}).Error
	if err != nil {
		log.Printf("storage: update traffic stats %s failed: %v", connectionID, err)
	}
}

func (s *ConnectionStore) Delete(ctx context.Context, connectionID string) {
	if err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).Delete(&connectionRecordModel{}).Error; err != nil {
		log.Printf("storage: delete connection %s failed: %v", connectionID, err)
	}
}

// AccessRuleStore implements sinks.AccessPolicy against db, returning the
// effective (global ∪ per-rule) set ordered by ascending priority, mirroring
// IpAccessRuleRepository.findEffectiveRulesForRule.
type AccessRuleStore struct {
	db *gorm.DB
}

func NewAccessRuleStore(db *gorm.DB) *AccessRuleStore {
	return &AccessRuleStore{db: db}
}

func (s *AccessRuleStore) EffectiveRules(ctx context.Context, ruleID int64) ([]model.AccessRule, error) {
	var rows []accessRuleModel
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND (rule_id IS NULL OR rule_id = ?)", true, ruleID).
		Order("priority ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]model.AccessRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.AccessRule{
			ID:          row.ID,
			RuleID:      row.RuleID,
			IPAddress:   row.IPAddress,
			AccessType:  model.AccessType(row.AccessType),
			Description: row.Description,
			Enabled:     row.Enabled,
			Priority:    row.Priority,
			CreatedBy:   row.CreatedBy,
			UpdatedBy:   row.UpdatedBy,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return out, nil
}

// Save inserts or updates an access rule.
func (s *AccessRuleStore) Save(ctx context.Context, rule model.AccessRule) error {
	row := accessRuleModel{
		ID:          rule.ID,
		RuleID:      rule.RuleID,
		IPAddress:   rule.IPAddress,
		AccessType:  string(rule.AccessType),
		Description: rule.Description,
		Enabled:     rule.Enabled,
		Priority:    rule.Priority,
		CreatedBy:   rule.CreatedBy,
		UpdatedBy:   rule.UpdatedBy,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}
