package storage

import "time"

// connectionRecordModel is the GORM row shape for a ConnectionRecord,
// matching the teacher's internal/storage/filter convention of a dedicated
// *Model type per table rather than persisting the domain struct directly.
type connectionRecordModel struct {
	ConnectionID    string `gorm:"primaryKey;column:connection_id"`
	RuleID          int64  `gorm:"column:rule_id;index"`
	Protocol        string `gorm:"column:protocol"`
	Status          string `gorm:"column:status"`
	ErrorMessage    string `gorm:"column:error_message"`
	ClientHost      string `gorm:"column:client_host"`
	ClientPort      int    `gorm:"column:client_port"`
	LocalPort       int    `gorm:"column:local_port"`
	ReceivedBytes   int64  `gorm:"column:received_bytes"`
	SentBytes       int64  `gorm:"column:sent_bytes"`
	ReceivedPackets int64  `gorm:"column:received_packets"`
	SentPackets     int64  `gorm:"column:sent_packets"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (connectionRecordModel) TableName() string { return "connection_records" }

// accessRuleModel is the GORM row shape for an AccessRule.
type accessRuleModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement;column:id"`
	RuleID      *int64 `gorm:"column:rule_id;index"`
	IPAddress   string `gorm:"column:ip_address"`
	AccessType  string `gorm:"column:access_type"`
	Description string `gorm:"column:description"`
	Enabled     bool   `gorm:"column:enabled"`
	Priority    int    `gorm:"column:priority"`
	CreatedBy   string `gorm:"column:created_by"`
	UpdatedBy   string `gorm:"column:updated_by"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (accessRuleModel) TableName() string { return "access_rules" }
