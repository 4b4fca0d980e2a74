package models

import (
	"time"
)

// AuditAction represents the type of audit action
type AuditAction string

const (
	AuditActionCreate     AuditAction = "create"
	AuditActionUpdate     AuditAction = "update"
	AuditActionDelete     AuditAction = "delete"
	AuditActionIssueKey   AuditAction = "issue_key"
	AuditActionDeactivate AuditAction = "deactivate_key"
	AuditActionPayment    AuditAction = "payment"
	AuditActionReload     AuditAction = "reload"
)

// AuditLog records a mutating API call. Rows are written only; browsing them
// belongs to the admin tooling.
type AuditLog struct {
	ID         string      `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	AccountID  string      `gorm:"column:account_id;type:uuid;index" json:"account_id"`
	Action     AuditAction `gorm:"column:action;size:50;not null;index" json:"action"`
	EntityType string      `gorm:"column:entity_type;size:50;index" json:"entity_type"`
	EntityID   string      `gorm:"column:entity_id;size:100" json:"entity_id"`
	Method     string      `gorm:"column:method;size:10" json:"method"`
	Path       string      `gorm:"column:path;size:255" json:"path"`
	Status     int         `gorm:"column:status" json:"status"`
	IPAddress  string      `gorm:"column:ip_address;size:50" json:"ip_address"`
	UserAgent  string      `gorm:"column:user_agent;size:255" json:"user_agent"`
	CreatedAt  time.Time   `gorm:"column:created_at;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
