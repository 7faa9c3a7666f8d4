package domain

import "time"

// AuditAction names an accepted mutation.
type AuditAction string

const (
	AuditStart       AuditAction = "start"
	AuditDelete      AuditAction = "delete"
	AuditLock        AuditAction = "lock"
	AuditUnlock      AuditAction = "unlock"
	AuditUpload      AuditAction = "upload"
	AuditClear       AuditAction = "clear"
	AuditHighway     AuditAction = "highway_update"
	AuditHighwayUndo AuditAction = "highway_undo"
)

// AuditEntry records one accepted mutation. Status is never derived from it.
type AuditEntry struct {
	ID        string      `gorm:"type:text;primaryKey" json:"id"`
	Code      string      `gorm:"type:text;not null;index" json:"code"`
	Split     string      `gorm:"type:text" json:"split,omitempty"`
	Action    AuditAction `gorm:"type:text;not null" json:"action"`
	UserID    string      `gorm:"type:text" json:"user_id,omitempty"`
	UserName  string      `gorm:"type:text" json:"user_name,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `gorm:"index" json:"created_at"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "audit_entries"
}
