package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

const (
	SyncPending         = "pending"
	SyncInProgress      = "in_progress"
	SyncSuccess         = "success"
	SyncFailed          = "failed"
	SyncConflictPending = "conflict_pending"
	SyncResolved        = "resolved"
	// SyncInvalid entries failed validation and are never replayed.
	SyncInvalid         = "invalid"
)

// ChangeLog is one captured mutation waiting to be replayed on the other nodes.
type ChangeLog struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Table         string         `gorm:"column:table_name;type:varchar(50);not null;index:idx_sync_log_record" json:"table_name"`
	RecordID      string         `gorm:"column:record_id;type:varchar(64);not null;index:idx_sync_log_record" json:"record_id"`
	Operation     string         `gorm:"type:varchar(10);not null" json:"operation"`
	ChangeData    datatypes.JSON `json:"change_data"`
	SourceNode    string         `gorm:"column:source_node;type:varchar(50);not null" json:"source_node"`
	SyncStatus    string         `gorm:"type:varchar(20);not null;default:'pending';index:idx_sync_log_status" json:"sync_status"`
	RetryCount    int            `gorm:"not null;default:0" json:"retry_count"`
	LastRetryTime *time.Time     `json:"last_retry_time,omitempty"`
	NextRetryAt   *time.Time     `gorm:"index" json:"next_retry_at,omitempty"`
	ErrorMessage  string         `gorm:"type:text" json:"error_message,omitempty"`
	SyncedNodes   datatypes.JSON `json:"synced_nodes"`
	// SkippedNodes are targets an operator chose to leave as they are.
	SkippedNodes  datatypes.JSON `json:"skipped_nodes"`
	CreatedAt     time.Time      `gorm:"index:idx_sync_log_status" json:"created_at"`
}

func (ChangeLog) TableName() string {
	return "sync_log"
}

// Synced decodes the synced_nodes column. NULL and malformed values read as empty.
func (c *ChangeLog) Synced() []string {
	return decodeNodes(c.SyncedNodes)
}

func (c *ChangeLog) Skipped() []string {
	return decodeNodes(c.SkippedNodes)
}

func (c *ChangeLog) SetSynced(nodes []string) {
	c.SyncedNodes = EncodeNodes(nodes)
}

// Data decodes change_data into a generic row. Empty payloads decode to an empty map.
func (c *ChangeLog) Data() (map[string]interface{}, error) {
	row := map[string]interface{}{}
	if len(c.ChangeData) == 0 || string(c.ChangeData) == "null" {
		return row, nil
	}
	if err := json.Unmarshal(c.ChangeData, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func EncodeNodes(nodes []string) datatypes.JSON {
	if nodes == nil {
		nodes = []string{}
	}
	b, _ := json.Marshal(nodes)
	return datatypes.JSON(b)
}

func decodeNodes(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var nodes []string
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil
	}
	return nodes
}
