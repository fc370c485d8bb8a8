package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

const (
	ConflictVersion      = "version"
	ConflictConcurrent   = "concurrent"
	ConflictDataMismatch = "data_mismatch"
)

const (
	ResolvePending  = "pending"
	ResolveResolved = "resolved"
	ResolveIgnored  = "ignored"
)

const (
	ActionUseSource   = "use_source"
	ActionUseTarget   = "use_target"
	ActionManualMerge = "manual_merge"
	ActionIgnore      = "ignore"
)

// ConflictRecord keeps both sides of a disagreement until an operator resolves it.
type ConflictRecord struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ChangeLogID    uint64         `gorm:"index" json:"change_log_id"`
	Table          string         `gorm:"column:table_name;type:varchar(50);not null;index:idx_conflict_record" json:"table_name"`
	RecordID       string         `gorm:"column:record_id;type:varchar(64);not null;index:idx_conflict_record" json:"record_id"`
	SourceNode     string         `gorm:"type:varchar(50);not null" json:"source_node"`
	SourceData     datatypes.JSON `json:"source_data"`
	TargetNode     string         `gorm:"type:varchar(50);not null" json:"target_node"`
	TargetData     datatypes.JSON `json:"target_data"`
	ConflictType   string         `gorm:"type:varchar(20)" json:"conflict_type"`
	ConflictFields datatypes.JSON `json:"conflict_fields"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolveStatus  string         `gorm:"type:varchar(20);not null;default:'pending';index" json:"resolve_status"`
	ResolveAction  *string        `gorm:"type:varchar(20)" json:"resolve_action,omitempty"`
	ResolvedBy     string         `gorm:"type:varchar(100)" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Notes          string         `gorm:"type:text" json:"notes,omitempty"`
	// OpenKey is set only while the record is pending; the unique index allows many NULLs.
	OpenKey *string `gorm:"type:varchar(190);uniqueIndex" json:"-"`
}

func OpenConflictKey(table, recordID, target string) string {
	return fmt.Sprintf("%s:%s:%s", table, recordID, target)
}

// FieldDiff is one differing column between the source and target rows.
type FieldDiff struct {
	Field       string      `json:"field"`
	TargetValue interface{} `json:"existing_value"`
	SourceValue interface{} `json:"new_value"`
}

func DecodeRow(raw datatypes.JSON) map[string]interface{} {
	row := map[string]interface{}{}
	if len(raw) == 0 {
		return row
	}
	_ = json.Unmarshal(raw, &row)
	return row
}

func EncodeRow(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
