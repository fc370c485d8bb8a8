package models

import "time"

const (
	ConfigSyncEnabled   = "sync_enabled"
	ConfigBatchSize     = "batch_size"
	ConfigMaxRetries    = "max_retries"
	ConfigSyncInterval  = "sync_interval"
	ConfigIsMaster      = "is_master_database"
	ConfigDatabaseRole  = "database_role"
	ConfigSyncDirection = "sync_direction"
)

type SyncConfigEntry struct {
	ConfigKey   string    `gorm:"primaryKey;type:varchar(64)" json:"config_key"`
	ConfigValue string    `gorm:"type:varchar(255);not null" json:"config_value"`
	Description string    `gorm:"type:varchar(255)" json:"description"`
	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}

func (SyncConfigEntry) TableName() string {
	return "sync_config"
}
