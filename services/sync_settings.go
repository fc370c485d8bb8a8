package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm/clause"
)

// tunable keys may be changed through Update; role keys are owned by switches.
var tunableKeys = map[string]string{
	models.ConfigSyncEnabled:  "whether the sync worker runs",
	models.ConfigBatchSize:    "entries selected per batch",
	models.ConfigMaxRetries:   "attempts before an entry is exhausted",
	models.ConfigSyncInterval: "worker interval in milliseconds",
}

// SyncSettings keeps the worker knobs in the primary's sync_config table.
type SyncSettings struct {
	pool    *database.Pool
	primary PrimaryResolver
	worker  *SyncWorker
}

func NewSyncSettings(pool *database.Pool, primary PrimaryResolver, worker *SyncWorker) *SyncSettings {
	return &SyncSettings{pool: pool, primary: primary, worker: worker}
}

// Seed inserts the current worker settings on every reachable node where a key
// is missing. Existing values are left alone.
func (s *SyncSettings) Seed(ctx context.Context) {
	rows := s.rows(s.worker.Settings())
	for _, name := range s.pool.Names() {
		n, _ := s.pool.Get(name)
		cctx, cancel := s.pool.WithTimeout(ctx)
		err := n.DB.WithContext(cctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
		cancel()
		if err != nil {
			utils.InfoLogger.Warnf("Cannot seed sync_config on %s: %v", name, err)
		}
	}
}

// Load reads the primary's stored settings into the worker.
func (s *SyncSettings) Load(ctx context.Context) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.ConfigKey] = e.ConfigValue
	}
	next, err := applyValues(s.worker.Settings(), values)
	if err != nil {
		return err
	}
	s.worker.UpdateSettings(next)
	return nil
}

func (s *SyncSettings) List(ctx context.Context) ([]models.SyncConfigEntry, error) {
	primary, err := s.primary.Primary(ctx)
	if err != nil {
		return nil, err
	}
	var entries []models.SyncConfigEntry
	err = primary.DB.WithContext(ctx).Order("config_key").Find(&entries).Error
	return entries, err
}

// Update validates every value before writing any, stores them on the primary
// and applies them to the running worker.
func (s *SyncSettings) Update(ctx context.Context, values map[string]string, operator string) (WorkerSettings, error) {
	if len(values) == 0 {
		return WorkerSettings{}, &ValidationError{Field: "configs", Reason: "no values given"}
	}
	for key := range values {
		if _, ok := tunableKeys[key]; !ok {
			return WorkerSettings{}, &ValidationError{Field: key, Reason: "not a tunable setting"}
		}
	}
	next, err := applyValues(s.worker.Settings(), values)
	if err != nil {
		return WorkerSettings{}, err
	}

	primary, err := s.primary.Primary(ctx)
	if err != nil {
		return WorkerSettings{}, err
	}
	rows := make([]models.SyncConfigEntry, 0, len(values))
	for _, key := range sortedKeys(values) {
		rows = append(rows, models.SyncConfigEntry{ConfigKey: key, ConfigValue: values[key], Description: tunableKeys[key]})
	}
	err = primary.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_value", "last_updated"}),
	}).Create(&rows).Error
	if err != nil {
		return WorkerSettings{}, fmt.Errorf("store settings on %s: %w", primary.Name, err)
	}

	s.worker.UpdateSettings(next)
	utils.InfoLogger.Infof("Sync configuration updated by %s: %v", operator, values)
	return next, nil
}

func (s *SyncSettings) rows(ws WorkerSettings) []models.SyncConfigEntry {
	values := map[string]string{
		models.ConfigSyncEnabled:  strconv.FormatBool(ws.Enabled),
		models.ConfigBatchSize:    strconv.Itoa(ws.BatchSize),
		models.ConfigMaxRetries:   strconv.Itoa(ws.MaxRetries),
		models.ConfigSyncInterval: strconv.FormatInt(ws.Interval.Milliseconds(), 10),
	}
	rows := make([]models.SyncConfigEntry, 0, len(values))
	for _, key := range sortedKeys(values) {
		rows = append(rows, models.SyncConfigEntry{ConfigKey: key, ConfigValue: values[key], Description: tunableKeys[key]})
	}
	return rows
}

// applyValues overlays stored string values on ws. Unknown keys are ignored.
func applyValues(ws WorkerSettings, values map[string]string) (WorkerSettings, error) {
	for key, raw := range values {
		switch key {
		case models.ConfigSyncEnabled:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return ws, &ValidationError{Field: key, Reason: "must be true or false"}
			}
			ws.Enabled = b
		case models.ConfigBatchSize:
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				return ws, &ValidationError{Field: key, Reason: "must be between 1 and 1000"}
			}
			ws.BatchSize = n
		case models.ConfigMaxRetries:
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return ws, &ValidationError{Field: key, Reason: "must be at least 1"}
			}
			ws.MaxRetries = n
		case models.ConfigSyncInterval:
			ms, err := strconv.Atoi(raw)
			if err != nil || ms < 1000 {
				return ws, &ValidationError{Field: key, Reason: "must be at least 1000 milliseconds"}
			}
			ws.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	return ws, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
