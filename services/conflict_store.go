package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

type ConflictFilter struct {
	Table  string
	Status string
	Page   int
	Limit  int
}

// ConflictStore keeps at most one pending record per (table, record, target).
type ConflictStore struct{}

func NewConflictStore() *ConflictStore {
	return &ConflictStore{}
}

// Record stores a detected conflict. An open record for the same key is refreshed
// instead of duplicated; created reports whether a new row was inserted.
func (s *ConflictStore) Record(ctx context.Context, db *gorm.DB, entry *models.ChangeLog, target string, c *Conflict) (*models.ConflictRecord, bool, error) {
	key := models.OpenConflictKey(entry.Table, entry.RecordID, target)
	now := time.Now()

	existing, err := s.findOpen(ctx, db, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return s.refresh(ctx, db, existing, entry, c, now)
	}

	rec := &models.ConflictRecord{
		ChangeLogID:    entry.ID,
		Table:          entry.Table,
		RecordID:       entry.RecordID,
		SourceNode:     entry.SourceNode,
		SourceData:     models.EncodeRow(c.SourceData),
		TargetNode:     target,
		TargetData:     models.EncodeRow(c.TargetData),
		ConflictType:   c.Type,
		ConflictFields: models.EncodeRow(c.Fields),
		DetectedAt:     now,
		ResolveStatus:  models.ResolvePending,
		OpenKey:        &key,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// A concurrent writer may have opened the same key first.
		if raced, findErr := s.findOpen(ctx, db, key); findErr == nil && raced != nil {
			return s.refresh(ctx, db, raced, entry, c, now)
		}
		return nil, false, fmt.Errorf("create conflict record: %w", err)
	}
	return rec, true, nil
}

func (s *ConflictStore) refresh(ctx context.Context, db *gorm.DB, rec *models.ConflictRecord, entry *models.ChangeLog, c *Conflict, now time.Time) (*models.ConflictRecord, bool, error) {
	rec.ChangeLogID = entry.ID
	rec.SourceNode = entry.SourceNode
	rec.SourceData = models.EncodeRow(c.SourceData)
	rec.TargetData = models.EncodeRow(c.TargetData)
	rec.ConflictType = c.Type
	rec.ConflictFields = models.EncodeRow(c.Fields)
	rec.DetectedAt = now
	err := db.WithContext(ctx).Model(&models.ConflictRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"change_log_id":   rec.ChangeLogID,
		"source_node":     rec.SourceNode,
		"source_data":     rec.SourceData,
		"target_data":     rec.TargetData,
		"conflict_type":   rec.ConflictType,
		"conflict_fields": rec.ConflictFields,
		"detected_at":     rec.DetectedAt,
	}).Error
	if err != nil {
		return nil, false, fmt.Errorf("refresh conflict record %d: %w", rec.ID, err)
	}
	utils.SyncLogger.Debugf("Conflict %d refreshed for %s", rec.ID, *rec.OpenKey)
	return rec, false, nil
}

func (s *ConflictStore) findOpen(ctx context.Context, db *gorm.DB, key string) (*models.ConflictRecord, error) {
	var recs []models.ConflictRecord
	err := db.WithContext(ctx).Where("open_key = ? AND resolve_status = ?", key, models.ResolvePending).
		Order("id").Limit(1).Find(&recs).Error
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *ConflictStore) Get(ctx context.Context, db *gorm.DB, id uint64) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	if err := db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List returns conflicts newest first. Status defaults to pending; "all" disables the filter.
func (s *ConflictStore) List(ctx context.Context, db *gorm.DB, f ConflictFilter) ([]models.ConflictRecord, utils.Pagination, error) {
	page, limit := normalizePage(f.Page, f.Limit)
	q := db.WithContext(ctx).Model(&models.ConflictRecord{})
	if f.Table != "" {
		q = q.Where("table_name = ?", f.Table)
	}
	switch f.Status {
	case "":
		q = q.Where("resolve_status = ?", models.ResolvePending)
	case "all":
	default:
		q = q.Where("resolve_status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, utils.Pagination{}, err
	}
	var recs []models.ConflictRecord
	if err := q.Order("detected_at DESC").Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&recs).Error; err != nil {
		return nil, utils.Pagination{}, err
	}
	return recs, utils.NewPagination(page, limit, total), nil
}

// Close moves a pending record to resolved or ignored and releases its open key.
func (s *ConflictStore) Close(ctx context.Context, db *gorm.DB, rec *models.ConflictRecord, status, action, operator, notes string) error {
	now := time.Now()
	res := db.WithContext(ctx).Model(&models.ConflictRecord{}).
		Where("id = ? AND resolve_status = ?", rec.ID, models.ResolvePending).
		Updates(map[string]interface{}{
			"resolve_status": status,
			"resolve_action": action,
			"resolved_by":    operator,
			"resolved_at":    now,
			"notes":          notes,
			"open_key":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("close conflict %d: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflictClosed
	}
	rec.ResolveStatus = status
	rec.ResolveAction = &action
	rec.ResolvedBy = operator
	rec.ResolvedAt = &now
	rec.Notes = notes
	rec.OpenKey = nil
	return nil
}

// OpenForEntry counts pending conflicts raised by a change-log entry.
func (s *ConflictStore) OpenForEntry(ctx context.Context, db *gorm.DB, changeLogID uint64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.ConflictRecord{}).
		Where("change_log_id = ? AND resolve_status = ?", changeLogID, models.ResolvePending).
		Count(&n).Error
	return n, err
}
