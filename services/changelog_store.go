package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendRequest is the collaborator-facing shape of a captured mutation.
type AppendRequest struct {
	TableName  string                 `json:"table_name" validate:"required"`
	RecordID   string                 `json:"record_id" validate:"required"`
	Operation  string                 `json:"operation" validate:"required,oneof=INSERT UPDATE DELETE"`
	ChangeData map[string]interface{} `json:"change_data"`
	SourceNode string                 `json:"source_node" validate:"required"`
}

type LogFilter struct {
	Table      string
	Operation  string
	Status     string
	SourceNode string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
	SortBy     string
	SortDesc   bool
}

// SyncStats summarizes the change log.
type SyncStats struct {
	ByStatus      map[string]int64 `json:"by_status"`
	Total         int64            `json:"total"`
	Pending       int64            `json:"pending"`
	Exhausted     int64            `json:"exhausted"`
	OpenConflicts int64            `json:"open_conflicts"`
}

var logSortColumns = map[string]bool{"id": true, "created_at": true, "retry_count": true}

const maxPageLimit = 100

// ChangeLogStore reads and writes sync_log rows on a given node.
type ChangeLogStore struct {
	pool     *database.Pool
	registry *schema.Registry
	validate *validator.Validate
}

func NewChangeLogStore(pool *database.Pool, registry *schema.Registry) *ChangeLogStore {
	return &ChangeLogStore{pool: pool, registry: registry, validate: validator.New()}
}

// Append validates a mutation and stores it as a pending entry.
func (s *ChangeLogStore) Append(ctx context.Context, db *gorm.DB, req AppendRequest) (uint64, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return 0, &ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return 0, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if _, ok := s.registry.Lookup(req.TableName); !ok {
		return 0, &ValidationError{Field: "table_name", Reason: fmt.Sprintf("table %q is not replicated", req.TableName)}
	}
	if !s.pool.Has(req.SourceNode) {
		return 0, &ValidationError{Field: "source_node", Reason: fmt.Sprintf("node %q is not configured", req.SourceNode)}
	}

	entry := models.ChangeLog{
		Table:        req.TableName,
		RecordID:     req.RecordID,
		Operation:    req.Operation,
		ChangeData:   models.EncodeRow(nonNilRow(req.ChangeData)),
		SourceNode:   req.SourceNode,
		SyncStatus:   models.SyncPending,
		SyncedNodes:  models.EncodeNodes(nil),
		SkippedNodes: models.EncodeNodes(nil),
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return entry.ID, nil
}

// Pending selects entries eligible for replay: pending or failed, under the retry
// limit, due, and not in exclude. Oldest first.
func (s *ChangeLogStore) Pending(ctx context.Context, db *gorm.DB, limit, maxRetries int, exclude []uint64, now time.Time) ([]models.ChangeLog, error) {
	q := db.WithContext(ctx).
		Where("sync_status IN ?", []string{models.SyncPending, models.SyncFailed}).
		Where("retry_count < ?", maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var entries []models.ChangeLog
	err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (s *ChangeLogStore) Get(ctx context.Context, db *gorm.DB, id uint64) (*models.ChangeLog, error) {
	var entry models.ChangeLog
	if err := db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *ChangeLogStore) MarkInProgress(ctx context.Context, db *gorm.DB, id uint64) error {
	return s.update(ctx, db, id, map[string]interface{}{"sync_status": models.SyncInProgress})
}

func (s *ChangeLogStore) MarkSuccess(ctx context.Context, db *gorm.DB, id uint64, synced []string) error {
	return s.update(ctx, db, id, map[string]interface{}{
		"sync_status":   models.SyncSuccess,
		"synced_nodes":  models.EncodeNodes(synced),
		"error_message": "",
		"next_retry_at": nil,
	})
}

// MarkFailed records a retryable failure. retryCount is the new count.
func (s *ChangeLogStore) MarkFailed(ctx context.Context, db *gorm.DB, id uint64, retryCount int, msg string, synced []string, nextRetry *time.Time, now time.Time) error {
	return s.update(ctx, db, id, map[string]interface{}{
		"sync_status":     models.SyncFailed,
		"retry_count":     retryCount,
		"error_message":   msg,
		"last_retry_time": now,
		"next_retry_at":   nextRetry,
		"synced_nodes":    models.EncodeNodes(synced),
	})
}

func (s *ChangeLogStore) MarkConflict(ctx context.Context, db *gorm.DB, id uint64, msg string, synced []string) error {
	return s.update(ctx, db, id, map[string]interface{}{
		"sync_status":   models.SyncConflictPending,
		"error_message": msg,
		"synced_nodes":  models.EncodeNodes(synced),
	})
}

func (s *ChangeLogStore) MarkResolved(ctx context.Context, db *gorm.DB, id uint64, synced []string) error {
	return s.update(ctx, db, id, map[string]interface{}{
		"sync_status":  models.SyncResolved,
		"synced_nodes": models.EncodeNodes(synced),
	})
}

// MarkInvalid parks an entry that can never be applied. Invalid entries are
// not selected again whatever max_retries becomes.
func (s *ChangeLogStore) MarkInvalid(ctx context.Context, db *gorm.DB, id uint64, msg string, synced []string, now time.Time) error {
	return s.update(ctx, db, id, map[string]interface{}{
		"sync_status":     models.SyncInvalid,
		"error_message":   msg,
		"last_retry_time": now,
		"next_retry_at":   nil,
		"synced_nodes":    models.EncodeNodes(synced),
	})
}

// Settle closes an entry once none of its conflicts are open. It becomes
// resolved when every non-source node is synced or skipped. Otherwise it goes
// back to failed so the worker retries the nodes still missing.
func (s *ChangeLogStore) Settle(ctx context.Context, db *gorm.DB, entry *models.ChangeLog) (string, error) {
	synced, skipped := entry.Synced(), entry.Skipped()
	missing := s.pool.Others(append(append([]string{entry.SourceNode}, synced...), skipped...)...)
	fields := map[string]interface{}{
		"synced_nodes":  models.EncodeNodes(synced),
		"skipped_nodes": models.EncodeNodes(skipped),
	}
	status := models.SyncResolved
	if len(missing) > 0 {
		status = models.SyncFailed
		fields["error_message"] = "awaiting retry on: " + strings.Join(missing, ", ")
		fields["next_retry_at"] = nil
	}
	fields["sync_status"] = status
	if err := s.update(ctx, db, entry.ID, fields); err != nil {
		return "", err
	}
	return status, nil
}

// AddSynced merges nodes into an entry's synced_nodes without changing its status.
func (s *ChangeLogStore) AddSynced(ctx context.Context, db *gorm.DB, id uint64, nodes ...string) ([]string, error) {
	entry, err := s.AddTargets(ctx, db, id, nodes, nil)
	if err != nil {
		return nil, err
	}
	return entry.Synced(), nil
}

// AddTargets merges synced and skipped nodes into an entry and returns it updated.
func (s *ChangeLogStore) AddTargets(ctx context.Context, db *gorm.DB, id uint64, synced, skipped []string) (*models.ChangeLog, error) {
	entry, err := s.Get(ctx, db, id)
	if err != nil {
		return nil, err
	}
	entry.SetSynced(mergeNodes(entry.Synced(), synced))
	entry.SkippedNodes = models.EncodeNodes(mergeNodes(entry.Skipped(), skipped))
	if err := s.update(ctx, db, id, map[string]interface{}{
		"synced_nodes":  entry.SyncedNodes,
		"skipped_nodes": entry.SkippedNodes,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *ChangeLogStore) update(ctx context.Context, db *gorm.DB, id uint64, fields map[string]interface{}) error {
	err := db.WithContext(ctx).Model(&models.ChangeLog{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update sync log %d: %w", id, err)
	}
	return nil
}

// List pages through the change log. Unknown sort columns fall back to id.
func (s *ChangeLogStore) List(ctx context.Context, db *gorm.DB, f LogFilter) ([]models.ChangeLog, utils.Pagination, error) {
	page, limit := normalizePage(f.Page, f.Limit)

	q := db.WithContext(ctx).Model(&models.ChangeLog{})
	if f.Table != "" {
		q = q.Where("table_name = ?", f.Table)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	if f.Status != "" {
		q = q.Where("sync_status = ?", f.Status)
	}
	if f.SourceNode != "" {
		q = q.Where("source_node = ?", f.SourceNode)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, utils.Pagination{}, err
	}

	sortBy := f.SortBy
	if !logSortColumns[sortBy] {
		sortBy = "id"
	}
	var entries []models.ChangeLog
	err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: sortBy}, Desc: f.SortDesc}).
		Offset((page - 1) * limit).Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, utils.Pagination{}, err
	}
	return entries, utils.NewPagination(page, limit, total), nil
}

// Stats counts entries by status. Exhausted entries are failed ones at the retry
// limit plus invalid ones.
func (s *ChangeLogStore) Stats(ctx context.Context, db *gorm.DB, maxRetries int) (SyncStats, error) {
	stats := SyncStats{ByStatus: map[string]int64{}}

	var rows []struct {
		SyncStatus string
		Count      int64
	}
	err := db.WithContext(ctx).Model(&models.ChangeLog{}).
		Select("sync_status, COUNT(*) AS count").
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("count sync log: %w", err)
	}
	for _, r := range rows {
		stats.ByStatus[r.SyncStatus] = r.Count
		stats.Total += r.Count
	}

	if err := db.WithContext(ctx).Model(&models.ChangeLog{}).
		Where("sync_status IN ? AND retry_count < ?", []string{models.SyncPending, models.SyncFailed}, maxRetries).
		Count(&stats.Pending).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Model(&models.ChangeLog{}).
		Where("(sync_status = ? AND retry_count >= ?) OR sync_status = ?", models.SyncFailed, maxRetries, models.SyncInvalid).
		Count(&stats.Exhausted).Error; err != nil {
		return stats, err
	}
	if err := db.WithContext(ctx).Model(&models.ConflictRecord{}).
		Where("resolve_status = ?", models.ResolvePending).
		Count(&stats.OpenConflicts).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// Cleanup deletes entries older than days, optionally only those in status.
// Pending and in-flight entries are never removed.
func (s *ChangeLogStore) Cleanup(ctx context.Context, db *gorm.DB, days int, status string, now time.Time) (int64, error) {
	if days < 1 || days > 365 {
		return 0, &ValidationError{Field: "days", Reason: "must be between 1 and 365"}
	}
	switch status {
	case "", models.SyncSuccess, models.SyncFailed, models.SyncResolved, models.SyncInvalid:
	default:
		return 0, &ValidationError{Field: "status", Reason: fmt.Sprintf("cannot clean up %q entries", status)}
	}

	cutoff := now.AddDate(0, 0, -days)
	q := db.WithContext(ctx).Where("created_at < ?", cutoff)
	if status != "" {
		q = q.Where("sync_status = ?", status)
	} else {
		q = q.Where("sync_status IN ?", []string{models.SyncSuccess, models.SyncFailed, models.SyncResolved, models.SyncInvalid})
	}
	res := q.Delete(&models.ChangeLog{})
	return res.RowsAffected, res.Error
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func nonNilRow(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return map[string]interface{}{}
	}
	return row
}

// mergeNodes unions b into a, keeping a's order.
func mergeNodes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// CountPending counts entries that are eligible for replay at now.
func (s *ChangeLogStore) CountPending(ctx context.Context, db *gorm.DB, maxRetries int, now time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.ChangeLog{}).
		Where("sync_status IN ?", []string{models.SyncPending, models.SyncFailed}).
		Where("retry_count < ?", maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Count(&n).Error
	return n, err
}

// RequeueInProgress returns entries stranded in_progress by an interrupted run
// to pending.
func (s *ChangeLogStore) RequeueInProgress(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Model(&models.ChangeLog{}).
		Where("sync_status = ?", models.SyncInProgress).
		Update("sync_status", models.SyncPending)
	return res.RowsAffected, res.Error
}
