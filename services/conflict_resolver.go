package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

type ResolveRequest struct {
	Action     string
	ManualData map[string]interface{}
	Operator   string
	Notes      string
}

type BatchItem struct {
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type BatchResult struct {
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	Items        []BatchItem `json:"items"`
}

// ConflictResolver applies operator decisions to recorded conflicts.
type ConflictResolver struct {
	primary   PrimaryResolver
	logs      *ChangeLogStore
	conflicts *ConflictStore
	applier   *Applier
	hub       events.Broadcaster
}

func NewConflictResolver(primary PrimaryResolver, logs *ChangeLogStore, conflicts *ConflictStore, applier *Applier, hub events.Broadcaster) *ConflictResolver {
	if hub == nil {
		hub = events.Discard{}
	}
	return &ConflictResolver{primary: primary, logs: logs, conflicts: conflicts, applier: applier, hub: hub}
}

func (r *ConflictResolver) Get(ctx context.Context, id uint64) (*models.ConflictRecord, error) {
	primary, err := r.primary.Primary(ctx)
	if err != nil {
		return nil, err
	}
	return r.conflicts.Get(ctx, primary.DB, id)
}

func (r *ConflictResolver) List(ctx context.Context, f ConflictFilter) ([]models.ConflictRecord, utils.Pagination, error) {
	primary, err := r.primary.Primary(ctx)
	if err != nil {
		return nil, utils.Pagination{}, err
	}
	return r.conflicts.List(ctx, primary.DB, f)
}

// Resolve applies one action to a pending conflict and closes it.
func (r *ConflictResolver) Resolve(ctx context.Context, id uint64, req ResolveRequest) (*models.ConflictRecord, error) {
	if !validAction(req.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if req.Action == models.ActionManualMerge && len(req.ManualData) == 0 {
		return nil, ErrManualDataRequired
	}

	primary, err := r.primary.Primary(ctx)
	if err != nil {
		return nil, err
	}
	db := primary.DB

	rec, err := r.conflicts.Get(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if rec.ResolveStatus != models.ResolvePending {
		return nil, ErrConflictClosed
	}

	// synced targets now hold the source's write; skipped ones keep their own row.
	var synced, skipped []string
	switch req.Action {
	case models.ActionUseSource:
		if err := r.applier.Replay(ctx, rec.TargetNode, rec.Table, models.DecodeRow(rec.SourceData)); err != nil {
			return nil, fmt.Errorf("replay source data to %s: %w", rec.TargetNode, err)
		}
		synced = []string{rec.TargetNode}
	case models.ActionManualMerge:
		row := models.DecodeRow(rec.SourceData)
		for k, v := range req.ManualData {
			row[k] = v
		}
		if err := r.applier.Replay(ctx, rec.TargetNode, rec.Table, row); err != nil {
			return nil, fmt.Errorf("apply merged data to %s: %w", rec.TargetNode, err)
		}
		synced = []string{rec.TargetNode}
	case models.ActionUseTarget, models.ActionIgnore:
		skipped = []string{rec.TargetNode}
	}

	status := models.ResolveResolved
	if req.Action == models.ActionIgnore {
		status = models.ResolveIgnored
	}
	if err := r.conflicts.Close(ctx, db, rec, status, req.Action, req.Operator, req.Notes); err != nil {
		return nil, err
	}

	if err := r.settleEntry(ctx, db, rec, synced, skipped); err != nil {
		utils.SyncLogger.WithField("conflict_id", rec.ID).Warnf("Conflict closed but change log not updated: %v", err)
	}

	utils.SyncLogger.WithFields(logrus.Fields{
		"conflict_id": rec.ID,
		"table":       rec.Table,
		"record":      rec.RecordID,
		"action":      req.Action,
		"operator":    req.Operator,
	}).Info("Conflict resolved")
	r.hub.Broadcast(events.EventConflictResolved, rec)
	return rec, nil
}

// settleEntry records the decided target on the originating entry. Once no
// conflicts remain open the entry is resolved, or requeued when other targets
// still lack the write.
func (r *ConflictResolver) settleEntry(ctx context.Context, db *gorm.DB, rec *models.ConflictRecord, synced, skipped []string) error {
	entries, err := r.originatingEntries(ctx, db, rec)
	if err != nil {
		return err
	}
	for _, e := range entries {
		entry, err := r.logs.AddTargets(ctx, db, e.ID, synced, skipped)
		if err != nil {
			return err
		}
		open, err := r.conflicts.OpenForEntry(ctx, db, entry.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			continue
		}
		status, err := r.logs.Settle(ctx, db, entry)
		if err != nil {
			return err
		}
		if status != models.SyncResolved {
			utils.SyncLogger.WithFields(logrus.Fields{"log_id": entry.ID, "table": entry.Table, "record": entry.RecordID}).
				Info("Conflicts settled, remaining targets queued for retry")
		}
	}
	return nil
}

// Conflicts recorded without a change-log id fall back to the table/record match.
func (r *ConflictResolver) originatingEntries(ctx context.Context, db *gorm.DB, rec *models.ConflictRecord) ([]models.ChangeLog, error) {
	if rec.ChangeLogID != 0 {
		entry, err := r.logs.Get(ctx, db, rec.ChangeLogID)
		if errors.Is(err, ErrLogNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if entry.SyncStatus != models.SyncConflictPending {
			return nil, nil
		}
		return []models.ChangeLog{*entry}, nil
	}
	var entries []models.ChangeLog
	err := db.WithContext(ctx).
		Where("table_name = ? AND record_id = ? AND sync_status = ?", rec.Table, rec.RecordID, models.SyncConflictPending).
		Find(&entries).Error
	return entries, err
}

// BatchResolve applies the same action to every id. Failures are reported per item.
func (r *ConflictResolver) BatchResolve(ctx context.Context, ids []uint64, action, notes, operator string) (BatchResult, error) {
	if !validAction(action) || action == models.ActionManualMerge {
		return BatchResult{}, fmt.Errorf("%w: %q cannot be used in a batch", ErrInvalidAction, action)
	}
	result := BatchResult{Items: make([]BatchItem, 0, len(ids))}
	for _, id := range ids {
		_, err := r.Resolve(ctx, id, ResolveRequest{Action: action, Operator: operator, Notes: notes})
		item := BatchItem{ID: id, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			result.FailureCount++
		} else {
			result.SuccessCount++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func validAction(action string) bool {
	switch action {
	case models.ActionUseSource, models.ActionUseTarget, models.ActionManualMerge, models.ActionIgnore:
		return true
	}
	return false
}
