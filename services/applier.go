package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplayOptions controls how a replayed write interacts with capture triggers.
type ReplayOptions struct {
	SuppressCapture bool
}

type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeNoop     Outcome = "noop"
)

// Conflict describes why an incoming row was not written over the target row.
type Conflict struct {
	Type          string                 `json:"type"`
	Fields        []models.FieldDiff     `json:"fields"`
	TargetVersion int64                  `json:"target_version"`
	SourceVersion int64                  `json:"source_version"`
	TargetTime    string                 `json:"target_time,omitempty"`
	SourceTime    string                 `json:"source_time,omitempty"`
	TargetData    map[string]interface{} `json:"target_data"`
	SourceData    map[string]interface{} `json:"source_data"`
}

// Applier writes one change-log entry to one target node.
type Applier struct {
	pool     *database.Pool
	registry *schema.Registry
	guard    func(dialect string) (set, clear string)
}

func NewApplier(pool *database.Pool, registry *schema.Registry) *Applier {
	return &Applier{pool: pool, registry: registry, guard: captureGuard}
}

// Apply replays entry on target. Re-applying an entry that already landed is a
// no-op. A disagreement with the target row is returned as *ConflictError, an entry
// that can never be applied as *ValidationError.
func (a *Applier) Apply(ctx context.Context, entry *models.ChangeLog, target string, opts ReplayOptions) (Outcome, error) {
	t, err := a.validate(entry)
	if err != nil {
		return OutcomeNoop, err
	}
	node, err := a.pool.Get(target)
	if err != nil {
		return OutcomeNoop, err
	}
	data, err := entry.Data()
	if err != nil {
		return OutcomeNoop, &ValidationError{Field: "change_data", Reason: err.Error()}
	}
	change := a.registry.Clean(t.Name, data)

	if entry.Operation == models.OpDelete {
		return a.softDelete(ctx, node, t, entry.RecordID, opts)
	}

	incoming, ok := a.incomingRow(ctx, t, entry, change)
	if !ok {
		utils.SyncLogger.WithFields(logrus.Fields{"table": t.Name, "record": entry.RecordID}).
			Debug("No source row and no change data, nothing to apply")
		return OutcomeNoop, nil
	}
	if _, has := incoming[t.PrimaryKey]; !has {
		incoming[t.PrimaryKey] = entry.RecordID
	}
	incoming, err = a.backfill(t, entry.RecordID, incoming)
	if err != nil {
		return OutcomeNoop, err
	}

	outcome := OutcomeNoop
	err = a.inTx(ctx, node, opts, func(tx *gorm.DB) error {
		existing, found, err := fetchRow(tx, t, entry.RecordID)
		if err != nil {
			return err
		}
		if !found {
			outcome = OutcomeInserted
			return tx.Table(t.Name).Create(incoming).Error
		}

		current := a.registry.Clean(t.Name, existing)
		if sameCore(t, current, incoming) {
			return nil
		}
		if c := detectConflict(t, current, incoming); c != nil {
			return &ConflictError{Conflict: c}
		}
		changes := changedColumns(t, current, incoming)
		if len(changes) == 0 {
			return nil
		}
		outcome = OutcomeUpdated
		return tx.Table(t.Name).Where(pkEq(t, entry.RecordID)).Updates(changes).Error
	})
	if err != nil {
		return OutcomeNoop, err
	}
	return outcome, nil
}

// Replay force-writes a resolved row on node without conflict detection.
func (a *Applier) Replay(ctx context.Context, nodeName, table string, row map[string]interface{}) error {
	t, ok := a.registry.Lookup(table)
	if !ok {
		return &ValidationError{Field: "table_name", Reason: fmt.Sprintf("table %q is not replicated", table)}
	}
	node, err := a.pool.Get(nodeName)
	if err != nil {
		return err
	}
	clean := a.registry.Clean(t.Name, row)
	id, ok := schema.Canonical(clean[t.PrimaryKey], schema.KindPlain)
	if !ok || id == "" {
		return &ValidationError{Field: t.PrimaryKey, Reason: "missing primary key"}
	}
	clean, err = a.backfill(t, id, clean)
	if err != nil {
		return err
	}

	return a.inTx(ctx, node, ReplayOptions{SuppressCapture: true}, func(tx *gorm.DB) error {
		existing, found, err := fetchRow(tx, t, id)
		if err != nil {
			return err
		}
		if !found {
			return tx.Table(t.Name).Create(clean).Error
		}
		changes := changedColumns(t, a.registry.Clean(t.Name, existing), clean)
		if len(changes) == 0 {
			return nil
		}
		return tx.Table(t.Name).Where(pkEq(t, id)).Updates(changes).Error
	})
}

// Fetch reads one row by primary key from a node, including soft-deleted rows.
func (a *Applier) Fetch(ctx context.Context, nodeName, table, recordID string) (map[string]interface{}, bool, error) {
	t, ok := a.registry.Lookup(table)
	if !ok {
		return nil, false, &ValidationError{Field: "table_name", Reason: fmt.Sprintf("table %q is not replicated", table)}
	}
	node, err := a.pool.Get(nodeName)
	if err != nil {
		return nil, false, err
	}
	row, found, err := fetchRow(node.DB.WithContext(ctx), t, recordID)
	if err != nil || !found {
		return nil, found, err
	}
	return a.registry.Clean(t.Name, row), true, nil
}

func (a *Applier) validate(entry *models.ChangeLog) (*schema.Table, error) {
	t, ok := a.registry.Lookup(entry.Table)
	if !ok {
		return nil, &ValidationError{Field: "table_name", Reason: fmt.Sprintf("table %q is not replicated", entry.Table)}
	}
	id := strings.TrimSpace(entry.RecordID)
	if id == "" || id == "null" || id == "undefined" {
		return nil, &ValidationError{Field: "record_id", Reason: "empty record id"}
	}
	switch entry.Operation {
	case models.OpInsert, models.OpUpdate, models.OpDelete:
	default:
		return nil, &ValidationError{Field: "operation", Reason: fmt.Sprintf("unsupported operation %q", entry.Operation)}
	}
	return t, nil
}

// incomingRow overlays the change set on the current source row. Change data wins.
// When the source row cannot be read the change set is used alone.
func (a *Applier) incomingRow(ctx context.Context, t *schema.Table, entry *models.ChangeLog, change map[string]interface{}) (map[string]interface{}, bool) {
	source, found, err := a.Fetch(ctx, entry.SourceNode, t.Name, entry.RecordID)
	if err != nil {
		utils.SyncLogger.WithFields(logrus.Fields{"table": t.Name, "record": entry.RecordID, "source": entry.SourceNode}).
			Warnf("Source row unavailable, using change data: %v", err)
	}
	if !found {
		if len(change) == 0 {
			return nil, false
		}
		return copyRow(change), true
	}
	merged := copyRow(source)
	for k, v := range change {
		merged[k] = v
	}
	return a.registry.Clean(t.Name, merged), true
}

func (a *Applier) backfill(t *schema.Table, recordID string, row map[string]interface{}) (map[string]interface{}, error) {
	out, err := a.registry.Backfill(t.Name, recordID, row)
	if err != nil {
		var missing *schema.MissingRequiredError
		if errors.As(err, &missing) {
			return nil, &ValidationError{Field: missing.Field, Reason: "required field missing"}
		}
		return nil, err
	}
	return out, nil
}

func (a *Applier) softDelete(ctx context.Context, node *database.Node, t *schema.Table, recordID string, opts ReplayOptions) (Outcome, error) {
	outcome := OutcomeNoop
	err := a.inTx(ctx, node, opts, func(tx *gorm.DB) error {
		existing, found, err := fetchRow(tx, t, recordID)
		if err != nil {
			return err
		}
		if !found {
			utils.SyncLogger.WithFields(logrus.Fields{"table": t.Name, "record": recordID, "target": node.Name}).
				Warn("Delete target row does not exist")
			return nil
		}
		if n, ok := schema.Int(existing["is_deleted"]); ok && n == 1 {
			return nil
		}
		outcome = OutcomeDeleted
		return tx.Table(t.Name).Where(pkEq(t, recordID)).Updates(map[string]interface{}{"is_deleted": 1}).Error
	})
	if err != nil {
		return OutcomeNoop, err
	}
	return outcome, nil
}

// inTx runs fn in one transaction on node. With SuppressCapture the capture
// guard is set first and cleared last on the same connection. A guard that
// cannot be cleared fails the transaction.
func (a *Applier) inTx(ctx context.Context, node *database.Node, opts ReplayOptions, fn func(tx *gorm.DB) error) error {
	return node.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		set, clear := a.guard(node.Dialect)
		if opts.SuppressCapture && set != "" {
			if err := tx.Exec(set).Error; err != nil {
				return fmt.Errorf("set capture guard on %s: %w", node.Name, err)
			}
			defer func() {
				if cerr := tx.Exec(clear).Error; cerr != nil && err == nil {
					err = fmt.Errorf("clear capture guard on %s: %w", node.Name, cerr)
				}
			}()
		}
		return fn(tx)
	})
}

func captureGuard(dialect string) (set, clear string) {
	if dialect == config.DialectMySQL {
		return "SET @sync_in_progress = 1", "SET @sync_in_progress = NULL"
	}
	return "", ""
}

func pkEq(t *schema.Table, id string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: t.PrimaryKey}, Value: id}
}

func fetchRow(db *gorm.DB, t *schema.Table, id string) (map[string]interface{}, bool, error) {
	var rows []map[string]interface{}
	if err := db.Table(t.Name).Where(pkEq(t, id)).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("fetch %s[%s]: %w", t.Name, id, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// sameCore reports whether every core column of incoming already matches current.
func sameCore(t *schema.Table, current, incoming map[string]interface{}) bool {
	for f, v := range incoming {
		if !t.IsCore(f) {
			continue
		}
		cv, ok := current[f]
		if !ok || !schema.Equal(cv, v, t.KindOf(f)) {
			return false
		}
	}
	return true
}

// detectConflict checks, in order, for a newer target version, a later target
// update time, and differing core fields written by another node.
func detectConflict(t *schema.Table, current, incoming map[string]interface{}) *Conflict {
	c := &Conflict{TargetData: current, SourceData: incoming}
	tv, tok := schema.Int(current["sync_version"])
	sv, sok := schema.Int(incoming["sync_version"])
	c.TargetVersion, c.SourceVersion = tv, sv
	if tok && sok && tv > 0 && sv > 0 && tv > sv {
		c.Type = models.ConflictVersion
	}

	tt, tOK := schema.ParseTime(current["last_updated_time"])
	st, sOK := schema.ParseTime(incoming["last_updated_time"])
	if tOK {
		c.TargetTime = tt.Format(schema.TimestampLayout)
	}
	if sOK {
		c.SourceTime = st.Format(schema.TimestampLayout)
	}
	if c.Type == "" && tOK && sOK && tt.After(st) {
		c.Type = models.ConflictConcurrent
	}

	for f, v := range incoming {
		if !t.IsCore(f) || f == t.PrimaryKey {
			continue
		}
		cv, ok := current[f]
		if !ok || cv == nil {
			continue
		}
		if !schema.Equal(cv, v, t.KindOf(f)) {
			c.Fields = append(c.Fields, models.FieldDiff{Field: f, TargetValue: cv, SourceValue: v})
		}
	}
	sort.Slice(c.Fields, func(i, j int) bool { return c.Fields[i].Field < c.Fields[j].Field })

	if len(c.Fields) > 0 && c.Type == "" {
		ts, _ := schema.Canonical(current["db_source"], schema.KindPlain)
		ss, _ := schema.Canonical(incoming["db_source"], schema.KindPlain)
		if ts != "" && ss != "" && ts != ss {
			c.Type = models.ConflictDataMismatch
		}
	}
	if c.Type == "" {
		return nil
	}
	return c
}

func changedColumns(t *schema.Table, current, incoming map[string]interface{}) map[string]interface{} {
	changes := map[string]interface{}{}
	for f, v := range incoming {
		if f == t.PrimaryKey {
			continue
		}
		if cv, ok := current[f]; ok && schema.Equal(cv, v, t.KindOf(f)) {
			continue
		}
		changes[f] = v
	}
	return changes
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

