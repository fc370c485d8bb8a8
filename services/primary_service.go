package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/clause"
)

const (
	StateStable    = "stable"
	StateSwitching = "switching"
	StateFailed    = "failed"
)

const slowResponse = time.Second

type NodeHealth struct {
	Node           string           `json:"node"`
	Status         string           `json:"status"`
	Healthy        bool             `json:"healthy"`
	ResponseTimeMs int64            `json:"response_time_ms"`
	HasAllTables   bool             `json:"has_all_tables"`
	MissingTables  []string         `json:"missing_tables,omitempty"`
	RowCounts      map[string]int64 `json:"row_counts,omitempty"`
	Error          string           `json:"error,omitempty"`
	CheckedAt      time.Time        `json:"checked_at"`
}

type TableConsistency struct {
	Table       string `json:"table"`
	Status      string `json:"status"` // match, mismatch, error
	SourceCount int64  `json:"source_count"`
	TargetCount int64  `json:"target_count"`
	Difference  int64  `json:"difference"`
	Error       string `json:"error,omitempty"`
}

type ConsistencyReport struct {
	Source           string             `json:"source"`
	Target           string             `json:"target"`
	Consistent       bool               `json:"consistent"`
	TotalTables      int                `json:"total_tables"`
	ConsistentTables int                `json:"consistent_tables"`
	Tables           []TableConsistency `json:"tables"`
	CheckedAt        time.Time          `json:"checked_at"`
}

type SwitchOptions struct {
	Force                bool
	SkipConsistencyCheck bool
	Reason               string
	Operator             string
}

type SwitchResult struct {
	Previous    string             `json:"previous"`
	Current     string             `json:"current"`
	SwitchID    string             `json:"switch_id"`
	Consistency *ConsistencyReport `json:"consistency_report,omitempty"`
}

type PreCheckResult struct {
	Target          string             `json:"target"`
	Current         string             `json:"current"`
	CanSwitch       bool               `json:"can_switch"`
	Health          NodeHealth         `json:"health"`
	Consistency     *ConsistencyReport `json:"consistency,omitempty"`
	Warnings        []string           `json:"warnings"`
	Recommendations []string           `json:"recommendations"`
}

type Overview struct {
	CurrentPrimary string         `json:"current_primary"`
	State          string         `json:"state"`
	Nodes          []string       `json:"nodes"`
	Health         []NodeHealth   `json:"health"`
	RecentSwitches []SwitchRecord `json:"recent_switches"`
	LastSwitchTime *time.Time     `json:"last_switch_time"`
}

// PrimaryService owns the primary designation: health and consistency checks,
// switch and rollback.
type PrimaryService struct {
	pool     *database.Pool
	registry *schema.Registry
	store    *DesignationStore
	hub      events.Broadcaster
	metrics  *Metrics
	caches   []*PrimaryCache
	worker   *SyncWorker

	switchMu sync.Mutex
	stateMu  sync.RWMutex
	state    string
}

func NewPrimaryService(pool *database.Pool, registry *schema.Registry, store *DesignationStore, hub events.Broadcaster, metrics *Metrics) *PrimaryService {
	if hub == nil {
		hub = events.Discard{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	p := &PrimaryService{pool: pool, registry: registry, store: store, hub: hub, metrics: metrics, state: StateStable}
	metrics.SetPrimary(pool.Names(), store.Current())
	return p
}

// WatchCache registers a cache to invalidate whenever the primary changes.
func (p *PrimaryService) WatchCache(c *PrimaryCache) {
	p.caches = append(p.caches, c)
}

func (p *PrimaryService) AttachWorker(w *SyncWorker) {
	p.worker = w
}

func (p *PrimaryService) Current() string {
	return p.store.Current()
}

func (p *PrimaryService) Nodes() []string {
	return p.pool.Names()
}

func (p *PrimaryService) State() string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *PrimaryService) setState(s string) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

func (p *PrimaryService) History(limit int) []SwitchRecord {
	return p.store.History(limit)
}

// HealthCheck never fails: connectivity problems are reported as unhealthy.
func (p *PrimaryService) HealthCheck(ctx context.Context, node string) (NodeHealth, error) {
	h := NodeHealth{Node: node, Status: "unhealthy", CheckedAt: time.Now()}
	n, err := p.pool.Get(node)
	if err != nil {
		return h, err
	}

	latency, err := p.pool.Ping(ctx, node)
	h.ResponseTimeMs = latency.Milliseconds()
	if err != nil {
		h.Error = err.Error()
		p.metrics.RecordHealth(node, false, latency)
		return h, nil
	}

	ctx, cancel := p.pool.WithTimeout(ctx)
	defer cancel()
	db := n.DB.WithContext(ctx)
	h.RowCounts = map[string]int64{}
	for _, table := range p.registry.Names() {
		if !db.Migrator().HasTable(table) {
			h.MissingTables = append(h.MissingTables, table)
			continue
		}
		var count int64
		if err := db.Table(table).Where("is_deleted = 0").Count(&count).Error; err != nil {
			h.Error = fmt.Sprintf("count %s: %v", table, err)
			continue
		}
		h.RowCounts[table] = count
	}
	h.HasAllTables = len(h.MissingTables) == 0
	h.Healthy = h.HasAllTables && h.Error == ""
	if h.Healthy {
		h.Status = "healthy"
	}
	p.metrics.RecordHealth(node, h.Healthy, latency)
	return h, nil
}

// HealthCheckAll checks every node in parallel, in configuration order.
func (p *PrimaryService) HealthCheckAll(ctx context.Context) []NodeHealth {
	names := p.pool.Names()
	out := make([]NodeHealth, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			out[i], _ = p.HealthCheck(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ConsistencyCheck compares live row counts per table. A table that cannot be
// counted is reported as an error without stopping the check.
func (p *PrimaryService) ConsistencyCheck(ctx context.Context, source, target string) (*ConsistencyReport, error) {
	src, err := p.pool.Get(source)
	if err != nil {
		return nil, err
	}
	tgt, err := p.pool.Get(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.pool.WithTimeout(ctx)
	defer cancel()

	tables := p.registry.Names()
	report := &ConsistencyReport{Source: source, Target: target, Consistent: true, TotalTables: len(tables), CheckedAt: time.Now()}
	for _, table := range tables {
		tc := TableConsistency{Table: table}
		var srcErr, tgtErr error
		srcErr = src.DB.WithContext(ctx).Table(table).Where("is_deleted = 0").Count(&tc.SourceCount).Error
		if srcErr == nil {
			tgtErr = tgt.DB.WithContext(ctx).Table(table).Where("is_deleted = 0").Count(&tc.TargetCount).Error
		}
		switch {
		case srcErr != nil:
			tc.Status, tc.Error = "error", fmt.Sprintf("%s: %v", source, srcErr)
		case tgtErr != nil:
			tc.Status, tc.Error = "error", fmt.Sprintf("%s: %v", target, tgtErr)
		case tc.SourceCount == tc.TargetCount:
			tc.Status = "match"
			report.ConsistentTables++
		default:
			tc.Status = "mismatch"
		}
		tc.Difference = tc.SourceCount - tc.TargetCount
		if tc.Status != "match" {
			report.Consistent = false
		}
		report.Tables = append(report.Tables, tc)
	}
	return report, nil
}

// Switch redesignates the primary. Unknown targets and the current primary are
// rejected before anything is recorded.
func (p *PrimaryService) Switch(ctx context.Context, target string, opts SwitchOptions) (*SwitchResult, error) {
	if !p.pool.Has(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	if !p.switchMu.TryLock() {
		return nil, ErrSwitchInProgress
	}
	defer p.switchMu.Unlock()

	current := p.store.Current()
	if target == current {
		return nil, fmt.Errorf("%w: %s", ErrSameNode, target)
	}
	if opts.Operator == "" {
		opts.Operator = "system"
	}
	if opts.Reason == "" {
		opts.Reason = "manual switch"
	}

	log := utils.InfoLogger.WithFields(logrus.Fields{"from": current, "to": target, "operator": opts.Operator, "force": opts.Force})
	log.Info("Primary switch started")
	p.setState(StateSwitching)

	rec := SwitchRecord{
		ID:                   uuid.NewString(),
		From:                 current,
		To:                   target,
		Timestamp:            time.Now(),
		Reason:               opts.Reason,
		Operator:             opts.Operator,
		Force:                opts.Force,
		SkipConsistencyCheck: opts.SkipConsistencyCheck,
		Status:               SwitchInProgress,
	}
	if err := p.store.Append(rec); err != nil {
		p.setState(StateFailed)
		p.metrics.SwitchesTotal.WithLabelValues(SwitchFailed).Inc()
		return nil, err
	}

	health, _ := p.HealthCheck(ctx, target)
	if !health.Healthy && !opts.Force {
		detail := health.Error
		if detail == "" && len(health.MissingTables) > 0 {
			detail = "missing tables: " + strings.Join(health.MissingTables, ", ")
		}
		return nil, p.fail(rec.ID, &PreconditionError{Check: "health", Detail: fmt.Sprintf("%s is unhealthy: %s", target, detail)}, nil)
	}

	var report *ConsistencyReport
	if !opts.SkipConsistencyCheck {
		var err error
		report, err = p.ConsistencyCheck(ctx, current, target)
		if err != nil {
			return nil, p.fail(rec.ID, err, nil)
		}
		if !report.Consistent && !opts.Force {
			return nil, p.fail(rec.ID, &PreconditionError{
				Check:  "consistency",
				Detail: fmt.Sprintf("%d of %d tables differ: %s", report.TotalTables-report.ConsistentTables, report.TotalTables, strings.Join(inconsistentTables(report), ", ")),
			}, report)
		}
	}

	if err := p.store.SetCurrent(target); err != nil {
		return nil, p.fail(rec.ID, err, report)
	}

	p.broadcastRoles(ctx, target)
	p.invalidateCaches()

	now := time.Now()
	if err := p.store.Update(rec.ID, func(r *SwitchRecord) {
		r.Status = SwitchCompleted
		r.CompletedAt = &now
		r.ConsistencyReport = report
	}); err != nil {
		log.Warnf("Switch completed but history not persisted: %v", err)
	}

	p.setState(StateStable)
	p.metrics.SwitchesTotal.WithLabelValues(SwitchCompleted).Inc()
	p.metrics.SetPrimary(p.pool.Names(), target)
	p.hub.Broadcast(events.EventPrimarySwitched, map[string]interface{}{
		"from": current, "to": target, "operator": opts.Operator, "switch_id": rec.ID,
	})
	log.Info("Primary switch completed")

	return &SwitchResult{Previous: current, Current: target, SwitchID: rec.ID, Consistency: report}, nil
}

func (p *PrimaryService) fail(id string, cause error, report *ConsistencyReport) error {
	if err := p.store.Update(id, func(r *SwitchRecord) {
		r.Status = SwitchFailed
		r.Error = cause.Error()
		r.ConsistencyReport = report
	}); err != nil {
		utils.ErrorLogger.Printf("Cannot record failed switch %s: %v", id, err)
	}
	p.setState(StateFailed)
	p.metrics.SwitchesTotal.WithLabelValues(SwitchFailed).Inc()
	utils.ErrorLogger.Printf("Primary switch failed: %v", cause)
	return cause
}

// Rollback switches back to the origin of the most recent completed switch.
func (p *PrimaryService) Rollback(ctx context.Context, operator string) (*SwitchResult, error) {
	last, ok := p.store.LastCompleted()
	if !ok {
		return nil, ErrNoRollbackTarget
	}
	return p.Switch(ctx, last.From, SwitchOptions{
		Reason:   "rollback to " + last.From,
		Operator: operator,
	})
}

// PreCheck runs the switch preconditions without changing anything.
func (p *PrimaryService) PreCheck(ctx context.Context, target string) (*PreCheckResult, error) {
	if !p.pool.Has(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	current := p.store.Current()
	res := &PreCheckResult{Target: target, Current: current, Warnings: []string{}, Recommendations: []string{}}
	if target == current {
		res.Warnings = append(res.Warnings, target+" is already the primary")
		return res, nil
	}

	var g errgroup.Group
	g.Go(func() error {
		res.Health, _ = p.HealthCheck(ctx, target)
		return nil
	})
	g.Go(func() error {
		report, err := p.ConsistencyCheck(ctx, current, target)
		if err == nil {
			res.Consistency = report
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.CanSwitch = res.Health.Healthy && res.Consistency != nil && res.Consistency.Consistent
	if !res.Health.Healthy {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is unhealthy: %s", target, res.Health.Error))
		res.Recommendations = append(res.Recommendations, "check the node's connectivity before switching, or use force")
	}
	if time.Duration(res.Health.ResponseTimeMs)*time.Millisecond > slowResponse {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s responds slowly (%dms)", target, res.Health.ResponseTimeMs))
		res.Recommendations = append(res.Recommendations, "switch during a low-traffic window")
	}
	if res.Consistency != nil && !res.Consistency.Consistent {
		res.Warnings = append(res.Warnings, "tables out of sync: "+strings.Join(inconsistentTables(res.Consistency), ", "))
		res.Recommendations = append(res.Recommendations, "trigger a sync and re-run the check before switching")
	}
	return res, nil
}

func (p *PrimaryService) Overview(ctx context.Context) Overview {
	o := Overview{
		CurrentPrimary: p.store.Current(),
		State:          p.State(),
		Nodes:          p.pool.Names(),
		Health:         p.HealthCheckAll(ctx),
		RecentSwitches: p.store.History(5),
	}
	if len(o.RecentSwitches) > 0 {
		t := o.RecentSwitches[0].Timestamp
		o.LastSwitchTime = &t
	}
	return o
}

// TriggerSync runs one worker pass immediately.
func (p *PrimaryService) TriggerSync(ctx context.Context) (TickSummary, error) {
	if p.worker == nil {
		return TickSummary{}, fmt.Errorf("sync worker not attached")
	}
	return p.worker.RunOnce(ctx)
}

// broadcastRoles records the new roles in every reachable node's sync_config.
func (p *PrimaryService) broadcastRoles(ctx context.Context, primary string) {
	for _, name := range p.pool.Names() {
		n, _ := p.pool.Get(name)
		isMaster := name == primary
		role, direction := "slave", "slave_only"
		if isMaster {
			role, direction = "master", "master_to_slave"
		}
		rows := []models.SyncConfigEntry{
			{ConfigKey: models.ConfigIsMaster, ConfigValue: fmt.Sprint(isMaster), Description: "whether this node is the primary"},
			{ConfigKey: models.ConfigDatabaseRole, ConfigValue: role, Description: "replication role"},
			{ConfigKey: models.ConfigSyncDirection, ConfigValue: direction, Description: "replication direction"},
		}
		cctx, cancel := p.pool.WithTimeout(ctx)
		err := n.DB.WithContext(cctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "config_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"config_value", "last_updated"}),
		}).Create(&rows).Error
		cancel()
		if err != nil {
			utils.InfoLogger.Warnf("Cannot update roles on %s: %v", name, err)
		}
	}
}

func (p *PrimaryService) invalidateCaches() {
	for _, c := range p.caches {
		c.Invalidate()
	}
}

func inconsistentTables(r *ConsistencyReport) []string {
	var out []string
	for _, t := range r.Tables {
		if t.Status != "match" {
			out = append(out, t.Table)
		}
	}
	return out
}
