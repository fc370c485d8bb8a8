package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/utils"
	"golang.org/x/sync/errgroup"
)

// WorkerSettings are the live-tunable knobs of the sync worker.
type WorkerSettings struct {
	Enabled           bool          `json:"sync_enabled"`
	Interval          time.Duration `json:"sync_interval"`
	BatchSize         int           `json:"batch_size"`
	MaxRetries        int           `json:"max_retries"`
	SoftDeadline      time.Duration `json:"soft_deadline"`
	TargetConcurrency int           `json:"target_concurrency"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	RetryBackoffMax   time.Duration `json:"retry_backoff_max"`
}

// TickSummary reports one worker run.
type TickSummary struct {
	Primary    string        `json:"primary"`
	StartedAt  time.Time     `json:"started_at"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Conflicted int           `json:"conflicted"`
	Invalid    int           `json:"invalid"`
	Skipped    int           `json:"skipped"`
	Exhausted  int           `json:"exhausted"`
	Deferred   int64         `json:"deferred"`
	Remaining  int64         `json:"remaining"`
	Duration   time.Duration `json:"duration"`
}

type WorkerDeps struct {
	Pool      *database.Pool
	Primary   PrimaryResolver
	Logs      *ChangeLogStore
	Conflicts *ConflictStore
	Applier   *Applier
	Notifier  Notifier
	Hub       events.Broadcaster
	Metrics   *Metrics
}

// SyncWorker drains the primary's change log on a fixed schedule. At most one
// run is active at a time.
type SyncWorker struct {
	WorkerDeps

	settingsMu sync.RWMutex
	settings   WorkerSettings

	running  atomic.Bool
	lastMu   sync.Mutex
	last     *TickSummary
	now      func() time.Time
	StopChan chan struct{}
	reset    chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	notifying     sync.WaitGroup
	notifyTimeout time.Duration
}

const defaultNotifyTimeout = 15 * time.Second

func NewSyncWorker(deps WorkerDeps, settings WorkerSettings) *SyncWorker {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if deps.Hub == nil {
		deps.Hub = events.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncWorker{
		WorkerDeps:    deps,
		settings:      settings,
		now:           time.Now,
		StopChan:      make(chan struct{}),
		reset:         make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		notifyTimeout: defaultNotifyTimeout,
	}
}

func (w *SyncWorker) Settings() WorkerSettings {
	w.settingsMu.RLock()
	defer w.settingsMu.RUnlock()
	return w.settings
}

// UpdateSettings applies new settings; a changed interval takes effect on the
// running ticker immediately.
func (w *SyncWorker) UpdateSettings(s WorkerSettings) {
	w.settingsMu.Lock()
	changed := s.Interval != w.settings.Interval
	w.settings = s
	w.settingsMu.Unlock()
	if changed {
		select {
		case w.reset <- struct{}{}:
		default:
		}
	}
}

func (w *SyncWorker) Running() bool {
	return w.running.Load()
}

func (w *SyncWorker) LastSummary() (TickSummary, bool) {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	if w.last == nil {
		return TickSummary{}, false
	}
	return *w.last, true
}

func (w *SyncWorker) Start(initialDelay time.Duration) {
	go func() {
		select {
		case <-time.After(initialDelay):
			w.tick()
		case <-w.StopChan:
			return
		}

		ticker := time.NewTicker(w.Settings().Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.tick()
			case <-w.reset:
				ticker.Reset(w.Settings().Interval)
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop ends the schedule. A run in progress finishes its current batch and
// pending notifications get up to notifyTimeout to finish.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.StopChan)
		w.cancel()
	})
	w.WaitNotifications()
}

func (w *SyncWorker) tick() {
	if !w.Settings().Enabled {
		w.Metrics.TicksTotal.WithLabelValues("disabled").Inc()
		return
	}
	if _, err := w.RunOnce(w.ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			utils.SyncLogger.Debug("Previous sync run still active, tick skipped")
			return
		}
		utils.ErrorLogger.Printf("Sync run failed: %v", err)
	}
}

// RunOnce performs one drain of the change log. It returns ErrSyncInProgress when
// another run is active. ctx only decides whether another batch is started;
// status writes are detached from it.
func (w *SyncWorker) RunOnce(ctx context.Context) (TickSummary, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.Metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return TickSummary{}, ErrSyncInProgress
	}
	defer w.running.Store(false)

	s := w.Settings()
	start := w.now()
	summary := TickSummary{StartedAt: start}
	writeCtx := context.WithoutCancel(ctx)

	primary, err := w.Primary.Primary(ctx)
	if err != nil {
		w.Metrics.TicksTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("resolve primary: %w", err)
	}
	summary.Primary = primary.Name

	if n, err := w.Logs.RequeueInProgress(writeCtx, primary.DB); err != nil {
		utils.SyncLogger.Warnf("Cannot requeue in-progress entries: %v", err)
	} else if n > 0 {
		utils.SyncLogger.Infof("Requeued %d entries left in progress by an earlier run", n)
	}

	var done []uint64
	deadlineHit := false
	for ctx.Err() == nil {
		batch, err := w.Logs.Pending(writeCtx, primary.DB, s.BatchSize, s.MaxRetries, done, w.now())
		if err != nil {
			w.Metrics.TicksTotal.WithLabelValues("error").Inc()
			return summary, fmt.Errorf("select pending entries on %s: %w", primary.Name, err)
		}
		for i := range batch {
			w.processEntry(writeCtx, primary, &batch[i], s, &summary)
			done = append(done, batch[i].ID)
		}
		if len(batch) < s.BatchSize {
			break
		}
		if s.SoftDeadline > 0 && w.now().Sub(start) >= s.SoftDeadline {
			deadlineHit = true
			break
		}
	}

	if remaining, err := w.Logs.CountPending(writeCtx, primary.DB, s.MaxRetries, w.now()); err == nil {
		summary.Remaining = remaining
		if deadlineHit || ctx.Err() != nil {
			summary.Deferred = remaining
		}
		w.Metrics.PendingEntries.Set(float64(remaining))
	}
	summary.Duration = w.now().Sub(start)

	w.finish(summary)
	return summary, nil
}

func (w *SyncWorker) finish(summary TickSummary) {
	w.lastMu.Lock()
	w.last = &summary
	w.lastMu.Unlock()

	w.Metrics.RecordTick(summary)
	w.Hub.Broadcast(events.EventSyncStatus, summary)
	if summary.Processed > 0 || summary.Deferred > 0 {
		utils.SyncLogger.WithFields(logrus.Fields{
			"primary":    summary.Primary,
			"processed":  summary.Processed,
			"succeeded":  summary.Succeeded,
			"failed":     summary.Failed,
			"conflicted": summary.Conflicted,
			"invalid":    summary.Invalid,
			"skipped":    summary.Skipped,
			"deferred":   summary.Deferred,
			"duration":   summary.Duration.String(),
		}).Info("Sync run completed")
	}
}

type targetResult struct {
	Target  string
	Outcome Outcome
	Err     error
}

func (w *SyncWorker) processEntry(ctx context.Context, primary *database.Node, entry *models.ChangeLog, s WorkerSettings, summary *TickSummary) {
	log := utils.SyncLogger.WithFields(logrus.Fields{
		"log_id": entry.ID,
		"table":  entry.Table,
		"record": entry.RecordID,
		"source": entry.SourceNode,
	})
	summary.Processed++

	if err := w.Logs.MarkInProgress(ctx, primary.DB, entry.ID); err != nil {
		log.Errorf("Cannot mark entry in progress: %v", err)
		summary.Skipped++
		return
	}

	synced := entry.Synced()
	targets := w.targetsFor(entry, synced)
	if len(targets) == 0 {
		var err error
		if len(entry.Skipped()) > 0 {
			_, err = w.Logs.Settle(ctx, primary.DB, entry)
		} else {
			err = w.Logs.MarkSuccess(ctx, primary.DB, entry.ID, w.Pool.Others(entry.SourceNode))
		}
		if err != nil {
			log.Errorf("Cannot mark entry synced: %v", err)
		}
		summary.Succeeded++
		return
	}

	results := w.applyAll(ctx, entry, targets, s.TargetConcurrency)

	var (
		conflicts []targetResult
		failures  []string
		invalid   error
	)
	for _, r := range results {
		switch c, isConflict := AsConflict(r.Err); {
		case r.Err == nil:
			synced = mergeNodes(synced, []string{r.Target})
			w.Metrics.RecordApply(r.Target, string(r.Outcome))
			w.progress(entry, r.Target, "success", "")
		case isConflict:
			conflicts = append(conflicts, r)
			w.Metrics.RecordApply(r.Target, "conflict")
			w.Metrics.RecordConflict(entry.Table, c.Type)
			w.progress(entry, r.Target, "conflict", r.Err.Error())
		case IsValidation(r.Err):
			invalid = r.Err
			w.Metrics.RecordApply(r.Target, "invalid")
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", r.Target, r.Err))
			w.Metrics.RecordApply(r.Target, "error")
			w.progress(entry, r.Target, "error", r.Err.Error())
		}
	}

	switch {
	case invalid != nil:
		log.Warnf("Invalid change-log entry, not retried: %v", invalid)
		if err := w.Logs.MarkInvalid(ctx, primary.DB, entry.ID, invalid.Error(), synced, w.now()); err != nil {
			log.Errorf("Cannot mark entry invalid: %v", err)
		}
		summary.Invalid++
		w.exhausted(entry, invalid.Error(), summary)

	case len(conflicts) > 0:
		w.recordConflicts(ctx, primary, entry, conflicts, failures, synced, log)
		summary.Conflicted++

	case len(failures) > 0:
		retry := entry.RetryCount + 1
		msg := strings.Join(failures, "; ")
		next := w.nextRetry(s, retry)
		if err := w.Logs.MarkFailed(ctx, primary.DB, entry.ID, retry, msg, synced, next, w.now()); err != nil {
			log.Errorf("Cannot mark entry failed: %v", err)
		}
		summary.Failed++
		if retry >= s.MaxRetries {
			w.exhausted(entry, msg, summary)
		} else {
			log.Warnf("Sync attempt %d/%d failed: %s", retry, s.MaxRetries, msg)
		}

	default:
		if err := w.Logs.MarkSuccess(ctx, primary.DB, entry.ID, synced); err != nil {
			log.Errorf("Cannot mark entry synced: %v", err)
		}
		summary.Succeeded++
	}
}

// targetsFor lists every node except the source, those already synced and
// those an operator chose to skip.
func (w *SyncWorker) targetsFor(entry *models.ChangeLog, synced []string) []string {
	exclude := append([]string{entry.SourceNode}, synced...)
	return w.Pool.Others(append(exclude, entry.Skipped()...)...)
}

func (w *SyncWorker) applyAll(ctx context.Context, entry *models.ChangeLog, targets []string, limit int) []targetResult {
	if limit < 1 {
		limit = 1
	}
	results := make([]targetResult, len(targets))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			outcome, err := w.Applier.Apply(ctx, entry, target, ReplayOptions{SuppressCapture: true})
			results[i] = targetResult{Target: target, Outcome: outcome, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// recordConflicts parks the entry as conflict_pending. Failures on other targets
// are kept in the message; those targets are retried once the conflicts settle.
func (w *SyncWorker) recordConflicts(ctx context.Context, primary *database.Node, entry *models.ChangeLog, conflicts []targetResult, failures, synced []string, log *logrus.Entry) {
	targets := make([]string, 0, len(conflicts))
	kind := ""
	for _, r := range conflicts {
		c, _ := AsConflict(r.Err)
		if kind == "" {
			kind = c.Type
		}
		targets = append(targets, r.Target)
		rec, created, err := w.Conflicts.Record(ctx, primary.DB, entry, r.Target, c)
		if err != nil {
			log.Errorf("Cannot record conflict for %s: %v", r.Target, err)
			continue
		}
		log.WithFields(logrus.Fields{"target": r.Target, "conflict_type": c.Type, "conflict_id": rec.ID, "new": created}).
			Warn("Sync conflict recorded")
	}

	msg := "conflict targets: " + strings.Join(targets, ", ")
	if len(failures) > 0 {
		msg += "; failed targets: " + strings.Join(failures, "; ")
	}
	if err := w.Logs.MarkConflict(ctx, primary.DB, entry.ID, msg, synced); err != nil {
		log.Errorf("Cannot mark entry conflicted: %v", err)
	}

	notice := ConflictNotice{
		ChangeLogID:  entry.ID,
		TableName:    entry.Table,
		RecordID:     entry.RecordID,
		SourceNode:   entry.SourceNode,
		TargetNodes:  targets,
		ConflictType: kind,
		Time:         w.now(),
	}
	w.notify(notice, log)
}

// notify hands the notice to the notifier off the run path, bounded by
// notifyTimeout.
func (w *SyncWorker) notify(notice ConflictNotice, log *logrus.Entry) {
	w.notifying.Add(1)
	go func() {
		defer w.notifying.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.notifyTimeout)
		defer cancel()
		if err := w.Notifier.NotifyConflict(ctx, notice); err != nil {
			log.Errorf("Conflict notification failed: %v", err)
		}
	}()
}

// WaitNotifications blocks until every dispatched notification has returned.
func (w *SyncWorker) WaitNotifications() {
	w.notifying.Wait()
}

func (w *SyncWorker) exhausted(entry *models.ChangeLog, msg string, summary *TickSummary) {
	summary.Exhausted++
	w.Metrics.ExhaustedTotal.Inc()
	utils.ErrorLogger.WithFields(logrus.Fields{
		"log_id": entry.ID,
		"table":  entry.Table,
		"record": entry.RecordID,
	}).Errorf("Sync entry permanently failed: %s", msg)
	w.Hub.Broadcast(events.EventSyncError, map[string]interface{}{
		"log_id":     entry.ID,
		"table_name": entry.Table,
		"record_id":  entry.RecordID,
		"error":      msg,
	})
}

func (w *SyncWorker) progress(entry *models.ChangeLog, target, status, errMsg string) {
	w.Hub.Broadcast(events.EventSyncProgress, map[string]interface{}{
		"log_id":     entry.ID,
		"table_name": entry.Table,
		"target":     target,
		"status":     status,
		"error":      errMsg,
	})
}

// nextRetry returns now + base*2^(retry-1), capped. A zero base schedules no delay.
func (w *SyncWorker) nextRetry(s WorkerSettings, retry int) *time.Time {
	if s.RetryBackoff <= 0 {
		return nil
	}
	delay := s.RetryBackoff
	for i := 1; i < retry; i++ {
		delay *= 2
		if s.RetryBackoffMax > 0 && delay >= s.RetryBackoffMax {
			delay = s.RetryBackoffMax
			break
		}
	}
	if s.RetryBackoffMax > 0 && delay > s.RetryBackoffMax {
		delay = s.RetryBackoffMax
	}
	t := w.now().Add(delay)
	return &t
}
