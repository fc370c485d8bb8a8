package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/models"
)

func TestRunOnceReplicatesToEveryOtherNode(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Replicated", "alpha", 1, "2024-01-01 10:00:00"))
	entry := env.appendEntry(t, models.OpInsert, "books", "1", "alpha", map[string]interface{}{"title": "Replicated"})

	w := env.worker(defaultSettings())
	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alpha", summary.Primary)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)

	for _, node := range []string{"beta", "gamma"} {
		assert.Equal(t, "Replicated", env.fetch(t, node, "books", "1")["title"], node)
	}
	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncSuccess, got.SyncStatus)
	assert.ElementsMatch(t, []string{"beta", "gamma"}, got.Synced())
	assert.True(t, env.hub.has(events.EventSyncStatus))

	last, ok := w.LastSummary()
	require.True(t, ok)
	assert.Equal(t, summary.Processed, last.Processed)
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	env := newTestEnv(t)
	w := env.worker(defaultSettings())
	w.running.Store(true)

	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.TicksTotal.WithLabelValues("skipped")))

	w.running.Store(false)
	_, err = w.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestConcurrentRunsNeverOverlap(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.appendEntry(t, models.OpInsert, "books", string(rune('0'+i)), "alpha", map[string]interface{}{"title": "t"})
	}
	w := env.worker(defaultSettings())

	var wg sync.WaitGroup
	var mu sync.Mutex
	processed, skipped := 0, 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := w.RunOnce(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				return
			}
			processed += s.Processed
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, processed, "each entry is processed exactly once")
	assert.Equal(t, 4, skipped+countRuns(env))
}

func countRuns(env *testEnv) int {
	return int(testutil.ToFloat64(env.metrics.TicksTotal.WithLabelValues("completed")))
}

func TestRunOnceSkipsAlreadySyncedNodes(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Partial", "alpha", 1, "2024-01-01 10:00:00"))
	entry := env.appendEntry(t, models.OpInsert, "books", "1", "alpha", nil)
	_, err := env.logs.AddSynced(context.Background(), env.primaryDB(t), entry.ID, "beta")
	require.NoError(t, err)

	_, err = env.worker(defaultSettings()).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Nil(t, env.fetch(t, "beta", "books", "1"), "beta was already synced")
	assert.NotNil(t, env.fetch(t, "gamma", "books", "1"))
	assert.ElementsMatch(t, []string{"beta", "gamma"}, env.entry(t, entry.ID).Synced())
}

func TestConflictIsRecordedOnceAndNotifiedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 2, "2024-01-02 10:00:00"))
	env.insert(t, "beta", "books", book(1, "Beta edit", "alpha", 5, "2024-01-01 10:00:00"))
	env.insert(t, "gamma", "books", book(1, "Gamma edit", "alpha", 6, "2024-01-01 10:00:00"))
	entry := env.appendEntry(t, models.OpUpdate, "books", "1", "alpha", map[string]interface{}{"title": "Source"})

	w := env.worker(defaultSettings())
	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicted)

	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncConflictPending, got.SyncStatus)

	w.WaitNotifications()
	notices := env.notifier.all()
	require.Len(t, notices, 1, "one notification per entry")
	assert.ElementsMatch(t, []string{"beta", "gamma"}, notices[0].TargetNodes)
	assert.Equal(t, models.ConflictVersion, notices[0].ConflictType)

	var count int64
	require.NoError(t, env.primaryDB(t).Model(&models.ConflictRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// conflict_pending entries are not retried
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	w.WaitNotifications()
	assert.Len(t, env.notifier.all(), 1)
}

func TestPartialConflictKeepsSuccessfulTargets(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 2, "2024-01-02 10:00:00"))
	env.insert(t, "beta", "books", book(1, "Beta edit", "alpha", 5, "2024-01-01 10:00:00"))
	entry := env.appendEntry(t, models.OpUpdate, "books", "1", "alpha", nil)

	_, err := env.worker(defaultSettings()).RunOnce(context.Background())
	require.NoError(t, err)

	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncConflictPending, got.SyncStatus)
	assert.Equal(t, []string{"gamma"}, got.Synced())
	assert.Equal(t, "Source", env.fetch(t, "gamma", "books", "1")["title"])
	assert.Equal(t, "Beta edit", env.fetch(t, "beta", "books", "1")["title"])
}

func TestFailedTargetIsRetriedWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 1, "2024-01-01 10:00:00"))
	require.NoError(t, env.db(t, "beta").Migrator().DropTable("books"))
	entry := env.appendEntry(t, models.OpInsert, "books", "1", "alpha", nil)

	s := defaultSettings()
	s.RetryBackoff = time.Minute
	s.RetryBackoffMax = 10 * time.Minute
	w := env.worker(s)

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncFailed, got.SyncStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "beta")
	assert.Equal(t, []string{"gamma"}, got.Synced())
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))

	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed, "entry is backing off")
}

func TestRetriesExhaust(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 1, "2024-01-01 10:00:00"))
	require.NoError(t, env.db(t, "beta").Migrator().DropTable("books"))
	entry := env.appendEntry(t, models.OpInsert, "books", "1", "alpha", nil)

	s := defaultSettings()
	s.MaxRetries = 2
	w := env.worker(s)

	for i := 0; i < 3; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
	}
	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncFailed, got.SyncStatus)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ExhaustedTotal))
	assert.True(t, env.hub.has(events.EventSyncError))

	stats, err := env.logs.Stats(context.Background(), env.primaryDB(t), s.MaxRetries)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Exhausted)
}

func TestInvalidEntryIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	entry := env.appendEntry(t, models.OpInsert, "books", "null", "alpha", map[string]interface{}{"title": "x"})

	w := env.worker(defaultSettings())
	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Invalid)
	assert.Equal(t, 1, summary.Exhausted)

	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncInvalid, got.SyncStatus)
	assert.Equal(t, 0, got.RetryCount)

	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	// Raising the retry limit does not bring invalid entries back.
	s := defaultSettings()
	s.MaxRetries = 10
	w.UpdateSettings(s)
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	stats, err := env.logs.Stats(context.Background(), env.primaryDB(t), s.MaxRetries)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Exhausted)
	assert.Equal(t, int64(1), stats.ByStatus[models.SyncInvalid])
}

func TestConflictKeepsFailedTargetsForRetry(t *testing.T) {
	env := newTestEnv(t, "alpha", "beta", "gamma", "delta")
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 2, "2024-01-02 10:00:00"))
	env.insert(t, "beta", "books", book(1, "Beta edit", "alpha", 5, "2024-01-01 10:00:00"))
	require.NoError(t, env.db(t, "delta").Migrator().DropTable("books"))
	entry := env.appendEntry(t, models.OpUpdate, "books", "1", "alpha", nil)

	w := env.worker(defaultSettings())
	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicted)

	got := env.entry(t, entry.ID)
	assert.Equal(t, models.SyncConflictPending, got.SyncStatus)
	assert.Equal(t, []string{"gamma"}, got.Synced())
	assert.Contains(t, got.ErrorMessage, "conflict targets: beta")
	assert.Contains(t, got.ErrorMessage, "delta")

	recs, _, err := env.conflicts.List(context.Background(), env.primaryDB(t), ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = newResolver(env).Resolve(context.Background(), recs[0].ID, ResolveRequest{Action: models.ActionUseSource, Operator: "ops"})
	require.NoError(t, err)

	got = env.entry(t, entry.ID)
	assert.Equal(t, models.SyncFailed, got.SyncStatus, "delta still lacks the write")
	assert.ElementsMatch(t, []string{"gamma", "beta"}, got.Synced())
	assert.Contains(t, got.ErrorMessage, "delta")

	// delta comes back and the next run finishes the entry.
	delta, err := env.pool.Get("delta")
	require.NoError(t, err)
	require.NoError(t, database.MigrateNode(delta))
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	got = env.entry(t, entry.ID)
	assert.Equal(t, models.SyncSuccess, got.SyncStatus)
	assert.ElementsMatch(t, []string{"beta", "gamma", "delta"}, got.Synced())
	assert.Equal(t, "Source", env.fetch(t, "delta", "books", "1")["title"])
	assert.Equal(t, "Source", env.fetch(t, "beta", "books", "1")["title"], "beta is not rewritten again")
}

type blockingNotifier struct {
	release chan struct{}
	done    chan error
}

func (b *blockingNotifier) NotifyConflict(ctx context.Context, _ ConflictNotice) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	b.done <- ctx.Err()
	return ctx.Err()
}

func TestHungNotifierDoesNotStallRuns(t *testing.T) {
	env := newTestEnv(t)
	env.insert(t, "alpha", "books", book(1, "Source", "alpha", 2, "2024-01-02 10:00:00"))
	env.insert(t, "beta", "books", book(1, "Beta edit", "alpha", 5, "2024-01-01 10:00:00"))
	env.appendEntry(t, models.OpUpdate, "books", "1", "alpha", nil)

	hung := &blockingNotifier{release: make(chan struct{}), done: make(chan error, 1)}
	w := env.worker(defaultSettings())
	w.Notifier = hung
	w.notifyTimeout = 200 * time.Millisecond

	returned := make(chan TickSummary, 1)
	go func() {
		summary, _ := w.RunOnce(context.Background())
		returned <- summary
	}()

	select {
	case summary := <-returned:
		assert.Equal(t, 1, summary.Conflicted)
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on the notifier")
	}
	assert.False(t, w.Running())

	select {
	case err := <-hung.done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was never bounded")
	}
	w.WaitNotifications()
}

func TestSoftDeadlineDefersRemainingBatches(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		env.appendEntry(t, models.OpInsert, "books", string(rune('0'+i)), "alpha", map[string]interface{}{"title": "t"})
	}

	s := defaultSettings()
	s.BatchSize = 1
	s.SoftDeadline = 15 * time.Second
	w := env.worker(s)
	clock := time.Now()
	w.now = func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	}

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, summary.Processed, 5)
	assert.Positive(t, summary.Deferred)
	assert.Equal(t, int64(5), int64(summary.Processed)+summary.Deferred)
}

func TestCancelledRunDefersEverything(t *testing.T) {
	env := newTestEnv(t)
	env.appendEntry(t, models.OpInsert, "books", "1", "alpha", map[string]interface{}{"title": "t"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := env.worker(defaultSettings()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, int64(1), summary.Deferred)
}

func TestRunOnceFollowsPrimarySwitch(t *testing.T) {
	env := newTestEnv(t)
	w := env.worker(defaultSettings())

	require.NoError(t, env.store.SetCurrent("beta"))
	env.cache.Invalidate()

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "beta", summary.Primary)
}

func TestNextRetryBackoff(t *testing.T) {
	w := &SyncWorker{now: func() time.Time { return time.Unix(0, 0) }}
	s := WorkerSettings{RetryBackoff: 30 * time.Second, RetryBackoffMax: 2 * time.Minute}

	cases := map[int]time.Duration{1: 30 * time.Second, 2: time.Minute, 3: 2 * time.Minute, 8: 2 * time.Minute}
	for retry, want := range cases {
		got := w.nextRetry(s, retry)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Sub(time.Unix(0, 0)), "retry %d", retry)
	}

	assert.Nil(t, w.nextRetry(WorkerSettings{}, 1))
}

func TestUpdateSettingsIsLive(t *testing.T) {
	env := newTestEnv(t)
	w := env.worker(defaultSettings())

	s := w.Settings()
	s.BatchSize = 7
	s.Interval = time.Second
	w.UpdateSettings(s)

	assert.Equal(t, 7, w.Settings().BatchSize)
	select {
	case <-w.reset:
	default:
		t.Fatal("interval change should reset the ticker")
	}
}

func TestDisabledWorkerSkipsTick(t *testing.T) {
	env := newTestEnv(t)
	env.appendEntry(t, models.OpInsert, "books", "1", "alpha", map[string]interface{}{"title": "t"})
	s := defaultSettings()
	s.Enabled = false
	w := env.worker(s)

	w.tick()
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.TicksTotal.WithLabelValues("disabled")))
	_, ok := w.LastSummary()
	assert.False(t, ok)
	w.Stop()
	w.Stop()
}
