package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ConflictNotice
	err     error
}

func (r *recordingNotifier) NotifyConflict(_ context.Context, n ConflictNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recordingNotifier) all() []ConflictNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConflictNotice(nil), r.notices...)
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) Broadcast(event string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHub) has(event string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == event {
			return true
		}
	}
	return false
}

// testEnv wires the services against sqlite replicas stored in the test's temp dir.
type testEnv struct {
	pool      *database.Pool
	registry  *schema.Registry
	logs      *ChangeLogStore
	conflicts *ConflictStore
	applier   *Applier
	store     *DesignationStore
	cache     *PrimaryCache
	notifier  *recordingNotifier
	hub       *recordingHub
	metrics   *Metrics
}

func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	utils.InitLoggerWithLevel("error")
	if len(names) == 0 {
		names = []string{"alpha", "beta", "gamma"}
	}

	dir := t.TempDir()
	cfg := &config.Config{ConnectTimeout: 5 * time.Second, MaxOpenConns: 1}
	for _, n := range names {
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{
			Name:    n,
			Dialect: config.DialectSQLite,
			DSN:     filepath.Join(dir, n+".db"),
		})
	}
	pool, err := database.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	for _, n := range names {
		node, _ := pool.Get(n)
		require.NoError(t, database.MigrateNode(node))
	}

	registry, err := schema.NewRegistry("password")
	require.NoError(t, err)

	store, err := OpenDesignationStore(filepath.Join(dir, "primary.json"), names[0], 50, pool.Has)
	require.NoError(t, err)

	return &testEnv{
		pool:      pool,
		registry:  registry,
		logs:      NewChangeLogStore(pool, registry),
		conflicts: NewConflictStore(),
		applier:   NewApplier(pool, registry),
		store:     store,
		cache:     NewPrimaryCache(pool, store.Current, time.Hour),
		notifier:  &recordingNotifier{},
		hub:       &recordingHub{},
		metrics:   NewMetrics(),
	}
}

func (e *testEnv) db(t *testing.T, name string) *gorm.DB {
	t.Helper()
	n, err := e.pool.Get(name)
	require.NoError(t, err)
	return n.DB
}

func (e *testEnv) primaryDB(t *testing.T) *gorm.DB {
	return e.db(t, e.store.Current())
}

func (e *testEnv) worker(s WorkerSettings) *SyncWorker {
	return NewSyncWorker(WorkerDeps{
		Pool:      e.pool,
		Primary:   e.cache,
		Logs:      e.logs,
		Conflicts: e.conflicts,
		Applier:   e.applier,
		Notifier:  e.notifier,
		Hub:       e.hub,
		Metrics:   e.metrics,
	}, s)
}

func defaultSettings() WorkerSettings {
	return WorkerSettings{
		Enabled:           true,
		Interval:          time.Minute,
		BatchSize:         100,
		MaxRetries:        3,
		TargetConcurrency: 2,
	}
}

// book returns a books row written by source with sane replication columns.
func book(id int, title, source string, version int, updated string) map[string]interface{} {
	return map[string]interface{}{
		"book_id":           id,
		"title":             title,
		"author":            "Rob Pike",
		"isbn":              "9780000000001",
		"category_id":       1,
		"status":            "available",
		"is_deleted":        0,
		"created_time":      "2024-01-01 09:00:00",
		"last_updated_time": updated,
		"sync_version":      version,
		"db_source":         source,
	}
}

func (e *testEnv) insert(t *testing.T, node, table string, row map[string]interface{}) {
	t.Helper()
	require.NoError(t, e.db(t, node).Table(table).Create(row).Error)
}

func (e *testEnv) fetch(t *testing.T, node, table, id string) map[string]interface{} {
	t.Helper()
	row, found, err := e.applier.Fetch(context.Background(), node, table, id)
	require.NoError(t, err)
	if !found {
		return nil
	}
	return row
}

// appendEntry writes an entry to the primary's change log and reads it back.
func (e *testEnv) appendEntry(t *testing.T, op, table, id, source string, data map[string]interface{}) *models.ChangeLog {
	t.Helper()
	ctx := context.Background()
	logID, err := e.logs.Append(ctx, e.primaryDB(t), AppendRequest{
		TableName:  table,
		RecordID:   id,
		Operation:  op,
		ChangeData: data,
		SourceNode: source,
	})
	require.NoError(t, err)
	entry, err := e.logs.Get(ctx, e.primaryDB(t), logID)
	require.NoError(t, err)
	return entry
}

func (e *testEnv) entry(t *testing.T, id uint64) *models.ChangeLog {
	t.Helper()
	entry, err := e.logs.Get(context.Background(), e.primaryDB(t), id)
	require.NoError(t, err)
	return entry
}
