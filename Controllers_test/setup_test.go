package Controllers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/events"
	"github.com/yeremiapane/replisync/router"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

// testServer is the full HTTP surface backed by sqlite replicas alpha, beta and gamma.
type testServer struct {
	router  *gin.Engine
	pool    *database.Pool
	primary *services.PrimaryService
	logs    *services.ChangeLogStore
	worker  *services.SyncWorker
	store   *services.DesignationStore
	hub     *events.Hub
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	utils.InitLoggerWithLevel("error")
	gin.SetMode(gin.TestMode)

	names := []string{"alpha", "beta", "gamma"}
	dir := t.TempDir()
	cfg := &config.Config{ConnectTimeout: 5 * time.Second, MaxOpenConns: 1}
	for _, n := range names {
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{Name: n, Dialect: config.DialectSQLite, DSN: filepath.Join(dir, n+".db")})
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
	store, err := services.OpenDesignationStore(filepath.Join(dir, "primary.json"), "alpha", 50, pool.Has)
	require.NoError(t, err)
	cache := services.NewPrimaryCache(pool, store.Current, time.Hour)

	hub := events.NewHub()
	metrics := services.NewMetrics()
	logs := services.NewChangeLogStore(pool, registry)
	conflicts := services.NewConflictStore()
	applier := services.NewApplier(pool, registry)
	worker := services.NewSyncWorker(services.WorkerDeps{
		Pool: pool, Primary: cache, Logs: logs, Conflicts: conflicts,
		Applier: applier, Hub: hub, Metrics: metrics,
	}, services.WorkerSettings{
		Enabled: true, Interval: time.Minute, BatchSize: 100, MaxRetries: 3, TargetConcurrency: 2,
	})
	primary := services.NewPrimaryService(pool, registry, store, hub, metrics)
	primary.WatchCache(cache)
	primary.AttachWorker(worker)
	settings := services.NewSyncSettings(pool, cache, worker)

	r := router.SetupRouter(router.Deps{
		Pool:      pool,
		Primary:   primary,
		Resolver:  cache,
		Logs:      logs,
		Conflicts: services.NewConflictResolver(cache, logs, conflicts, applier, hub),
		Worker:    worker,
		Settings:  settings,
		Hub:       hub,
		Metrics:   metrics,
	})
	return &testServer{router: r, pool: pool, primary: primary, logs: logs, worker: worker, store: store, hub: hub}
}

func (s *testServer) db(t *testing.T, name string) *gorm.DB {
	t.Helper()
	n, err := s.pool.Get(name)
	require.NoError(t, err)
	return n.DB
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.GenerateToken("ops-"+role, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// call performs a request and decodes the response envelope.
func (s *testServer) call(t *testing.T, method, path, tok string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func book(id int, title, source string, version int) map[string]interface{} {
	return map[string]interface{}{
		"book_id":           id,
		"title":             title,
		"author":            "Alan Donovan",
		"isbn":              "9780134190440",
		"category_id":       1,
		"status":            "available",
		"is_deleted":        0,
		"created_time":      "2024-01-01 09:00:00",
		"last_updated_time": "2024-01-01 09:00:00",
		"sync_version":      version,
		"db_source":         source,
	}
}

func (s *testServer) insert(t *testing.T, node, table string, row map[string]interface{}) {
	t.Helper()
	require.NoError(t, s.db(t, node).Table(table).Create(row).Error)
}

func data(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	d, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response data is an object: %v", resp)
	return d
}
