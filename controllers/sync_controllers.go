package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/replisync/database"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
)

type SyncController struct {
	Pool     *database.Pool
	Primary  services.PrimaryResolver
	Logs     *services.ChangeLogStore
	Resolver *services.ConflictResolver
	Worker   *services.SyncWorker
	Settings *services.SyncSettings
	now      func() time.Time
}

func NewSyncController(pool *database.Pool, primary services.PrimaryResolver, logs *services.ChangeLogStore,
	resolver *services.ConflictResolver, worker *services.SyncWorker, settings *services.SyncSettings) *SyncController {
	return &SyncController{
		Pool:     pool,
		Primary:  primary,
		Logs:     logs,
		Resolver: resolver,
		Worker:   worker,
		Settings: settings,
		now:      time.Now,
	}
}

type nodeConnection struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// GetStatus -> change log counts, node connectivity and the last worker run
func (sc *SyncController) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	primary, err := sc.Primary.Primary(ctx)
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}

	ws := sc.Worker.Settings()
	stats, err := sc.Logs.Stats(ctx, primary.DB, ws.MaxRetries)
	if err != nil {
		respondServiceError(c, "sync stats", err)
		return
	}

	connections := map[string]nodeConnection{}
	for _, name := range sc.Pool.Names() {
		latency, err := sc.Pool.Ping(ctx, name)
		conn := nodeConnection{Status: "connected", ResponseTimeMs: latency.Milliseconds()}
		if err != nil {
			conn.Status = "disconnected"
			conn.Error = err.Error()
		}
		connections[name] = conn
	}

	data := gin.H{
		"primary":           primary.Name,
		"stats":             stats,
		"pending_count":     stats.Pending,
		"conflict_count":    stats.OpenConflicts,
		"connection_status": connections,
		"running":           sc.Worker.Running(),
		"settings":          ws,
	}
	if last, ok := sc.Worker.LastSummary(); ok {
		data["last_run"] = last
	}
	utils.RespondJSON(c, http.StatusOK, "Sync status", data)
}

// GetLogs -> paginated change log with filters
func (sc *SyncController) GetLogs(c *gin.Context) {
	var q struct {
		Table     string `form:"table_name"`
		Operation string `form:"operation"`
		Status    string `form:"sync_status"`
		Source    string `form:"source_node"`
		From      string `form:"start_date"`
		To        string `form:"end_date"`
		Page      int    `form:"page"`
		Limit     int    `form:"limit"`
		Sort      string `form:"sort_by"`
		Order     string `form:"sort_order"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	filter := services.LogFilter{
		Table:      q.Table,
		Operation:  strings.ToUpper(q.Operation),
		Status:     q.Status,
		SourceNode: q.Source,
		Page:       q.Page,
		Limit:      q.Limit,
		SortBy:     q.Sort,
		SortDesc:   !strings.EqualFold(q.Order, "asc"),
	}
	var err error
	if filter.From, err = parseDate(q.From, false); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = parseDate(q.To, true); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	primary, err := sc.Primary.Primary(c.Request.Context())
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}
	entries, page, err := sc.Logs.List(c.Request.Context(), primary.DB, filter)
	if err != nil {
		respondServiceError(c, "list sync logs", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "List of sync logs", gin.H{"logs": entries, "pagination": page})
}

// GetLog -> one change log entry
func (sc *SyncController) GetLog(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	primary, err := sc.Primary.Primary(c.Request.Context())
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}
	entry, err := sc.Logs.Get(c.Request.Context(), primary.DB, id)
	if err != nil {
		respondServiceError(c, "get sync log", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync log", entry)
}

// AppendLog -> records a captured mutation on the primary's change log
func (sc *SyncController) AppendLog(c *gin.Context) {
	var req services.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	req.Operation = strings.ToUpper(req.Operation)

	primary, err := sc.Primary.Primary(c.Request.Context())
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}
	id, err := sc.Logs.Append(c.Request.Context(), primary.DB, req)
	if err != nil {
		respondServiceError(c, "append sync log", err)
		return
	}
	utils.SyncLogger.Debugf("Change log %d appended for %s #%s by %s", id, req.TableName, req.RecordID, operator(c))
	utils.RespondJSON(c, http.StatusCreated, "Change log entry created", gin.H{"id": id})
}

// CleanupLogs -> deletes finished entries older than N days
func (sc *SyncController) CleanupLogs(c *gin.Context) {
	req := struct {
		Days   int    `json:"days"`
		Status string `json:"status"`
	}{Days: 30}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Status == "all" {
		req.Status = ""
	}

	primary, err := sc.Primary.Primary(c.Request.Context())
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}
	deleted, err := sc.Logs.Cleanup(c.Request.Context(), primary.DB, req.Days, req.Status, sc.now())
	if err != nil {
		respondServiceError(c, "cleanup sync logs", err)
		return
	}
	utils.InfoLogger.Printf("Sync log cleanup by %s: %d entries older than %d days removed", operator(c), deleted, req.Days)
	utils.RespondJSON(c, http.StatusOK, "Sync logs cleaned up", gin.H{"deleted_count": deleted})
}

// GetConflicts -> paginated conflict records
func (sc *SyncController) GetConflicts(c *gin.Context) {
	var q struct {
		Table  string `form:"table_name"`
		Status string `form:"resolve_status"`
		Page   int    `form:"page"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	records, page, err := sc.Resolver.List(c.Request.Context(), services.ConflictFilter{
		Table: q.Table, Status: q.Status, Page: q.Page, Limit: q.Limit,
	})
	if err != nil {
		respondServiceError(c, "list conflicts", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "List of conflicts", gin.H{"conflicts": records, "pagination": page})
}

func (sc *SyncController) GetConflict(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := sc.Resolver.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, "get conflict", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Conflict detail", rec)
}

// ResolveConflict -> applies use_source, use_target, manual_merge or ignore
func (sc *SyncController) ResolveConflict(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Action     string                 `json:"resolve_action" binding:"required"`
		ManualData map[string]interface{} `json:"manual_data"`
		Notes      string                 `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	rec, err := sc.Resolver.Resolve(c.Request.Context(), id, services.ResolveRequest{
		Action:     req.Action,
		ManualData: req.ManualData,
		Operator:   operator(c),
		Notes:      req.Notes,
	})
	if err != nil {
		respondServiceError(c, "resolve conflict", err)
		return
	}
	utils.InfoLogger.Printf("Conflict %d resolved with %s by %s", id, req.Action, operator(c))
	utils.RespondJSON(c, http.StatusOK, "Conflict resolved", rec)
}

func (sc *SyncController) BatchResolve(c *gin.Context) {
	var req struct {
		IDs    []uint64 `json:"conflict_ids" binding:"required,min=1,max=100"`
		Action string   `json:"resolve_action" binding:"required"`
		Notes  string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	result, err := sc.Resolver.BatchResolve(c.Request.Context(), req.IDs, req.Action, req.Notes, operator(c))
	if err != nil {
		respondServiceError(c, "batch resolve", err)
		return
	}
	msg := fmt.Sprintf("Batch resolve finished: %d succeeded, %d failed", result.SuccessCount, result.FailureCount)
	utils.RespondJSON(c, http.StatusOK, msg, result)
}

// TriggerSync -> runs one worker pass now
func (sc *SyncController) TriggerSync(c *gin.Context) {
	summary, err := sc.Worker.RunOnce(c.Request.Context())
	if err != nil {
		respondServiceError(c, "manual sync", err)
		return
	}
	utils.InfoLogger.Printf("Manual sync triggered by %s: %d processed", operator(c), summary.Processed)
	utils.RespondJSON(c, http.StatusOK, "Sync completed", summary)
}

func (sc *SyncController) GetConfig(c *gin.Context) {
	entries, err := sc.Settings.List(c.Request.Context())
	if err != nil {
		respondServiceError(c, "read sync config", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync configuration", gin.H{
		"configs": entries,
		"active":  sc.Worker.Settings(),
	})
}

// UpdateConfig -> persists tunable keys and reconfigures the worker
func (sc *SyncController) UpdateConfig(c *gin.Context) {
	var req struct {
		Configs map[string]interface{} `json:"configs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	values := make(map[string]string, len(req.Configs))
	for k, v := range req.Configs {
		values[k] = configString(v)
	}
	active, err := sc.Settings.Update(c.Request.Context(), values, operator(c))
	if err != nil {
		respondServiceError(c, "update sync config", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync configuration updated", active)
}

func configString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// parseDate accepts YYYY-MM-DD or RFC3339. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}
