package Controllers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentAndHealth(t *testing.T) {
	s := setupServer(t)
	admin := token(t, "admin")

	w, resp := s.call(t, "GET", "/api/database-switch/current", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, resp)
	assert.Equal(t, "alpha", d["current_primary"])
	assert.Equal(t, "stable", d["state"])
	assert.Len(t, d["nodes"], 3)

	w, resp = s.call(t, "GET", "/api/database-switch/health?node=gamma", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, resp)["healthy"])

	w, resp = s.call(t, "GET", "/api/database-switch/health", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp["data"], 3)

	w, _ = s.call(t, "GET", "/api/database-switch/health?node=omega", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDesignationChangesRequireSuperAdmin(t *testing.T) {
	s := setupServer(t)

	for _, path := range []string{"/api/database-switch/switch", "/api/database-switch/rollback", "/api/database-switch/pre-check"} {
		w, _ := s.call(t, "POST", path, token(t, "admin"), map[string]interface{}{"target_node": "beta"})
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	w, _ := s.call(t, "GET", "/api/database-switch/overview", token(t, "admin"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "alpha", s.primary.Current())
}

func TestSwitchAndRollbackOverHTTP(t *testing.T) {
	s := setupServer(t)
	super := token(t, "super_admin")

	w, _ := s.call(t, "POST", "/api/database-switch/rollback", super, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "nothing to roll back yet")

	w, resp := s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{
		"target_node": "beta", "reason": "maintenance on alpha",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := data(t, resp)
	assert.Equal(t, "alpha", d["previous"])
	assert.Equal(t, "beta", d["current"])
	assert.Equal(t, "beta", s.store.Current())

	w, _ = s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{"target_node": "beta"})
	assert.Equal(t, http.StatusConflict, w.Code, "already primary")

	w, resp = s.call(t, "POST", "/api/database-switch/rollback", super, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alpha", data(t, resp)["current"])

	w, resp = s.call(t, "GET", "/api/database-switch/history?limit=1", super, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := resp["data"].([]interface{})
	require.Len(t, history, 1)
	last := history[0].(map[string]interface{})
	assert.Equal(t, "alpha", last["to"])
	assert.Equal(t, "ops-super_admin", last["operator"])
	assert.Equal(t, "completed", last["status"])

	w, _ = s.call(t, "GET", "/api/database-switch/history?limit=0", super, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSwitchRejectsBadTargets(t *testing.T) {
	s := setupServer(t)
	super := token(t, "super_admin")

	w, _ := s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{"target_node": "omega"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{"target_node": "alpha"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, s.primary.History(0))
}

func TestSwitchRefusedWhenInconsistent(t *testing.T) {
	s := setupServer(t)
	super := token(t, "super_admin")
	s.insert(t, "alpha", "books", book(1, "Only on alpha", "alpha", 1))

	w, resp := s.call(t, "POST", "/api/database-switch/validate-consistency", super, map[string]interface{}{
		"source_node": "alpha", "target_node": "beta",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Nodes are not consistent", resp["message"])
	assert.Equal(t, false, data(t, resp)["consistent"])

	w, resp = s.call(t, "POST", "/api/database-switch/pre-check", super, map[string]interface{}{"target_node": "beta"})
	require.Equal(t, http.StatusOK, w.Code)
	pre := data(t, resp)
	assert.Equal(t, false, pre["can_switch"])
	assert.NotEmpty(t, pre["warnings"])

	w, resp = s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{"target_node": "beta"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, resp["message"], "consistency")
	assert.Equal(t, "alpha", s.store.Current())

	w, _ = s.call(t, "POST", "/api/database-switch/switch", super, map[string]interface{}{"target_node": "beta", "force": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "beta", s.store.Current())

	w, resp = s.call(t, "GET", "/api/database-switch/overview", super, nil)
	require.Equal(t, http.StatusOK, w.Code)
	overview := data(t, resp)
	assert.Equal(t, "beta", overview["current_primary"])
	assert.Len(t, overview["recent_switches"], 2)
}

func TestTriggerSyncFromSwitchRoutes(t *testing.T) {
	s := setupServer(t)
	w, resp := s.call(t, "POST", "/api/database-switch/trigger-sync", token(t, "super_admin"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alpha", data(t, resp)["primary"])
}
