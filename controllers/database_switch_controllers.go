package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
)

const maxHistoryLimit = 50

type DatabaseSwitchController struct {
	Primary *services.PrimaryService
}

func NewDatabaseSwitchController(primary *services.PrimaryService) *DatabaseSwitchController {
	return &DatabaseSwitchController{Primary: primary}
}

func (dc *DatabaseSwitchController) GetOverview(c *gin.Context) {
	utils.RespondJSON(c, http.StatusOK, "Database overview", dc.Primary.Overview(c.Request.Context()))
}

func (dc *DatabaseSwitchController) GetCurrent(c *gin.Context) {
	utils.RespondJSON(c, http.StatusOK, "Current primary", gin.H{
		"current_primary": dc.Primary.Current(),
		"nodes":           dc.Primary.Nodes(),
		"state":           dc.Primary.State(),
	})
}

// GetHealth -> one node when ?node= is given, otherwise all of them
func (dc *DatabaseSwitchController) GetHealth(c *gin.Context) {
	if node := c.Query("node"); node != "" {
		h, err := dc.Primary.HealthCheck(c.Request.Context(), node)
		if err != nil {
			respondServiceError(c, "health check", err)
			return
		}
		utils.RespondJSON(c, http.StatusOK, "Node health", h)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Node health", dc.Primary.HealthCheckAll(c.Request.Context()))
}

func (dc *DatabaseSwitchController) ValidateConsistency(c *gin.Context) {
	var req struct {
		Source string `json:"source_node" binding:"required"`
		Target string `json:"target_node" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	report, err := dc.Primary.ConsistencyCheck(c.Request.Context(), req.Source, req.Target)
	if err != nil {
		respondServiceError(c, "consistency check", err)
		return
	}
	msg := "Nodes are consistent"
	if !report.Consistent {
		msg = "Nodes are not consistent"
	}
	utils.RespondJSON(c, http.StatusOK, msg, report)
}

func (dc *DatabaseSwitchController) TriggerSync(c *gin.Context) {
	summary, err := dc.Primary.TriggerSync(c.Request.Context())
	if err != nil {
		respondServiceError(c, "trigger sync", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Sync completed", summary)
}

// Switch -> redesignates the primary after health and consistency checks
func (dc *DatabaseSwitchController) Switch(c *gin.Context) {
	var req struct {
		Target               string `json:"target_node" binding:"required"`
		Force                bool   `json:"force"`
		SkipConsistencyCheck bool   `json:"skip_consistency_check"`
		Reason               string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	result, err := dc.Primary.Switch(c.Request.Context(), req.Target, services.SwitchOptions{
		Force:                req.Force,
		SkipConsistencyCheck: req.SkipConsistencyCheck,
		Reason:               req.Reason,
		Operator:             operator(c),
	})
	if err != nil {
		respondServiceError(c, "primary switch", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Primary switched to "+result.Current, result)
}

func (dc *DatabaseSwitchController) Rollback(c *gin.Context) {
	result, err := dc.Primary.Rollback(c.Request.Context(), operator(c))
	if err != nil {
		respondServiceError(c, "primary rollback", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Primary rolled back to "+result.Current, result)
}

func (dc *DatabaseSwitchController) GetHistory(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			utils.RespondError(c, http.StatusBadRequest, errors.New("limit must be between 1 and 50"))
			return
		}
		limit = n
	}
	utils.RespondJSON(c, http.StatusOK, "Switch history", dc.Primary.History(limit))
}

func (dc *DatabaseSwitchController) PreCheck(c *gin.Context) {
	var req struct {
		Target string `json:"target_node" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	result, err := dc.Primary.PreCheck(c.Request.Context(), req.Target)
	if err != nil {
		respondServiceError(c, "pre-check", err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Pre-check finished", result)
}
