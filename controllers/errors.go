package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var pre *services.PreconditionError
	switch {
	case services.IsValidation(err),
		errors.Is(err, services.ErrInvalidAction),
		errors.Is(err, services.ErrManualDataRequired):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnknownNode),
		errors.Is(err, services.ErrConflictNotFound),
		errors.Is(err, services.ErrLogNotFound):
		return http.StatusNotFound
	case errors.As(err, &pre),
		errors.Is(err, services.ErrSameNode),
		errors.Is(err, services.ErrSwitchInProgress),
		errors.Is(err, services.ErrSyncInProgress),
		errors.Is(err, services.ErrConflictClosed),
		errors.Is(err, services.ErrNoRollbackTarget):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondServiceError(c *gin.Context, action string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		utils.ErrorLogger.Printf("%s failed: %v", action, err)
	}
	utils.RespondError(c, code, err)
}

// operator returns the username set by the auth middleware.
func operator(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "system"
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		utils.RespondError(c, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}
