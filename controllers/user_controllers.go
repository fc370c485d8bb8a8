package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/services"
	"github.com/yeremiapane/replisync/utils"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 12 * time.Hour

// UserController authenticates operators against system_users on the primary.
type UserController struct {
	Primary services.PrimaryResolver
}

func NewUserController(primary services.PrimaryResolver) *UserController {
	return &UserController{Primary: primary}
}

func (uc *UserController) Login(c *gin.Context) {
	var input struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	primary, err := uc.Primary.Primary(c.Request.Context())
	if err != nil {
		respondServiceError(c, "resolve primary", err)
		return
	}

	var user models.SystemUser
	err = primary.DB.WithContext(c.Request.Context()).
		Where("username = ? AND is_deleted = 0", input.Username).
		First(&user).Error
	if err != nil {
		utils.RespondError(c, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		utils.RespondError(c, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	role := strings.ToLower(user.Role)
	if role != "admin" && role != "super_admin" {
		utils.RespondError(c, http.StatusForbidden, errors.New("operator access required"))
		return
	}

	token, err := utils.GenerateToken(user.Username, role, tokenTTL)
	if err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}

	utils.InfoLogger.Printf("Login successful for operator %s (%s) on %s", user.Username, role, primary.Name)
	utils.RespondJSON(c, http.StatusOK, "Login successful", gin.H{
		"token":      token,
		"user_role":  role,
		"expires_in": int(tokenTTL.Seconds()),
	})
}

// GetProfile -> the operator behind the current token
func (uc *UserController) GetProfile(c *gin.Context) {
	role, _ := c.Get("role")
	utils.RespondJSON(c, http.StatusOK, "Operator profile", gin.H{
		"username": operator(c),
		"role":     role,
	})
}
