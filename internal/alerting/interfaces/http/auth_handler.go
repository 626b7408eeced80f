package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
)

// CredentialsRequest 注册与登录请求
type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 注册用户
func (h *Handler) Register(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.deps.Users.Register(c.Request.Context(), application.RegisterCommand{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "username": user.Username})
}

// Login 登录并返回 access token
func (h *Handler) Login(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.deps.Users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      res.Token,
		"token_type": "Bearer",
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
		"user_id":    res.UserID,
	})
}
