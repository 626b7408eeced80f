package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/middleware"
)

// AlertRequest 订阅与退订请求；direction 可为 ABOVE/BELOW/EQUAL 或 1/-1/0
type AlertRequest struct {
	Asset     string            `json:"asset" binding:"required"`
	Direction *domain.Direction `json:"direction" binding:"required"`
	Threshold decimal.Decimal   `json:"threshold"`
}

func (r AlertRequest) command(userID string) application.SubscribeCommand {
	return application.SubscribeCommand{
		UserID:    userID,
		Asset:     r.Asset,
		Direction: *r.Direction,
		Threshold: r.Threshold,
	}
}

// AlertResponse 告警视图，不暴露其他订阅者
type AlertResponse struct {
	ID          uint64           `json:"id"`
	Asset       string           `json:"asset"`
	Direction   domain.Direction `json:"direction"`
	Threshold   string           `json:"threshold"`
	Subscribers int              `json:"subscribers"`
	Version     int64            `json:"version"`
}

func toAlertResponse(a *domain.Alert) AlertResponse {
	return AlertResponse{
		ID:          a.ID,
		Asset:       a.Key.Asset,
		Direction:   a.Key.Direction,
		Threshold:   a.Key.CanonicalThreshold(),
		Subscribers: len(a.Subscribers),
		Version:     a.Version,
	}
}

// Subscribe 订阅告警
func (h *Handler) Subscribe(c *gin.Context) {
	var req AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alert, err := h.deps.Subscriptions.Subscribe(c.Request.Context(), req.command(middleware.UserID(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAlertResponse(alert))
}

// Unsubscribe 退订告警
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.deps.Subscriptions.Unsubscribe(c.Request.Context(), req.command(middleware.UserID(c))); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}

// ListAlerts 当前用户的告警
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.deps.Subscriptions.ListByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, toAlertResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}
