package http

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/session"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// Ingest 接收一条 tick 并以 asset 为 key 写入行情主题
func (h *Handler) Ingest(c *gin.Context) {
	var tick domain.PriceTick
	if err := c.ShouldBindJSON(&tick); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := tick.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := h.deps.Ingest.PublishTick(c.Request.Context(), tick); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "asset": tick.Asset})
}

// Cleanup 清空告警、规则索引与价格缓存
func (h *Handler) Cleanup(c *gin.Context) {
	report, err := h.deps.Maintenance.Cleanup(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Reindex 从订阅存储重建规则索引
func (h *Handler) Reindex(c *gin.Context) {
	report, err := h.deps.Maintenance.Reindex(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type indexEntryView struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// InspectIndex 列出规则索引的全部分区与条目
func (h *Handler) InspectIndex(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := h.deps.Index.Keys(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	sort.Strings(keys)
	out := make(map[string][]indexEntryView, len(keys))
	for _, key := range keys {
		entries, err := h.deps.Index.Entries(ctx, key)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]indexEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, indexEntryView{Member: e.Member, Score: e.Score})
		}
		out[key] = views
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "entries": out})
}

// Connect 推送握手：token 在升级前校验，失败返回 401 且不升级
func (h *Handler) Connect(c *gin.Context) {
	userID, err := h.deps.Verifier.Verify(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	s := session.New(userID, conn, h.deps.SessionOptions)
	h.deps.Sessions.Register(userID, s)
	defer h.deps.Sessions.Unregister(userID, s)

	s.Run(c.Request.Context())
}
