package session

import (
	"log/slog"
	"sync"

	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
)

// 投递结果
const (
	DeliveryDelivered = "delivered"
	DeliveryAbsent    = "absent"
	DeliveryDropped   = "dropped"
)

// Registry userId 到当前会话的映射，后握手者覆盖先握手者
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRegistry 创建注册表
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
		logger:   logger.Module("session-registry"),
	}
}

// Register 绑定会话并返回被替换的旧会话。旧会话不会被关闭。
func (r *Registry) Register(userID string, s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	r.logger.Info("session registered", "user_id", userID, "session_id", s.ID, "replaced", prev != nil)
	return prev
}

// Unregister 仅当 s 仍是当前会话时移除
func (r *Registry) Unregister(userID string, s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[userID]
	removed := ok && current == s
	if removed {
		delete(r.sessions, userID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.metrics.SetActiveSessions(n)
		r.logger.Info("session unregistered", "user_id", userID, "session_id", s.ID)
	}
	return removed
}

// Deliver 投递给用户当前会话，不在线或写入失败时静默丢弃
func (r *Registry) Deliver(userID string, payload []byte) bool {
	r.mu.RLock()
	s := r.sessions[userID]
	r.mu.RUnlock()

	if s == nil {
		r.metrics.NotificationDelivery(DeliveryAbsent)
		return false
	}
	if !s.Enqueue(payload) {
		r.metrics.NotificationDelivery(DeliveryDropped)
		return false
	}
	r.metrics.NotificationDelivery(DeliveryDelivered)
	return true
}

// Get 当前会话
func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Count 在线会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭全部会话，用于停机
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.metrics.SetActiveSessions(0)
}
