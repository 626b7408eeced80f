// Package session 用户推送会话：websocket 连接与 userId 到会话的注册表
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wyfcoding/pricealert/pkg/logger"
)

// maxInboundMessage 客户端只发送控制帧，入站消息大小上限
const maxInboundMessage = 512

// Options 会话参数
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingPeriod   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	return o
}

// Session 一个已认证的推送连接。写操作只在 writePump 中进行。
type Session struct {
	ID     string
	UserID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	opts      Options
	logger    *slog.Logger
}

// New 为已升级的连接创建会话，conn 为 nil 时只能用于投递缓冲
func New(userID string, conn *websocket.Conn, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.Module("session").With("user_id", userID, "session_id", id),
	}
}

// Enqueue 非阻塞写入发送缓冲；会话已关闭或缓冲已满时返回 false
func (s *Session) Enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("send buffer full, dropping message")
		return false
	}
}

// Done 会话关闭时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close 关闭会话，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Run 启动写协程并在当前协程读取，直到连接断开或 ctx 结束
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	s.readPump()
}

func (s *Session) readPump() {
	pongWait := s.opts.PingPeriod * 2
	s.conn.SetReadLimit(maxInboundMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("session read failed", "error", err)
			}
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("failed to write notification, closing session", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
