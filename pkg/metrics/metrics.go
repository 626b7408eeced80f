// Package metrics 提供 Prometheus 指标集合：tick 处理、通知投递、死信、会话与 HTTP 请求
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricealert"

// Metrics 指标集合。所有记录方法对 nil 接收者安全，便于测试与关闭指标时直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// tick 处理耗时
	TickProcessingDuration prometheus.Histogram
	// tick 处理结果计数：processed, seeded, dead_lettered, invalid
	TicksTotal *prometheus.CounterVec
	// 发布到通知总线的通知数
	NotificationsPublished prometheus.Counter
	// 会话投递结果计数：delivered, dropped_offline, dropped_full
	NotificationsDelivered *prometheus.CounterVec
	// 当前在线会话数
	ActiveSessions prometheus.Gauge
	// 规则索引同步失败（重试耗尽）次数
	IndexSyncFailures prometheus.Counter
	// 订阅乐观锁冲突重试次数
	StoreConflictRetries prometheus.Counter
	// 观察到的死信消息数
	DeadLettersObserved *prometheus.CounterVec
}

// New 创建指标实例并注册到独立 registry
func New(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "Total HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "path"}),

		TickProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "tick_processing_duration_seconds",
			Help:        "Time spent matching one price tick against the rule index",
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			ConstLabels: constLabels,
		}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ticks_total",
			Help:        "Price ticks consumed, by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		NotificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "notifications_published_total",
			Help:        "Notifications published to the notification bus",
			ConstLabels: constLabels,
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "notifications_delivered_total",
			Help:        "Notifications handed to push sessions, by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_sessions",
			Help:        "Currently registered push sessions",
			ConstLabels: constLabels,
		}),
		IndexSyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "index_sync_failures_total",
			Help:        "Domain events that could not be applied to the rule index after retries",
			ConstLabels: constLabels,
		}),
		StoreConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "store_conflict_retries_total",
			Help:        "Optimistic lock conflicts retried by the subscription store",
			ConstLabels: constLabels,
		}),
		DeadLettersObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dead_letters_observed_total",
			Help:        "Records seen on dead-letter topics",
			ConstLabels: constLabels,
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TickProcessingDuration,
		m.TicksTotal,
		m.NotificationsPublished,
		m.NotificationsDelivered,
		m.ActiveSessions,
		m.IndexSyncFailures,
		m.StoreConflictRetries,
		m.DeadLettersObserved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ObserveTick 记录一次 tick 处理结果与耗时
func (m *Metrics) ObserveTick(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.TickProcessingDuration.Observe(d.Seconds())
	}
}

// NotificationPublished 记录一次通知发布
func (m *Metrics) NotificationPublished() {
	if m == nil {
		return
	}
	m.NotificationsPublished.Inc()
}

// NotificationDelivery 记录一次会话投递结果
func (m *Metrics) NotificationDelivery(result string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(result).Inc()
}

// SetActiveSessions 更新在线会话数
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// IndexSyncFailed 记录一次索引同步失败
func (m *Metrics) IndexSyncFailed() {
	if m == nil {
		return
	}
	m.IndexSyncFailures.Inc()
}

// StoreConflictRetried 记录一次乐观锁冲突重试
func (m *Metrics) StoreConflictRetried() {
	if m == nil {
		return
	}
	m.StoreConflictRetries.Inc()
}

// DeadLetterObserved 记录一条死信
func (m *Metrics) DeadLetterObserved(topic string) {
	if m == nil {
		return
	}
	m.DeadLettersObserved.WithLabelValues(topic).Inc()
}
