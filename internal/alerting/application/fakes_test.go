package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

// memIndex 内存规则索引
type memIndex struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
	err  error
}

func newMemIndex() *memIndex {
	return &memIndex{sets: map[string]map[string]float64{}}
}

func (m *memIndex) Add(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.sets[key] == nil {
		m.sets[key] = map[string]float64{}
	}
	m.sets[key][member] = score
	return nil
}

func (m *memIndex) Remove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.sets[key], member)
	if len(m.sets[key]) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *memIndex) RangeByScore(_ context.Context, key string, min, max float64, minInclusive, maxInclusive bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []string
	for member, score := range m.sets[key] {
		if score < min || (score == min && !minInclusive) {
			continue
		}
		if score > max || (score == max && !maxInclusive) {
			continue
		}
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memIndex) Entries(_ context.Context, key string) ([]domain.IndexEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.IndexEntry
	for member, score := range m.sets[key] {
		out = append(out, domain.IndexEntry{Key: key, Member: member, Score: score})
	}
	return out, nil
}

func (m *memIndex) Score(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.sets[key][member]
	return score, ok, nil
}

func (m *memIndex) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.sets {
		out = append(out, k)
	}
	return out, nil
}

func (m *memIndex) DeleteAll(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sets)
	m.sets = map[string]map[string]float64{}
	return n, nil
}

func (m *memIndex) size(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[key])
}

// memPrices 内存价格缓存
type memPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	getErr error
	setErr error
}

func newMemPrices() *memPrices {
	return &memPrices{prices: map[string]decimal.Decimal{}}
}

func (m *memPrices) Get(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return decimal.Decimal{}, false, m.getErr
	}
	p, ok := m.prices[asset]
	return p, ok, nil
}

func (m *memPrices) Set(_ context.Context, asset string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.prices[asset] = price
	return nil
}

func (m *memPrices) DeleteAll(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.prices)
	m.prices = map[string]decimal.Decimal{}
	return n, nil
}

// captureNotifier 记录发布的通知
type captureNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (c *captureNotifier) PublishNotification(_ context.Context, n domain.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, n := range c.sent {
		out = append(out, n.User)
	}
	sort.Strings(out)
	return out
}

// memUsers 内存用户仓储
type memUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newMemUsers(ids ...string) *memUsers {
	m := &memUsers{users: map[string]*domain.User{}}
	for _, id := range ids {
		m.users[id] = &domain.User{ID: id, Username: id}
	}
	return m
}

func (m *memUsers) Create(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return domain.ErrUserAlreadyExists
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// memRepo 内存告警仓储，可注入版本冲突与创建竞争
type memRepo struct {
	mu        sync.Mutex
	nextID    uint64
	alerts    map[string]*domain.Alert
	conflicts int
	races     int
}

func newMemRepo() *memRepo {
	return &memRepo{alerts: map[string]*domain.Alert{}}
}

// normKey decimal 内含指针，不能直接作为 map key
func normKey(k domain.AlertKey) string {
	return k.String()
}

func cloneAlert(a *domain.Alert) *domain.Alert {
	cp := *a
	cp.Subscribers = append([]string(nil), a.Subscribers...)
	return &cp
}

func (r *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *memRepo) FindAlert(_ context.Context, key domain.AlertKey) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[normKey(key)]; ok {
		return cloneAlert(a), nil
	}
	return nil, nil
}

func (r *memRepo) CreateAlert(_ context.Context, key domain.AlertKey) (*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := normKey(key)
	if _, ok := r.alerts[k]; ok {
		return nil, domain.ErrAlertCreateRace
	}
	r.nextID++
	r.alerts[k] = &domain.Alert{ID: r.nextID, Key: key}
	if r.races > 0 {
		// 模拟另一个事务抢先提交了同一行
		r.races--
		return nil, domain.ErrAlertCreateRace
	}
	return cloneAlert(r.alerts[k]), nil
}

func (r *memRepo) bump(alert *domain.Alert) (*domain.Alert, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return nil, domain.ErrVersionConflict
	}
	stored, ok := r.alerts[normKey(alert.Key)]
	if !ok || stored.Version != alert.Version {
		return nil, domain.ErrVersionConflict
	}
	stored.Version++
	alert.Version = stored.Version
	return stored, nil
}

func (r *memRepo) AddSubscriber(_ context.Context, alert *domain.Alert, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := r.bump(alert)
	if err != nil {
		return err
	}
	stored.AddSubscriber(userID)
	alert.AddSubscriber(userID)
	return nil
}

func (r *memRepo) RemoveSubscriber(_ context.Context, alert *domain.Alert, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, err := r.bump(alert)
	if err != nil {
		return err
	}
	stored.RemoveSubscriber(userID)
	alert.RemoveSubscriber(userID)
	return nil
}

func (r *memRepo) DeleteAlert(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := normKey(alert.Key)
	stored, ok := r.alerts[k]
	if !ok || stored.Version != alert.Version {
		return domain.ErrVersionConflict
	}
	delete(r.alerts, k)
	return nil
}

func (r *memRepo) ListByUser(_ context.Context, userID string) ([]*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Alert
	for _, a := range r.alerts {
		if a.HasSubscriber(userID) {
			out = append(out, cloneAlert(a))
		}
	}
	return out, nil
}

func (r *memRepo) ListAll(context.Context) ([]*domain.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Alert
	for _, a := range r.alerts {
		out = append(out, cloneAlert(a))
	}
	return out, nil
}

func (r *memRepo) DeleteAll(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.alerts))
	r.alerts = map[string]*domain.Alert{}
	return n, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// recordingEvents 记录事件并可同步应用到索引
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.AlertEvent
	apply  *IndexSynchronizer
	err    error
}

func (p *recordingEvents) PublishAlertEvent(ctx context.Context, e domain.AlertEvent) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.apply != nil {
		return p.apply.Apply(ctx, e)
	}
	return nil
}

func (p *recordingEvents) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

// recordingDLQ 记录死信
type recordingDLQ struct {
	mu     sync.Mutex
	keys   []string
	causes []error
}

func (d *recordingDLQ) SendDeadLetter(_ context.Context, key string, _ []byte, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	d.causes = append(d.causes, cause)
	return nil
}

var errUnavailable = errors.New("backend unavailable")
