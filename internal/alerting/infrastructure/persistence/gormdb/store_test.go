package gormdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	redisstore "github.com/wyfcoding/pricealert/internal/alerting/infrastructure/persistence/redis"
	"github.com/wyfcoding/pricealert/pkg/cache"
	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/db"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := db.Open(sqlite.Open(dsn), config.DatabaseConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := AutoMigrate(database.DB); err != nil {
		t.Fatal(err)
	}
	return database
}

func seedUsers(t *testing.T, users *UserRepository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := users.Create(context.Background(), &domain.User{ID: id, Username: "name-" + id, PasswordHash: "x", CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
}

func mustKey(t *testing.T, asset string, dir domain.Direction, threshold string) domain.AlertKey {
	t.Helper()
	k, err := domain.NewAlertKey(asset, dir, decimal.RequireFromString(threshold))
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestUserRepository(t *testing.T) {
	database := openTestDB(t)
	users := NewUserRepository(database)
	ctx := context.Background()

	seedUsers(t, users, "u1")
	err := users.Create(ctx, &domain.User{ID: "u2", Username: "name-u1", PasswordHash: "x"})
	if !errors.Is(err, domain.ErrUserAlreadyExists) {
		t.Fatalf("duplicate username err = %v", err)
	}

	u, err := users.GetByUsername(ctx, "name-u1")
	if err != nil || u == nil || u.ID != "u1" {
		t.Fatalf("GetByUsername = %+v, %v", u, err)
	}
	if u, err := users.GetByID(ctx, "missing"); err != nil || u != nil {
		t.Fatalf("GetByID(missing) = %+v, %v", u, err)
	}
}

func TestAlertRepository_Lifecycle(t *testing.T) {
	database := openTestDB(t)
	repo := NewAlertRepository(database)
	ctx := context.Background()
	key := mustKey(t, "BTC", domain.DirectionAbove, "100.50")

	if a, err := repo.FindAlert(ctx, key); err != nil || a != nil {
		t.Fatalf("FindAlert before create = %+v, %v", a, err)
	}

	created, err := repo.CreateAlert(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateAlert(ctx, mustKey(t, "BTC", domain.DirectionAbove, "100.5000")); !errors.Is(err, domain.ErrAlertCreateRace) {
		t.Fatalf("second create err = %v, want ErrAlertCreateRace", err)
	}

	if err := repo.AddSubscriber(ctx, created, "u1"); err != nil {
		t.Fatal(err)
	}
	if created.Version != 1 || !created.HasSubscriber("u1") {
		t.Fatalf("alert after add = %+v", created)
	}

	stale := *created
	stale.Version = 0
	if err := repo.AddSubscriber(ctx, &stale, "u2"); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale add err = %v, want ErrVersionConflict", err)
	}

	found, err := repo.FindAlert(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != created.ID || found.Version != 1 || len(found.Subscribers) != 1 {
		t.Fatalf("found = %+v", found)
	}
	if !found.Key.Threshold.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("threshold = %s", found.Key.Threshold)
	}

	if err := repo.RemoveSubscriber(ctx, found, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteAlert(ctx, &domain.Alert{ID: found.ID, Version: 1}); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale delete err = %v", err)
	}
	if err := repo.DeleteAlert(ctx, found); err != nil {
		t.Fatal(err)
	}
	if a, _ := repo.FindAlert(ctx, key); a != nil {
		t.Fatalf("alert still present: %+v", a)
	}
}

func TestAlertRepository_TransactionRollback(t *testing.T) {
	database := openTestDB(t)
	repo := NewAlertRepository(database)
	ctx := context.Background()
	key := mustKey(t, "ETH", domain.DirectionBelow, "3000")

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(txCtx context.Context) error {
		a, err := repo.CreateAlert(txCtx, key)
		if err != nil {
			return err
		}
		if err := repo.AddSubscriber(txCtx, a, "u1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if a, _ := repo.FindAlert(ctx, key); a != nil {
		t.Fatal("rolled back alert is visible")
	}
}

type countingEvents struct {
	mu     sync.Mutex
	events []domain.AlertEvent
	apply  *application.IndexSynchronizer
}

func (c *countingEvents) PublishAlertEvent(ctx context.Context, e domain.AlertEvent) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	if c.apply != nil {
		return c.apply.Apply(ctx, e)
	}
	return nil
}

// sqlite 单连接下事务实际串行提交；版本冲突与唯一键竞争由 application 包的确定性用例覆盖，
// 这里验证并发订阅经事件同步后，存储与规则索引的最终状态一致。
func TestSubscriptionService_ConcurrentSubscribers(t *testing.T) {
	database := openTestDB(t)
	repo := NewAlertRepository(database)
	users := NewUserRepository(database)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	index := redisstore.NewRuleIndex(cache.NewFromClient(client))
	syncPolicy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	events := &countingEvents{apply: application.NewIndexSynchronizer(index, syncPolicy, nil, nil)}

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%02d", i)
	}
	seedUsers(t, users, ids...)

	policy := retry.Policy{MaxAttempts: 10, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	svc := application.NewSubscriptionService(repo, users, events, policy, nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Subscribe(context.Background(), application.SubscribeCommand{
				UserID:    id,
				Asset:     "BTC",
				Direction: domain.DirectionAbove,
				Threshold: decimal.NewFromInt(70000),
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	all, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("alerts = %d, want 1", len(all))
	}
	if len(all[0].Subscribers) != n || all[0].Version != n {
		t.Fatalf("subscribers = %d version = %d, want %d", len(all[0].Subscribers), all[0].Version, n)
	}
	if len(events.events) != n {
		t.Fatalf("events = %d, want %d", len(events.events), n)
	}

	entries, err := index.Entries(context.Background(), "BTC:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("index entries = %d, want %d", len(entries), n)
	}
	for _, e := range entries {
		if e.Score != 70000 {
			t.Fatalf("entry %s score = %v", e.Member, e.Score)
		}
	}

	mine, err := repo.ListByUser(context.Background(), "user-07")
	if err != nil || len(mine) != 1 || len(mine[0].Subscribers) != n {
		t.Fatalf("ListByUser = %v, %v", mine, err)
	}

	deleted, err := repo.DeleteAll(context.Background())
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteAll = %d, %v", deleted, err)
	}
}
