package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
)

type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "hashed:" + p, nil }

func (plainHasher) Compare(hash, p string) error {
	if hash != "hashed:"+p {
		return errors.New("mismatch")
	}
	return nil
}

type stubIssuer struct{}

func (stubIssuer) Issue(userID, _ string) (string, time.Time, error) {
	return "token-" + userID, time.Now().Add(time.Hour), nil
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	users := newMemUsers()
	svc := NewUserService(users, plainHasher{}, stubIssuer{})
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterCommand{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == "" || u.PasswordHash == "correct-horse" {
		t.Fatalf("user = %+v", u)
	}

	if _, err := svc.Register(ctx, RegisterCommand{Username: "alice", Password: "another-pass"}); !errors.Is(err, domain.ErrUserAlreadyExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := svc.Register(ctx, RegisterCommand{Username: "bob", Password: "short"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("short password err = %v", err)
	}

	res, err := svc.Login(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	if res.Token != "token-"+u.ID || res.UserID != u.ID {
		t.Fatalf("login = %+v", res)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "whatever1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestMaintenance_ReindexRepairsDrift(t *testing.T) {
	f := newSubscriptionFixture("u1", "u2")
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		if _, err := f.svc.Subscribe(ctx, cmd(u, "BTC", domain.DirectionAbove, "100")); err != nil {
			t.Fatal(err)
		}
	}
	// 模拟丢失的事件与残留条目
	_ = f.index.Remove(ctx, "BTC:1", "u2:100")
	_ = f.index.Add(ctx, "BTC:-1", "stale:5", 5)

	m := NewMaintenanceService(f.repo, f.index, newMemPrices())
	report, err := m.Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Alerts != 1 || report.Entries != 2 || report.Added != 1 || report.Removed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if f.index.size("BTC:1") != 2 || f.index.size("BTC:-1") != 0 {
		t.Fatalf("index not rebuilt: above=%d below=%d", f.index.size("BTC:1"), f.index.size("BTC:-1"))
	}
}

// journalIndex 记录对规则索引的破坏性操作
type journalIndex struct {
	*memIndex
	removed   []string
	deleteAll int
}

func (j *journalIndex) Remove(ctx context.Context, key, member string) error {
	j.removed = append(j.removed, key+"/"+member)
	return j.memIndex.Remove(ctx, key, member)
}

func (j *journalIndex) DeleteAll(ctx context.Context) (int, error) {
	j.deleteAll++
	return j.memIndex.DeleteAll(ctx)
}

func TestMaintenance_ReindexKeepsLiveEntries(t *testing.T) {
	f := newSubscriptionFixture("u1", "u2")
	ctx := context.Background()
	if _, err := f.svc.Subscribe(ctx, cmd("u1", "BTC", domain.DirectionAbove, "100")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Subscribe(ctx, cmd("u2", "BTC", domain.DirectionBelow, "50")); err != nil {
		t.Fatal(err)
	}
	// 分数漂移的条目需要就地修正
	_ = f.index.Add(ctx, "BTC:-1", "u2:50", 49)
	_ = f.index.Add(ctx, "ETH:1", "ghost:7", 7)

	journal := &journalIndex{memIndex: f.index}
	report, err := NewMaintenanceService(f.repo, journal, newMemPrices()).Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if journal.deleteAll != 0 {
		t.Fatal("reindex wiped the live index")
	}
	if len(journal.removed) != 1 || journal.removed[0] != "ETH:1/ghost:7" {
		t.Fatalf("removed = %v, want only the stale entry", journal.removed)
	}
	if report.Added != 1 || report.Removed != 1 || report.Entries != 2 {
		t.Fatalf("report = %+v", report)
	}
	if score, ok, _ := f.index.Score(ctx, "BTC:-1", "u2:50"); !ok || score != 50 {
		t.Fatalf("drifted score = %v %v, want 50", score, ok)
	}
	if _, ok, _ := f.index.Score(ctx, "BTC:1", "u1:100"); !ok {
		t.Fatal("correct entry lost")
	}

	// 已一致时不做任何写入
	again, err := NewMaintenanceService(f.repo, journal, newMemPrices()).Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 || again.Removed != 0 {
		t.Fatalf("second pass = %+v, want no-op", again)
	}
}

func TestMaintenance_Cleanup(t *testing.T) {
	f := newSubscriptionFixture("u1")
	ctx := context.Background()
	if _, err := f.svc.Subscribe(ctx, cmd("u1", "BTC", domain.DirectionAbove, "100")); err != nil {
		t.Fatal(err)
	}
	prices := newMemPrices()
	_ = prices.Set(ctx, "BTC", decimal.NewFromInt(1))

	report, err := NewMaintenanceService(f.repo, f.index, prices).Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.AlertsDeleted != 1 || report.IndexKeysDeleted != 1 || report.PricesDeleted != 1 {
		t.Fatalf("report = %+v", report)
	}
	if f.repo.count() != 0 || f.index.size("BTC:1") != 0 {
		t.Fatal("state not cleared")
	}
}

type recordingSessions struct {
	online    map[string]bool
	delivered []string
}

func (r *recordingSessions) Deliver(userID string, _ []byte) bool {
	if !r.online[userID] {
		return false
	}
	r.delivered = append(r.delivered, userID)
	return true
}

func TestNotificationDispatcher(t *testing.T) {
	sessions := &recordingSessions{online: map[string]bool{"u1": true}}
	d := NewNotificationDispatcher(sessions)
	ctx := context.Background()

	d.HandlePayload(ctx, []byte(`{"asset":"BTC","price":"110","user":"u1"}`))
	d.HandlePayload(ctx, []byte(`{"asset":"BTC","price":"110","user":"offline"}`))
	d.HandlePayload(ctx, []byte(`not json`))
	d.HandlePayload(ctx, []byte(`{"asset":"BTC","price":"110"}`))

	if len(sessions.delivered) != 1 || sessions.delivered[0] != "u1" {
		t.Fatalf("delivered = %v", sessions.delivered)
	}
}
