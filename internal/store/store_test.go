package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func entry(number string, dir model.Direction, amount float64) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:         uuid.New().String(),
		Number:     number,
		PlayType:   11,
		Direction:  dir,
		Amount:     d(amount),
		RecordedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func snapshot(id string, balance float64) *model.AccountSnapshot {
	return &model.AccountSnapshot{
		ID:           id,
		SourceID:     "siteA",
		Role:         model.RoleMember,
		Status:       model.StatusIdle,
		Balance:      d(balance),
		Assigned:     decimal.Zero,
		Locked:       decimal.Zero,
		PerNumberCap: d(50),
		PerBetCap:    decimal.Zero,
		MinIncrement: d(1),
	}
}

// exercise runs the same contract checks against any Store.
func exercise(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	for _, e := range []*model.LedgerEntry{
		entry("1234", model.DirectionIn, 100),
		entry("1234", model.DirectionOut, 40),
		entry("5678", model.DirectionIn, 7.5),
	} {
		if err := st.InsertLedgerEntry(ctx, e); err != nil {
			t.Fatalf("insert ledger entry: %v", err)
		}
	}

	byNum, err := st.ListLedgerEntriesByNumber(ctx, "1234")
	if err != nil {
		t.Fatalf("list by number: %v", err)
	}
	if len(byNum) < 2 {
		t.Errorf("expected at least 2 entries for 1234, got %d", len(byNum))
	}
	for _, e := range byNum {
		if e.Number != "1234" {
			t.Errorf("unexpected number %s in 1234 listing", e.Number)
		}
	}

	all, err := st.ListLedgerEntries(ctx)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(all) < 3 {
		t.Errorf("expected at least 3 entries, got %d", len(all))
	}

	acc := snapshot("acc-"+uuid.NewString()[:8], 500)
	if err := st.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	got, err := st.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.Balance.Equal(d(500)) || !got.PerNumberCap.Equal(d(50)) {
		t.Errorf("unexpected snapshot %+v", got)
	}

	acc.Balance = d(650)
	acc.Locked = d(20)
	if err := st.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("re-upsert account: %v", err)
	}
	got, _ = st.GetAccount(ctx, acc.ID)
	if !got.Balance.Equal(d(650)) || !got.Locked.Equal(d(20)) {
		t.Errorf("upsert did not replace the snapshot: %+v", got)
	}

	if _, err := st.GetAccount(ctx, "missing-"+uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := st.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	found := false
	for _, a := range list {
		if a.ID == acc.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("account %s missing from list", acc.ID)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMemoryStore_DuplicateLedgerID(t *testing.T) {
	st := NewMemoryStore()
	e := entry("1234", model.DirectionIn, 1)
	if err := st.InsertLedgerEntry(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.InsertLedgerEntry(context.Background(), e); err == nil {
		t.Error("expected an error for a duplicate entry id")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	st.UpsertAccount(ctx, snapshot("acc1", 100))

	got, _ := st.GetAccount(ctx, "acc1")
	got.Balance = d(1)

	again, _ := st.GetAccount(ctx, "acc1")
	if !again.Balance.Equal(d(100)) {
		t.Errorf("mutating a returned snapshot changed the store: %s", again.Balance)
	}
}

// The tests below need live services and are skipped unless
// DESK_TEST_DATABASE_URL / DESK_TEST_REDIS_URL are set.

func postgresForTest(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DESK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DESK_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	st := NewPostgresStore(pool)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestPostgresStore(t *testing.T) {
	exercise(t, postgresForTest(t))
}

func TestCachedStore(t *testing.T) {
	url := os.Getenv("DESK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DESK_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	st := NewCachedStore(primary, rdb, time.Minute)
	exercise(t, st)

	// A cached read survives until the next write invalidates it.
	ctx := context.Background()
	acc := snapshot("cache-"+uuid.NewString()[:8], 10)
	st.UpsertAccount(ctx, acc)
	st.GetAccount(ctx, acc.ID)

	acc.Balance = d(20)
	primary.UpsertAccount(ctx, acc)
	cached, _ := st.GetAccount(ctx, acc.ID)
	if !cached.Balance.Equal(d(10)) {
		t.Errorf("expected the cached balance 10, got %s", cached.Balance)
	}

	st.UpsertAccount(ctx, acc)
	fresh, _ := st.GetAccount(ctx, acc.ID)
	if !fresh.Balance.Equal(d(20)) {
		t.Errorf("expected invalidation to expose balance 20, got %s", fresh.Balance)
	}
}
