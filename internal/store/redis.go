package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fivebear/oddsdesk/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(entry.Number))
	return nil
}

func (s *CachedStore) UpsertAccount(ctx context.Context, acc *model.AccountSnapshot) error {
	if err := s.primary.UpsertAccount(ctx, acc); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(acc.ID), accountsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.AccountSnapshot, error) {
	var acc model.AccountSnapshot
	if s.load(ctx, accountKey(id), &acc) {
		return &acc, nil
	}

	got, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, accountKey(id), got)
	return got, nil
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.AccountSnapshot, error) {
	var accs []model.AccountSnapshot
	if s.load(ctx, accountsKey, &accs) {
		return accs, nil
	}

	accs, err := s.primary.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, accountsKey, accs)
	return accs, nil
}

func (s *CachedStore) ListLedgerEntriesByNumber(ctx context.Context, number string) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	if s.load(ctx, ledgerKey(number), &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListLedgerEntriesByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ledgerKey(number), entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const accountsKey = "desk:accounts"

func accountKey(id string) string    { return fmt.Sprintf("desk:account:%s", id) }
func ledgerKey(number string) string { return fmt.Sprintf("desk:ledger:%s", number) }
