package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fivebear/oddsdesk/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.AccountSnapshot
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.AccountSnapshot),
	}
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s already exists", entry.ID)
		}
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out, nil
}

func (s *MemoryStore) ListLedgerEntriesByNumber(_ context.Context, number string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Number == number {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, acc *model.AccountSnapshot) error {
	if acc.ID == "" {
		return fmt.Errorf("account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acc.ID] = *acc
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &acc, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AccountSnapshot, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
