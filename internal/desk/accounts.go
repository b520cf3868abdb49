package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fivebear/oddsdesk/internal/allocate"
	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/store"
)

// ErrUnknownAccount is returned for an account id the registry has not seen.
var ErrUnknownAccount = errors.New("desk: unknown account")

// Registry owns the desk's live accounts. The account/site collaborator feeds
// it snapshots; the allocator receives the live *model.Account pointers so
// capacity claims from concurrent calls land on the same counters. Every
// change is written through to the store.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	store    store.Store
}

// NewRegistry creates an empty registry persisting to st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{accounts: make(map[string]*model.Account), store: st}
}

// Load replaces the registry contents with the snapshots held in the store.
func (r *Registry) Load(ctx context.Context) error {
	snaps, err := r.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	loaded := make(map[string]*model.Account, len(snaps))
	for _, s := range snaps {
		acc, err := model.NewAccount(s)
		if err != nil {
			return fmt.Errorf("load account %s: %w", s.ID, err)
		}
		loaded[s.ID] = acc
	}
	r.mu.Lock()
	r.accounts = loaded
	r.mu.Unlock()
	return nil
}

// Upsert registers a new account or refreshes an existing one from the
// collaborator's snapshot. A refresh keeps the in-flight assigned amount.
func (r *Registry) Upsert(ctx context.Context, s model.AccountSnapshot) (model.AccountSnapshot, error) {
	r.mu.Lock()
	acc, ok := r.accounts[s.ID]
	if ok {
		if err := acc.Update(s); err != nil {
			r.mu.Unlock()
			return model.AccountSnapshot{}, err
		}
	} else {
		var err error
		if acc, err = model.NewAccount(s); err != nil {
			r.mu.Unlock()
			return model.AccountSnapshot{}, err
		}
		r.accounts[s.ID] = acc
	}
	r.mu.Unlock()

	return r.persist(ctx, acc)
}

// Get returns the live account for id.
func (r *Registry) Get(id string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acc, nil
}

// List returns every live account ordered by id.
func (r *Registry) List() []*model.Account {
	r.mu.RLock()
	out := make([]*model.Account, 0, len(r.accounts))
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, r.accounts[id])
	}
	r.mu.RUnlock()
	return out
}

// Select returns the live accounts for ids in the order given, or every
// account when ids is empty.
func (r *Registry) Select(ids []string) ([]*model.Account, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}
	out := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		acc, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// Snapshots returns a copy of every account's counters ordered by id.
func (r *Registry) Snapshots() []model.AccountSnapshot {
	accs := r.List()
	out := make([]model.AccountSnapshot, len(accs))
	for i, a := range accs {
		out[i] = a.Snapshot()
	}
	return out
}

// Apply runs fn against the live account id and persists the result.
func (r *Registry) Apply(ctx context.Context, id string, fn func(*model.Account) error) (model.AccountSnapshot, error) {
	acc, err := r.Get(id)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	if err := fn(acc); err != nil {
		return model.AccountSnapshot{}, err
	}
	return r.persist(ctx, acc)
}

// Persist writes the current counters of the given accounts to the store.
func (r *Registry) Persist(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		acc, err := r.Get(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := r.persist(ctx, acc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseAllocations hands back the capacity allocs reserved, for an
// allocation that could not be committed, and writes the restored counters
// through.
func (r *Registry) ReleaseAllocations(ctx context.Context, allocs []allocate.Allocation) {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range allocs {
		acc, err := r.Get(a.AccountID)
		if err != nil {
			continue
		}
		acc.Release(a.Amount)
		if !seen[a.AccountID] {
			seen[a.AccountID] = true
			ids = append(ids, a.AccountID)
		}
	}
	if err := r.Persist(ctx, ids...); err != nil {
		slog.Warn("released counters not persisted", "accounts", len(ids), "err", err)
	}
}

func (r *Registry) persist(ctx context.Context, acc *model.Account) (model.AccountSnapshot, error) {
	snap := acc.Snapshot()
	if err := r.store.UpsertAccount(ctx, &snap); err != nil {
		return snap, fmt.Errorf("persist account %s: %w", snap.ID, err)
	}
	return snap, nil
}
