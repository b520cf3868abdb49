package model

import (
	"sync"

	"github.com/shopspring/decimal"
)

// AccountStatus mirrors the readiness reported by the account/site
// collaborator.
type AccountStatus string

const (
	StatusIdle      AccountStatus = "idle"
	StatusLoggedIn  AccountStatus = "logged_in"
	StatusLoggedOut AccountStatus = "logged_out"
	StatusBetting   AccountStatus = "betting"
	StatusError     AccountStatus = "error"
)

// AccountRole tags member and admin accounts. The allocator never dispatches
// on it; it is carried for the collaborator.
type AccountRole string

const (
	RoleMember AccountRole = "member"
	RoleAdmin  AccountRole = "admin"
)

// AccountSnapshot is a plain copy of an account's capacity counters.
// A zero PerNumberCap or PerBetCap means no cap.
type AccountSnapshot struct {
	ID           string          `json:"id" db:"id"`
	SourceID     string          `json:"source_id" db:"source_id"`
	Role         AccountRole     `json:"role" db:"role"`
	Status       AccountStatus   `json:"status" db:"status"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	Assigned     decimal.Decimal `json:"assigned" db:"assigned"`
	Locked       decimal.Decimal `json:"locked" db:"locked"`
	PerNumberCap decimal.Decimal `json:"per_number_cap" db:"per_number_cap"`
	PerBetCap    decimal.Decimal `json:"per_bet_cap" db:"per_bet_cap"`
	MinIncrement decimal.Decimal `json:"min_increment" db:"min_increment"`
}

// Free is balance − assigned − locked.
func (s AccountSnapshot) Free() decimal.Decimal {
	return s.Balance.Sub(s.Assigned).Sub(s.Locked)
}

// Validate rejects snapshots that cannot satisfy assigned+locked ≤ balance.
func (s AccountSnapshot) Validate() error {
	switch {
	case s.ID == "":
		return Invalidf("account id is required")
	case s.SourceID == "":
		return Invalidf("account %s: source_id is required", s.ID)
	case s.Balance.IsNegative(), s.Assigned.IsNegative(), s.Locked.IsNegative():
		return Invalidf("account %s: negative counter", s.ID)
	case s.PerNumberCap.IsNegative(), s.PerBetCap.IsNegative(), s.MinIncrement.IsNegative():
		return Invalidf("account %s: negative limit", s.ID)
	case s.Free().IsNegative():
		return Invalidf("account %s: assigned+locked exceeds balance", s.ID)
	}
	return nil
}

// Account is a live, lock-guarded account shared between concurrent
// allocation calls. All counter mutation goes through its methods so that
// assigned+locked never exceeds balance.
type Account struct {
	mu   sync.Mutex
	snap AccountSnapshot
}

// NewAccount validates s and wraps it. A zero MinIncrement becomes one unit.
func NewAccount(s AccountSnapshot) (*Account, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.MinIncrement.IsZero() {
		s.MinIncrement = decimal.NewFromInt(1)
	}
	return &Account{snap: s}, nil
}

// ID returns the account identifier.
func (a *Account) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.ID
}

// Snapshot returns a consistent copy of all counters.
func (a *Account) Snapshot() AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// SetStatus records the collaborator-reported readiness.
func (a *Account) SetStatus(st AccountStatus) {
	a.mu.Lock()
	a.snap.Status = st
	a.mu.Unlock()
}

// Reserve adds amount to the assigned counter if it fits within free
// capacity. It reports false and changes nothing otherwise.
func (a *Account) Reserve(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount.GreaterThan(a.snap.Free()) {
		return false
	}
	a.snap.Assigned = a.snap.Assigned.Add(amount)
	return true
}

// Release returns up to amount of assigned capacity.
func (a *Account) Release(amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Assigned = decimal.Max(decimal.Zero, a.snap.Assigned.Sub(amount))
}

// Commit moves amount from assigned to locked, as when the collaborator
// places the bet that an allocation planned.
func (a *Account) Commit(amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount.IsNegative() || amount.GreaterThan(a.snap.Assigned) {
		return Invalidf("account %s: cannot commit %s of %s assigned",
			a.snap.ID, amount, a.snap.Assigned)
	}
	a.snap.Assigned = a.snap.Assigned.Sub(amount)
	a.snap.Locked = a.snap.Locked.Add(amount)
	return nil
}

// Unlock releases locked capacity, as when a placed bet is cancelled.
func (a *Account) Unlock(amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Locked = decimal.Max(decimal.Zero, a.snap.Locked.Sub(amount))
}

// Update replaces balance, limits, role and status from a fresh collaborator
// snapshot while keeping the in-flight assigned counter.
func (a *Account) Update(s AccountSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.ID = a.snap.ID
	s.Assigned = a.snap.Assigned
	if s.MinIncrement.IsZero() {
		s.MinIncrement = decimal.NewFromInt(1)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	a.snap = s
	return nil
}
