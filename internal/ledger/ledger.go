// Package ledger keeps the desk's append-only settlement records and the
// profit rollups derived from them.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

var (
	ErrNegativeAmount = fmt.Errorf("%w: ledger: amount must be non-negative", model.ErrValidation)
	ErrDirection      = fmt.Errorf("%w: ledger: direction must be in or out", model.ErrValidation)
	ErrPlayType       = fmt.Errorf("%w: ledger: unknown play type", model.ErrValidation)
	ErrEmptyNumber    = fmt.Errorf("%w: ledger: number is required", model.ErrValidation)
)

// Ledger is an append-only record of money taken in and paid out. Entries are
// never modified or removed. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries []model.LedgerEntry
	now     func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// Restore rebuilds a ledger from previously persisted entries, in the order
// given.
func Restore(entries []model.LedgerEntry) (*Ledger, error) {
	l := New()
	for _, e := range entries {
		if err := check(e); err != nil {
			return nil, fmt.Errorf("restore entry %s: %w", e.ID, err)
		}
	}
	l.entries = append(l.entries, entries...)
	return l, nil
}

// RecordIn appends an incoming amount for (num, pt).
func (l *Ledger) RecordIn(num string, pt model.PlayType, amount decimal.Decimal) (model.LedgerEntry, error) {
	return l.Record(num, pt, model.DirectionIn, amount)
}

// RecordOut appends an outgoing amount for (num, pt).
func (l *Ledger) RecordOut(num string, pt model.PlayType, amount decimal.Decimal) (model.LedgerEntry, error) {
	return l.Record(num, pt, model.DirectionOut, amount)
}

// Record appends one entry and returns it.
func (l *Ledger) Record(num string, pt model.PlayType, dir model.Direction, amount decimal.Decimal) (model.LedgerEntry, error) {
	e, err := l.NewEntry(num, pt, dir, amount)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if err := l.Append(e); err != nil {
		return model.LedgerEntry{}, err
	}
	return e, nil
}

// NewEntry validates (num, pt, dir, amount) and returns a stamped entry with
// the number normalized. The entry does not count until it is passed to
// Append, so a caller can journal it first.
func (l *Ledger) NewEntry(num string, pt model.PlayType, dir model.Direction, amount decimal.Decimal) (model.LedgerEntry, error) {
	e := model.LedgerEntry{
		ID:         uuid.New().String(),
		Number:     number.Normalize(num),
		PlayType:   pt,
		Direction:  dir,
		Amount:     amount,
		RecordedAt: l.now().UTC(),
	}
	if err := check(e); err != nil {
		return model.LedgerEntry{}, err
	}
	return e, nil
}

// Append adds an entry built by NewEntry.
func (l *Ledger) Append(e model.LedgerEntry) error {
	if err := check(e); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("%w: ledger: entry id is required", model.ErrValidation)
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

func check(e model.LedgerEntry) error {
	switch {
	case e.Number == "":
		return ErrEmptyNumber
	case !e.PlayType.Valid():
		return fmt.Errorf("%w: %d", ErrPlayType, e.PlayType)
	case e.Direction != model.DirectionIn && e.Direction != model.DirectionOut:
		return fmt.Errorf("%w: %q", ErrDirection, e.Direction)
	case e.Amount.IsNegative():
		return fmt.Errorf("%w: got %s", ErrNegativeAmount, e.Amount)
	}
	if _, err := number.Parse(e.Number, e.PlayType); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func signed(e model.LedgerEntry) decimal.Decimal {
	if e.Direction == model.DirectionOut {
		return e.Amount.Neg()
	}
	return e.Amount
}

// TotalIn sums every incoming entry.
func (l *Ledger) TotalIn() decimal.Decimal { return l.total(model.DirectionIn) }

// TotalOut sums every outgoing entry.
func (l *Ledger) TotalOut() decimal.Decimal { return l.total(model.DirectionOut) }

func (l *Ledger) total(dir model.Direction) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, e := range l.entries {
		if e.Direction == dir {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

// NetProfit is totalIn − totalOut over every entry.
func (l *Ledger) NetProfit() decimal.Decimal {
	return l.sum(func(model.LedgerEntry) bool { return true })
}

// NetProfitFor is totalIn − totalOut over the entries of one play type.
func (l *Ledger) NetProfitFor(pt model.PlayType) decimal.Decimal {
	return l.sum(func(e model.LedgerEntry) bool { return e.PlayType == pt })
}

// ProfitFor is the net of one (number, play type).
func (l *Ledger) ProfitFor(num string, pt model.PlayType) decimal.Decimal {
	return l.sum(func(e model.LedgerEntry) bool { return e.Number == num && e.PlayType == pt })
}

func (l *Ledger) sum(keep func(model.LedgerEntry) bool) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	net := decimal.Zero
	for _, e := range l.entries {
		if keep(e) {
			net = net.Add(signed(e))
		}
	}
	return net
}

// ProfitByNumber rolls the net up per "number#playType" key.
func (l *Ledger) ProfitByNumber() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for _, e := range l.entries {
		k := model.Key(e.Number, e.PlayType)
		out[k] = out[k].Add(signed(e))
	}
	return out
}

// Entries returns a copy of the entries in one direction, oldest first.
func (l *Ledger) Entries(dir model.Direction) []model.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.LedgerEntry
	for _, e := range l.entries {
		if e.Direction == dir {
			out = append(out, e)
		}
	}
	return out
}

// EntriesByNumber returns a copy of every entry for num, oldest first.
func (l *Ledger) EntriesByNumber(num string) []model.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.LedgerEntry
	for _, e := range l.entries {
		if e.Number == num {
			out = append(out, e)
		}
	}
	return out
}

// Keys lists the "number#playType" keys seen so far, sorted.
func (l *Ledger) Keys() []string {
	byNum := l.ProfitByNumber()
	keys := make([]string, 0, len(byNum))
	for k := range byNum {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
