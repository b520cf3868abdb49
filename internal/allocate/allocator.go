// Package allocate spreads stake demand across capacity-constrained accounts.
//
// Two modes are offered:
//
//   - Allocate fills each task greedily from idle accounts, picking the
//     account whose own source quotes the best odds.
//   - AllocateByBestOdds walks the sources best odds first and prefers one
//     account covering the whole remainder before fragmenting.
//
// Both modes conserve demand (assigned + unassigned == requested), never let
// an account's assigned+locked exceed its balance, and never let one account
// take more than its perNumberCap on a number within a call. The cap is not
// remembered across calls. Capacity is
// claimed through model.Account.Reserve, one account lock at a time, so
// concurrent calls sharing accounts cannot overdraw them. Capacity shortfall
// is reported as Unassigned, never as an error.
package allocate

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

var (
	ErrNegativeAmount = fmt.Errorf("%w: allocate: requested amount must be non-negative", model.ErrValidation)
	ErrUnknownMode    = fmt.Errorf("%w: allocate: unknown mode", model.ErrValidation)
)

// bestOddsQuantum is the granularity of AllocateByBestOdds: every assigned
// amount is floored to one decimal place.
var bestOddsQuantum = decimal.New(1, -1)

var oneUnit = decimal.NewFromInt(1)

// Mode selects an allocation strategy.
type Mode string

const (
	ModeGreedy   Mode = "greedy"
	ModeBestOdds Mode = "best_odds"
)

// ParseMode maps a mode name to a Mode. The empty string is ModeGreedy.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeGreedy:
		return ModeGreedy, nil
	case ModeBestOdds:
		return ModeBestOdds, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// QuoteSource is the read side of the odds book the allocator ranks by.
type QuoteSource interface {
	Quote(num string, pt model.PlayType, source string) (model.Quote, bool)
	Ranked(num string, pt model.PlayType) []model.Quote
}

// Allocation is one (account, number, amount, odds) assignment.
type Allocation struct {
	AccountID string          `json:"account_id"`
	SourceID  string          `json:"source_id"`
	Number    string          `json:"number"`
	PlayType  model.PlayType  `json:"play_type"`
	Amount    decimal.Decimal `json:"amount"`
	Odds      decimal.Decimal `json:"odds"`
	Package   bool            `json:"package"`
}

// Shortfall is demand no account could take.
type Shortfall struct {
	Number   string          `json:"number"`
	PlayType model.PlayType  `json:"play_type"`
	Amount   decimal.Decimal `json:"amount"`
}

// Result is the outcome of one allocation call.
type Result struct {
	ID          string       `json:"id"`
	Mode        Mode         `json:"mode"`
	Allocations []Allocation `json:"allocations"`
	Unassigned  []Shortfall  `json:"unassigned"`
}

// TotalAssigned sums every allocation.
func (r Result) TotalAssigned() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range r.Allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// TotalUnassigned sums every shortfall.
func (r Result) TotalUnassigned() decimal.Decimal {
	sum := decimal.Zero
	for _, s := range r.Unassigned {
		sum = sum.Add(s.Amount)
	}
	return sum
}

// ByAccount groups allocations by account, keeping call order.
func (r Result) ByAccount() map[string][]Allocation {
	out := make(map[string][]Allocation)
	for _, a := range r.Allocations {
		out[a.AccountID] = append(out[a.AccountID], a)
	}
	return out
}

// Allocator is stateless apart from its quote source and is safe for
// concurrent use.
type Allocator struct {
	quotes QuoteSource
}

// New creates an allocator ranking by quotes. A nil source means every
// account quotes zero odds.
func New(quotes QuoteSource) *Allocator {
	return &Allocator{quotes: quotes}
}

// Run dispatches to the allocation mode m.
func (a *Allocator) Run(m Mode, tasks []model.AllocationTask, accounts []*model.Account) (Result, error) {
	switch m {
	case "", ModeGreedy:
		return a.Allocate(tasks, accounts)
	case ModeBestOdds:
		return a.AllocateByBestOdds(tasks, accounts)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownMode, m)
}

// validate normalizes every task before any account is touched.
func validate(tasks []model.AllocationTask) ([]model.AllocationTask, error) {
	out := make([]model.AllocationTask, len(tasks))
	for i, t := range tasks {
		if t.RequestedAmount.IsNegative() {
			return nil, fmt.Errorf("%w: task %d (%s) requests %s", ErrNegativeAmount, i, t.Number, t.RequestedAmount)
		}
		n, err := number.Parse(t.Number, t.PlayType)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		t.Number = n
		out[i] = t
	}
	return out, nil
}

// Allocate is the greedy single-number fill. For each task, in input order,
// it repeatedly picks among idle accounts the one whose source quotes the
// highest odds for the number (ties: more free capacity, then input order),
// assigns min(remaining, per-number headroom, perBetCap, free) floored to the
// account's MinIncrement, and stops when demand is met or nobody qualifies.
//
// perNumberCap is counted within this call only. A second call for the same
// number starts from zero, so sequential calls can each fill the cap.
func (a *Allocator) Allocate(tasks []model.AllocationTask, accounts []*model.Account) (Result, error) {
	tasks, err := validate(tasks)
	if err != nil {
		return Result{}, err
	}

	res := Result{ID: uuid.New().String(), Mode: ModeGreedy}
	caps := newCapTracker()

	for _, t := range tasks {
		remaining := t.RequestedAmount
		for remaining.IsPositive() {
			pick, ok := a.pickGreedy(t, remaining, accounts, caps)
			if !ok {
				break
			}
			if !pick.acc.Reserve(pick.amount) {
				// Free capacity moved under a concurrent call; re-evaluate.
				continue
			}
			caps.add(pick.snap.ID, t.Number, t.PlayType, pick.amount)
			remaining = remaining.Sub(pick.amount)
			res.Allocations = append(res.Allocations, Allocation{
				AccountID: pick.snap.ID,
				SourceID:  pick.snap.SourceID,
				Number:    t.Number,
				PlayType:  t.PlayType,
				Amount:    pick.amount,
				Odds:      pick.odds,
				Package:   t.PackageEligible,
			})
		}
		if remaining.IsPositive() {
			res.Unassigned = append(res.Unassigned, Shortfall{Number: t.Number, PlayType: t.PlayType, Amount: remaining})
		}
	}

	logSummary(res, len(tasks))
	return res, nil
}

type candidate struct {
	acc    *model.Account
	snap   model.AccountSnapshot
	amount decimal.Decimal
	odds   decimal.Decimal
}

func (a *Allocator) pickGreedy(t model.AllocationTask, remaining decimal.Decimal, accounts []*model.Account, caps *capTracker) (candidate, bool) {
	var best candidate
	found := false
	for _, acc := range accounts {
		snap := acc.Snapshot()
		if snap.Status != model.StatusIdle {
			continue
		}
		inc := snap.MinIncrement
		if !inc.IsPositive() {
			inc = oneUnit
		}
		amt := floorTo(caps.limitAmount(snap, t.Number, t.PlayType, remaining, true), inc)
		if amt.LessThan(inc) {
			continue
		}
		c := candidate{acc: acc, snap: snap, amount: amt, odds: a.sourceOdds(t, snap.SourceID)}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

// better orders greedy candidates: higher odds, then more free capacity.
// Equal candidates keep the earlier account.
func better(c, best candidate) bool {
	if cmp := c.odds.Cmp(best.odds); cmp != 0 {
		return cmp > 0
	}
	return c.snap.Free().GreaterThan(best.snap.Free())
}

func (a *Allocator) sourceOdds(t model.AllocationTask, source string) decimal.Decimal {
	if a.quotes == nil {
		return decimal.Zero
	}
	if q, ok := a.quotes.Quote(t.Number, t.PlayType, source); ok {
		return q.Odds
	}
	return decimal.Zero
}

// AllocateByBestOdds ranks the sources quoting each task's number best odds
// first. Within a source it looks at idle and logged-in accounts by free
// capacity, descending, and first tries to place the whole remainder on one
// account; failing that it fragments across the source's accounts, skipping
// any with less than one unit free. Amounts are floored to 0.1 in both
// branches. Only when a source is exhausted does it move to the next.
//
// As in Allocate, perNumberCap is counted within this call only; perBetCap is
// not applied in this mode.
func (a *Allocator) AllocateByBestOdds(tasks []model.AllocationTask, accounts []*model.Account) (Result, error) {
	tasks, err := validate(tasks)
	if err != nil {
		return Result{}, err
	}

	res := Result{ID: uuid.New().String(), Mode: ModeBestOdds}
	caps := newCapTracker()

	for _, t := range tasks {
		remaining := t.RequestedAmount
		for _, q := range a.rankedSources(t) {
			if remaining.LessThan(bestOddsQuantum) {
				break
			}
			pool := sourceAccounts(accounts, q.Source)
			remaining = a.fillFromSource(&res, t, q, pool, remaining, caps)
		}
		if remaining.IsPositive() {
			res.Unassigned = append(res.Unassigned, Shortfall{Number: t.Number, PlayType: t.PlayType, Amount: remaining})
		}
	}

	logSummary(res, len(tasks))
	return res, nil
}

func (a *Allocator) rankedSources(t model.AllocationTask) []model.Quote {
	if a.quotes == nil {
		return nil
	}
	ranked := a.quotes.Ranked(t.Number, t.PlayType)
	seen := make(map[string]struct{}, len(ranked))
	out := ranked[:0:0]
	for _, q := range ranked {
		if _, dup := seen[q.Source]; dup {
			continue
		}
		seen[q.Source] = struct{}{}
		out = append(out, q)
	}
	return out
}

// sourceAccounts returns the idle or logged-in accounts of source, most free
// capacity first.
func sourceAccounts(accounts []*model.Account, source string) []*model.Account {
	type entry struct {
		acc  *model.Account
		free decimal.Decimal
	}
	var es []entry
	for _, acc := range accounts {
		s := acc.Snapshot()
		if s.SourceID != source {
			continue
		}
		if s.Status != model.StatusIdle && s.Status != model.StatusLoggedIn {
			continue
		}
		es = append(es, entry{acc: acc, free: s.Free()})
	}
	sort.SliceStable(es, func(i, j int) bool { return es[i].free.GreaterThan(es[j].free) })
	out := make([]*model.Account, len(es))
	for i, e := range es {
		out[i] = e.acc
	}
	return out
}

func (a *Allocator) fillFromSource(res *Result, t model.AllocationTask, q model.Quote, pool []*model.Account, remaining decimal.Decimal, caps *capTracker) decimal.Decimal {
	record := func(s model.AccountSnapshot, amt decimal.Decimal) {
		caps.add(s.ID, t.Number, t.PlayType, amt)
		res.Allocations = append(res.Allocations, Allocation{
			AccountID: s.ID,
			SourceID:  s.SourceID,
			Number:    t.Number,
			PlayType:  t.PlayType,
			Amount:    amt,
			Odds:      q.Odds,
			Package:   t.PackageEligible,
		})
	}

	// One account for the whole remainder.
	want := floorTo(remaining, bestOddsQuantum)
	for _, acc := range pool {
		if !want.IsPositive() {
			break
		}
		s := acc.Snapshot()
		if caps.limitAmount(s, t.Number, t.PlayType, want, false).LessThan(want) {
			continue
		}
		if acc.Reserve(want) {
			record(s, want)
			return remaining.Sub(want)
		}
	}

	// Fragment across the source.
	for _, acc := range pool {
		if remaining.LessThan(bestOddsQuantum) {
			break
		}
		for {
			s := acc.Snapshot()
			if s.Free().LessThan(oneUnit) {
				break
			}
			amt := floorTo(caps.limitAmount(s, t.Number, t.PlayType, remaining, false), bestOddsQuantum)
			if !amt.IsPositive() {
				break
			}
			if acc.Reserve(amt) {
				record(s, amt)
				remaining = remaining.Sub(amt)
				break
			}
		}
	}
	return remaining
}

func logSummary(res Result, tasks int) {
	slog.Debug("allocation complete",
		"id", res.ID,
		"mode", string(res.Mode),
		"tasks", tasks,
		"allocations", len(res.Allocations),
		"assigned", res.TotalAssigned().String(),
		"unassigned", res.TotalUnassigned().String(),
	)
}
