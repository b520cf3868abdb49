package allocate

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/oddsbook"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newAccount(t *testing.T, id, source string, balance float64, mutate ...func(*model.AccountSnapshot)) *model.Account {
	t.Helper()
	s := model.AccountSnapshot{
		ID:       id,
		SourceID: source,
		Role:     model.RoleMember,
		Status:   model.StatusIdle,
		Balance:  d(balance),
	}
	for _, m := range mutate {
		m(&s)
	}
	acc, err := model.NewAccount(s)
	if err != nil {
		t.Fatalf("new account %s: %v", id, err)
	}
	return acc
}

func task(num string, pt model.PlayType, amount float64) model.AllocationTask {
	return model.AllocationTask{Number: num, PlayType: pt, RequestedAmount: d(amount)}
}

func amountFor(res Result, accountID string) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range res.ByAccount()[accountID] {
		sum = sum.Add(a.Amount)
	}
	return sum
}

func assertConservation(t *testing.T, tasks []model.AllocationTask, res Result) {
	t.Helper()
	requested := decimal.Zero
	for _, tk := range tasks {
		requested = requested.Add(tk.RequestedAmount)
	}
	got := res.TotalAssigned().Add(res.TotalUnassigned())
	if got.Sub(requested).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("conservation broken: assigned %s + unassigned %s != requested %s",
			res.TotalAssigned(), res.TotalUnassigned(), requested)
	}
}

func assertCaps(t *testing.T, accounts []*model.Account, results ...Result) {
	t.Helper()
	for _, acc := range accounts {
		s := acc.Snapshot()
		if s.Assigned.Add(s.Locked).GreaterThan(s.Balance) {
			t.Errorf("account %s overdrawn: assigned %s + locked %s > balance %s", s.ID, s.Assigned, s.Locked, s.Balance)
		}
		if !s.PerNumberCap.IsPositive() {
			continue
		}
		for _, res := range results {
			perNumber := make(map[string]decimal.Decimal)
			for _, a := range res.ByAccount()[s.ID] {
				k := model.Key(a.Number, a.PlayType)
				perNumber[k] = perNumber[k].Add(a.Amount)
			}
			for k, v := range perNumber {
				if v.GreaterThan(s.PerNumberCap) {
					t.Errorf("account %s took %s on %s, cap %s", s.ID, v, k, s.PerNumberCap)
				}
			}
		}
	}
}

// --- Greedy mode ---

func TestAllocate_FillsLargestFreeFirst(t *testing.T) {
	acc1 := newAccount(t, "acc1", "site", 60)
	acc2 := newAccount(t, "acc2", "site", 50)
	tasks := []model.AllocationTask{task("5678", 11, 100)}

	res, err := New(oddsbook.New()).Allocate(tasks, []*model.Account{acc1, acc2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := amountFor(res, "acc1"); !got.Equal(d(60)) {
		t.Errorf("expected acc1 assigned 60, got %s", got)
	}
	if got := amountFor(res, "acc2"); !got.Equal(d(40)) {
		t.Errorf("expected acc2 assigned 40, got %s", got)
	}
	if !res.TotalUnassigned().IsZero() {
		t.Errorf("expected nothing unassigned, got %s", res.TotalUnassigned())
	}
	if s := acc2.Snapshot(); !s.Assigned.Equal(d(40)) {
		t.Errorf("expected acc2 assigned counter 40, got %s", s.Assigned)
	}
	assertConservation(t, tasks, res)
}

func TestAllocate_PrefersBestQuotedSource(t *testing.T) {
	book := oddsbook.New()
	now := time.Now()
	book.Ingest("5678", 11, "siteA", d(95), now)
	book.Ingest("5678", 11, "siteB", d(96), now)

	a := newAccount(t, "a", "siteA", 1000)
	b := newAccount(t, "b", "siteB", 30)
	tasks := []model.AllocationTask{task("5678", 11, 50)}

	res, err := New(book).Allocate(tasks, []*model.Account{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(res.Allocations))
	}
	first := res.Allocations[0]
	if first.AccountID != "b" || !first.Amount.Equal(d(30)) || !first.Odds.Equal(d(96)) {
		t.Errorf("expected b to take 30 at 96 first, got %+v", first)
	}
	if got := amountFor(res, "a"); !got.Equal(d(20)) {
		t.Errorf("expected a to take the remaining 20, got %s", got)
	}
}

func TestAllocate_MinIncrementFloor(t *testing.T) {
	acc := newAccount(t, "acc", "site", 100, func(s *model.AccountSnapshot) { s.MinIncrement = d(5) })
	tasks := []model.AllocationTask{task("5678", 11, 23)}

	res, _ := New(nil).Allocate(tasks, []*model.Account{acc})
	if !res.TotalAssigned().Equal(d(20)) {
		t.Errorf("expected 20 assigned, got %s", res.TotalAssigned())
	}
	if !res.TotalUnassigned().Equal(d(3)) {
		t.Errorf("expected 3 unassigned, got %s", res.TotalUnassigned())
	}
	assertConservation(t, tasks, res)
}

func TestFloorTo_ManyDecimalPlaces(t *testing.T) {
	amount := decimal.RequireFromString("2.99999999999999999")
	tests := []struct {
		name string
		step decimal.Decimal
		want decimal.Decimal
	}{
		{"whole unit", d(1), d(2)},
		{"tenth", d(0.1), d(2.9)},
		{"five", d(5), decimal.Zero},
		{"no step", decimal.Zero, amount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := floorTo(amount, tt.step); !got.Equal(tt.want) {
				t.Errorf("floorTo(%s, %s) = %s, want %s", amount, tt.step, got, tt.want)
			}
		})
	}
}

func TestAllocate_NeverAssignsMoreThanRequested(t *testing.T) {
	requested := decimal.RequireFromString("2.99999999999999999")
	tasks := []model.AllocationTask{{Number: "5678", PlayType: 11, RequestedAmount: requested}}

	acc := newAccount(t, "acc", "site", 100)
	res, err := New(nil).Allocate(tasks, []*model.Account{acc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TotalAssigned().Equal(d(2)) {
		t.Errorf("expected 2 assigned, got %s", res.TotalAssigned())
	}
	if want := decimal.RequireFromString("0.99999999999999999"); !res.TotalUnassigned().Equal(want) {
		t.Errorf("expected %s unassigned, got %s", want, res.TotalUnassigned())
	}
	if got := res.TotalAssigned().Add(res.TotalUnassigned()); !got.Equal(requested) {
		t.Errorf("assigned + unassigned = %s, want exactly %s", got, requested)
	}

	book := bookWith(map[string]float64{"siteA": 96})
	accB := newAccount(t, "accB", "siteA", 100)
	res, err = New(book).AllocateByBestOdds(tasks, []*model.Account{accB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.TotalAssigned().Equal(d(2.9)) {
		t.Errorf("expected 2.9 assigned in best-odds mode, got %s", res.TotalAssigned())
	}
	if got := res.TotalAssigned().Add(res.TotalUnassigned()); !got.Equal(requested) {
		t.Errorf("assigned + unassigned = %s, want exactly %s", got, requested)
	}
}

func TestAllocate_PerNumberCapCountsWithinOneCall(t *testing.T) {
	acc := newAccount(t, "acc", "site", 1000, func(s *model.AccountSnapshot) { s.PerNumberCap = d(25) })
	a := New(nil)

	first, _ := a.Allocate([]model.AllocationTask{task("5678", 11, 40)}, []*model.Account{acc})
	second, _ := a.Allocate([]model.AllocationTask{task("5678", 11, 40)}, []*model.Account{acc})

	if !first.TotalAssigned().Equal(d(25)) || !second.TotalAssigned().Equal(d(25)) {
		t.Errorf("expected each call to fill the cap of 25, got %s and %s",
			first.TotalAssigned(), second.TotalAssigned())
	}
	if s := acc.Snapshot(); !s.Assigned.Equal(d(50)) {
		t.Errorf("expected 50 assigned across both calls, got %s", s.Assigned)
	}
}

func TestAllocate_PerBetAndPerNumberCaps(t *testing.T) {
	acc := newAccount(t, "acc", "site", 100, func(s *model.AccountSnapshot) {
		s.PerNumberCap = d(30)
		s.PerBetCap = d(10)
	})
	tasks := []model.AllocationTask{task("5678", 11, 50), task("1234", 11, 15)}

	res, _ := New(nil).Allocate(tasks, []*model.Account{acc})

	var on5678 []Allocation
	for _, a := range res.Allocations {
		if a.Number == "5678" {
			on5678 = append(on5678, a)
		}
		if a.Amount.GreaterThan(d(10)) {
			t.Errorf("allocation %s exceeds perBetCap", a.Amount)
		}
	}
	if len(on5678) != 3 {
		t.Errorf("expected three bets of 10 on 5678, got %d", len(on5678))
	}
	if !res.TotalAssigned().Equal(d(45)) {
		t.Errorf("expected 30 + 15 assigned, got %s", res.TotalAssigned())
	}
	if !res.TotalUnassigned().Equal(d(20)) {
		t.Errorf("expected 20 unassigned, got %s", res.TotalUnassigned())
	}
	assertConservation(t, tasks, res)
	assertCaps(t, []*model.Account{acc}, res)
}

func TestAllocate_SkipsNonIdle(t *testing.T) {
	busy := newAccount(t, "busy", "site", 100, func(s *model.AccountSnapshot) { s.Status = model.StatusBetting })
	in := newAccount(t, "in", "site", 100, func(s *model.AccountSnapshot) { s.Status = model.StatusLoggedIn })
	tasks := []model.AllocationTask{task("5678", 11, 10)}

	res, _ := New(nil).Allocate(tasks, []*model.Account{busy, in})
	if len(res.Allocations) != 0 {
		t.Errorf("greedy mode must only use idle accounts, got %+v", res.Allocations)
	}
	if !res.TotalUnassigned().Equal(d(10)) {
		t.Errorf("expected 10 unassigned, got %s", res.TotalUnassigned())
	}
}

func TestAllocate_RespectsLockedAmount(t *testing.T) {
	acc := newAccount(t, "acc", "site", 100, func(s *model.AccountSnapshot) { s.Locked = d(70) })
	tasks := []model.AllocationTask{task("5678", 11, 50)}

	res, _ := New(nil).Allocate(tasks, []*model.Account{acc})
	if !res.TotalAssigned().Equal(d(30)) {
		t.Errorf("expected 30 assigned after locked 70, got %s", res.TotalAssigned())
	}
	assertCaps(t, []*model.Account{acc}, res)
}

func TestAllocate_Validation(t *testing.T) {
	acc := newAccount(t, "acc", "site", 100)
	tests := []struct {
		name string
		task model.AllocationTask
		want error
	}{
		{"negative amount", task("5678", 11, -1), ErrNegativeAmount},
		{"unknown play type", task("5678", 12, 10), model.ErrValidation},
		{"malformed number", task("56A8", 11, 10), model.ErrValidation},
		{"play type mismatch", task("56XX", 11, 10), model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A valid task ahead of the bad one must not reserve anything.
			tasks := []model.AllocationTask{task("1234", 11, 10), tt.task}
			_, err := New(nil).Allocate(tasks, []*model.Account{acc})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !acc.Snapshot().Assigned.IsZero() {
				t.Errorf("rejected call mutated the account")
			}
		})
	}
}

func TestAllocate_ZeroDemand(t *testing.T) {
	acc := newAccount(t, "acc", "site", 100)
	res, err := New(nil).Allocate([]model.AllocationTask{task("5678", 11, 0)}, []*model.Account{acc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Allocations) != 0 || len(res.Unassigned) != 0 {
		t.Errorf("zero demand should produce no output, got %+v", res)
	}
}

// --- Best-odds mode ---

func bookWith(quotes map[string]float64) *oddsbook.Book {
	b := oddsbook.New()
	now := time.Now()
	for src, odds := range quotes {
		b.Ingest("5678", 11, src, d(odds), now)
	}
	return b
}

func TestAllocateByBestOdds_PrefersSingleAccount(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96})
	a1 := newAccount(t, "a1", "siteA", 50)
	a2 := newAccount(t, "a2", "siteA", 120)
	tasks := []model.AllocationTask{task("5678", 11, 100)}

	res, err := New(book).AllocateByBestOdds(tasks, []*model.Account{a1, a2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Allocations) != 1 {
		t.Fatalf("expected one allocation, got %+v", res.Allocations)
	}
	if res.Allocations[0].AccountID != "a2" || !res.Allocations[0].Amount.Equal(d(100)) {
		t.Errorf("expected a2 to take all 100, got %+v", res.Allocations[0])
	}
}

func TestAllocateByBestOdds_FragmentsThenFallsBack(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96, "siteB": 95})
	a1 := newAccount(t, "a1", "siteA", 60)
	a2 := newAccount(t, "a2", "siteA", 50)
	a3 := newAccount(t, "a3", "siteA", 0.5)
	b1 := newAccount(t, "b1", "siteB", 100)
	tasks := []model.AllocationTask{task("5678", 11, 150)}

	res, err := New(book).AllocateByBestOdds(tasks, []*model.Account{b1, a3, a2, a1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []struct {
		id     string
		amount float64
		odds   float64
	}{
		{"a1", 60, 96},
		{"a2", 50, 96},
		{"b1", 40, 95},
	}
	if len(res.Allocations) != len(want) {
		t.Fatalf("expected %d allocations, got %+v", len(want), res.Allocations)
	}
	for i, w := range want {
		got := res.Allocations[i]
		if got.AccountID != w.id || !got.Amount.Equal(d(w.amount)) || !got.Odds.Equal(d(w.odds)) {
			t.Errorf("allocation %d: expected %s %v@%v, got %s %s@%s", i, w.id, w.amount, w.odds, got.AccountID, got.Amount, got.Odds)
		}
	}
	if !a3.Snapshot().Assigned.IsZero() {
		t.Error("account with under one unit free must be skipped")
	}
	assertConservation(t, tasks, res)
}

func TestAllocateByBestOdds_Quantization(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96})
	acc := newAccount(t, "acc", "siteA", 100)
	tasks := []model.AllocationTask{task("5678", 11, 10.05)}

	res, _ := New(book).AllocateByBestOdds(tasks, []*model.Account{acc})
	if !res.TotalAssigned().Equal(d(10)) {
		t.Errorf("expected 10.0 assigned, got %s", res.TotalAssigned())
	}
	if !res.TotalUnassigned().Equal(d(0.05)) {
		t.Errorf("expected 0.05 unassigned, got %s", res.TotalUnassigned())
	}
	assertConservation(t, tasks, res)
}

func TestAllocateByBestOdds_AccountStatus(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96})
	out := newAccount(t, "out", "siteA", 500, func(s *model.AccountSnapshot) { s.Status = model.StatusLoggedOut })
	in := newAccount(t, "in", "siteA", 20, func(s *model.AccountSnapshot) { s.Status = model.StatusLoggedIn })
	tasks := []model.AllocationTask{task("5678", 11, 30)}

	res, _ := New(book).AllocateByBestOdds(tasks, []*model.Account{out, in})
	if got := amountFor(res, "in"); !got.Equal(d(20)) {
		t.Errorf("expected logged-in account to take 20, got %s", got)
	}
	if !amountFor(res, "out").IsZero() {
		t.Error("logged-out account must not be used")
	}
}

func TestAllocateByBestOdds_PerNumberCap(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96})
	acc := newAccount(t, "acc", "siteA", 1000, func(s *model.AccountSnapshot) { s.PerNumberCap = d(25) })
	tasks := []model.AllocationTask{task("5678", 11, 20), task("5678", 11, 20)}

	res, _ := New(book).AllocateByBestOdds(tasks, []*model.Account{acc})
	if !res.TotalAssigned().Equal(d(25)) {
		t.Errorf("expected per-number cap 25 to bind, got %s", res.TotalAssigned())
	}
	assertConservation(t, tasks, res)
	assertCaps(t, []*model.Account{acc}, res)
}

func TestAllocateByBestOdds_NoQuotes(t *testing.T) {
	acc := newAccount(t, "acc", "siteA", 1000)
	tasks := []model.AllocationTask{task("5678", 11, 20)}

	res, _ := New(oddsbook.New()).AllocateByBestOdds(tasks, []*model.Account{acc})
	if !res.TotalUnassigned().Equal(d(20)) {
		t.Errorf("unquoted demand should be unassigned, got %s", res.TotalUnassigned())
	}
}

// --- Properties ---

func TestAllocate_ConservationAndCapsRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 30; trial++ {
		book := oddsbook.New()
		now := time.Now()
		var accounts []*model.Account
		for i := 0; i < 6; i++ {
			src := fmt.Sprintf("site%d", i%3)
			book.Ingest("5678", 11, src, d(90+float64(rng.Intn(8))), now)
			book.Ingest("1234", 11, src, d(90+float64(rng.Intn(8))), now)
			accounts = append(accounts, newAccount(t, fmt.Sprintf("acc%d", i), src, float64(rng.Intn(300)),
				func(s *model.AccountSnapshot) {
					s.PerNumberCap = decimal.NewFromInt(int64(rng.Intn(120)))
					s.PerBetCap = decimal.NewFromInt(int64(rng.Intn(60)))
					if rng.Intn(2) == 0 {
						s.Status = model.StatusLoggedIn
					}
				}))
		}
		var tasks []model.AllocationTask
		for i := 0; i < 5; i++ {
			num := "5678"
			if i%2 == 1 {
				num = "1234"
			}
			tasks = append(tasks, task(num, 11, float64(rng.Intn(2000))/10))
		}

		mode := ModeGreedy
		if trial%2 == 1 {
			mode = ModeBestOdds
		}
		res, err := New(book).Run(mode, tasks, accounts)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		assertConservation(t, tasks, res)
		assertCaps(t, accounts, res)
	}
}

func TestAllocate_ConcurrentCallsDoNotOverdraw(t *testing.T) {
	book := bookWith(map[string]float64{"siteA": 96, "siteB": 95})
	accounts := []*model.Account{
		newAccount(t, "a1", "siteA", 100),
		newAccount(t, "a2", "siteA", 80),
		newAccount(t, "b1", "siteB", 150),
	}
	alloc := New(book)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			tasks := []model.AllocationTask{task("5678", 11, 37)}
			var res Result
			var err error
			if g%2 == 0 {
				res, err = alloc.Allocate(tasks, accounts)
			} else {
				res, err = alloc.AllocateByBestOdds(tasks, accounts)
			}
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			assertConservation(t, tasks, res)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(g)
	}
	wg.Wait()

	assertCaps(t, accounts)
	assigned := decimal.Zero
	for _, r := range results {
		assigned = assigned.Add(r.TotalAssigned())
	}
	counters := decimal.Zero
	for _, acc := range accounts {
		counters = counters.Add(acc.Snapshot().Assigned)
	}
	if !assigned.Equal(counters) {
		t.Errorf("results report %s assigned but account counters hold %s", assigned, counters)
	}
	if assigned.GreaterThan(d(330)) {
		t.Errorf("assigned %s exceeds total balance 330", assigned)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeGreedy {
		t.Errorf("expected greedy default, got %q %v", m, err)
	}
	if m, err := ParseMode("best_odds"); err != nil || m != ModeBestOdds {
		t.Errorf("expected best_odds, got %q %v", m, err)
	}
	if _, err := ParseMode("random"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}
