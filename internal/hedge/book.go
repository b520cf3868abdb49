package hedge

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

var (
	// ErrInsufficientStake is returned when a lock asks for more than the
	// unlocked stake booked on a number.
	ErrInsufficientStake = errors.New("hedge: not enough unlocked stake")

	ErrUnlockExceeds = fmt.Errorf("%w: hedge: unlock exceeds locked stake", model.ErrValidation)
)

// Exposure is the stake booked on one (number, play type) and how much of it
// is locked against outgoing lay-offs.
type Exposure struct {
	Number    string          `json:"number"`
	PlayType  model.PlayType  `json:"play_type"`
	Stake     decimal.Decimal `json:"stake"`
	Locked    decimal.Decimal `json:"locked"`
	Remaining decimal.Decimal `json:"remaining"`
}

type exposure struct {
	stake  decimal.Decimal
	locked decimal.Decimal
}

// Book collects incoming positions and files each under the group of its
// play type, creating groups on first use. Alongside the groups it keeps the
// booked stake per (number, play type) so lay-off capacity can be locked and
// released. Safe for concurrent use.
type Book struct {
	mu     sync.RWMutex
	groups map[model.PlayType]*PositionGroup
	stakes map[string]*exposure
	count  int
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{
		groups: make(map[model.PlayType]*PositionGroup),
		stakes: make(map[string]*exposure),
	}
}

// Add files every position under its play type. Each position must carry a
// valid play type and a number of that type. Either all positions are added
// or, on the first invalid one, none are.
func (b *Book) Add(positions ...model.Position) error {
	checked := make([]model.Position, len(positions))
	for i, p := range positions {
		if !p.PlayType.Valid() {
			return fmt.Errorf("%w: position %d has play type %d", ErrPlayType, i, p.PlayType)
		}
		c, err := checkPosition(p)
		if err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
		checked[i] = c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range checked {
		g, ok := b.groups[p.PlayType]
		if !ok {
			g = &PositionGroup{playType: p.PlayType, totalStake: decimal.Zero}
			b.groups[p.PlayType] = g
		}
		g.add(p)

		k := model.Key(p.Number, p.PlayType)
		e, ok := b.stakes[k]
		if !ok {
			e = &exposure{}
			b.stakes[k] = e
		}
		e.stake = e.stake.Add(p.Stake)
		b.count++
	}
	return nil
}

// Groups returns a copy of every group, ordered by play type. The copies are
// independent of later additions.
func (b *Book) Groups() []*PositionGroup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pts := make([]model.PlayType, 0, len(b.groups))
	for pt := range b.groups {
		pts = append(pts, pt)
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i] < pts[j] })
	out := make([]*PositionGroup, len(pts))
	for i, pt := range pts {
		out[i] = b.groups[pt].clone()
	}
	return out
}

// ByPlayType returns the positions booked under pt in arrival order.
func (b *Book) ByPlayType(pt model.PlayType) []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.groups[pt]
	if !ok {
		return nil
	}
	return g.Positions()
}

// ByNumber returns every position on num across play types.
func (b *Book) ByNumber(num string) []model.Position {
	num = number.Normalize(num)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.Position
	for _, g := range b.groups {
		for _, p := range g.positions {
			if p.Number == num {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlayType < out[j].PlayType })
	return out
}

// TotalStake sums the stake of every booked position.
func (b *Book) TotalStake() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := decimal.Zero
	for _, g := range b.groups {
		sum = sum.Add(g.totalStake)
	}
	return sum
}

// TotalPayout sums payoutIfHit over every booked position.
func (b *Book) TotalPayout() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := decimal.Zero
	for _, g := range b.groups {
		for _, p := range g.positions {
			sum = sum.Add(p.PayoutIfHit())
		}
	}
	return sum
}

// Len returns the number of booked positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Reset empties the book, locks included.
func (b *Book) Reset() {
	b.mu.Lock()
	b.groups = make(map[model.PlayType]*PositionGroup)
	b.stakes = make(map[string]*exposure)
	b.count = 0
	b.mu.Unlock()
}

// Lock reserves amount of the unlocked stake on (num, pt).
func (b *Book) Lock(num string, pt model.PlayType, amount decimal.Decimal) (Exposure, error) {
	num, err := lockArgs(num, pt, amount)
	if err != nil {
		return Exposure{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.stakes[model.Key(num, pt)]
	if e == nil {
		e = &exposure{}
	}
	if free := e.stake.Sub(e.locked); free.LessThan(amount) {
		return Exposure{}, fmt.Errorf("%w: %s has %s unlocked, asked %s", ErrInsufficientStake, model.Key(num, pt), free, amount)
	}
	e.locked = e.locked.Add(amount)
	return e.view(num, pt), nil
}

// Unlock returns amount of locked stake on (num, pt) to the unlocked pool.
func (b *Book) Unlock(num string, pt model.PlayType, amount decimal.Decimal) (Exposure, error) {
	num, err := lockArgs(num, pt, amount)
	if err != nil {
		return Exposure{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.stakes[model.Key(num, pt)]
	if e == nil || e.locked.LessThan(amount) {
		return Exposure{}, fmt.Errorf("%w: %s", ErrUnlockExceeds, model.Key(num, pt))
	}
	e.locked = e.locked.Sub(amount)
	return e.view(num, pt), nil
}

// Exposure reports the booked and locked stake on (num, pt). An unbooked key
// reports zeros.
func (b *Book) Exposure(num string, pt model.PlayType) Exposure {
	num = number.Normalize(num)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e := b.stakes[model.Key(num, pt)]; e != nil {
		return e.view(num, pt)
	}
	return (&exposure{}).view(num, pt)
}

func (e *exposure) view(num string, pt model.PlayType) Exposure {
	return Exposure{
		Number:    num,
		PlayType:  pt,
		Stake:     e.stake,
		Locked:    e.locked,
		Remaining: e.stake.Sub(e.locked),
	}
}

func lockArgs(num string, pt model.PlayType, amount decimal.Decimal) (string, error) {
	if amount.IsNegative() {
		return "", fmt.Errorf("%w: lock amount %s", ErrNegative, amount)
	}
	n, err := number.Parse(num, pt)
	if err != nil {
		return "", fmt.Errorf("hedge: %w", err)
	}
	return n, nil
}
