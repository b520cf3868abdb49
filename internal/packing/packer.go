// Package packing groups uniform-stake positions into bulk-discount tiers.
//
// The packer is greedy: each round takes the largest tier and the highest
// unit price that qualify, emits one group, and repeats on what is left. It
// does not search for the globally best partition.
//
// Conservation: the sum of all group contributions plus the sum of retail
// stakes equals the sum of the clamped input stakes.
package packing

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

var (
	ErrNegativeStake = fmt.Errorf("%w: packing: stake must be non-negative", model.ErrValidation)
	ErrBadOptions    = fmt.Errorf("%w: packing: invalid options", model.ErrValidation)
)

var (
	defaultQuantum = decimal.New(1, -1) // 0.1
	one            = decimal.NewFromInt(1)
)

// Options tune a packing run.
type Options struct {
	// AllowFractional lets stakes below one currency unit join groups.
	AllowFractional bool `json:"allow_fractional" toml:"allow_fractional"`

	// MaxPerPosition clamps each position's usable stake. Zero means no clamp.
	MaxPerPosition decimal.Decimal `json:"max_per_position" toml:"max_per_position"`

	// Quantum is the smallest remainder that keeps a position in play.
	// Zero means 0.1.
	Quantum decimal.Decimal `json:"quantum" toml:"quantum"`
}

func (o Options) withDefaults() (Options, error) {
	if o.MaxPerPosition.IsNegative() || o.Quantum.IsNegative() {
		return o, fmt.Errorf("%w: negative max_per_position or quantum", ErrBadOptions)
	}
	if o.Quantum.IsZero() {
		o.Quantum = defaultQuantum
	}
	return o, nil
}

// Contribution is the part of one input position consumed by a group.
// Index points into the slice passed to Pack.
type Contribution struct {
	Index  int             `json:"index"`
	Number string          `json:"number"`
	Amount decimal.Decimal `json:"amount"`
}

// Group is one emitted package. Source names the counterparty whose tier
// priced it, when the tiers came from a Catalog.
type Group struct {
	ID        string            `json:"id"`
	Tier      model.PackageTier `json:"tier"`
	Source    string            `json:"source,omitempty"`
	UnitPrice decimal.Decimal   `json:"unit_price"`
	Members   []Contribution    `json:"members"`
}

// Total sums the member contributions.
func (g Group) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range g.Members {
		sum = sum.Add(m.Amount)
	}
	return sum
}

// Count returns the member count.
func (g Group) Count() int { return len(g.Members) }

// MinContribution returns the smallest member contribution.
func (g Group) MinContribution() decimal.Decimal {
	if len(g.Members) == 0 {
		return decimal.Zero
	}
	lo := g.Members[0].Amount
	for _, m := range g.Members[1:] {
		lo = decimal.Min(lo, m.Amount)
	}
	return lo
}

// MaxContribution returns the largest member contribution.
func (g Group) MaxContribution() decimal.Decimal {
	if len(g.Members) == 0 {
		return decimal.Zero
	}
	hi := g.Members[0].Amount
	for _, m := range g.Members[1:] {
		hi = decimal.Max(hi, m.Amount)
	}
	return hi
}

// Result is the output of Pack. Retail holds what no group consumed, as
// positions carrying their remaining stake. Overflow holds the part of each
// stake cut off by MaxPerPosition; it takes no part in packing.
type Result struct {
	Groups   []Group          `json:"groups"`
	Retail   []model.Position `json:"retail"`
	Overflow []model.Position `json:"overflow,omitempty"`
}

// GroupedTotal sums every contribution across all groups.
func (r Result) GroupedTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, g := range r.Groups {
		sum = sum.Add(g.Total())
	}
	return sum
}

// RetailTotal sums the retail stakes.
func (r Result) RetailTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.Retail {
		sum = sum.Add(p.Stake)
	}
	return sum
}

// Pack splits positions into tier groups and a retail remainder. Every
// position needs a number of its own play type; numbers come back
// normalized. Tiers with a non-positive SizeThreshold are ignored. A tier
// without FlatOdds still groups; the caller assigns odds afterwards.
func Pack(positions []model.Position, tiers []model.PackageTier, opts Options) (Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return Result{}, err
	}
	checked := make([]model.Position, len(positions))
	for i, p := range positions {
		if p.Stake.IsNegative() {
			return Result{}, fmt.Errorf("%w: position %d (%s) has stake %s", ErrNegativeStake, i, p.Number, p.Stake)
		}
		num, err := number.Parse(p.Number, p.PlayType)
		if err != nil {
			return Result{}, fmt.Errorf("packing: position %d: %w", i, err)
		}
		p.Number = num
		checked[i] = p
	}
	positions = checked

	var res Result
	remaining := make([]decimal.Decimal, len(positions))
	for i, p := range positions {
		usable := p.Stake
		if opts.MaxPerPosition.IsPositive() && usable.GreaterThan(opts.MaxPerPosition) {
			usable = opts.MaxPerPosition
			over := p
			over.Stake = p.Stake.Sub(usable)
			res.Overflow = append(res.Overflow, over)
		}
		remaining[i] = usable
	}

	ordered := sortedTiers(tiers)
	for {
		cands := candidates(remaining, opts)
		if len(cands) == 0 {
			break
		}
		g, ok := splitOne(positions, remaining, cands, ordered)
		if !ok {
			break
		}
		for _, m := range g.Members {
			remaining[m.Index] = remaining[m.Index].Sub(m.Amount)
		}
		res.Groups = append(res.Groups, g)
	}

	for i, p := range positions {
		if remaining[i].IsPositive() {
			r := p
			r.Stake = remaining[i]
			res.Retail = append(res.Retail, r)
		}
	}
	return res, nil
}

// candidates lists indices whose remaining stake may still join a group.
func candidates(remaining []decimal.Decimal, opts Options) []int {
	var out []int
	for i, r := range remaining {
		if r.LessThan(opts.Quantum) {
			continue
		}
		if !opts.AllowFractional && r.LessThan(one) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// splitOne finds the first qualifying (tier, unit price) in scan order and
// builds its group from the smallest set of candidates that satisfies it.
//
// With the candidate stakes sorted descending and prefix[c] the sum of the
// c largest, a unit price u held by the first c stakes yields
// sum(min(s, u)) = (total - prefix[c]) + c*u, so each price is tested in
// constant time after one sort.
func splitOne(positions []model.Position, remaining []decimal.Decimal, cands []int, tiers []model.PackageTier) (Group, bool) {
	vals := make([]decimal.Decimal, len(cands))
	for k, i := range cands {
		vals[k] = remaining[i]
	}
	sort.Slice(vals, func(a, b int) bool { return vals[a].GreaterThan(vals[b]) })

	prefix := make([]decimal.Decimal, len(vals)+1)
	for k, v := range vals {
		prefix[k+1] = prefix[k].Add(v)
	}
	total := prefix[len(vals)]

	for _, tier := range tiers {
		if len(cands) < tier.SizeThreshold {
			continue
		}
		threshold := decimal.NewFromInt(int64(tier.SizeThreshold))
		for c := 0; c < len(vals); {
			u := vals[c]
			for c < len(vals) && vals[c].Equal(u) {
				c++
			}
			sum := total.Sub(prefix[c]).Add(u.Mul(decimal.NewFromInt(int64(c))))
			if sum.LessThan(threshold.Mul(u)) {
				continue
			}
			return buildGroup(positions, remaining, cands, tier, u), true
		}
	}
	return Group{}, false
}

func buildGroup(positions []model.Position, remaining []decimal.Decimal, cands []int, tier model.PackageTier, u decimal.Decimal) Group {
	contribs := make([]Contribution, 0, len(cands))
	for _, i := range cands {
		contribs = append(contribs, Contribution{
			Index:  i,
			Number: positions[i].Number,
			Amount: decimal.Min(remaining[i], u),
		})
	}
	sort.SliceStable(contribs, func(a, b int) bool {
		return contribs[a].Amount.GreaterThan(contribs[b].Amount)
	})

	need := decimal.NewFromInt(int64(tier.SizeThreshold)).Mul(u)
	sum := decimal.Zero
	k := 0
	for k < len(contribs) {
		sum = sum.Add(contribs[k].Amount)
		k++
		if k >= tier.SizeThreshold && sum.GreaterThanOrEqual(need) {
			break
		}
	}
	return Group{
		ID:        uuid.New().String(),
		Tier:      tier,
		UnitPrice: u,
		Members:   contribs[:k:k],
	}
}

func sortedTiers(tiers []model.PackageTier) []model.PackageTier {
	out := make([]model.PackageTier, 0, len(tiers))
	for _, t := range tiers {
		if t.SizeThreshold > 0 {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SizeThreshold > out[j].SizeThreshold })
	return out
}

// MaxGroupCount is an upper bound on how many members one group could hold:
// the total stake divided by the largest single stake, rounded down.
func MaxGroupCount(positions []model.Position) int {
	total, largest := decimal.Zero, decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Stake)
		largest = decimal.Max(largest, p.Stake)
	}
	if !largest.IsPositive() {
		return 0
	}
	return int(total.Div(largest).IntPart())
}

// BestTier picks the largest tier a batch could fill: the one with the
// highest SizeThreshold not above MaxGroupCount(positions). It reports false
// when no tier fits.
func BestTier(positions []model.Position, tiers []model.PackageTier) (model.PackageTier, bool) {
	limit := MaxGroupCount(positions)
	for _, t := range sortedTiers(tiers) {
		if t.SizeThreshold <= limit {
			return t, true
		}
	}
	return model.PackageTier{}, false
}
