// Package hedge computes lay-off ("fly money") plans for a pooled group of
// positions under four strategies.
//
// Every strategy prices lay-offs at the best external quote for the number,
// falling back to the position's own taken odds when nobody quotes it. Lay-off
// odds of 1 or less make a lay-off impossible: such positions get zero laid
// off and keep their whole stake.
//
// For every position in every report:
//
//	layoffProfit   = laidOff × (layoffOdds − 1)
//	combinedProfit = netResult + layoffProfit
//	retained       = stake − laidOff
package hedge

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fivebear/oddsdesk/internal/model"
)

// divScale is the number of decimal places kept by divisions.
const divScale = 10

var (
	one = decimal.NewFromInt(1)
	ten = decimal.NewFromInt(10)
)

var (
	ErrUnknownStrategy = fmt.Errorf("%w: hedge: unknown strategy", model.ErrValidation)
	ErrTolerance       = fmt.Errorf("%w: hedge: tolerance must be between 0 and 10", model.ErrValidation)
)

// CheckTolerance rejects a risk-control tolerance outside [0, 10].
func CheckTolerance(t decimal.Decimal) error {
	if t.IsNegative() || t.GreaterThan(ten) {
		return fmt.Errorf("%w: got %s", ErrTolerance, t)
	}
	return nil
}

// Strategy names a compensation method.
type Strategy string

const (
	StrategyRiskControl      Strategy = "risk_control"
	StrategyOddsCompensation Strategy = "odds_compensation"
	StrategyGreedy           Strategy = "greedy"
	StrategyProportional     Strategy = "proportional"
)

// ParseStrategy maps a strategy name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRiskControl, StrategyOddsCompensation, StrategyGreedy, StrategyProportional:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// OddsSource supplies the best external quote for a number.
type OddsSource interface {
	BestQuote(num string, pt model.PlayType) (model.Quote, bool)
}

// Result is the plan for one position.
type Result struct {
	Number         string          `json:"number"`
	Stake          decimal.Decimal `json:"stake"`
	TakenOdds      decimal.Decimal `json:"taken_odds"`
	PayoutIfHit    decimal.Decimal `json:"payout_if_hit"`
	NetResult      decimal.Decimal `json:"net_result"`
	LayoffOdds     decimal.Decimal `json:"layoff_odds"`
	LaidOff        decimal.Decimal `json:"laid_off"`
	Retained       decimal.Decimal `json:"retained"`
	LayoffProfit   decimal.Decimal `json:"layoff_profit"`
	CombinedProfit decimal.Decimal `json:"combined_profit"`
}

// canLayOff reports whether the lay-off odds allow any lay-off.
func (r Result) canLayOff() bool { return r.LayoffOdds.GreaterThan(one) }

// setLaidOff fixes laidOff and derives every dependent field.
func (r *Result) setLaidOff(laidOff decimal.Decimal) {
	if !r.canLayOff() {
		laidOff = decimal.Zero
	}
	r.LaidOff = laidOff
	r.Retained = r.Stake.Sub(laidOff)
	r.LayoffProfit = laidOff.Mul(r.LayoffOdds.Sub(one))
	r.CombinedProfit = r.NetResult.Add(r.LayoffProfit)
}

// Report is the per-group rollup of one strategy. Results keep the group's
// insertion order. PoolTotal and PoolUsed are set by the greedy and
// proportional strategies.
type Report struct {
	PlayType      model.PlayType  `json:"play_type"`
	Strategy      Strategy        `json:"strategy"`
	Tolerance     decimal.Decimal `json:"tolerance"`
	Results       []Result        `json:"results"`
	TotalStake    decimal.Decimal `json:"total_stake"`
	TotalLaidOff  decimal.Decimal `json:"total_laid_off"`
	TotalRetained decimal.Decimal `json:"total_retained"`
	CountNegative int             `json:"count_negative"`
	CountPositive int             `json:"count_positive"`
	PoolTotal     decimal.Decimal `json:"pool_total"`
	PoolUsed      decimal.Decimal `json:"pool_used"`
}

func (rep *Report) rollup() {
	rep.TotalStake, rep.TotalLaidOff, rep.TotalRetained = decimal.Zero, decimal.Zero, decimal.Zero
	rep.CountNegative, rep.CountPositive = 0, 0
	for _, r := range rep.Results {
		rep.TotalStake = rep.TotalStake.Add(r.Stake)
		rep.TotalLaidOff = rep.TotalLaidOff.Add(r.LaidOff)
		rep.TotalRetained = rep.TotalRetained.Add(r.Retained)
		switch r.NetResult.Sign() {
		case -1:
			rep.CountNegative++
		case 1:
			rep.CountPositive++
		}
	}
}

// Analyzer runs the strategies against an odds source. It holds no mutable
// state and is safe for concurrent use.
type Analyzer struct {
	odds OddsSource
}

// NewAnalyzer creates an analyzer. A nil source prices every lay-off at the
// position's own taken odds.
func NewAnalyzer(odds OddsSource) *Analyzer {
	return &Analyzer{odds: odds}
}

func (a *Analyzer) layoffOdds(p model.Position) decimal.Decimal {
	if a.odds != nil {
		if q, ok := a.odds.BestQuote(p.Number, p.PlayType); ok {
			return q.Odds
		}
	}
	return p.TakenOdds
}

// baseline fills the priced, not yet laid-off result for every member.
func (a *Analyzer) baseline(g *PositionGroup, st Strategy) Report {
	rep := Report{PlayType: g.PlayType(), Strategy: st, Results: make([]Result, g.Len())}
	for i, p := range g.positions {
		r := Result{
			Number:      p.Number,
			Stake:       p.Stake,
			TakenOdds:   p.TakenOdds,
			PayoutIfHit: p.PayoutIfHit(),
			NetResult:   g.NetResult(i),
			LayoffOdds:  a.layoffOdds(p),
		}
		r.setLaidOff(decimal.Zero)
		rep.Results[i] = r
	}
	return rep
}

// RiskControl lays off only the loss beyond a tolerated share of the pool:
// worstCaseLoss = |netResult − totalStake| − totalStake × tolerance/10, and
// laidOff = max(0, worstCaseLoss) / layoffOdds. A tolerance of 5 tolerates
// half the pool.
func (a *Analyzer) RiskControl(g *PositionGroup, tolerance decimal.Decimal) Report {
	rep := a.baseline(g, StrategyRiskControl)
	rep.Tolerance = tolerance
	allowance := g.TotalStake().Mul(tolerance.Div(ten))
	for i := range rep.Results {
		r := &rep.Results[i]
		worst := r.NetResult.Sub(g.TotalStake()).Abs().Sub(allowance)
		if worst.IsPositive() && r.canLayOff() {
			r.setLaidOff(worst.DivRound(r.LayoffOdds, divScale))
		}
	}
	rep.rollup()
	return rep
}

// OddsCompensation lays off each position's full payout:
// laidOff = payoutIfHit / layoffOdds.
func (a *Analyzer) OddsCompensation(g *PositionGroup) Report {
	rep := a.baseline(g, StrategyOddsCompensation)
	compensate(&rep)
	rep.rollup()
	return rep
}

func compensate(rep *Report) {
	for i := range rep.Results {
		r := &rep.Results[i]
		if r.canLayOff() {
			r.setLaidOff(r.PayoutIfHit.DivRound(r.LayoffOdds, divScale))
		}
	}
}

// pool sums the positive net results and the absolute negative ones.
func pool(rep *Report) (positive, negative decimal.Decimal) {
	positive, negative = decimal.Zero, decimal.Zero
	for _, r := range rep.Results {
		switch r.NetResult.Sign() {
		case 1:
			positive = positive.Add(r.NetResult)
		case -1:
			negative = negative.Add(r.NetResult.Abs())
		}
	}
	return positive, negative
}

// topUp adds the lay-off that supply buys at r's odds.
func topUp(r *Result, supply decimal.Decimal) {
	extra := supply.DivRound(r.LayoffOdds.Sub(one), divScale)
	r.setLaidOff(r.LaidOff.Add(extra))
}

// Greedy starts from OddsCompensation and spends the pool of positive net
// results on the negative positions, most negative first, each up to its own
// loss, until the pool is gone.
func (a *Analyzer) Greedy(g *PositionGroup) Report {
	rep := a.baseline(g, StrategyGreedy)
	compensate(&rep)
	remaining, _ := pool(&rep)
	rep.PoolTotal, rep.PoolUsed = remaining, decimal.Zero

	order := make([]int, len(rep.Results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return rep.Results[order[x]].NetResult.LessThan(rep.Results[order[y]].NetResult)
	})

	for _, i := range order {
		r := &rep.Results[i]
		if !remaining.IsPositive() || !r.NetResult.IsNegative() {
			break
		}
		if !r.canLayOff() {
			continue
		}
		supply := decimal.Min(r.NetResult.Abs(), remaining)
		topUp(r, supply)
		remaining = remaining.Sub(supply)
		rep.PoolUsed = rep.PoolUsed.Add(supply)
	}
	rep.rollup()
	return rep
}

// Proportional starts from OddsCompensation and shares the pool of positive
// net results across all negative positions in one pass, each receiving
// pool × |netResult| / total negative exposure.
func (a *Analyzer) Proportional(g *PositionGroup) Report {
	rep := a.baseline(g, StrategyProportional)
	compensate(&rep)
	positive, negative := pool(&rep)
	rep.PoolTotal, rep.PoolUsed = positive, decimal.Zero

	if positive.IsPositive() && negative.IsPositive() {
		for i := range rep.Results {
			r := &rep.Results[i]
			if !r.NetResult.IsNegative() || !r.canLayOff() {
				continue
			}
			supply := positive.Mul(r.NetResult.Abs()).DivRound(negative, divScale)
			topUp(r, supply)
			rep.PoolUsed = rep.PoolUsed.Add(supply)
		}
	}
	rep.rollup()
	return rep
}

// Analyze runs strategy st. Tolerance is only read by StrategyRiskControl.
func (a *Analyzer) Analyze(g *PositionGroup, st Strategy, tolerance decimal.Decimal) (Report, error) {
	switch st {
	case StrategyRiskControl:
		if err := CheckTolerance(tolerance); err != nil {
			return Report{}, err
		}
		return a.RiskControl(g, tolerance), nil
	case StrategyOddsCompensation:
		return a.OddsCompensation(g), nil
	case StrategyGreedy:
		return a.Greedy(g), nil
	case StrategyProportional:
		return a.Proportional(g), nil
	}
	return Report{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, st)
}

// AnalyzeAll runs st over every group in parallel and returns the reports in
// group order. It stops early if ctx is cancelled.
func (a *Analyzer) AnalyzeAll(ctx context.Context, groups []*PositionGroup, st Strategy, tolerance decimal.Decimal) ([]Report, error) {
	if _, err := ParseStrategy(string(st)); err != nil {
		return nil, err
	}
	if st == StrategyRiskControl {
		if err := CheckTolerance(tolerance); err != nil {
			return nil, err
		}
	}
	reports := make([]Report, len(groups))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i, g := range groups {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rep, err := a.Analyze(g, st, tolerance)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
