package hedge

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

var (
	ErrPlayType      = fmt.Errorf("%w: hedge: unknown play type", model.ErrValidation)
	ErrMixedPlayType = fmt.Errorf("%w: hedge: position belongs to another play type", model.ErrValidation)
	ErrNegative      = fmt.Errorf("%w: hedge: negative stake or odds", model.ErrValidation)
)

// PositionGroup holds the positions of one play type under pooled
// accounting: any member's payout is funded by the whole group's stake, so
// every member's net result is totalStake − payoutIfHit and changes whenever
// a position is added.
//
// A group is not safe for concurrent mutation. Analyses only read it.
type PositionGroup struct {
	playType   model.PlayType
	positions  []model.Position
	totalStake decimal.Decimal
}

// NewPositionGroup builds a group from positions. Positions with a zero
// PlayType adopt pt.
func NewPositionGroup(pt model.PlayType, positions []model.Position) (*PositionGroup, error) {
	if !pt.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrPlayType, pt)
	}
	g := &PositionGroup{playType: pt, totalStake: decimal.Zero}
	for _, p := range positions {
		if err := g.Add(p); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add appends p and recomputes the pooled total. The number is stored
// normalized.
func (g *PositionGroup) Add(p model.Position) error {
	if p.PlayType == 0 {
		p.PlayType = g.playType
	}
	if p.PlayType != g.playType {
		return fmt.Errorf("%w: %s is play type %d, group is %d", ErrMixedPlayType, p.Number, p.PlayType, g.playType)
	}
	p, err := checkPosition(p)
	if err != nil {
		return err
	}
	g.add(p)
	return nil
}

func (g *PositionGroup) add(p model.Position) {
	g.positions = append(g.positions, p)
	g.totalStake = g.totalStake.Add(p.Stake)
}

// checkPosition validates p against its own play type and returns it with
// the number normalized.
func checkPosition(p model.Position) (model.Position, error) {
	if p.Stake.IsNegative() || p.TakenOdds.IsNegative() {
		return p, fmt.Errorf("%w: %s", ErrNegative, p.Number)
	}
	num, err := number.Parse(p.Number, p.PlayType)
	if err != nil {
		return p, fmt.Errorf("hedge: %w", err)
	}
	p.Number = num
	return p, nil
}

func (g *PositionGroup) clone() *PositionGroup {
	return &PositionGroup{
		playType:   g.playType,
		positions:  g.Positions(),
		totalStake: g.totalStake,
	}
}

// PlayType returns the group's play type.
func (g *PositionGroup) PlayType() model.PlayType { return g.playType }

// Len returns the member count.
func (g *PositionGroup) Len() int { return len(g.positions) }

// TotalStake is the pooled stake of every member.
func (g *PositionGroup) TotalStake() decimal.Decimal { return g.totalStake }

// Positions returns a copy of the members in insertion order.
func (g *PositionGroup) Positions() []model.Position {
	out := make([]model.Position, len(g.positions))
	copy(out, g.positions)
	return out
}

// NetResult is totalStake − payoutIfHit for member i: the group's outcome if
// that number hits.
func (g *PositionGroup) NetResult(i int) decimal.Decimal {
	return g.totalStake.Sub(g.positions[i].PayoutIfHit())
}
