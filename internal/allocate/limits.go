package allocate

import (
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
)

// capTracker records, for one allocation call, how much each account has
// already taken on each (number, play type). It enforces perNumberCap across
// the repeated picks a single call makes. Nothing carries over between calls:
// the cap bounds one call, not an account's standing exposure.
type capTracker struct {
	used map[string]decimal.Decimal
}

func newCapTracker() *capTracker {
	return &capTracker{used: make(map[string]decimal.Decimal)}
}

func capKey(accountID, num string, pt model.PlayType) string {
	return accountID + "|" + model.Key(num, pt)
}

// headroom is what perNumberCap still allows for (account, number). A zero
// cap means no limit and reports capped=false.
func (c *capTracker) headroom(s model.AccountSnapshot, num string, pt model.PlayType) (room decimal.Decimal, capped bool) {
	if !s.PerNumberCap.IsPositive() {
		return decimal.Zero, false
	}
	room = s.PerNumberCap.Sub(c.used[capKey(s.ID, num, pt)])
	return decimal.Max(room, decimal.Zero), true
}

func (c *capTracker) add(accountID, num string, pt model.PlayType, amount decimal.Decimal) {
	k := capKey(accountID, num, pt)
	c.used[k] = c.used[k].Add(amount)
}

// limitAmount clamps want by free capacity, the per-number headroom and,
// when perBet is set, the account's perBetCap.
func (c *capTracker) limitAmount(s model.AccountSnapshot, num string, pt model.PlayType, want decimal.Decimal, perBet bool) decimal.Decimal {
	amt := decimal.Min(want, s.Free())
	if room, capped := c.headroom(s, num, pt); capped {
		amt = decimal.Min(amt, room)
	}
	if perBet && s.PerBetCap.IsPositive() {
		amt = decimal.Min(amt, s.PerBetCap)
	}
	return decimal.Max(amt, decimal.Zero)
}

// floorTo rounds amount down to a whole multiple of step. The quotient is
// taken exactly; Div would round it to DivisionPrecision first and could
// push the result past amount.
func floorTo(amount, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return amount
	}
	q, _ := amount.QuoRem(step, 0)
	return q.Mul(step)
}
