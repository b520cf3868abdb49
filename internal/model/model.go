// Package model defines the core domain types shared across the odds desk.
// All monetary values and odds use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlayType identifies one of the 11 canonical wildcard layouts a Number
// belongs to. Valid ids are 1..11.
type PlayType int

const (
	MinPlayType PlayType = 1
	MaxPlayType PlayType = 11
)

// Valid reports whether p names a known layout.
func (p PlayType) Valid() bool {
	return p >= MinPlayType && p <= MaxPlayType
}

// Key joins a number and play type into the "number#playType" form used
// by ledger rollups.
func Key(number string, pt PlayType) string {
	return fmt.Sprintf("%s#%d", number, pt)
}

// Quote is one counterparty's currently offered payout multiplier for a
// (number, play type) pair.
type Quote struct {
	Source     string          `json:"source"`
	Number     string          `json:"number"`
	PlayType   PlayType        `json:"play_type"`
	Odds       decimal.Decimal `json:"odds"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Beats reports whether q ranks above other: higher odds first, then the
// more recent observation.
func (q Quote) Beats(other Quote) bool {
	if c := q.Odds.Cmp(other.Odds); c != 0 {
		return c > 0
	}
	return q.ObservedAt.After(other.ObservedAt)
}

// QuoteGroup is a point-in-time copy of all live quotes for one
// (number, play type). An empty Quotes slice means every source was purged.
type QuoteGroup struct {
	Number   string   `json:"number"`
	PlayType PlayType `json:"play_type"`
	Quotes   []Quote  `json:"quotes"`
}

// Best returns the highest quote in the group; ties go to the most recent.
func (g QuoteGroup) Best() (Quote, bool) {
	if len(g.Quotes) == 0 {
		return Quote{}, false
	}
	best := g.Quotes[0]
	for _, q := range g.Quotes[1:] {
		if q.Beats(best) {
			best = q
		}
	}
	return best, true
}

// Position is a held stake on a number at the odds it was taken at.
type Position struct {
	Number    string          `json:"number"`
	PlayType  PlayType        `json:"play_type"`
	Stake     decimal.Decimal `json:"stake"`
	TakenOdds decimal.Decimal `json:"taken_odds"`
}

// PayoutIfHit is stake × takenOdds.
func (p Position) PayoutIfHit() decimal.Decimal {
	return p.Stake.Mul(p.TakenOdds)
}

// PackageTier is a bulk-stake discount offered once SizeThreshold uniform
// stakes are grouped. FlatOdds may be zero when the caller assigns odds
// after grouping.
type PackageTier struct {
	Name          string          `json:"name" toml:"name"`
	SizeThreshold int             `json:"size_threshold" toml:"size_threshold"`
	FlatOdds      decimal.Decimal `json:"flat_odds" toml:"flat_odds"`
}

// AllocationTask asks for RequestedAmount to be spread over accounts.
type AllocationTask struct {
	Number          string          `json:"number"`
	PlayType        PlayType        `json:"play_type"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	PackageEligible bool            `json:"package_eligible"`
}

// Direction of a settlement ledger entry.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// LedgerEntry is an immutable settlement record. Once created, entries are
// never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	Number     string          `json:"number" db:"number"`
	PlayType   PlayType        `json:"play_type" db:"play_type"`
	Direction  Direction       `json:"direction" db:"direction"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}
