package oddsbook

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
)

// EventKind names what changed in the book.
type EventKind string

const (
	EventIngest EventKind = "quote_ingested"
	EventPurge  EventKind = "source_purged"
)

// Event is published on the channel given to WithEvents. For purges Count is
// the number of quotes removed and the number fields are empty.
type Event struct {
	Kind     EventKind       `json:"type"`
	Source   string          `json:"source"`
	Number   string          `json:"number,omitempty"`
	PlayType model.PlayType  `json:"play_type,omitempty"`
	Odds     decimal.Decimal `json:"odds"`
	Count    int             `json:"count"`
	At       time.Time       `json:"at"`
}
