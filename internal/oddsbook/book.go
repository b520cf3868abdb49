// Package oddsbook aggregates competing payout quotes per (number, play type)
// and answers best-quote queries.
//
// # Sharding
//
// Groups are spread across numShards independent shards keyed by an xxhash of
// the number, so every play type of one number lives in the same shard and
// QueryByNumber takes a single lock. Ingests on numbers in different shards
// never contend.
//
// All query results are copies. Callers never see live group state.
package oddsbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
)

const numShards = 64

var (
	ErrNegativeOdds = fmt.Errorf("%w: oddsbook: odds must be non-negative", model.ErrValidation)
	ErrEmptySource  = fmt.Errorf("%w: oddsbook: source is required", model.ErrValidation)
	ErrEmptyNumber  = fmt.Errorf("%w: oddsbook: number is required", model.ErrValidation)
	ErrPlayType     = fmt.Errorf("%w: oddsbook: unknown play type", model.ErrValidation)

	// ErrNoQuote is returned by lookups when no live quote exists.
	ErrNoQuote = errors.New("oddsbook: no quote")
)

// group holds every source's latest quote for one (number, play type).
// Fields must not be touched without the parent shard's lock.
type group struct {
	number   string
	playType model.PlayType
	bySource map[string]model.Quote
}

func (g *group) copyOut() model.QuoteGroup {
	out := model.QuoteGroup{
		Number:   g.number,
		PlayType: g.playType,
		Quotes:   make([]model.Quote, 0, len(g.bySource)),
	}
	for _, q := range g.bySource {
		out.Quotes = append(out.Quotes, q)
	}
	sortQuotes(out.Quotes)
	return out
}

func (g *group) best() (model.Quote, bool) {
	var best model.Quote
	found := false
	for _, q := range g.bySource {
		if !found || q.Beats(best) || (!best.Beats(q) && q.Source < best.Source) {
			best = q
			found = true
		}
	}
	return best, found
}

type shard struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// Book is a sharded, thread-safe quote store. The zero value is not usable;
// call New.
type Book struct {
	shards [numShards]shard
	events chan<- Event
	now    func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithEvents makes the book publish ingest and purge events on ch. Sends
// never block; events are dropped when ch is full.
func WithEvents(ch chan<- Event) Option {
	return func(b *Book) { b.events = ch }
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// New creates an empty book.
func New(opts ...Option) *Book {
	b := &Book{now: time.Now}
	for i := range b.shards {
		b.shards[i].groups = make(map[string]*group)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) shardOf(num string) *shard {
	return &b.shards[xxhash.Sum64String(num)%numShards]
}

// Ingest upserts source's quote in the (num, pt) group, creating the group on
// first sight. Ingesting an identical quote twice leaves the group unchanged.
func (b *Book) Ingest(num string, pt model.PlayType, source string, odds decimal.Decimal, observedAt time.Time) error {
	num = number.Normalize(num)
	switch {
	case num == "":
		return ErrEmptyNumber
	case !pt.Valid():
		return fmt.Errorf("%w: %d", ErrPlayType, pt)
	case source == "":
		return ErrEmptySource
	case odds.IsNegative():
		return fmt.Errorf("%w: got %s", ErrNegativeOdds, odds)
	}

	q := model.Quote{
		Source:     source,
		Number:     num,
		PlayType:   pt,
		Odds:       odds,
		ObservedAt: observedAt,
	}

	key := model.Key(num, pt)
	sh := b.shardOf(num)
	sh.mu.Lock()
	g, ok := sh.groups[key]
	if !ok {
		g = &group{number: num, playType: pt, bySource: make(map[string]model.Quote)}
		sh.groups[key] = g
	}
	g.bySource[source] = q
	sh.mu.Unlock()

	b.emit(Event{Kind: EventIngest, Source: source, Number: num, PlayType: pt, Odds: odds, Count: 1})
	return nil
}

// BestQuote returns the highest-odds quote for (num, pt). Ties go to the most
// recent observation, then to the lexically smaller source.
func (b *Book) BestQuote(num string, pt model.PlayType) (model.Quote, bool) {
	num = number.Normalize(num)
	sh := b.shardOf(num)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	g, ok := sh.groups[model.Key(num, pt)]
	if !ok {
		return model.Quote{}, false
	}
	return g.best()
}

// Quote returns source's own quote for (num, pt).
func (b *Book) Quote(num string, pt model.PlayType, source string) (model.Quote, bool) {
	num = number.Normalize(num)
	sh := b.shardOf(num)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	g, ok := sh.groups[model.Key(num, pt)]
	if !ok {
		return model.Quote{}, false
	}
	q, ok := g.bySource[source]
	return q, ok
}

// Ranked returns every live quote for (num, pt), best first. Each source
// appears at most once.
func (b *Book) Ranked(num string, pt model.PlayType) []model.Quote {
	num = number.Normalize(num)
	sh := b.shardOf(num)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	g, ok := sh.groups[model.Key(num, pt)]
	if !ok {
		return nil
	}
	return g.copyOut().Quotes
}

// QueryByNumber returns copies of every group stored for num, across play
// types, ordered by play type.
func (b *Book) QueryByNumber(num string) []model.QuoteGroup {
	num = number.Normalize(num)
	sh := b.shardOf(num)
	sh.mu.RLock()
	var out []model.QuoteGroup
	for _, g := range sh.groups {
		if g.number == num {
			out = append(out, g.copyOut())
		}
	}
	sh.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PlayType < out[j].PlayType })
	return out
}

// PurgeSource removes source's quotes from every group and reports how many
// were removed. Groups left empty stay in the book.
func (b *Book) PurgeSource(source string) int {
	removed := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for _, g := range sh.groups {
			if _, ok := g.bySource[source]; ok {
				delete(g.bySource, source)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	b.emit(Event{Kind: EventPurge, Source: source, Count: removed})
	return removed
}

// BestByPlayType returns the best quote of every number quoted under pt,
// ordered by number.
func (b *Book) BestByPlayType(pt model.PlayType) []model.Quote {
	var out []model.Quote
	b.each(func(g *group) {
		if g.playType != pt {
			return
		}
		if q, ok := g.best(); ok {
			out = append(out, q)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// BestByNumber returns, for every quoted number, its best quote across all
// play types.
func (b *Book) BestByNumber() map[string]model.Quote {
	out := make(map[string]model.Quote)
	b.each(func(g *group) {
		q, ok := g.best()
		if !ok {
			return
		}
		if cur, seen := out[g.number]; !seen || q.Beats(cur) {
			out[g.number] = q
		}
	})
	return out
}

// Snapshot copies every group, including empty ones, ordered by number then
// play type.
func (b *Book) Snapshot() []model.QuoteGroup {
	var out []model.QuoteGroup
	b.each(func(g *group) { out = append(out, g.copyOut()) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].PlayType < out[j].PlayType
	})
	return out
}

// Len returns the number of groups, including empty ones.
func (b *Book) Len() int {
	n := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		n += len(sh.groups)
		sh.mu.RUnlock()
	}
	return n
}

// each visits every group under its shard's read lock.
func (b *Book) each(fn func(*group)) {
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		for _, g := range sh.groups {
			fn(g)
		}
		sh.mu.RUnlock()
	}
}

func (b *Book) emit(ev Event) {
	if b.events == nil {
		return
	}
	ev.At = b.now()
	select {
	case b.events <- ev:
	default:
	}
}

// sortQuotes orders quotes best first, breaking full ties by source so output
// is deterministic.
func sortQuotes(qs []model.Quote) {
	sort.Slice(qs, func(i, j int) bool {
		if qs[i].Beats(qs[j]) {
			return true
		}
		if qs[j].Beats(qs[i]) {
			return false
		}
		return qs[i].Source < qs[j].Source
	})
}
