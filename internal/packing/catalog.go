package packing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fivebear/oddsdesk/internal/model"
)

var ErrBadTier = fmt.Errorf("%w: packing: invalid package tier", model.ErrValidation)

// Offer is one source's price for a package tier on one play type.
type Offer struct {
	Source   string            `json:"source"`
	PlayType model.PlayType    `json:"play_type"`
	Tier     model.PackageTier `json:"tier"`
}

// better orders offers: higher flat odds, then source name.
func (o Offer) better(than Offer) bool {
	if c := o.Tier.FlatOdds.Cmp(than.Tier.FlatOdds); c != 0 {
		return c > 0
	}
	return o.Source < than.Source
}

// Catalog holds the package tiers each counterparty offers, per play type.
// Pack takes plain tiers; the catalog answers which source prices a tier
// best so groups can carry that source's flat odds. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	tiers  map[string]map[model.PlayType][]model.PackageTier
	nTiers int
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tiers: make(map[string]map[model.PlayType][]model.PackageTier)}
}

// Register replaces the tiers source offers on pt. Every tier needs a name,
// a positive size threshold and positive flat odds, and (name, threshold)
// pairs must be unique. An empty tiers withdraws the source from pt.
func (c *Catalog) Register(source string, pt model.PlayType, tiers []model.PackageTier) error {
	if source == "" {
		return fmt.Errorf("%w: source is required", ErrBadTier)
	}
	if !pt.Valid() {
		return fmt.Errorf("%w: play type %d", ErrBadTier, pt)
	}
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		switch {
		case t.Name == "":
			return fmt.Errorf("%w: tiers[%d] has no name", ErrBadTier, i)
		case t.SizeThreshold <= 0:
			return fmt.Errorf("%w: tiers[%d] size threshold must be > 0", ErrBadTier, i)
		case !t.FlatOdds.IsPositive():
			return fmt.Errorf("%w: tiers[%d] flat odds must be > 0", ErrBadTier, i)
		}
		k := tierKey(t)
		if seen[k] {
			return fmt.Errorf("%w: duplicate tier %s", ErrBadTier, k)
		}
		seen[k] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	byPT := c.tiers[source]
	if byPT == nil {
		byPT = make(map[model.PlayType][]model.PackageTier)
		c.tiers[source] = byPT
	}
	c.nTiers -= len(byPT[pt])
	if len(tiers) == 0 {
		delete(byPT, pt)
		if len(byPT) == 0 {
			delete(c.tiers, source)
		}
		return nil
	}
	byPT[pt] = append([]model.PackageTier(nil), tiers...)
	c.nTiers += len(tiers)
	return nil
}

// RemoveSource withdraws every tier of source and returns how many there were.
func (c *Catalog) RemoveSource(source string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ts := range c.tiers[source] {
		n += len(ts)
	}
	delete(c.tiers, source)
	c.nTiers -= n
	return n
}

// Len returns the number of registered tiers across all sources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nTiers
}

// Sources lists the sources with at least one tier, sorted.
func (c *Catalog) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tiers))
	for src := range c.tiers {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// BySource returns source's offers ordered by play type, then largest tier
// first.
func (c *Catalog) BySource(source string) []Offer {
	return c.collect(func(o Offer) bool { return o.Source == source })
}

// Best returns, for pt, the best offer of every (name, threshold) across
// sources, largest threshold first.
func (c *Catalog) Best(pt model.PlayType) []Offer {
	best := make(map[string]Offer)
	var order []string
	for _, o := range c.collect(func(o Offer) bool { return o.PlayType == pt }) {
		k := tierKey(o.Tier)
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || o.better(cur) {
			best[k] = o
		}
	}
	out := make([]Offer, len(order))
	for i, k := range order {
		out[i] = best[k]
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier.SizeThreshold != out[j].Tier.SizeThreshold {
			return out[i].Tier.SizeThreshold > out[j].Tier.SizeThreshold
		}
		return out[i].Tier.Name < out[j].Tier.Name
	})
	return out
}

// Tiers returns Best(pt) as tiers ready for Pack.
func (c *Catalog) Tiers(pt model.PlayType) []model.PackageTier {
	offers := c.Best(pt)
	out := make([]model.PackageTier, len(offers))
	for i, o := range offers {
		out[i] = o.Tier
	}
	return out
}

// Lookup returns the best offer on pt for tier's name and threshold.
func (c *Catalog) Lookup(pt model.PlayType, tier model.PackageTier) (Offer, bool) {
	k := tierKey(tier)
	return c.max(func(o Offer) bool { return o.PlayType == pt && tierKey(o.Tier) == k })
}

// BestForPlayType returns the highest-odds offer of any tier on pt.
func (c *Catalog) BestForPlayType(pt model.PlayType) (Offer, bool) {
	return c.max(func(o Offer) bool { return o.PlayType == pt })
}

// BestByName returns the highest-odds offer of tier name across every source
// and play type.
func (c *Catalog) BestByName(name string) (Offer, bool) {
	return c.max(func(o Offer) bool { return o.Tier.Name == name })
}

// Assign stamps each group with the source whose offer prices its tier best
// on pt, and that offer's flat odds. Groups with no matching offer are left
// unchanged.
func (c *Catalog) Assign(pt model.PlayType, groups []Group) {
	for i := range groups {
		if o, ok := c.Lookup(pt, groups[i].Tier); ok {
			groups[i].Source = o.Source
			groups[i].Tier.FlatOdds = o.Tier.FlatOdds
		}
	}
}

func (c *Catalog) max(keep func(Offer) bool) (Offer, bool) {
	var best Offer
	found := false
	for _, o := range c.collect(keep) {
		if !found || o.better(best) {
			best, found = o, true
		}
	}
	return best, found
}

// collect returns the matching offers ordered by source, play type, then
// largest tier first.
func (c *Catalog) collect(keep func(Offer) bool) []Offer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Offer
	for src, byPT := range c.tiers {
		for pt, ts := range byPT {
			for _, t := range ts {
				o := Offer{Source: src, PlayType: pt, Tier: t}
				if keep(o) {
					out = append(out, o)
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.PlayType != b.PlayType {
			return a.PlayType < b.PlayType
		}
		if a.Tier.SizeThreshold != b.Tier.SizeThreshold {
			return a.Tier.SizeThreshold > b.Tier.SizeThreshold
		}
		return a.Tier.Name < b.Tier.Name
	})
	return out
}

func tierKey(t model.PackageTier) string {
	return fmt.Sprintf("%s/%d", t.Name, t.SizeThreshold)
}
