// Package desk provides the HTTP and WebSocket surface of the odds desk:
// quote ingestion, best-odds queries, allocation, packing against the
// counterparty tier catalog, the position book and hedge analysis,
// settlement records and the account registry.
//
// All monetary values use shopspring/decimal, never float64.
package desk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/allocate"
	"github.com/fivebear/oddsdesk/internal/hedge"
	"github.com/fivebear/oddsdesk/internal/ledger"
	"github.com/fivebear/oddsdesk/internal/metrics"
	"github.com/fivebear/oddsdesk/internal/model"
	"github.com/fivebear/oddsdesk/internal/number"
	"github.com/fivebear/oddsdesk/internal/oddsbook"
	"github.com/fivebear/oddsdesk/internal/packing"
	"github.com/fivebear/oddsdesk/internal/store"
)

// Settings are the desk defaults a request may override.
type Settings struct {
	Packing   packing.Options
	Tiers     []model.PackageTier
	Mode      allocate.Mode
	Strategy  hedge.Strategy
	Tolerance decimal.Decimal
}

// Service wires the core components together. Each desk owns its own book,
// registry and ledger; nothing is process-global.
type Service struct {
	store     store.Store
	book      *oddsbook.Book
	catalog   *packing.Catalog
	positions *hedge.Book
	accounts  *Registry
	alloc     *allocate.Allocator
	analyzer  *hedge.Analyzer
	ledger    *ledger.Ledger
	settings  Settings
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a desk over st and book, restoring the account registry
// and the settlement ledger from the store. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(ctx context.Context, st store.Store, book *oddsbook.Book, settings Settings, hub *WSHub) (*Service, error) {
	accounts := NewRegistry(st)
	if err := accounts.Load(ctx); err != nil {
		return nil, err
	}

	entries, err := st.ListLedgerEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	led, err := ledger.Restore(entries)
	if err != nil {
		return nil, err
	}

	if settings.Mode == "" {
		settings.Mode = allocate.ModeGreedy
	}
	if settings.Strategy == "" {
		settings.Strategy = hedge.StrategyOddsCompensation
	}

	slog.Info("desk restored",
		"accounts", len(accounts.List()),
		"ledger_entries", led.Len(),
		"net_profit", led.NetProfit().String(),
	)

	return &Service{
		store:     st,
		book:      book,
		catalog:   packing.NewCatalog(),
		positions: hedge.NewBook(),
		accounts:  accounts,
		alloc:     allocate.New(book),
		analyzer:  hedge.NewAnalyzer(book),
		ledger:    led,
		settings:  settings,
		wsHub:     hub,
	}, nil
}

// Accounts exposes the live account registry.
func (s *Service) Accounts() *Registry { return s.accounts }

// Ledger exposes the settlement ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Catalog exposes the counterparty package-tier catalog.
func (s *Service) Catalog() *packing.Catalog { return s.catalog }

// Positions exposes the position book.
func (s *Service) Positions() *hedge.Book { return s.positions }

// Routes mounts every desk endpoint on r.
func (s *Service) Routes(r chi.Router) {
	// Odds book.
	r.Post("/quotes", s.IngestQuotes)
	r.Get("/quotes/{number}", s.QuotesByNumber)
	r.Get("/quotes/{number}/{playType}", s.BestOdds)
	r.Get("/best/{playType}", s.BestByPlayType)
	r.Delete("/sources/{source}", s.PurgeSource)

	// Package tiers offered by each counterparty.
	r.Get("/catalog/{playType}", s.CatalogTiers)
	r.Put("/catalog/{source}/{playType}", s.RegisterTiers)
	r.Delete("/catalog/{source}", s.RemoveCatalogSource)

	// Position book.
	r.Post("/positions", s.AddPositions)
	r.Get("/positions", s.ListPositions)
	r.Delete("/positions", s.ResetPositions)
	r.Get("/positions/numbers/{number}", s.PositionsByNumber)
	r.Get("/exposure/{number}/{playType}", s.GetExposure)
	r.Post("/exposure/{number}/{playType}/lock", s.LockExposure)
	r.Post("/exposure/{number}/{playType}/unlock", s.UnlockExposure)

	// Decisions.
	r.Post("/allocate", s.Allocate)
	r.Post("/pack", s.PackBets)
	r.Post("/hedge", s.AnalyzeHedge)

	// Settlement.
	r.Post("/ledger/{direction}", s.RecordSettlement)
	r.Get("/ledger/profit", s.Profit)
	r.Get("/ledger/numbers/{number}", s.LedgerByNumber)

	// Accounts.
	r.Get("/accounts", s.ListAccounts)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Put("/accounts/{accountID}", s.UpsertAccount)
	r.Post("/accounts/{accountID}/status", s.SetAccountStatus)
	r.Post("/accounts/{accountID}/commit", s.CommitAccount)
	r.Post("/accounts/{accountID}/unlock", s.UnlockAccount)
	r.Post("/accounts/{accountID}/release", s.ReleaseAccount)

	// Numbers.
	r.Get("/numbers/classify/{number}", s.ClassifyNumber)
	r.Get("/numbers/{playType}", s.GenerateNumbers)
}

// --- Request/Response types ---

// QuoteInput is one quote pushed by the market feed collaborator.
type QuoteInput struct {
	Number     string          `json:"number"`
	PlayType   model.PlayType  `json:"play_type"`
	Source     string          `json:"source"`
	Odds       decimal.Decimal `json:"odds"`
	ObservedAt time.Time       `json:"observed_at"` // zero → now
}

// IngestRequest is the JSON body for POST /quotes.
type IngestRequest struct {
	Quotes []QuoteInput `json:"quotes"`
}

// IngestResponse reports how many quotes were accepted. On a rejected quote
// Error names it and Ingested counts the quotes applied before it.
type IngestResponse struct {
	Ingested int    `json:"ingested"`
	Groups   int    `json:"groups"`
	Error    string `json:"error,omitempty"`
}

// BestOddsResponse is the JSON body of GET /quotes/{number}/{playType}.
type BestOddsResponse struct {
	Best   model.Quote   `json:"best"`
	Ranked []model.Quote `json:"ranked"`
}

// AllocateRequest is the JSON body for POST /allocate. Mode may also be given
// as ?mode=; an empty AccountIDs uses every registered account.
type AllocateRequest struct {
	Mode       string                 `json:"mode"`
	Tasks      []model.AllocationTask `json:"tasks"`
	AccountIDs []string               `json:"account_ids"`
}

// PackRequest is the JSON body for POST /pack. Without Tiers, positions of a
// single play type are packed against the catalog's best tiers for it, and
// anything else against the desk default tiers. Options fall back to the desk
// defaults when omitted.
type PackRequest struct {
	Positions []model.Position    `json:"positions"`
	Tiers     []model.PackageTier `json:"tiers"`
	Options   *packing.Options    `json:"options"`
}

// PackResponse is the packing result with its rollups.
type PackResponse struct {
	Groups        []packing.Group  `json:"groups"`
	Retail        []model.Position `json:"retail"`
	Overflow      []model.Position `json:"overflow,omitempty"`
	GroupedTotal  decimal.Decimal  `json:"grouped_total"`
	RetailTotal   decimal.Decimal  `json:"retail_total"`
	MaxGroupCount int              `json:"max_group_count"`
	// SuggestedTier is the largest tier the batch could fill, if any.
	SuggestedTier *model.PackageTier `json:"suggested_tier,omitempty"`
	TierSource    string             `json:"tier_source"`
}

// HedgeGroup is one play type's positions in a hedge request.
type HedgeGroup struct {
	PlayType  model.PlayType   `json:"play_type"`
	Positions []model.Position `json:"positions"`
}

// HedgeRequest is the JSON body for POST /hedge. Positions are grouped by
// their own play type and analysed after Groups. With neither, the desk's
// position book is analysed.
type HedgeRequest struct {
	Strategy  string           `json:"strategy"`
	Tolerance *decimal.Decimal `json:"tolerance"`
	Groups    []HedgeGroup     `json:"groups"`
	Positions []model.Position `json:"positions"`
}

// TiersRequest is the JSON body for PUT /catalog/{source}/{playType}.
type TiersRequest struct {
	Tiers []model.PackageTier `json:"tiers"`
}

// PositionsRequest is the JSON body for POST /positions.
type PositionsRequest struct {
	Positions []model.Position `json:"positions"`
}

// PositionGroupView summarises one play type of the position book.
type PositionGroupView struct {
	PlayType   model.PlayType   `json:"play_type"`
	Count      int              `json:"count"`
	TotalStake decimal.Decimal  `json:"total_stake"`
	Positions  []model.Position `json:"positions"`
}

// PositionsResponse is the JSON body of GET /positions.
type PositionsResponse struct {
	Count       int                 `json:"count"`
	TotalStake  decimal.Decimal     `json:"total_stake"`
	TotalPayout decimal.Decimal     `json:"total_payout"`
	Groups      []PositionGroupView `json:"groups"`
}

// SettlementRequest is the JSON body for POST /ledger/{direction}.
type SettlementRequest struct {
	Number   string          `json:"number"`
	PlayType model.PlayType  `json:"play_type"`
	Amount   decimal.Decimal `json:"amount"`
}

// ProfitResponse is the JSON body of GET /ledger/profit.
type ProfitResponse struct {
	TotalIn   decimal.Decimal            `json:"total_in"`
	TotalOut  decimal.Decimal            `json:"total_out"`
	NetProfit decimal.Decimal            `json:"net_profit"`
	ByNumber  map[string]decimal.Decimal `json:"by_number"`
	PlayType  model.PlayType             `json:"play_type,omitempty"`
	NetFor    *decimal.Decimal           `json:"net_for_play_type,omitempty"`
}

// StatusRequest is the JSON body for POST /accounts/{accountID}/status.
type StatusRequest struct {
	Status model.AccountStatus `json:"status"`
}

// AmountRequest is the JSON body for the account commit, unlock and release
// endpoints.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// NumbersResponse is the JSON body of GET /numbers/{playType}.
type NumbersResponse struct {
	PlayType model.PlayType `json:"play_type"`
	Template string         `json:"template"`
	Numbers  []string       `json:"numbers"`
}

// ClassifyResponse is the JSON body of GET /numbers/classify/{number}.
type ClassifyResponse struct {
	Number   string         `json:"number"`
	PlayType model.PlayType `json:"play_type"`
	Template string         `json:"template"`
	Covers   int            `json:"covers"`
}

// --- Odds book handlers ---

// IngestQuotes handles POST /api/v1/quotes
// Quotes are applied in order; the first rejected quote stops the batch.
func (s *Service) IngestQuotes(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ingested := 0
	for i, q := range req.Quotes {
		observed := q.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		num, err := number.Parse(q.Number, q.PlayType)
		if err == nil {
			err = s.book.Ingest(num, q.PlayType, q.Source, q.Odds, observed)
		}
		if err != nil {
			s.rejectBatch(w, ingested, fmt.Errorf("quote %d: %w", i, err))
			return
		}
		metrics.QuotesIngested.WithLabelValues(q.Source).Inc()
		ingested++
	}

	groups := s.book.Len()
	metrics.QuoteGroups.Set(float64(groups))

	writeJSON(w, http.StatusOK, IngestResponse{Ingested: ingested, Groups: groups})
}

// rejectBatch reports a rejected quote along with how much of the batch was
// already applied.
func (s *Service) rejectBatch(w http.ResponseWriter, ingested int, err error) {
	groups := s.book.Len()
	metrics.QuoteGroups.Set(float64(groups))

	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("quote batch failed", "ingested", ingested, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, IngestResponse{Ingested: ingested, Groups: groups, Error: msg})
}

// QuotesByNumber handles GET /api/v1/quotes/{number}
func (s *Service) QuotesByNumber(w http.ResponseWriter, r *http.Request) {
	groups := s.book.QueryByNumber(chi.URLParam(r, "number"))
	if groups == nil {
		groups = []model.QuoteGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// BestOdds handles GET /api/v1/quotes/{number}/{playType}
func (s *Service) BestOdds(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	num := chi.URLParam(r, "number")

	best, ok := s.book.BestQuote(num, pt)
	if !ok {
		writeErr(w, fmt.Errorf("%w for %s", oddsbook.ErrNoQuote, model.Key(number.Normalize(num), pt)))
		return
	}
	writeJSON(w, http.StatusOK, BestOddsResponse{Best: best, Ranked: s.book.Ranked(num, pt)})
}

// BestByPlayType handles GET /api/v1/best/{playType}
func (s *Service) BestByPlayType(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	quotes := s.book.BestByPlayType(pt)
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// PurgeSource handles DELETE /api/v1/sources/{source}
// Called by the market feed when a counterparty disconnects. The source's
// package tiers go with its quotes.
func (s *Service) PurgeSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	removed := s.book.PurgeSource(source)
	metrics.QuotesPurged.Add(float64(removed))
	tiers := s.catalog.RemoveSource(source)

	slog.Info("source purged", "source", source, "quotes", removed, "tiers", tiers)

	writeJSON(w, http.StatusOK, map[string]any{"source": source, "purged": removed, "tiers": tiers})
}

// --- Catalog handlers ---

// CatalogTiers handles GET /api/v1/catalog/{playType}
// Returns the best offer per tier across sources, largest tier first.
func (s *Service) CatalogTiers(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	offers := s.catalog.Best(pt)
	if offers == nil {
		offers = []packing.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// RegisterTiers handles PUT /api/v1/catalog/{source}/{playType}
// Replaces the tiers the source offers on the play type.
func (s *Service) RegisterTiers(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req TiersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	source := chi.URLParam(r, "source")
	if err := s.catalog.Register(source, pt, req.Tiers); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("package tiers registered", "source", source, "play_type", int(pt), "tiers", len(req.Tiers))

	offers := s.catalog.BySource(source)
	if offers == nil {
		offers = []packing.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// RemoveCatalogSource handles DELETE /api/v1/catalog/{source}
func (s *Service) RemoveCatalogSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	removed := s.catalog.RemoveSource(source)
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "tiers": removed})
}

// --- Position book handlers ---

// AddPositions handles POST /api/v1/positions
// The batch is booked whole or not at all.
func (s *Service) AddPositions(w http.ResponseWriter, r *http.Request) {
	var req PositionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.Add(req.Positions...); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("positions booked", "added", len(req.Positions), "total", s.positions.Len())

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "positions_added", Data: map[string]any{"added": len(req.Positions)}})
	}
	writeJSON(w, http.StatusCreated, s.positionsView())
}

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.positionsView())
}

// ResetPositions handles DELETE /api/v1/positions
func (s *Service) ResetPositions(w http.ResponseWriter, r *http.Request) {
	s.positions.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// PositionsByNumber handles GET /api/v1/positions/numbers/{number}
func (s *Service) PositionsByNumber(w http.ResponseWriter, r *http.Request) {
	ps := s.positions.ByNumber(chi.URLParam(r, "number"))
	if ps == nil {
		ps = []model.Position{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetExposure handles GET /api/v1/exposure/{number}/{playType}
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	num, err := number.Parse(chi.URLParam(r, "number"), pt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.positions.Exposure(num, pt))
}

// LockExposure handles POST /api/v1/exposure/{number}/{playType}/lock
// Reserves booked stake for an outgoing lay-off.
func (s *Service) LockExposure(w http.ResponseWriter, r *http.Request) {
	s.exposureOp(w, r, s.positions.Lock)
}

// UnlockExposure handles POST /api/v1/exposure/{number}/{playType}/unlock
func (s *Service) UnlockExposure(w http.ResponseWriter, r *http.Request) {
	s.exposureOp(w, r, s.positions.Unlock)
}

func (s *Service) exposureOp(w http.ResponseWriter, r *http.Request, fn func(string, model.PlayType, decimal.Decimal) (hedge.Exposure, error)) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := fn(chi.URLParam(r, "number"), pt, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Service) positionsView() PositionsResponse {
	groups := s.positions.Groups()
	resp := PositionsResponse{
		Groups:      make([]PositionGroupView, len(groups)),
		TotalStake:  decimal.Zero,
		TotalPayout: s.positions.TotalPayout(),
	}
	for i, g := range groups {
		resp.Groups[i] = PositionGroupView{
			PlayType:   g.PlayType(),
			Count:      g.Len(),
			TotalStake: g.TotalStake(),
			Positions:  g.Positions(),
		}
		resp.Count += g.Len()
		resp.TotalStake = resp.TotalStake.Add(g.TotalStake())
	}
	return resp
}

// --- Decision handlers ---

// Allocate handles POST /api/v1/allocate
// Spreads the requested demand over the registered accounts and persists the
// touched accounts' new assigned counters.
func (s *Service) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	modeName := req.Mode
	if q := r.URL.Query().Get("mode"); q != "" {
		modeName = q
	}
	mode := s.settings.Mode
	if modeName != "" {
		m, err := allocate.ParseMode(modeName)
		if err != nil {
			writeErr(w, err)
			return
		}
		mode = m
	}

	accounts, err := s.accounts.Select(req.AccountIDs)
	if err != nil {
		writeErr(w, err)
		return
	}

	start := time.Now()
	res, err := s.alloc.Run(mode, req.Tasks, accounts)
	if err != nil {
		writeErr(w, err)
		return
	}
	metrics.AllocationLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	metrics.Allocations.WithLabelValues(string(mode)).Inc()
	metrics.AllocatedAmount.WithLabelValues(string(mode)).Add(res.TotalAssigned().InexactFloat64())
	metrics.UnassignedAmount.WithLabelValues(string(mode)).Add(res.TotalUnassigned().InexactFloat64())

	touched := make([]string, 0)
	for id := range res.ByAccount() {
		touched = append(touched, id)
	}
	if err := s.accounts.Persist(r.Context(), touched...); err != nil {
		slog.Error("allocation not persisted, releasing", "allocation_id", res.ID, "err", err)
		s.accounts.ReleaseAllocations(r.Context(), res.Allocations)
		writeError(w, "failed to persist accounts", http.StatusInternalServerError)
		return
	}

	slog.Info("allocation completed",
		"allocation_id", res.ID,
		"mode", string(mode),
		"tasks", len(req.Tasks),
		"assigned", res.TotalAssigned().String(),
		"unassigned", res.TotalUnassigned().String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "allocation_completed", Data: res})
	}

	writeJSON(w, http.StatusOK, res)
}

// PackBets handles POST /api/v1/pack
func (s *Service) PackBets(w http.ResponseWriter, r *http.Request) {
	var req PackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tiers, tierSource := req.Tiers, "request"
	pt, single := singlePlayType(req.Positions)
	if len(tiers) == 0 && single {
		if cat := s.catalog.Tiers(pt); len(cat) > 0 {
			tiers, tierSource = cat, "catalog"
		}
	}
	if len(tiers) == 0 {
		tiers, tierSource = s.settings.Tiers, "default"
	}
	opts := s.settings.Packing
	if req.Options != nil {
		opts = *req.Options
	}

	res, err := packing.Pack(req.Positions, tiers, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	if tierSource == "catalog" {
		s.catalog.Assign(pt, res.Groups)
	}
	for _, g := range res.Groups {
		metrics.PackageGroups.WithLabelValues(g.Tier.Name).Inc()
	}
	if res.Groups == nil {
		res.Groups = []packing.Group{}
	}
	if res.Retail == nil {
		res.Retail = []model.Position{}
	}

	resp := PackResponse{
		Groups:        res.Groups,
		Retail:        res.Retail,
		Overflow:      res.Overflow,
		GroupedTotal:  res.GroupedTotal(),
		RetailTotal:   res.RetailTotal(),
		MaxGroupCount: packing.MaxGroupCount(req.Positions),
		TierSource:    tierSource,
	}
	if t, ok := packing.BestTier(req.Positions, tiers); ok {
		resp.SuggestedTier = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// singlePlayType reports the play type shared by every position.
func singlePlayType(ps []model.Position) (model.PlayType, bool) {
	if len(ps) == 0 {
		return 0, false
	}
	pt := ps[0].PlayType
	for _, p := range ps[1:] {
		if p.PlayType != pt {
			return 0, false
		}
	}
	return pt, pt.Valid()
}

// AnalyzeHedge handles POST /api/v1/hedge
// Every group is analysed under the same strategy, in parallel.
func (s *Service) AnalyzeHedge(w http.ResponseWriter, r *http.Request) {
	var req HedgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st := s.settings.Strategy
	if req.Strategy != "" {
		parsed, err := hedge.ParseStrategy(req.Strategy)
		if err != nil {
			writeErr(w, err)
			return
		}
		st = parsed
	}
	tolerance := s.settings.Tolerance
	if req.Tolerance != nil {
		tolerance = *req.Tolerance
	}
	if err := hedge.CheckTolerance(tolerance); err != nil {
		writeErr(w, err)
		return
	}

	groups := make([]*hedge.PositionGroup, 0, len(req.Groups))
	for _, hg := range req.Groups {
		g, err := hedge.NewPositionGroup(hg.PlayType, hg.Positions)
		if err != nil {
			writeErr(w, err)
			return
		}
		groups = append(groups, g)
	}
	if len(req.Positions) > 0 {
		flat := hedge.NewBook()
		if err := flat.Add(req.Positions...); err != nil {
			writeErr(w, err)
			return
		}
		groups = append(groups, flat.Groups()...)
	}
	if len(req.Groups) == 0 && len(req.Positions) == 0 {
		groups = s.positions.Groups()
	}

	reports, err := s.analyzer.AnalyzeAll(r.Context(), groups, st, tolerance)
	if err != nil {
		writeErr(w, err)
		return
	}
	metrics.HedgeRuns.WithLabelValues(string(st)).Add(float64(len(reports)))

	writeJSON(w, http.StatusOK, reports)
}

// --- Settlement handlers ---

// RecordSettlement handles POST /api/v1/ledger/{direction}
// The entry is journaled to the store first and counts in the ledger only
// once the journal has it.
func (s *Service) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dir := model.Direction(chi.URLParam(r, "direction"))

	entry, err := s.ledger.NewEntry(req.Number, req.PlayType, dir, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.InsertLedgerEntry(r.Context(), &entry); err != nil {
		slog.Error("ledger entry not journaled", "id", entry.ID, "err", err)
		writeError(w, "failed to record settlement", http.StatusInternalServerError)
		return
	}
	if err := s.ledger.Append(entry); err != nil {
		writeErr(w, err)
		return
	}
	metrics.LedgerEntries.WithLabelValues(string(dir)).Inc()

	slog.Info("settlement recorded",
		"id", entry.ID,
		"number", entry.Number,
		"play_type", int(entry.PlayType),
		"direction", string(dir),
		"amount", entry.Amount.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "settlement_recorded", Data: entry})
	}

	writeJSON(w, http.StatusCreated, entry)
}

// Profit handles GET /api/v1/ledger/profit
// Optional ?play_type= adds that play type's net.
func (s *Service) Profit(w http.ResponseWriter, r *http.Request) {
	resp := ProfitResponse{
		TotalIn:   s.ledger.TotalIn(),
		TotalOut:  s.ledger.TotalOut(),
		NetProfit: s.ledger.NetProfit(),
		ByNumber:  s.ledger.ProfitByNumber(),
	}
	if raw := r.URL.Query().Get("play_type"); raw != "" {
		pt, err := parsePlayType(raw)
		if err != nil {
			writeErr(w, err)
			return
		}
		net := s.ledger.NetProfitFor(pt)
		resp.PlayType, resp.NetFor = pt, &net
	}
	writeJSON(w, http.StatusOK, resp)
}

// LedgerByNumber handles GET /api/v1/ledger/numbers/{number}
// Served from the journal so a cached store answers it.
func (s *Service) LedgerByNumber(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedgerEntriesByNumber(r.Context(), number.Normalize(chi.URLParam(r, "number")))
	if err != nil {
		writeError(w, "failed to load settlements", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Account handlers ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.Snapshots())
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.Get(chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc.Snapshot())
}

// UpsertAccount handles PUT /api/v1/accounts/{accountID}
// The account/site collaborator pushes a fresh snapshot here.
func (s *Service) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	var snap model.AccountSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	snap.ID = chi.URLParam(r, "accountID")
	if snap.Status == "" {
		snap.Status = model.StatusIdle
	}

	saved, err := s.accounts.Upsert(r.Context(), snap)
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("account upserted",
		"id", saved.ID,
		"source", saved.SourceID,
		"status", string(saved.Status),
		"balance", saved.Balance.String(),
		"free", saved.Free().String(),
	)
	writeJSON(w, http.StatusOK, saved)
}

// SetAccountStatus handles POST /api/v1/accounts/{accountID}/status
func (s *Service) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validStatus(req.Status) {
		writeErr(w, model.Invalidf("unknown account status %q", req.Status))
		return
	}
	s.applyAccount(w, r, func(a *model.Account) error {
		a.SetStatus(req.Status)
		return nil
	})
}

// CommitAccount handles POST /api/v1/accounts/{accountID}/commit
// Moves assigned stake to locked once the collaborator has placed the bet.
func (s *Service) CommitAccount(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(a *model.Account, amt decimal.Decimal) error { return a.Commit(amt) })
}

// UnlockAccount handles POST /api/v1/accounts/{accountID}/unlock
func (s *Service) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(a *model.Account, amt decimal.Decimal) error {
		a.Unlock(amt)
		return nil
	})
}

// ReleaseAccount handles POST /api/v1/accounts/{accountID}/release
// Returns assigned stake the collaborator did not place.
func (s *Service) ReleaseAccount(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(a *model.Account, amt decimal.Decimal) error {
		a.Release(amt)
		return nil
	})
}

func (s *Service) amountOp(w http.ResponseWriter, r *http.Request, fn func(*model.Account, decimal.Decimal) error) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.IsNegative() {
		writeErr(w, model.Invalidf("amount must be non-negative"))
		return
	}
	s.applyAccount(w, r, func(a *model.Account) error { return fn(a, req.Amount) })
}

func (s *Service) applyAccount(w http.ResponseWriter, r *http.Request, fn func(*model.Account) error) {
	snap, err := s.accounts.Apply(r.Context(), chi.URLParam(r, "accountID"), fn)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func validStatus(st model.AccountStatus) bool {
	switch st {
	case model.StatusIdle, model.StatusLoggedIn, model.StatusLoggedOut, model.StatusBetting, model.StatusError:
		return true
	}
	return false
}

// --- Number handlers ---

// GenerateNumbers handles GET /api/v1/numbers/{playType}
func (s *Service) GenerateNumbers(w http.ResponseWriter, r *http.Request) {
	pt, err := playTypeParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	nums, err := number.Generate(pt)
	if err != nil {
		writeErr(w, err)
		return
	}
	tpl, _ := number.Template(pt)
	writeJSON(w, http.StatusOK, NumbersResponse{PlayType: pt, Template: tpl, Numbers: nums})
}

// ClassifyNumber handles GET /api/v1/numbers/classify/{number}
func (s *Service) ClassifyNumber(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "number")
	pt, err := number.Classify(raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	covers, err := number.Expand(raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	tpl, _ := number.Template(pt)
	writeJSON(w, http.StatusOK, ClassifyResponse{
		Number:   number.Normalize(raw),
		PlayType: pt,
		Template: tpl,
		Covers:   len(covers),
	})
}

// --- helpers ---

func playTypeParam(r *http.Request) (model.PlayType, error) {
	return parsePlayType(chi.URLParam(r, "playType"))
}

func parsePlayType(raw string) (model.PlayType, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || !model.PlayType(n).Valid() {
		return 0, model.Invalidf("play type must be 1-11, got %q", raw)
	}
	return model.PlayType(n), nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, oddsbook.ErrNoQuote),
		errors.Is(err, ErrUnknownAccount),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hedge.ErrInsufficientStake):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeErr writes err with the status statusFor picks. Internal errors are
// logged and not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
