// Package api exposes the exchange over HTTP: trading, wallet, settlement,
// and market browse endpoints plus the WebSocket price feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/curve"
	"github.com/paddock/exchange-engine/internal/ledger"
	"github.com/paddock/exchange-engine/internal/market"
	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/racedata"
	"github.com/paddock/exchange-engine/internal/settle"
	"github.com/paddock/exchange-engine/internal/store"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	store   store.Store
	trading *market.Engine
	settler *settle.Engine
	ledger  *ledger.Service
	hub     *WSHub
	race    *racedata.Client // nil when no upstream results API is configured
}

// NewServer wires the handlers. race may be nil; the ingest endpoint then
// responds 503.
func NewServer(st store.Store, trading *market.Engine, settler *settle.Engine,
	led *ledger.Service, hub *WSHub, race *racedata.Client) *Server {
	return &Server{store: st, trading: trading, settler: settler, ledger: led, hub: hub, race: race}
}

// Routes mounts every endpoint under /api/v1.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", s.hub.HandleWS)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Post("/markets/{marketID}/close", s.CloseMarket)
	r.Post("/markets/{marketID}/buy", s.Buy)
	r.Post("/markets/{marketID}/sell", s.Sell)
	r.Get("/markets/{marketID}/history", s.PriceHistory)
	r.Get("/markets/{marketID}/trades", s.Trades)
	r.Get("/markets/{marketID}/positions/{userID}", s.Position)

	r.Get("/events", s.ListEvents)
	r.Post("/events", s.CreateEvent)
	r.Post("/events/{eventID}/results", s.RecordResults)
	r.Post("/events/{eventID}/ingest", s.IngestResults)
	r.Post("/events/{eventID}/settle", s.Settle)
	r.Get("/events/{eventID}/settlement/preview", s.PreviewSettlement)

	r.Post("/assets", s.CreateAsset)
	r.Post("/scoring-rules", s.CreateScoringRule)

	r.Get("/wallets/{userID}", s.Wallet)
	r.Post("/wallets/{userID}/deposit", s.Deposit)
	r.Post("/wallets/{userID}/withdraw", s.Withdraw)
	r.Get("/wallets/{userID}/ledger", s.Ledger)
}

// --- Request types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	EventID       string          `json:"event_id"`
	AssetID       string          `json:"asset_id"`
	ScoringRuleID string          `json:"scoring_rule_id"`
	A             decimal.Decimal `json:"a"`
	B             decimal.Decimal `json:"b"`
}

// TradeRequest is the JSON body for buy and sell.
type TradeRequest struct {
	UserID   string          `json:"user_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AmountRequest is the JSON body for deposit and withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SettleRequest is the JSON body for POST /events/{eventID}/settle.
type SettleRequest struct {
	Source string `json:"source"`
}

// ResultRow is one entry of a results recording request.
type ResultRow struct {
	ParticipantID string          `json:"participant_id"`
	PrimaryScore  decimal.Decimal `json:"primary_score"`
	Rank          int             `json:"rank"`
	Status        string          `json:"status"`
}

// --- Trading ---

// Buy handles POST /api/v1/markets/{marketID}/buy.
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.trading.Buy)
}

// Sell handles POST /api/v1/markets/{marketID}/sell.
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.trading.Sell)
}

func (s *Server) trade(w http.ResponseWriter, r *http.Request,
	exec func(ctx context.Context, userID, marketID string, qty decimal.Decimal) (*market.TradeResult, error)) {

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res, err := exec(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets.
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.trading.CreateMarket(r.Context(), req.EventID, req.AssetID, req.ScoringRuleID, req.A, req.B)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close.
func (s *Server) CloseMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.trading.CloseMarket(r.Context(), chi.URLParam(r, "marketID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	info, err := s.trading.MarketInfo(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListMarkets handles GET /api/v1/markets. Filter by event with ?event_id=.
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var (
		markets []model.Market
		err     error
	)
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		markets, err = s.store.ListMarketsByEvent(r.Context(), eventID)
	} else {
		markets, err = s.store.ListMarkets(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets, "count": len(markets)})
}

// PriceHistory handles GET /api/v1/markets/{marketID}/history?limit=.
func (s *Server) PriceHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}
	points, err := s.store.ListPriceHistory(r.Context(), marketID, queryLimit(r, 100))
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": marketID, "points": points})
}

// Trades handles GET /api/v1/markets/{marketID}/trades.
func (s *Server) Trades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}
	trades, err := s.store.ListTradesByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": marketID, "trades": trades})
}

// Position handles GET /api/v1/markets/{marketID}/positions/{userID}.
func (s *Server) Position(w http.ResponseWriter, r *http.Request) {
	view, err := s.trading.UserPosition(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Events, results, settlement ---

// CreateEvent handles POST /api/v1/events.
func (s *Server) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ev.ID == "" || ev.Name == "" {
		writeError(w, "id and name are required", http.StatusBadRequest)
		return
	}
	if ev.Status == "" {
		ev.Status = model.EventUpcoming
	}
	if err := s.store.CreateEvent(r.Context(), &ev); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// ListEvents handles GET /api/v1/events.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// RecordResults handles POST /api/v1/events/{eventID}/results. The caller
// is a trusted collaborator; rows are upserted by (event, participant).
func (s *Server) RecordResults(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.store.GetEvent(r.Context(), eventID); err != nil {
		writeDomainError(w, err)
		return
	}

	var rows []ResultRow
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	written := 0
	for _, row := range rows {
		if row.ParticipantID == "" {
			continue
		}
		status := model.ResultStatus(row.Status)
		if status == "" {
			status = model.ResultFinished
		}
		if err := s.store.UpsertEventResult(r.Context(), &model.EventResult{
			ID:            eventID + "|" + row.ParticipantID,
			EventID:       eventID,
			ParticipantID: row.ParticipantID,
			PrimaryScore:  row.PrimaryScore,
			Rank:          row.Rank,
			Status:        status,
		}); err != nil {
			writeError(w, "failed to record result", http.StatusInternalServerError)
			return
		}
		written++
	}
	writeJSON(w, http.StatusOK, map[string]int{"recorded": written})
}

// IngestResults handles POST /api/v1/events/{eventID}/ingest?upstream_id=.
func (s *Server) IngestResults(w http.ResponseWriter, r *http.Request) {
	if s.race == nil {
		writeError(w, "results API not configured", http.StatusServiceUnavailable)
		return
	}
	upstreamID := r.URL.Query().Get("upstream_id")
	if upstreamID == "" {
		writeError(w, "upstream_id is required", http.StatusBadRequest)
		return
	}
	n, err := s.race.Ingest(r.Context(), s.store, chi.URLParam(r, "eventID"), upstreamID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ingested": n})
}

// Settle handles POST /api/v1/events/{eventID}/settle.
func (s *Server) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	report, err := s.settler.Settle(r.Context(), chi.URLParam(r, "eventID"), req.Source)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PreviewSettlement handles GET /api/v1/events/{eventID}/settlement/preview.
func (s *Server) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := s.settler.Preview(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Reference data ---

// CreateAsset handles POST /api/v1/assets.
func (s *Server) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var a model.Asset
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if a.ID == "" || a.Type == "" {
		writeError(w, "id and type are required", http.StatusBadRequest)
		return
	}
	if err := s.store.CreateAsset(r.Context(), &a); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// CreateScoringRule handles POST /api/v1/scoring-rules.
func (s *Server) CreateScoringRule(w http.ResponseWriter, r *http.Request) {
	var rule model.ScoringRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if rule.ID == "" || rule.MaxScore.LessThanOrEqual(decimal.Zero) {
		writeError(w, "id and a positive max_score are required", http.StatusBadRequest)
		return
	}
	if rule.FormulaType == "" {
		rule.FormulaType = model.FormulaLinearNormalized
	}
	if err := s.store.CreateScoringRule(r.Context(), &rule); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// --- Wallet ---

// Wallet handles GET /api/v1/wallets/{userID}. Creates the wallet on first
// touch, like every other wallet operation.
func (s *Server) Wallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.ledger.GetOrCreateWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":    wallet,
		"available": wallet.Balance.Sub(wallet.LockedBalance),
	})
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, s.ledger.Deposit, "deposit")
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.walletOp(w, r, s.ledger.Withdraw, "withdrawal")
}

func (s *Server) walletOp(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID string, amount decimal.Decimal, description string) (*model.LedgerEntry, error),
	name string) {

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry, err := op(r.Context(), chi.URLParam(r, "userID"), req.Amount, "api "+name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Ledger handles GET /api/v1/wallets/{userID}/ledger?limit=.
func (s *Server) Ledger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entries, err := s.ledger.History(r.Context(), userID, queryLimit(r, 50))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "entries": entries})
}

// --- Helpers ---

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrInvalidCurveParams),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, curve.ErrNonPositiveQuantity),
		errors.Is(err, curve.ErrNegativeSupply):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, curve.ErrOversell):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, racedata.ErrUpstream):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
