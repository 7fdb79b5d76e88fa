package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Atomically takes a snapshot of the whole state and restores it when fn
// fails, giving the same all-or-nothing behavior the PostgreSQL store gets
// from a real transaction.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (s *MemoryStore) Atomically(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.st.clone()
	if err := fn(s.st); err != nil {
		s.st = backup
		return err
	}
	return nil
}

// Locking wrappers. Reads take the shared lock, writes the exclusive one;
// the underlying memState never locks, so Atomically callbacks can reuse it.

func (s *MemoryStore) CreateMarket(ctx context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateMarket(ctx, m)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListMarkets(ctx)
}

func (s *MemoryStore) ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListMarketsByEvent(ctx, eventID)
}

func (s *MemoryStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateMarketStatus(ctx, id, status, updatedAt)
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPosition(ctx, userID, marketID)
}

func (s *MemoryStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPositionsByMarket(ctx, marketID)
}

func (s *MemoryStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertPosition(ctx, p)
}

func (s *MemoryStore) MarketSupply(ctx context.Context, marketID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.MarketSupply(ctx, marketID)
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertTrade(ctx, t)
}

func (s *MemoryStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListTradesByMarket(ctx, marketID)
}

func (s *MemoryStore) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertPricePoint(ctx, p)
}

func (s *MemoryStore) ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPriceHistory(ctx, marketID, limit)
}

func (s *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetWalletByUser(ctx, userID)
}

func (s *MemoryStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateWallet(ctx, w)
}

func (s *MemoryStore) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateWallet(ctx, w)
}

func (s *MemoryStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertLedgerEntry(ctx, e)
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListLedgerEntries(ctx, userID, limit)
}

func (s *MemoryStore) CreateEvent(ctx context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateEvent(ctx, e)
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetEvent(ctx, id)
}

func (s *MemoryStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListEvents(ctx)
}

func (s *MemoryStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateEventStatus(ctx, id, status)
}

func (s *MemoryStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateAsset(ctx, a)
}

func (s *MemoryStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetAsset(ctx, id)
}

func (s *MemoryStore) CreateScoringRule(ctx context.Context, r *model.ScoringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateScoringRule(ctx, r)
}

func (s *MemoryStore) GetScoringRule(ctx context.Context, id string) (*model.ScoringRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetScoringRule(ctx, id)
}

func (s *MemoryStore) UpsertEventResult(ctx context.Context, r *model.EventResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpsertEventResult(ctx, r)
}

func (s *MemoryStore) GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetEventResult(ctx, eventID, participantID)
}

func (s *MemoryStore) InsertSettlement(ctx context.Context, st *model.MarketSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertSettlement(ctx, st)
}

func (s *MemoryStore) GetSettlementByMarket(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetSettlementByMarket(ctx, marketID)
}

// memState holds the actual data and implements Store without locking.
// It doubles as the transactional view handed to Atomically callbacks,
// which already run under the store's exclusive lock.
type memState struct {
	markets     map[string]*model.Market
	positions   map[string]*model.Position // userID + "|" + marketID
	trades      []model.Trade
	prices      []model.PricePoint
	wallets     map[string]*model.Wallet // by userID
	ledger      []model.LedgerEntry
	events      map[string]*model.Event
	assets      map[string]*model.Asset
	rules       map[string]*model.ScoringRule
	results     map[string]*model.EventResult // eventID + "|" + participantID
	settlements map[string]*model.MarketSettlement // by marketID
}

func newMemState() *memState {
	return &memState{
		markets:     make(map[string]*model.Market),
		positions:   make(map[string]*model.Position),
		wallets:     make(map[string]*model.Wallet),
		events:      make(map[string]*model.Event),
		assets:      make(map[string]*model.Asset),
		rules:       make(map[string]*model.ScoringRule),
		results:     make(map[string]*model.EventResult),
		settlements: make(map[string]*model.MarketSettlement),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.markets {
		cp := *v
		c.markets[k] = &cp
	}
	for k, v := range st.positions {
		cp := *v
		c.positions[k] = &cp
	}
	c.trades = append([]model.Trade(nil), st.trades...)
	c.prices = append([]model.PricePoint(nil), st.prices...)
	for k, v := range st.wallets {
		cp := *v
		c.wallets[k] = &cp
	}
	c.ledger = append([]model.LedgerEntry(nil), st.ledger...)
	for k, v := range st.events {
		cp := *v
		c.events[k] = &cp
	}
	for k, v := range st.assets {
		cp := *v
		c.assets[k] = &cp
	}
	for k, v := range st.rules {
		cp := *v
		c.rules[k] = &cp
	}
	for k, v := range st.results {
		cp := *v
		c.results[k] = &cp
	}
	for k, v := range st.settlements {
		cp := *v
		c.settlements[k] = &cp
	}
	return c
}

// Nested Atomically inside a transaction is a no-op scope: the outer call
// owns the snapshot.
func (st *memState) Atomically(_ context.Context, fn func(Store) error) error {
	return fn(st)
}

func positionKey(userID, marketID string) string { return userID + "|" + marketID }
func resultKey(eventID, participantID string) string {
	return eventID + "|" + participantID
}

// --- Markets ---

func (st *memState) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := st.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	st.markets[m.ID] = &cp
	return nil
}

func (st *memState) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("get market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (st *memState) ListMarkets(_ context.Context) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(st.markets))
	for _, m := range st.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (st *memState) ListMarketsByEvent(_ context.Context, eventID string) ([]model.Market, error) {
	var markets []model.Market
	for _, m := range st.markets {
		if m.EventID == eventID {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.Before(markets[j].CreatedAt)
	})
	return markets, nil
}

func (st *memState) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus, updatedAt time.Time) error {
	m, ok := st.markets[id]
	if !ok {
		return fmt.Errorf("update market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	m.UpdatedAt = updatedAt
	return nil
}

// --- Positions ---

func (st *memState) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	p, ok := st.positions[positionKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (st *memState) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	var positions []model.Position
	for _, p := range st.positions {
		if p.MarketID == marketID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].UserID < positions[j].UserID
	})
	return positions, nil
}

func (st *memState) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	st.positions[positionKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (st *memState) MarketSupply(_ context.Context, marketID string) (decimal.Decimal, error) {
	supply := decimal.Zero
	for _, p := range st.positions {
		if p.MarketID == marketID {
			supply = supply.Add(p.Shares)
		}
	}
	return supply, nil
}

// --- Trades and price history ---

func (st *memState) InsertTrade(_ context.Context, t *model.Trade) error {
	st.trades = append(st.trades, *t)
	return nil
}

func (st *memState) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	var trades []model.Trade
	for _, t := range st.trades {
		if t.MarketID == marketID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (st *memState) InsertPricePoint(_ context.Context, p *model.PricePoint) error {
	st.prices = append(st.prices, *p)
	return nil
}

func (st *memState) ListPriceHistory(_ context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	var points []model.PricePoint
	for i := len(st.prices) - 1; i >= 0; i-- {
		if st.prices[i].MarketID == marketID {
			points = append(points, st.prices[i])
			if limit > 0 && len(points) >= limit {
				break
			}
		}
	}
	return points, nil
}

// --- Wallets and ledger ---

func (st *memState) GetWalletByUser(_ context.Context, userID string) (*model.Wallet, error) {
	w, ok := st.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("get wallet for %s: %w", userID, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (st *memState) CreateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := st.wallets[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s already exists", w.UserID)
	}
	cp := *w
	st.wallets[w.UserID] = &cp
	return nil
}

func (st *memState) UpdateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := st.wallets[w.UserID]; !ok {
		return fmt.Errorf("update wallet for %s: %w", w.UserID, ErrNotFound)
	}
	cp := *w
	st.wallets[w.UserID] = &cp
	return nil
}

func (st *memState) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	st.ledger = append(st.ledger, *e)
	return nil
}

func (st *memState) ListLedgerEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for i := len(st.ledger) - 1; i >= 0; i-- {
		if st.ledger[i].UserID == userID {
			entries = append(entries, st.ledger[i])
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}
	return entries, nil
}

// --- Events, assets, scoring rules, results ---

func (st *memState) CreateEvent(_ context.Context, e *model.Event) error {
	if _, ok := st.events[e.ID]; ok {
		return fmt.Errorf("event %s already exists", e.ID)
	}
	cp := *e
	st.events[e.ID] = &cp
	return nil
}

func (st *memState) GetEvent(_ context.Context, id string) (*model.Event, error) {
	e, ok := st.events[id]
	if !ok {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (st *memState) ListEvents(_ context.Context) ([]model.Event, error) {
	events := make([]model.Event, 0, len(st.events))
	for _, e := range st.events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (st *memState) UpdateEventStatus(_ context.Context, id string, status model.EventStatus) error {
	e, ok := st.events[id]
	if !ok {
		return fmt.Errorf("update event %s: %w", id, ErrNotFound)
	}
	e.Status = status
	return nil
}

func (st *memState) CreateAsset(_ context.Context, a *model.Asset) error {
	if _, ok := st.assets[a.ID]; ok {
		return fmt.Errorf("asset %s already exists", a.ID)
	}
	cp := *a
	st.assets[a.ID] = &cp
	return nil
}

func (st *memState) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	a, ok := st.assets[id]
	if !ok {
		return nil, fmt.Errorf("get asset %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (st *memState) CreateScoringRule(_ context.Context, r *model.ScoringRule) error {
	if _, ok := st.rules[r.ID]; ok {
		return fmt.Errorf("scoring rule %s already exists", r.ID)
	}
	cp := *r
	st.rules[r.ID] = &cp
	return nil
}

func (st *memState) GetScoringRule(_ context.Context, id string) (*model.ScoringRule, error) {
	r, ok := st.rules[id]
	if !ok {
		return nil, fmt.Errorf("get scoring rule %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (st *memState) UpsertEventResult(_ context.Context, r *model.EventResult) error {
	cp := *r
	st.results[resultKey(r.EventID, r.ParticipantID)] = &cp
	return nil
}

func (st *memState) GetEventResult(_ context.Context, eventID, participantID string) (*model.EventResult, error) {
	r, ok := st.results[resultKey(eventID, participantID)]
	if !ok {
		return nil, fmt.Errorf("get result %s/%s: %w", eventID, participantID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// --- Settlements ---

func (st *memState) InsertSettlement(_ context.Context, s *model.MarketSettlement) error {
	if _, ok := st.settlements[s.MarketID]; ok {
		return fmt.Errorf("settlement for market %s already exists", s.MarketID)
	}
	cp := *s
	st.settlements[s.MarketID] = &cp
	return nil
}

func (st *memState) GetSettlementByMarket(_ context.Context, marketID string) (*model.MarketSettlement, error) {
	s, ok := st.settlements[marketID]
	if !ok {
		return nil, fmt.Errorf("get settlement for %s: %w", marketID, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}
