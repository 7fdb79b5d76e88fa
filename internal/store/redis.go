package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only the hot read paths
// (markets, wallets) are cached; everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Atomically delegates to the primary transaction and hands the callback
// the transactional store directly: reads inside the scope must see the
// transaction's own uncommitted writes, never Redis. Keys touched by the
// transaction are recorded and invalidated only after the commit, so a
// concurrent read can never re-populate the cache from pre-commit state
// and no stale entry survives a successful commit.
func (s *CachedStore) Atomically(ctx context.Context, fn func(Store) error) error {
	touched := &touchedKeys{}
	err := s.primary.Atomically(ctx, func(tx Store) error {
		return fn(&txStore{Store: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for _, key := range touched.keys {
		s.rdb.Del(ctx, key)
	}
	return nil
}

// touchedKeys collects the cache keys a transaction wrote to. Rolled-back
// transactions never flush them.
type touchedKeys struct {
	keys []string
}

func (t *touchedKeys) add(key string) {
	for _, k := range t.keys {
		if k == key {
			return
		}
	}
	t.keys = append(t.keys, key)
}

// txStore is the view handed to Atomically callbacks: every call goes to
// the underlying transaction, and mutations of cached entities are recorded
// for post-commit invalidation.
type txStore struct {
	Store
	touched *touchedKeys
}

func (t *txStore) Atomically(ctx context.Context, fn func(Store) error) error {
	return t.Store.Atomically(ctx, func(tx Store) error {
		return fn(&txStore{Store: tx, touched: t.touched})
	})
}

func (t *txStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	t.touched.add(marketKey(m.ID))
	return nil
}

func (t *txStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, updatedAt time.Time) error {
	if err := t.Store.UpdateMarketStatus(ctx, id, status, updatedAt); err != nil {
		return err
	}
	t.touched.add(marketKey(id))
	return nil
}

func (t *txStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := t.Store.CreateWallet(ctx, w); err != nil {
		return err
	}
	t.touched.add(walletKey(w.UserID))
	return nil
}

func (t *txStore) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	if err := t.Store.UpdateWallet(ctx, w); err != nil {
		return err
	}
	t.touched.add(walletKey(w.UserID))
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, updatedAt time.Time) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status, updatedAt); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.UpsertPosition(ctx, p)
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.cacheWallet(ctx, w)
	return nil
}

func (s *CachedStore) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.UpdateWallet(ctx, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(w.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheWallet(ctx, w)
	return w, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error) {
	return s.primary.ListMarketsByEvent(ctx, eventID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) MarketSupply(ctx context.Context, marketID string) (decimal.Decimal, error) {
	return s.primary.MarketSupply(ctx, marketID)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	return s.primary.InsertPricePoint(ctx, p)
}

func (s *CachedStore) ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	return s.primary.ListPriceHistory(ctx, marketID, limit)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID, limit)
}

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.primary.CreateEvent(ctx, e)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	return s.primary.UpdateEventStatus(ctx, id, status)
}

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	return s.primary.CreateAsset(ctx, a)
}

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	return s.primary.GetAsset(ctx, id)
}

func (s *CachedStore) CreateScoringRule(ctx context.Context, r *model.ScoringRule) error {
	return s.primary.CreateScoringRule(ctx, r)
}

func (s *CachedStore) GetScoringRule(ctx context.Context, id string) (*model.ScoringRule, error) {
	return s.primary.GetScoringRule(ctx, id)
}

func (s *CachedStore) UpsertEventResult(ctx context.Context, r *model.EventResult) error {
	return s.primary.UpsertEventResult(ctx, r)
}

func (s *CachedStore) GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error) {
	return s.primary.GetEventResult(ctx, eventID, participantID)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, ms *model.MarketSettlement) error {
	return s.primary.InsertSettlement(ctx, ms)
}

func (s *CachedStore) GetSettlementByMarket(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	return s.primary.GetSettlementByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheWallet(ctx context.Context, w *model.Wallet) {
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(w.UserID), data, s.ttl)
	}
}

func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
