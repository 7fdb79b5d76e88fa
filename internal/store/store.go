// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Atomically is the scoped transaction every trade and settlement runs
// inside: fn receives a transactional view of the store, and every write it
// performs commits together or not at all.
type Store interface {
	// Atomically runs fn against a transactional view of this store.
	// Any error from fn rolls back every write made through the view.
	Atomically(ctx context.Context, fn func(Store) error) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error)
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, updatedAt time.Time) error

	// --- Positions ---

	// GetPosition returns the (user, market) position, or ErrNotFound.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error

	// MarketSupply returns Σ positions.shares for the market. Zero when no
	// positions exist. Must be read inside the same transaction as any
	// write that depends on it.
	MarketSupply(ctx context.Context, marketID string) (decimal.Decimal, error)

	// --- Immutable trade and price records ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	InsertPricePoint(ctx context.Context, p *model.PricePoint) error
	ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error)

	// --- Wallets and ledger ---

	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)
	CreateWallet(ctx context.Context, w *model.Wallet) error
	UpdateWallet(ctx context.Context, w *model.Wallet) error
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	// ListLedgerEntries returns a user's entries ordered newest-first.
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// --- Events, assets, scoring rules, results ---

	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error

	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)

	CreateScoringRule(ctx context.Context, r *model.ScoringRule) error
	GetScoringRule(ctx context.Context, id string) (*model.ScoringRule, error)

	UpsertEventResult(ctx context.Context, r *model.EventResult) error
	GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error)

	// --- Settlements ---

	InsertSettlement(ctx context.Context, s *model.MarketSettlement) error
	GetSettlementByMarket(ctx context.Context, marketID string) (*model.MarketSettlement, error)
}
