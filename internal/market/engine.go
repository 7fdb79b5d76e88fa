// Package market orchestrates trading against the bonding curve: it reads
// supply, prices the trade, drives the ledger, and records the immutable
// trade and price-history rows, all as one atomic unit per call.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/curve"
	"github.com/paddock/exchange-engine/internal/ledger"
	"github.com/paddock/exchange-engine/internal/metrics"
	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/store"
)

var (
	// ErrMarketClosed is returned when trading against a market that is not open.
	ErrMarketClosed = errors.New("market: market is not open for trading")

	// ErrInsufficientShares is returned when a sell exceeds the position.
	ErrInsufficientShares = errors.New("market: insufficient shares")

	// ErrInvalidQuantity is returned for non-positive trade quantities.
	ErrInvalidQuantity = errors.New("market: quantity must be positive")

	// ErrInvalidCurveParams is returned when market creation carries a
	// negative slope or baseline.
	ErrInvalidCurveParams = errors.New("market: curve parameters must be non-negative")
)

// PriceBroadcaster receives price updates after each executed trade.
// The WebSocket hub implements it; nil disables broadcasting.
type PriceBroadcaster interface {
	BroadcastPrice(marketID string, price, supply decimal.Decimal, reason string)
}

// Engine executes buys and sells. The mutex — shared with the settlement
// engine — serializes every supply read against the writes that depend on
// it, so concurrent trades never price against a stale supply.
type Engine struct {
	store store.Store
	mu    *sync.Mutex
	hub   PriceBroadcaster
}

// NewEngine creates a trading engine. mu must be the same mutex handed to
// the settlement engine. Pass nil for hub if broadcasting is not needed.
func NewEngine(st store.Store, mu *sync.Mutex, hub PriceBroadcaster) *Engine {
	return &Engine{store: st, mu: mu, hub: hub}
}

// TradeResult describes one executed trade.
type TradeResult struct {
	TradeID        string          `json:"trade_id"`
	MarketID       string          `json:"market_id"`
	UserID         string          `json:"user_id"`
	Side           string          `json:"side"` // "buy" or "sell"
	Quantity       decimal.Decimal `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"` // cost for buys, payout for sells
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl,omitempty"` // sells only
	NewSupply      decimal.Decimal `json:"new_supply"`
	NewPrice       decimal.Decimal `json:"new_price"`
	PositionShares decimal.Decimal `json:"position_shares"`
}

// Buy purchases qty shares for user at the curve price. The cost is locked
// before any position mutation, then consumed by the buy debit; every write
// commits atomically or not at all.
func (e *Engine) Buy(ctx context.Context, userID, marketID string, qty decimal.Decimal) (*TradeResult, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var res *TradeResult

	err := e.store.Atomically(ctx, func(tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketOpen {
			return fmt.Errorf("%w: market %s is %s", ErrMarketClosed, m.ID, m.Status)
		}

		supply, err := tx.MarketSupply(ctx, m.ID)
		if err != nil {
			return err
		}
		cost, err := curve.BuyCost(supply, qty, m.A, m.B)
		if err != nil {
			return err
		}

		led := ledger.New(tx)
		// Lock before touching the position: fails fast on insufficient funds.
		if err := led.Lock(ctx, userID, cost); err != nil {
			return err
		}

		now := time.Now().UTC()
		pos, err := tx.GetPosition(ctx, userID, m.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			pos = &model.Position{
				ID:            uuid.New().String(),
				UserID:        userID,
				MarketID:      m.ID,
				Shares:        qty,
				AvgEntryPrice: cost.Div(qty),
				RealizedPnL:   decimal.Zero,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
		case err != nil:
			return err
		default:
			// Shares-weighted average cost.
			newShares := pos.Shares.Add(qty)
			pos.AvgEntryPrice = pos.Shares.Mul(pos.AvgEntryPrice).Add(cost).Div(newShares)
			pos.Shares = newShares
			pos.UpdatedAt = now
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		// The debit consumes the funds locked above.
		if _, err := led.Append(ctx, userID, cost.Neg(), model.TxBuy, "market", m.ID,
			fmt.Sprintf("buy %s shares in market %s", qty.String(), m.ID)); err != nil {
			return err
		}

		pricePerShare := cost.Div(qty).RoundBank(curve.Scale)
		trade := &model.Trade{
			ID:          uuid.New().String(),
			MarketID:    m.ID,
			BuyerUserID: userID,
			Price:       pricePerShare,
			Quantity:    qty,
			ExecutedAt:  now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		newSupply := supply.Add(qty)
		newPrice, err := curve.Price(newSupply, m.A, m.B)
		if err != nil {
			return err
		}
		if err := tx.InsertPricePoint(ctx, &model.PricePoint{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			Timestamp: now,
			Price:     newPrice,
			Reason:    "buy",
		}); err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, m.ID, m.Status, now); err != nil {
			return err
		}

		res = &TradeResult{
			TradeID:        trade.ID,
			MarketID:       m.ID,
			UserID:         userID,
			Side:           "buy",
			Quantity:       qty,
			Amount:         cost,
			PricePerShare:  pricePerShare,
			NewSupply:      newSupply,
			NewPrice:       newPrice,
			PositionShares: pos.Shares,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy").Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	slog.Info("buy executed",
		"trade_id", res.TradeID,
		"user", userID,
		"market", marketID,
		"qty", qty.String(),
		"cost", res.Amount.String(),
		"new_price", res.NewPrice.String(),
	)

	if e.hub != nil {
		e.hub.BroadcastPrice(marketID, res.NewPrice, res.NewSupply, "buy")
	}
	return res, nil
}

// Sell disposes qty shares at the curve payout. Realized P&L accrues from
// the spread between payout per share and the position's cost basis; the
// average entry price of the remaining shares is unchanged.
func (e *Engine) Sell(ctx context.Context, userID, marketID string, qty decimal.Decimal) (*TradeResult, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidQuantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var res *TradeResult

	err := e.store.Atomically(ctx, func(tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketOpen {
			return fmt.Errorf("%w: market %s is %s", ErrMarketClosed, m.ID, m.Status)
		}

		pos, err := tx.GetPosition(ctx, userID, m.ID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Shares.LessThan(qty)) {
			held := decimal.Zero
			if pos != nil {
				held = pos.Shares
			}
			return fmt.Errorf("%w: held %s, requested %s",
				ErrInsufficientShares, held.String(), qty.String())
		}
		if err != nil {
			return err
		}

		supply, err := tx.MarketSupply(ctx, m.ID)
		if err != nil {
			return err
		}
		payout, err := curve.SellPayout(supply, qty, m.A, m.B)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		pricePerShare := payout.Div(qty).RoundBank(curve.Scale)
		realized := pricePerShare.Sub(pos.AvgEntryPrice).Mul(qty)

		pos.Shares = pos.Shares.Sub(qty)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.LastMarkedAt = &now
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		led := ledger.New(tx)
		if _, err := led.Append(ctx, userID, payout, model.TxSell, "market", m.ID,
			fmt.Sprintf("sell %s shares in market %s", qty.String(), m.ID)); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:           uuid.New().String(),
			MarketID:     m.ID,
			SellerUserID: userID,
			Price:        pricePerShare,
			Quantity:     qty,
			ExecutedAt:   now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		newSupply := supply.Sub(qty)
		newPrice, err := curve.Price(newSupply, m.A, m.B)
		if err != nil {
			return err
		}
		if err := tx.InsertPricePoint(ctx, &model.PricePoint{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			Timestamp: now,
			Price:     newPrice,
			Reason:    "sell",
		}); err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, m.ID, m.Status, now); err != nil {
			return err
		}

		res = &TradeResult{
			TradeID:        trade.ID,
			MarketID:       m.ID,
			UserID:         userID,
			Side:           "sell",
			Quantity:       qty,
			Amount:         payout,
			PricePerShare:  pricePerShare,
			RealizedPnL:    realized,
			NewSupply:      newSupply,
			NewPrice:       newPrice,
			PositionShares: pos.Shares,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell").Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())

	slog.Info("sell executed",
		"trade_id", res.TradeID,
		"user", userID,
		"market", marketID,
		"qty", qty.String(),
		"payout", res.Amount.String(),
		"realized_pnl", res.RealizedPnL.String(),
		"new_price", res.NewPrice.String(),
	)

	if e.hub != nil {
		e.hub.BroadcastPrice(marketID, res.NewPrice, res.NewSupply, "sell")
	}
	return res, nil
}

// Info is the read-only market snapshot: supply, spot price, parameters.
type Info struct {
	Market       model.Market    `json:"market"`
	Supply       decimal.Decimal `json:"supply"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// MarketInfo returns the latest committed view of a market. It runs without
// the trade mutex; staleness is acceptable for reads.
func (e *Engine) MarketInfo(ctx context.Context, marketID string) (*Info, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	supply, err := e.store.MarketSupply(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	price, err := curve.Price(supply, m.A, m.B)
	if err != nil {
		return nil, err
	}
	return &Info{Market: *m, Supply: supply, CurrentPrice: price}, nil
}

// PositionView is a position plus mark-to-market figures.
type PositionView struct {
	Position      model.Position  `json:"position"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// UserPosition returns the user's holding in a market with unrealized P&L
// marked against the current curve price. Unrealized P&L is zero once the
// position is empty or the market settled.
func (e *Engine) UserPosition(ctx context.Context, userID, marketID string) (*PositionView, error) {
	pos, err := e.store.GetPosition(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	supply, err := e.store.MarketSupply(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	price, err := curve.Price(supply, m.A, m.B)
	if err != nil {
		return nil, err
	}

	unrealized := decimal.Zero
	if pos.Shares.IsPositive() && m.Status != model.MarketSettled {
		unrealized = price.Sub(pos.AvgEntryPrice).Mul(pos.Shares)
	}
	return &PositionView{
		Position:      *pos,
		CurrentPrice:  price,
		UnrealizedPnL: unrealized,
		TotalPnL:      pos.RealizedPnL.Add(unrealized),
	}, nil
}

// CreateMarket opens a new market on the given event/asset/scoring rule.
// The referenced entities must exist; curve parameters must be non-negative.
func (e *Engine) CreateMarket(ctx context.Context, eventID, assetID, ruleID string, a, b decimal.Decimal) (*model.Market, error) {
	if a.IsNegative() || b.IsNegative() {
		return nil, ErrInvalidCurveParams
	}
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetAsset(ctx, assetID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetScoringRule(ctx, ruleID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &model.Market{
		ID:            uuid.New().String(),
		EventID:       eventID,
		AssetID:       assetID,
		ScoringRuleID: ruleID,
		Status:        model.MarketOpen,
		A:             a,
		B:             b,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	metrics.OpenMarkets.Inc()
	slog.Info("market created", "id", m.ID, "event", eventID, "asset", assetID,
		"a", a.String(), "b", b.String())
	return m, nil
}

// CloseMarket transitions an open market to closed, the transient
// pre-settlement state. Transitions are forward-only.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if m.Status != model.MarketOpen {
		return fmt.Errorf("%w: market %s is %s", ErrMarketClosed, m.ID, m.Status)
	}
	if err := e.store.UpdateMarketStatus(ctx, m.ID, model.MarketClosed, time.Now().UTC()); err != nil {
		return err
	}

	metrics.OpenMarkets.Dec()
	slog.Info("market closed", "id", m.ID)
	return nil
}
