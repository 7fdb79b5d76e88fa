// Package settle resolves markets against final event results. Settlement is
// terminal: each market settles exactly once, every open position is paid
// out at the scoring-rule payout per share and then zeroed.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
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

// ErrUnknownFormula is returned for a scoring rule whose formula type is not
// one of the supported variants.
var ErrUnknownFormula = errors.New("settle: unknown formula type")

// defaultSigmoidK is the logistic steepness used when the scoring rule's
// config does not supply one.
const defaultSigmoidK = 10.0

// Engine settles markets. It shares its mutex with the trading engine so a
// settlement never interleaves with a trade on the same store.
type Engine struct {
	store store.Store
	mu    *sync.Mutex
}

// NewEngine creates a settlement engine. mu must be the same mutex handed to
// the trading engine.
func NewEngine(st store.Store, mu *sync.Mutex) *Engine {
	return &Engine{store: st, mu: mu}
}

// MarketOutcome describes one settled market in a report.
type MarketOutcome struct {
	MarketID        string          `json:"market_id"`
	AssetID         string          `json:"asset_id"`
	PayoutPerShare  decimal.Decimal `json:"payout_per_share"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
	Positions       int             `json:"positions"`
	SharesPaid      decimal.Decimal `json:"shares_paid"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
}

// SkippedMarket names a market settlement could not resolve and why. Skips
// are informational: the run continues past them.
type SkippedMarket struct {
	MarketID string `json:"market_id"`
	Reason   string `json:"reason"`
}

// Report summarizes one settlement run for an event.
type Report struct {
	EventID   string          `json:"event_id"`
	SettledAt time.Time       `json:"settled_at"`
	Settled   []MarketOutcome `json:"settled"`
	Skipped   []SkippedMarket `json:"skipped,omitempty"`
}

// Settle resolves every open or closed market of the event in one atomic
// unit. Markets whose asset has no usable result are skipped, not failed.
// The event is marked finished afterwards. source names where the results
// came from and is recorded on each settlement row.
func (e *Engine) Settle(ctx context.Context, eventID, source string) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	report := &Report{EventID: eventID, SettledAt: now}
	openSettled := 0

	err := e.store.Atomically(ctx, func(tx store.Store) error {
		if _, err := tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		markets, err := tx.ListMarketsByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if len(markets) == 0 {
			// Nothing to settle; leave the event's lifecycle alone.
			return nil
		}

		led := ledger.New(tx)
		for _, m := range markets {
			if m.Status == model.MarketSettled {
				continue
			}
			outcome, skip, err := e.settleMarket(ctx, tx, led, &m, source, now)
			if err != nil {
				return err
			}
			if skip != nil {
				report.Skipped = append(report.Skipped, *skip)
				continue
			}
			// Closed markets already left the open-markets gauge.
			if m.Status == model.MarketOpen {
				openSettled++
			}
			report.Settled = append(report.Settled, *outcome)
		}

		return tx.UpdateEventStatus(ctx, eventID, model.EventFinished)
	})
	if err != nil {
		return nil, err
	}

	for _, o := range report.Settled {
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		metrics.SettlementPayout.Observe(o.TotalPayout.InexactFloat64())
	}
	for range report.Skipped {
		metrics.SettlementsTotal.WithLabelValues("skipped").Inc()
	}
	metrics.OpenMarkets.Sub(float64(openSettled))

	slog.Info("event settled",
		"event", eventID,
		"source", source,
		"markets_settled", len(report.Settled),
		"markets_skipped", len(report.Skipped),
	)
	return report, nil
}

// settleMarket resolves one market inside the settlement transaction.
// Returns a skip record instead of an outcome when the asset cannot be
// scored against the results.
func (e *Engine) settleMarket(ctx context.Context, tx store.Store, led *ledger.Service,
	m *model.Market, source string, now time.Time) (*MarketOutcome, *SkippedMarket, error) {

	asset, err := tx.GetAsset(ctx, m.AssetID)
	if err != nil {
		return nil, nil, err
	}
	if asset.Type != model.AssetParticipant {
		return nil, &SkippedMarket{MarketID: m.ID,
			Reason: fmt.Sprintf("asset type %s has no per-participant result", asset.Type)}, nil
	}

	result, err := tx.GetEventResult(ctx, m.EventID, asset.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &SkippedMarket{MarketID: m.ID,
			Reason: fmt.Sprintf("no result for participant %s", asset.ParticipantID)}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rule, err := tx.GetScoringRule(ctx, m.ScoringRuleID)
	if err != nil {
		return nil, nil, err
	}
	pps, err := PayoutPerShare(rule, result)
	if err != nil {
		return nil, nil, err
	}

	// Capture the last trading price before the market is torn down.
	supply, err := tx.MarketSupply(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	settlementPrice, err := curve.Price(supply, m.A, m.B)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.InsertSettlement(ctx, &model.MarketSettlement{
		ID:              uuid.New().String(),
		MarketID:        m.ID,
		SettledAt:       now,
		SettlementPrice: settlementPrice,
		PayoutPerShare:  pps,
		Source:          source,
	}); err != nil {
		return nil, nil, err
	}
	if err := tx.UpdateMarketStatus(ctx, m.ID, model.MarketSettled, now); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertPricePoint(ctx, &model.PricePoint{
		ID:        uuid.New().String(),
		MarketID:  m.ID,
		Timestamp: now,
		Price:     pps,
		Reason:    "settlement",
	}); err != nil {
		return nil, nil, err
	}

	outcome := &MarketOutcome{
		MarketID:        m.ID,
		AssetID:         m.AssetID,
		PayoutPerShare:  pps,
		SettlementPrice: settlementPrice,
		SharesPaid:      decimal.Zero,
		TotalPayout:     decimal.Zero,
	}

	positions, err := tx.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range positions {
		pos := &positions[i]
		if !pos.Shares.IsPositive() {
			continue
		}
		// Zero payouts still get a ledger entry: the audit trail records
		// that the position was settled, not just that money moved.
		payout := pos.Shares.Mul(pps).RoundBank(curve.Scale)
		if _, err := led.Append(ctx, pos.UserID, payout, model.TxSettlement, "market", m.ID,
			fmt.Sprintf("settlement of %s shares at %s per share", pos.Shares.String(), pps.String())); err != nil {
			return nil, nil, err
		}

		outcome.Positions++
		outcome.SharesPaid = outcome.SharesPaid.Add(pos.Shares)
		outcome.TotalPayout = outcome.TotalPayout.Add(payout)

		pos.Shares = decimal.Zero
		pos.LastMarkedAt = &now
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return nil, nil, err
		}
	}
	return outcome, nil, nil
}

// Preview computes what Settle would pay without writing anything. Markets
// that would be skipped carry a reason instead of an outcome.
func (e *Engine) Preview(ctx context.Context, eventID string) (*Report, error) {
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	markets, err := e.store.ListMarketsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	report := &Report{EventID: eventID, SettledAt: time.Now().UTC()}
	for _, m := range markets {
		if m.Status == model.MarketSettled {
			continue
		}

		asset, err := e.store.GetAsset(ctx, m.AssetID)
		if err != nil {
			return nil, err
		}
		if asset.Type != model.AssetParticipant {
			report.Skipped = append(report.Skipped, SkippedMarket{MarketID: m.ID,
				Reason: fmt.Sprintf("asset type %s has no per-participant result", asset.Type)})
			continue
		}
		result, err := e.store.GetEventResult(ctx, m.EventID, asset.ParticipantID)
		if errors.Is(err, store.ErrNotFound) {
			report.Skipped = append(report.Skipped, SkippedMarket{MarketID: m.ID,
				Reason: fmt.Sprintf("no result for participant %s", asset.ParticipantID)})
			continue
		}
		if err != nil {
			return nil, err
		}
		rule, err := e.store.GetScoringRule(ctx, m.ScoringRuleID)
		if err != nil {
			return nil, err
		}
		pps, err := PayoutPerShare(rule, result)
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

		outcome := MarketOutcome{
			MarketID:        m.ID,
			AssetID:         m.AssetID,
			PayoutPerShare:  pps,
			SettlementPrice: price,
			SharesPaid:      decimal.Zero,
			TotalPayout:     decimal.Zero,
		}
		positions, err := e.store.ListPositionsByMarket(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, pos := range positions {
			if !pos.Shares.IsPositive() {
				continue
			}
			outcome.Positions++
			outcome.SharesPaid = outcome.SharesPaid.Add(pos.Shares)
			outcome.TotalPayout = outcome.TotalPayout.Add(pos.Shares.Mul(pps).RoundBank(curve.Scale))
		}
		report.Settled = append(report.Settled, outcome)
	}
	return report, nil
}

// PayoutPerShare maps a result's primary score through the scoring rule's
// formula. Payouts never go below zero; a negative beta can otherwise pull
// low scores negative.
func PayoutPerShare(rule *model.ScoringRule, result *model.EventResult) (decimal.Decimal, error) {
	if rule.MaxScore.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("settle: scoring rule %s has non-positive max score", rule.ID)
	}
	normalized := result.PrimaryScore.Div(rule.MaxScore)

	var pps decimal.Decimal
	switch rule.FormulaType {
	case model.FormulaLinearNormalized, model.FormulaPiecewise:
		// Piecewise thresholds are not configured anywhere yet, so the
		// variant degrades to the linear formula.
		pps = rule.Alpha.Mul(normalized).Add(rule.Beta)
	case model.FormulaSigmoid:
		k := defaultSigmoidK
		if v, ok := rule.Config["k"]; ok && v > 0 {
			k = v
		}
		logistic := 1 / (1 + math.Exp(-k*normalized.InexactFloat64()))
		pps = rule.Alpha.Mul(decimal.NewFromFloat(logistic)).Add(rule.Beta)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnknownFormula, rule.FormulaType)
	}

	if pps.IsNegative() {
		return decimal.Zero, nil
	}
	return pps.RoundBank(curve.Scale), nil
}
