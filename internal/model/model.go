// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market. Transitions are
// forward-only: open → closed → settled.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "open"
	MarketClosed  MarketStatus = "closed"
	MarketSettled MarketStatus = "settled"
)

// EventStatus is the lifecycle state of a real-world event.
type EventStatus string

const (
	EventUpcoming EventStatus = "upcoming"
	EventLive     EventStatus = "live"
	EventFinished EventStatus = "finished"
)

// AssetType distinguishes what a market's asset tracks.
type AssetType string

const (
	AssetParticipant AssetType = "participant"
	AssetTeam        AssetType = "team"
	AssetProp        AssetType = "prop"
)

// TransactionKind categorizes a ledger entry.
type TransactionKind string

const (
	TxDeposit    TransactionKind = "deposit"
	TxWithdrawal TransactionKind = "withdrawal"
	TxBuy        TransactionKind = "buy"
	TxSell       TransactionKind = "sell"
	TxSettlement TransactionKind = "settlement"
	TxFee        TransactionKind = "fee"
)

// FormulaType tags a scoring rule's payout formula variant.
type FormulaType string

const (
	FormulaLinearNormalized FormulaType = "linear_normalized"
	FormulaSigmoid          FormulaType = "sigmoid"
	FormulaPiecewise        FormulaType = "piecewise"
)

// ResultStatus describes how a participant finished an event.
type ResultStatus string

const (
	ResultFinished     ResultStatus = "finished"
	ResultDNF          ResultStatus = "dnf"
	ResultDisqualified ResultStatus = "disqualified"
)

// Market is one bonding-curve market tied to an event and an asset.
// Supply is not stored here: it is always Σ positions.shares for the market,
// read inside the same transaction as any trade against it.
type Market struct {
	ID            string          `json:"id" db:"id"`
	EventID       string          `json:"event_id" db:"event_id"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	ScoringRuleID string          `json:"scoring_rule_id" db:"scoring_rule_id"`
	Status        MarketStatus    `json:"status" db:"status"`
	A             decimal.Decimal `json:"a" db:"a"` // bonding curve slope
	B             decimal.Decimal `json:"b" db:"b"` // bonding curve baseline
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's net holding in one market. Unique per (user, market);
// never deleted, only zeroed at settlement.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	LastMarkedAt  *time.Time      `json:"last_marked_at,omitempty" db:"last_marked_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable execution record. All trades clear against the
// curve, so exactly one of BuyerUserID / SellerUserID is set.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	BuyerUserID  string          `json:"buyer_user_id,omitempty" db:"buyer_user_id"`
	SellerUserID string          `json:"seller_user_id,omitempty" db:"seller_user_id"`
	Price        decimal.Decimal `json:"price" db:"price"` // average price per share
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// PricePoint is an immutable price snapshot written after every trade.
type PricePoint struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Reason    string          `json:"reason" db:"reason"` // "buy", "sell", "settlement"
}

// Wallet holds a user's funds. Invariant after every operation:
// balance ≥ locked_balance ≥ 0.
type Wallet struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable signed record of a single balance-affecting
// event. A wallet's balance is always reconstructable as the sum of its
// entries' amounts.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Kind          TransactionKind `json:"kind" db:"kind"`
	ReferenceType string          `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID   string          `json:"reference_id,omitempty" db:"reference_id"`
	Description   string          `json:"description,omitempty" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// MarketSettlement records the terminal resolution of one market.
// One-to-one with a settled market.
type MarketSettlement struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	SettledAt       time.Time       `json:"settled_at" db:"settled_at"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"` // curve price captured pre-settlement, audit only
	PayoutPerShare  decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	Source          string          `json:"source" db:"source"`
}

// Event is a real-world event (a race, a game) that markets hang off.
type Event struct {
	ID      string      `json:"id" db:"id"`
	Name    string      `json:"name" db:"name"`
	Venue   string      `json:"venue,omitempty" db:"venue"`
	StartAt *time.Time  `json:"start_at,omitempty" db:"start_at"`
	Status  EventStatus `json:"status" db:"status"`
}

// Asset is the thing a market prices: a participant, a team, or a prop.
type Asset struct {
	ID            string    `json:"id" db:"id"`
	Type          AssetType `json:"type" db:"type"`
	ParticipantID string    `json:"participant_id,omitempty" db:"participant_id"`
	TeamID        string    `json:"team_id,omitempty" db:"team_id"`
	Symbol        string    `json:"symbol" db:"symbol"`
	DisplayName   string    `json:"display_name" db:"display_name"`
}

// EventResult is a per-participant score supplied by the results
// collaborator. Read-only to the core.
type EventResult struct {
	ID            string          `json:"id" db:"id"`
	EventID       string          `json:"event_id" db:"event_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	PrimaryScore  decimal.Decimal `json:"primary_score" db:"primary_score"`
	Rank          int             `json:"rank,omitempty" db:"rank"`
	Status        ResultStatus    `json:"status" db:"status"`
}

// ScoringRule converts a raw score into a payout per share.
// Read-only to the core.
type ScoringRule struct {
	ID          string          `json:"id" db:"id"`
	SportCode   string          `json:"sport_code" db:"sport_code"`
	Code        string          `json:"code" db:"code"` // e.g. "F1_POINTS"
	MaxScore    decimal.Decimal `json:"max_score" db:"max_score"`
	Alpha       decimal.Decimal `json:"alpha" db:"alpha"`
	Beta        decimal.Decimal `json:"beta" db:"beta"`
	FormulaType FormulaType     `json:"formula_type" db:"formula_type"`
	// Config holds formula-specific parameters, e.g. {"k": 10} for sigmoid.
	Config map[string]float64 `json:"config,omitempty" db:"config"`
}
