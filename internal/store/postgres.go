package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so the same store code serves pooled and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when this store is a transactional view
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// Atomically runs fn inside a database transaction. A nested call from
// within a transaction reuses the open one.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO markets (id, event_id, asset_id, scoring_rule_id, status, a, b, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		m.ID, m.EventID, m.AssetID, m.ScoringRuleID, string(m.Status),
		m.A.String(), m.B.String(), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

const marketColumns = `id, event_id, asset_id, scoring_rule_id, status, a::TEXT, b::TEXT, created_at, updated_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status, aS, bS string
	if err := row.Scan(&m.ID, &m.EventID, &m.AssetID, &m.ScoringRuleID,
		&status, &aS, &bS, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.A, _ = decimal.NewFromString(aS)
	m.B, _ = decimal.NewFromString(bS)
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get market "+id)
	}
	return m, nil
}

func (s *PostgresStore) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE event_id = $1 ORDER BY created_at`, eventID)
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, updatedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update market %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, user_id, market_id, shares::TEXT, avg_entry_price::TEXT, realized_pnl::TEXT, last_marked_at, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS, pnlS string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID,
		&sharesS, &avgS, &pnlS, &p.LastMarkedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Shares, _ = decimal.NewFromString(sharesS)
	p.AvgEntryPrice, _ = decimal.NewFromString(avgS)
	p.RealizedPnL, _ = decimal.NewFromString(pnlS)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get position %s/%s", userID, marketID))
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, shares, avg_entry_price, realized_pnl, last_marked_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (user_id, market_id) DO UPDATE SET
		   shares = EXCLUDED.shares,
		   avg_entry_price = EXCLUDED.avg_entry_price,
		   realized_pnl = EXCLUDED.realized_pnl,
		   last_marked_at = EXCLUDED.last_marked_at,
		   updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID,
		p.Shares.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String(),
		p.LastMarkedAt, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) MarketSupply(ctx context.Context, marketID string) (decimal.Decimal, error) {
	var supplyS string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0)::TEXT FROM positions WHERE market_id = $1`,
		marketID).Scan(&supplyS)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("market supply %s: %w", marketID, err)
	}
	supply, _ := decimal.NewFromString(supplyS)
	return supply, nil
}

// --- Trades and price history ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	var buyer, seller *string
	if t.BuyerUserID != "" {
		buyer = &t.BuyerUserID
	}
	if t.SellerUserID != "" {
		seller = &t.SellerUserID
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO trades (id, market_id, buyer_user_id, seller_user_id, price, quantity, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		t.ID, t.MarketID, buyer, seller,
		t.Price.String(), t.Quantity.String(), t.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, COALESCE(buyer_user_id, ''), COALESCE(seller_user_id, ''),
		        price::TEXT, quantity::TEXT, executed_at
		 FROM trades WHERE market_id = $1 ORDER BY executed_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS, qtyS string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.BuyerUserID, &t.SellerUserID,
			&priceS, &qtyS, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertPricePoint(ctx context.Context, p *model.PricePoint) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO price_history (id, market_id, timestamp, price, reason)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		p.ID, p.MarketID, p.Timestamp, p.Price.String(), p.Reason,
	)
	return err
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, market_id, timestamp, price::TEXT, reason
		 FROM price_history WHERE market_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var priceS string
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Timestamp, &priceS, &p.Reason); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Wallets and ledger ---

func (s *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balS, lockedS string
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, balance::TEXT, locked_balance::TEXT, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &balS, &lockedS, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "get wallet for "+userID)
	}
	w.Balance, _ = decimal.NewFromString(balS)
	w.LockedBalance, _ = decimal.NewFromString(lockedS)
	return &w, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO wallets (id, user_id, balance, locked_balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		w.ID, w.UserID, w.Balance.String(), w.LockedBalance.String(), w.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC, locked_balance = $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1`,
		w.UserID, w.Balance.String(), w.LockedBalance.String(), w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update wallet for %s: %w", w.UserID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, wallet_id, amount, kind, reference_type, reference_id, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.WalletID, e.Amount.String(), string(e.Kind),
		e.ReferenceType, e.ReferenceID, e.Description, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, wallet_id, amount::TEXT, kind,
		        COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		        COALESCE(description, ''), created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, kind string
		if err := rows.Scan(&e.ID, &e.UserID, &e.WalletID, &amountS, &kind,
			&e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Kind = model.TransactionKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Events, assets, scoring rules, results ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO events (id, name, venue, start_at, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Name, e.Venue, e.StartAt, string(e.Status),
	)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT id, name, COALESCE(venue, ''), start_at, status FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.Venue, &e.StartAt, &status)
	if err != nil {
		return nil, notFound(err, "get event "+id)
	}
	e.Status = model.EventStatus(status)
	return &e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, COALESCE(venue, ''), start_at, status FROM events ORDER BY start_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var status string
		if err := rows.Scan(&e.ID, &e.Name, &e.Venue, &e.StartAt, &status); err != nil {
			return nil, err
		}
		e.Status = model.EventStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO assets (id, type, participant_id, team_id, symbol, display_name)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, string(a.Type), a.ParticipantID, a.TeamID, a.Symbol, a.DisplayName,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	var typ string
	err := s.db.QueryRow(ctx,
		`SELECT id, type, COALESCE(participant_id, ''), COALESCE(team_id, ''), symbol, display_name
		 FROM assets WHERE id = $1`, id).
		Scan(&a.ID, &typ, &a.ParticipantID, &a.TeamID, &a.Symbol, &a.DisplayName)
	if err != nil {
		return nil, notFound(err, "get asset "+id)
	}
	a.Type = model.AssetType(typ)
	return &a, nil
}

func (s *PostgresStore) CreateScoringRule(ctx context.Context, r *model.ScoringRule) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("marshal scoring rule config: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO scoring_rules (id, sport_code, code, max_score, alpha, beta, formula_type, config)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		r.ID, r.SportCode, r.Code,
		r.MaxScore.String(), r.Alpha.String(), r.Beta.String(),
		string(r.FormulaType), cfg,
	)
	return err
}

func (s *PostgresStore) GetScoringRule(ctx context.Context, id string) (*model.ScoringRule, error) {
	var r model.ScoringRule
	var maxS, alphaS, betaS, formula string
	var cfg []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, sport_code, code, max_score::TEXT, alpha::TEXT, beta::TEXT, formula_type, config
		 FROM scoring_rules WHERE id = $1`, id).
		Scan(&r.ID, &r.SportCode, &r.Code, &maxS, &alphaS, &betaS, &formula, &cfg)
	if err != nil {
		return nil, notFound(err, "get scoring rule "+id)
	}
	r.MaxScore, _ = decimal.NewFromString(maxS)
	r.Alpha, _ = decimal.NewFromString(alphaS)
	r.Beta, _ = decimal.NewFromString(betaS)
	r.FormulaType = model.FormulaType(formula)
	if len(cfg) > 0 {
		_ = json.Unmarshal(cfg, &r.Config)
	}
	return &r, nil
}

func (s *PostgresStore) UpsertEventResult(ctx context.Context, r *model.EventResult) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO event_results (id, event_id, participant_id, primary_score, rank, status)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (event_id, participant_id) DO UPDATE SET
		   primary_score = EXCLUDED.primary_score,
		   rank = EXCLUDED.rank,
		   status = EXCLUDED.status`,
		r.ID, r.EventID, r.ParticipantID, r.PrimaryScore.String(), r.Rank, string(r.Status),
	)
	return err
}

func (s *PostgresStore) GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error) {
	var r model.EventResult
	var scoreS, status string
	err := s.db.QueryRow(ctx,
		`SELECT id, event_id, participant_id, primary_score::TEXT, rank, status
		 FROM event_results WHERE event_id = $1 AND participant_id = $2`,
		eventID, participantID).
		Scan(&r.ID, &r.EventID, &r.ParticipantID, &scoreS, &r.Rank, &status)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get result %s/%s", eventID, participantID))
	}
	r.PrimaryScore, _ = decimal.NewFromString(scoreS)
	r.Status = model.ResultStatus(status)
	return &r, nil
}

// --- Settlements ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, ms *model.MarketSettlement) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO market_settlements (id, market_id, settled_at, settlement_price, payout_per_share, source)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		ms.ID, ms.MarketID, ms.SettledAt,
		ms.SettlementPrice.String(), ms.PayoutPerShare.String(), ms.Source,
	)
	return err
}

func (s *PostgresStore) GetSettlementByMarket(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	var ms model.MarketSettlement
	var priceS, payoutS string
	err := s.db.QueryRow(ctx,
		`SELECT id, market_id, settled_at, settlement_price::TEXT, payout_per_share::TEXT, source
		 FROM market_settlements WHERE market_id = $1`, marketID).
		Scan(&ms.ID, &ms.MarketID, &ms.SettledAt, &priceS, &payoutS, &ms.Source)
	if err != nil {
		return nil, notFound(err, "get settlement for "+marketID)
	}
	ms.SettlementPrice, _ = decimal.NewFromString(priceS)
	ms.PayoutPerShare, _ = decimal.NewFromString(payoutS)
	return &ms, nil
}
