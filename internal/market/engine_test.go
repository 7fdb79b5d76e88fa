package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/ledger"
	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	ledger *ledger.Service
	market *model.Market
}

// newFixture seeds one open market (a=1, b=0.5) and funds alice and bob
// with 1000 each.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	if err := st.CreateEvent(ctx, &model.Event{ID: "evt-1", Name: "Grand Prix", Status: model.EventUpcoming}); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := st.CreateAsset(ctx, &model.Asset{ID: "ast-1", Type: model.AssetParticipant, ParticipantID: "drv-1", Symbol: "VER"}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	if err := st.CreateScoringRule(ctx, &model.ScoringRule{
		ID: "rule-1", SportCode: "f1", Code: "F1_POINTS",
		MaxScore: d(25), Alpha: d(1), Beta: d(0),
		FormulaType: model.FormulaLinearNormalized,
	}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	var mu sync.Mutex
	eng := NewEngine(st, &mu, nil)
	m, err := eng.CreateMarket(ctx, "evt-1", "ast-1", "rule-1", d(1), d(0.5))
	if err != nil {
		t.Fatalf("create market: %v", err)
	}

	led := ledger.New(st)
	for _, user := range []string{"alice", "bob"} {
		if _, err := led.Deposit(ctx, user, d(1000), "test seed"); err != nil {
			t.Fatalf("seed deposit for %s: %v", user, err)
		}
	}
	return &fixture{engine: eng, store: st, ledger: led, market: m}
}

func TestBuyChargesCurveCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	// a=1, b=0.5, s=0, Δs=4: cost = 2/3·4^1.5 + 0.5·4 = 7.33333333.
	wantCost := decimal.RequireFromString("7.33333333")
	if !res.Amount.Equal(wantCost) {
		t.Errorf("cost = %s, want %s", res.Amount, wantCost)
	}

	bal, err := f.ledger.TotalBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if want := d(1000).Sub(wantCost); !bal.Equal(want) {
		t.Errorf("balance after buy = %s, want %s", bal, want)
	}

	pos, err := f.store.GetPosition(ctx, "alice", f.market.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Shares.Equal(d(4)) {
		t.Errorf("shares = %s, want 4", pos.Shares)
	}
	if want := wantCost.Div(d(4)); !pos.AvgEntryPrice.Equal(want) {
		t.Errorf("avg entry = %s, want %s", pos.AvgEntryPrice, want)
	}
}

func TestBuyWeightedAverageEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4))
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	r2, err := f.engine.Buy(ctx, "alice", f.market.ID, d(6))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	pos, err := f.store.GetPosition(ctx, "alice", f.market.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Shares.Equal(d(10)) {
		t.Fatalf("shares = %s, want 10", pos.Shares)
	}
	want := r1.Amount.Add(r2.Amount).Div(d(10))
	if !pos.AvgEntryPrice.Equal(want) {
		t.Errorf("avg entry = %s, want total cost / total shares = %s", pos.AvgEntryPrice, want)
	}
}

func TestBuyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(0)); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(-1)); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("negative quantity: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := f.engine.Buy(ctx, "alice", "nope", d(1)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown market: err = %v, want ErrNotFound", err)
	}
}

func TestBuyInsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// carol has no wallet funds at all.
	_, err := f.engine.Buy(ctx, "carol", f.market.ID, d(4))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if _, err := f.store.GetPosition(ctx, "carol", f.market.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position created despite failed buy: err = %v", err)
	}
	supply, err := f.store.MarketSupply(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if !supply.IsZero() {
		t.Errorf("supply = %s after failed buy, want 0", supply)
	}
	trades, err := f.store.ListTradesByMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("got %d trades after failed buy, want 0", len(trades))
	}
}

func TestRoundTripIsNeutral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buy, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := f.engine.Sell(ctx, "alice", f.market.ID, d(4))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !sell.Amount.Equal(buy.Amount) {
		t.Errorf("sell payout %s != buy cost %s", sell.Amount, buy.Amount)
	}
	if !sell.RealizedPnL.IsZero() {
		t.Errorf("realized pnl = %s, want 0", sell.RealizedPnL)
	}

	bal, err := f.ledger.TotalBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(d(1000)) {
		t.Errorf("balance after round trip = %s, want 1000", bal)
	}

	pos, err := f.store.GetPosition(ctx, "alice", f.market.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Shares.IsZero() {
		t.Errorf("shares = %s, want 0", pos.Shares)
	}
}

func TestSellRealizedPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	// bob's buy raises the supply, so alice sells higher on the curve.
	if _, err := f.engine.Buy(ctx, "bob", f.market.ID, d(10)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	sell, err := f.engine.Sell(ctx, "alice", f.market.ID, d(4))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.RealizedPnL.IsPositive() {
		t.Errorf("realized pnl = %s, want > 0 after price rose", sell.RealizedPnL)
	}

	pos, err := f.store.GetPosition(ctx, "alice", f.market.ID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.RealizedPnL.Equal(sell.RealizedPnL) {
		t.Errorf("position realized pnl = %s, want %s", pos.RealizedPnL, sell.RealizedPnL)
	}
	if pos.LastMarkedAt == nil {
		t.Error("LastMarkedAt not stamped by sell")
	}
}

func TestSellInsufficientShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Sell(ctx, "alice", f.market.ID, d(1)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("no position: err = %v, want ErrInsufficientShares", err)
	}
	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(2)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.Sell(ctx, "alice", f.market.ID, d(3)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("oversell: err = %v, want ErrInsufficientShares", err)
	}
}

func TestClosedMarketRejectsTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(2)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := f.engine.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(1)); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("buy on closed: err = %v, want ErrMarketClosed", err)
	}
	if _, err := f.engine.Sell(ctx, "alice", f.market.ID, d(1)); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("sell on closed: err = %v, want ErrMarketClosed", err)
	}
	// Transitions are forward-only; closing twice is an error.
	if err := f.engine.CloseMarket(ctx, f.market.ID); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("double close: err = %v, want ErrMarketClosed", err)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.CreateMarket(ctx, "nope", "ast-1", "rule-1", d(1), d(0.5)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown event: err = %v, want ErrNotFound", err)
	}
	if _, err := f.engine.CreateMarket(ctx, "evt-1", "ast-1", "rule-1", d(-1), d(0.5)); !errors.Is(err, ErrInvalidCurveParams) {
		t.Errorf("negative slope: err = %v, want ErrInvalidCurveParams", err)
	}
}

func TestMarketInfoReflectsSupply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.engine.MarketInfo(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.Supply.IsZero() {
		t.Errorf("initial supply = %s, want 0", info.Supply)
	}
	if !info.CurrentPrice.Equal(d(0.5)) {
		t.Errorf("initial price = %s, want baseline 0.5", info.CurrentPrice)
	}

	res, err := f.engine.Buy(ctx, "alice", f.market.ID, d(9))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	info, err = f.engine.MarketInfo(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("info after buy: %v", err)
	}
	if !info.Supply.Equal(d(9)) {
		t.Errorf("supply = %s, want 9", info.Supply)
	}
	if !info.CurrentPrice.Equal(res.NewPrice) {
		t.Errorf("price = %s, want %s from trade result", info.CurrentPrice, res.NewPrice)
	}
	// price(9) = 1·√9 + 0.5 = 3.5
	if want := d(3.5); !info.CurrentPrice.Equal(want) {
		t.Errorf("price = %s, want %s", info.CurrentPrice, want)
	}
}

func TestUserPositionMarksUnrealized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4)); err != nil {
		t.Fatalf("alice buy: %v", err)
	}
	if _, err := f.engine.Buy(ctx, "bob", f.market.ID, d(12)); err != nil {
		t.Fatalf("bob buy: %v", err)
	}

	view, err := f.engine.UserPosition(ctx, "alice", f.market.ID)
	if err != nil {
		t.Fatalf("position view: %v", err)
	}
	// price(16) = 4.5, well above alice's cost basis.
	want := d(4.5).Sub(view.Position.AvgEntryPrice).Mul(d(4))
	if !view.UnrealizedPnL.Equal(want) {
		t.Errorf("unrealized = %s, want %s", view.UnrealizedPnL, want)
	}
	if !view.TotalPnL.Equal(view.UnrealizedPnL) {
		t.Errorf("total pnl = %s, want unrealized only before any sell", view.TotalPnL)
	}
}

func TestTradeAndPriceHistoryRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(4)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.Sell(ctx, "alice", f.market.ID, d(1)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	trades, err := f.store.ListTradesByMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}

	points, err := f.store.ListPriceHistory(ctx, f.market.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d price points, want 2", len(points))
	}
	reasons := map[string]bool{}
	for _, p := range points {
		reasons[p.Reason] = true
	}
	if !reasons["buy"] || !reasons["sell"] {
		t.Errorf("price point reasons = %v, want buy and sell", reasons)
	}
}

type recordingHub struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHub) BroadcastPrice(marketID string, price, supply decimal.Decimal, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, reason)
}

func TestBroadcastOnTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hub := &recordingHub{}
	f.engine.hub = hub

	if _, err := f.engine.Buy(ctx, "alice", f.market.ID, d(2)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.Sell(ctx, "alice", f.market.ID, d(2)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.calls) != 2 || hub.calls[0] != "buy" || hub.calls[1] != "sell" {
		t.Errorf("broadcasts = %v, want [buy sell]", hub.calls)
	}
}

func TestConcurrentBuysSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Buy(ctx, "alice", f.market.ID, d(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent buy: %v", err)
		}
	}

	supply, err := f.store.MarketSupply(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if !supply.Equal(d(n)) {
		t.Errorf("supply = %s, want %d", supply, n)
	}

	// Ledger completeness: balance must equal the sum of entries.
	entries, err := f.store.ListLedgerEntries(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	bal, err := f.ledger.TotalBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !sum.Equal(bal) {
		t.Errorf("Σ ledger entries = %s, balance = %s", sum, bal)
	}
}

func TestTradeStampsTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	res, err := f.engine.Buy(ctx, "alice", f.market.ID, d(1))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	trades, err := f.store.ListTradesByMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != res.TradeID {
		t.Fatalf("trade record mismatch: %+v", trades)
	}
	if trades[0].ExecutedAt.Before(before) {
		t.Errorf("executed_at %s predates the trade", trades[0].ExecutedAt)
	}
	if trades[0].SellerUserID != "" {
		t.Errorf("buy trade has seller %q", trades[0].SellerUserID)
	}
}
