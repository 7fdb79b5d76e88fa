package curve

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var tolerance = d(0.0000001)

func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// --- Price tests ---

func TestPrice_AtZeroSupplyEqualsBaseline(t *testing.T) {
	p, err := Price(d(0), d(1.0), d(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(0.5)) {
		t.Errorf("expected price b=0.5 at zero supply, got %s", p)
	}
}

func TestPrice_Basic(t *testing.T) {
	// P(4) = 2·√4 + 1 = 5
	p, err := Price(d(4), d(2), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approxEqual(p, d(5)) {
		t.Errorf("expected price 5, got %s", p)
	}
}

func TestPrice_FlatWhenSlopeZero(t *testing.T) {
	p, err := Price(d(100), d(0), d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(10)) {
		t.Errorf("expected flat price 10, got %s", p)
	}
}

func TestPrice_NegativeSupply(t *testing.T) {
	_, err := Price(d(-1), d(1), d(0))
	if err != ErrNegativeSupply {
		t.Errorf("expected ErrNegativeSupply, got %v", err)
	}
}

func TestPrice_NonDecreasingInSupply(t *testing.T) {
	a, b := d(1.5), d(0.25)
	supplies := []float64{0, 0.5, 1, 2, 4, 9, 16, 100, 10000}
	prev := decimal.Zero
	for i, s := range supplies {
		p, err := Price(d(s), a, b)
		if err != nil {
			t.Fatalf("unexpected error at s=%v: %v", s, err)
		}
		if i > 0 && p.LessThan(prev) {
			t.Errorf("price decreased: P(%v)=%s < previous %s", s, p, prev)
		}
		prev = p
	}
}

// --- BuyCost tests ---

func TestBuyCost_FromZero(t *testing.T) {
	// cost = (2·2/3)·4^1.5 + 1·4 = 32/3 + 4
	cost, err := BuyCost(d(0), d(4), d(2), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := d(32.0/3.0 + 4.0)
	if cost.Sub(expected).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected cost ≈ %s, got %s", expected, cost)
	}
}

func TestBuyCost_ClosedFormAtOrigin(t *testing.T) {
	// buy_cost(0, s, a, b) == (2a/3)·s^1.5 + b·s
	a, b := d(1.7), d(0.3)
	for _, s := range []float64{0.5, 1, 4, 9, 25, 144} {
		cost, err := BuyCost(d(0), d(s), a, b)
		if err != nil {
			t.Fatalf("unexpected error at s=%v: %v", s, err)
		}
		expected := d(2 * 1.7 / 3 * pow15(s)).Add(b.Mul(d(s)))
		if cost.Sub(expected).Abs().GreaterThan(d(0.0001)) {
			t.Errorf("s=%v: expected %s, got %s", s, expected, cost)
		}
	}
}

func TestBuyCost_ExceedsFlatValuation(t *testing.T) {
	// For a > 0 the curve's slope is the built-in spread: buying always
	// costs more than qty·P(s).
	a, b := d(1), d(0.5)
	s, qty := d(10), d(5)
	cost, err := BuyCost(s, qty, a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spot, _ := Price(s, a, b)
	if cost.LessThanOrEqual(spot.Mul(qty)) {
		t.Errorf("buy cost %s should exceed flat valuation %s", cost, spot.Mul(qty))
	}
}

func TestBuyCost_InvalidInputs(t *testing.T) {
	tests := []struct {
		name    string
		s, qty  float64
		wantErr error
	}{
		{"zero quantity", 10, 0, ErrNonPositiveQuantity},
		{"negative quantity", 10, -1, ErrNonPositiveQuantity},
		{"negative supply", -1, 1, ErrNegativeSupply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuyCost(d(tt.s), d(tt.qty), d(1), d(0))
			if err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// --- SellPayout tests ---

func TestSellPayout_AllSharesEqualsBuyFromZero(t *testing.T) {
	// sell_payout(s, s, a, b) == buy_cost(0, s, a, b)
	a, b := d(1.2), d(0.4)
	for _, s := range []float64{1, 4, 7.5, 64} {
		payout, err := SellPayout(d(s), d(s), a, b)
		if err != nil {
			t.Fatalf("unexpected error at s=%v: %v", s, err)
		}
		cost, _ := BuyCost(d(0), d(s), a, b)
		if !payout.Equal(cost) {
			t.Errorf("s=%v: sell-all payout %s != buy-from-zero cost %s", s, payout, cost)
		}
	}
}

func TestSellPayout_RoundTripNeutrality(t *testing.T) {
	// Buying Δs at supply s then selling Δs at supply s+Δs returns exactly
	// the buy cost.
	a, b := d(0.9), d(0.1)
	cases := []struct{ s, ds float64 }{
		{0, 4}, {1, 1}, {10, 3.5}, {100, 0.25},
	}
	for _, tt := range cases {
		cost, err := BuyCost(d(tt.s), d(tt.ds), a, b)
		if err != nil {
			t.Fatalf("buy error at s=%v: %v", tt.s, err)
		}
		payout, err := SellPayout(d(tt.s).Add(d(tt.ds)), d(tt.ds), a, b)
		if err != nil {
			t.Fatalf("sell error at s=%v: %v", tt.s, err)
		}
		if !payout.Equal(cost) {
			t.Errorf("s=%v Δs=%v: round trip payout %s != cost %s", tt.s, tt.ds, payout, cost)
		}
	}
}

func TestSellPayout_BelowFlatValuation(t *testing.T) {
	a, b := d(1), d(0.5)
	s, qty := d(10), d(5)
	payout, err := SellPayout(s, qty, a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	spot, _ := Price(s, a, b)
	if payout.GreaterThanOrEqual(spot.Mul(qty)) {
		t.Errorf("sell payout %s should be below flat valuation %s", payout, spot.Mul(qty))
	}
}

func TestSellPayout_Oversell(t *testing.T) {
	_, err := SellPayout(d(10), d(11), d(1), d(0.5))
	if err != ErrOversell {
		t.Errorf("expected ErrOversell, got %v", err)
	}
}

func TestSellPayout_InvalidQuantity(t *testing.T) {
	_, err := SellPayout(d(10), d(0), d(1), d(0))
	if err != ErrNonPositiveQuantity {
		t.Errorf("expected ErrNonPositiveQuantity, got %v", err)
	}
}

func TestBuyCost_KnownValues(t *testing.T) {
	// a=1.0, b=0.5, supply=0, buy 4 → (2/3)·8 + 0.5·4 = 7.333…
	cost, err := BuyCost(d(0), d(4), d(1.0), d(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Sub(d(7.33333333)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("expected cost ≈ 7.33333333, got %s", cost)
	}
	avgEntry := cost.Div(d(4))
	if avgEntry.Sub(d(1.8333333)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("expected avg entry ≈ 1.833, got %s", avgEntry)
	}
}

func TestResultsCarryFixedScale(t *testing.T) {
	cost, err := BuyCost(d(3), d(2), d(1.1), d(0.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Exponent() < -Scale {
		t.Errorf("cost %s has more than %d fractional digits", cost, Scale)
	}
}

func pow15(s float64) float64 {
	return math.Pow(s, 1.5)
}
