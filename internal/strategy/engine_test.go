package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/market"
	"polymarket-updown/pkg/types"
)

type stubBudget float64

func (s stubBudget) RemainingBudget(string) float64 { return float64(s) }

// gammaStub serves market metadata for any requested slug with a fixed
// time-to-expiry.
func gammaStub(t *testing.T, remaining time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Query().Get("slug")
		metas := []types.MarketMeta{{
			Slug:          slug,
			Question:      "Bitcoin Up or Down?",
			ConditionID:   "0xcond",
			Outcomes:      `["Up","Down"]`,
			OutcomePrices: `["0.80","0.20"]`,
			ClobTokenIds:  `["tok-up","tok-down"]`,
			EndDate:       time.Now().Add(remaining).Format(time.RFC3339),
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metas)
	}))
}

func testEngine(t *testing.T, remaining time.Duration, budget float64) (*Engine, string) {
	t.Helper()

	srv := gammaStub(t, remaining)
	t.Cleanup(srv.Close)

	var cfg config.Config
	cfg.API.GammaBaseURL = srv.URL
	cfg.Registry = config.RegistryConfig{Coins: []string{"btc"}, MaxHorizon: time.Hour}
	cfg.Strategy = config.StrategyConfig{
		Counterparties:    []string{"0xAbC"},
		PriceFloor:        0.50,
		SilenceWindow:     20 * time.Millisecond,
		DedupCapacity:     64,
		EntryStartSeconds: 120,
		EntryEndSeconds:   10,
		Sizing:            types.SizingFixed,
		FixedAmountUSD:    5,
		MinOrderUSD:       1,
		MaxPerTradeUSD:    10,
		Phases: []config.PhaseConfig{
			{SecondsFromEnd: 60, MinPrice: 0.60, Cooldown: 100 * time.Millisecond},
			{SecondsFromEnd: 120, MinPrice: 0.70, Cooldown: 200 * time.Millisecond},
		},
	}

	reg := market.NewRegistry(cfg, slog.Default())
	if err := reg.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	e := NewEngine(cfg, reg, market.NewBooks(), stubBudget(budget), slog.Default())
	t.Cleanup(e.Stop)

	slug := market.SlugFor("btc", time.Now().Truncate(15*time.Minute))
	if _, ok := reg.Get(slug); !ok {
		t.Fatalf("current-bucket market %s not tracked", slug)
	}
	return e, slug
}

func counterpartyBuy(slug string, price, shares float64, tx string) types.ActivityTrade {
	return types.ActivityTrade{
		Slug:            slug,
		Outcome:         "Up",
		Side:            types.BUY,
		Price:           price,
		Size:            shares,
		ProxyWallet:     "0xABC",
		Timestamp:       time.Now().Unix(),
		TransactionHash: tx,
	}
}

func waitDecision(t *testing.T, e *Engine) Decision {
	t.Helper()
	select {
	case d := <-e.Decisions():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no decision emitted")
		return Decision{}
	}
}

func expectNoDecision(t *testing.T, e *Engine, within time.Duration) {
	t.Helper()
	select {
	case d := <-e.Decisions():
		t.Fatalf("unexpected decision: %+v", d)
	case <-time.After(within):
	}
}

func TestEngineBurstToSingleDecision(t *testing.T) {
	t.Parallel()

	e, slug := testEngine(t, 95*time.Second, 20)

	// $5 at 0.80 plus $3 at 0.82 from the tracked counterparty.
	e.OnTrade(counterpartyBuy(slug, 0.80, 5/0.80, "tx1"))
	e.OnTrade(counterpartyBuy(slug, 0.82, 3/0.82, "tx2"))

	d := waitDecision(t, e)
	if d.Key.Slug != slug || d.Key.Outcome != types.OutcomeUp {
		t.Errorf("key = %v", d.Key)
	}
	if d.AmountUSD != 5 {
		t.Errorf("amount = %v, want fixed 5", d.AmountUSD)
	}
	if d.AggValueUSD < 7.99 || d.AggValueUSD > 8.01 {
		t.Errorf("aggregated value = %v, want ≈8", d.AggValueUSD)
	}

	// One burst, one decision.
	expectNoDecision(t, e, 100*time.Millisecond)
}

func TestEngineRejectsOutsideEntryWindow(t *testing.T) {
	t.Parallel()

	// 200s remaining with entry_start=120: the event is ignored outright.
	e, slug := testEngine(t, 200*time.Second, 20)
	e.OnTrade(counterpartyBuy(slug, 0.95, 10, "tx1"))

	if n := e.agg.PendingCount(); n != 0 {
		t.Errorf("pending = %d, event should not aggregate", n)
	}
	expectNoDecision(t, e, 100*time.Millisecond)
}

func TestEngineFilters(t *testing.T) {
	t.Parallel()

	e, slug := testEngine(t, 95*time.Second, 20)

	// Unknown wallet.
	tr := counterpartyBuy(slug, 0.80, 5, "tx1")
	tr.ProxyWallet = "0xdeadbeef"
	e.OnTrade(tr)

	// Counterparty SELL.
	tr = counterpartyBuy(slug, 0.80, 5, "tx2")
	tr.Side = types.SELL
	e.OnTrade(tr)

	// Price at the floor (must be strictly above).
	e.OnTrade(counterpartyBuy(slug, 0.50, 5, "tx3"))

	if n := e.agg.PendingCount(); n != 0 {
		t.Errorf("pending = %d, all events should be filtered", n)
	}
}

func TestEngineDedupByTransaction(t *testing.T) {
	t.Parallel()

	e, slug := testEngine(t, 95*time.Second, 20)

	e.OnTrade(counterpartyBuy(slug, 0.80, 5/0.80, "same-tx"))
	e.OnTrade(counterpartyBuy(slug, 0.80, 5/0.80, "same-tx"))

	d := waitDecision(t, e)
	if d.AggValueUSD < 4.99 || d.AggValueUSD > 5.01 {
		t.Errorf("aggregated value = %v, duplicate was not dropped", d.AggValueUSD)
	}
}

func TestEngineCooldownBlocksRepeat(t *testing.T) {
	t.Parallel()

	e, slug := testEngine(t, 95*time.Second, 20)

	e.OnTrade(counterpartyBuy(slug, 0.80, 5, "tx1"))
	waitDecision(t, e)

	// Phase cooldown is 200ms; an immediate follow-up burst is skipped.
	e.OnTrade(counterpartyBuy(slug, 0.81, 5, "tx2"))
	expectNoDecision(t, e, 100*time.Millisecond)
}

func TestEngineDropsWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	e, slug := testEngine(t, 95*time.Second, 0)
	e.OnTrade(counterpartyBuy(slug, 0.80, 5, "tx1"))
	expectNoDecision(t, e, 150*time.Millisecond)
}

func TestScoreMomentumMeasuresDriftNotLevel(t *testing.T) {
	t.Parallel()

	key := types.MarketKey{Slug: "m", Outcome: types.OutcomeUp}
	flow := NewFlow(time.Minute)
	now := time.Now()

	// A high price that has not moved since the bucket opened is not
	// momentum; the near-expiry gate must be able to reject it.
	flat := scoreEntry(key, 0.92, 0.92, nil, flow, 0.97, now)
	if flat.Momentum != 0 {
		t.Errorf("momentum = %v for flat price, want 0", flat.Momentum)
	}

	// The same level reached from 0.55 is a decisive move.
	moved := scoreEntry(key, 0.92, 0.55, nil, flow, 0.97, now)
	if moved.Momentum != momentumCap {
		t.Errorf("momentum = %v after 0.37 drift, want full %v", moved.Momentum, momentumCap)
	}

	// Drift against the candidate scores nothing, and so does a side whose
	// opening level was never observed.
	if sb := scoreEntry(key, 0.45, 0.60, nil, flow, 0.97, now); sb.Momentum != 0 {
		t.Errorf("momentum = %v for adverse drift, want 0", sb.Momentum)
	}
	if sb := scoreEntry(key, 0.80, 0, nil, flow, 0.97, now); sb.Momentum != 0 {
		t.Errorf("momentum = %v without an open price, want 0", sb.Momentum)
	}

	// Partial drift scales linearly.
	half := scoreEntry(key, 0.675, 0.55, nil, flow, 0.97, now)
	if half.Momentum < momentumCap*0.49 || half.Momentum > momentumCap*0.51 {
		t.Errorf("momentum = %v for half drift, want ≈%v", half.Momentum, momentumCap/2)
	}
}

func TestScoreConfirmationAndOdds(t *testing.T) {
	t.Parallel()

	key := types.MarketKey{Slug: "m", Outcome: types.OutcomeUp}
	flow := NewFlow(time.Minute)
	now := time.Now()

	sb := scoreEntry(key, 0.80, 0.55, nil, flow, 0.97, now)
	if sb.Total > 100 {
		t.Errorf("total = %v, exceeds 100", sb.Total)
	}

	// Confirmation contributes when the counterparty bought the same side.
	flow.Record(key, 20, now)
	withConfirm := scoreEntry(key, 0.80, 0.55, nil, flow, 0.97, now)
	if withConfirm.Confirmation != confirmCap {
		t.Errorf("confirmation = %v, want %v", withConfirm.Confirmation, confirmCap)
	}
	if withConfirm.Total <= sb.Total {
		t.Error("confirmation did not raise the total")
	}

	// Above the ceiling the odds-quality bonus collapses.
	cheap := scoreEntry(key, 0.90, 0.55, nil, flow, 0.97, now)
	rich := scoreEntry(key, 0.995, 0.55, nil, flow, 0.97, now)
	if rich.OddsQuality >= cheap.OddsQuality {
		t.Errorf("odds quality %v at 0.995 should be below %v at 0.90", rich.OddsQuality, cheap.OddsQuality)
	}
}

func ExampleSize() {
	cfg := config.StrategyConfig{Sizing: types.SizingScale, ScaleFactor: 0.05}
	fmt.Println(Size(cfg, 200, 0, 0))
	// Output: 10
}
