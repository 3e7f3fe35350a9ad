package strategy

import (
	"math"
	"testing"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

func TestSizeModes(t *testing.T) {
	t.Parallel()

	fixed := config.StrategyConfig{Sizing: types.SizingFixed, FixedAmountUSD: 5}
	if got := Size(fixed, 100, 0.8, 0.7); got != 5 {
		t.Errorf("fixed = %v, want 5", got)
	}

	scale := config.StrategyConfig{Sizing: types.SizingScale, ScaleFactor: 0.05}
	if got := Size(scale, 200, 0.8, 0.7); got != 10 {
		t.Errorf("scale = %v, want 10", got)
	}
}

func TestKellySize(t *testing.T) {
	t.Parallel()

	cfg := config.StrategyConfig{
		Sizing:        types.SizingKelly,
		KellyFraction: 0.5,
		KellyBankroll: 100,
	}

	// p=0.8, c=0.7: f* = (0.8−0.7)/(1−0.7) = 1/3; half-Kelly on $100 ≈ $16.67.
	got := Size(cfg, 0, 0.8, 0.7)
	if math.Abs(got-100.0/6) > 1e-9 {
		t.Errorf("kelly = %v, want %v", got, 100.0/6)
	}

	// No edge, no bet.
	if got := Size(cfg, 0, 0.7, 0.7); got != 0 {
		t.Errorf("kelly without edge = %v, want 0", got)
	}
	if got := Size(cfg, 0, 0.6, 0.7); got != 0 {
		t.Errorf("kelly with negative edge = %v, want 0", got)
	}
}

func TestClampBudget(t *testing.T) {
	t.Parallel()

	cfg := config.StrategyConfig{MinOrderUSD: 1, MaxPerTradeUSD: 10}

	// $2 proposed with $1 of budget left executes as $1.
	if got := Clamp(cfg, 2, 0, 1); got != 1 {
		t.Errorf("clamp to budget = %v, want 1", got)
	}
	// Exhausted budget drops the order.
	if got := Clamp(cfg, 2, 0, 0); got != 0 {
		t.Errorf("clamp at zero budget = %v, want 0", got)
	}
	// Per-trade cap.
	if got := Clamp(cfg, 50, 0, 100); got != 10 {
		t.Errorf("clamp to per-trade = %v, want 10", got)
	}
	// Phase spend ceiling sits under the per-trade cap.
	if got := Clamp(cfg, 50, 4, 100); got != 4 {
		t.Errorf("clamp to phase = %v, want 4", got)
	}
	// Tiny proposals are raised to the minimum order size.
	if got := Clamp(cfg, 0.2, 0, 100); got != 1 {
		t.Errorf("clamp to min = %v, want 1", got)
	}
}

func TestPhaseFor(t *testing.T) {
	t.Parallel()

	phases := []config.PhaseConfig{
		{SecondsFromEnd: 60, MinPrice: 0.60, Cooldown: time.Second},
		{SecondsFromEnd: 180, MinPrice: 0.75, Cooldown: 10 * time.Second},
		{SecondsFromEnd: 420, MinPrice: 0.85, Cooldown: 30 * time.Second},
	}

	p, ok := PhaseFor(phases, 45)
	if !ok || p.Index != 0 || !p.IsNearExpiry() {
		t.Errorf("45s → %+v, %v", p, ok)
	}
	p, ok = PhaseFor(phases, 60)
	if !ok || p.Index != 0 {
		t.Errorf("60s (boundary) → %+v, %v", p, ok)
	}
	p, ok = PhaseFor(phases, 120)
	if !ok || p.Index != 1 || p.IsNearExpiry() {
		t.Errorf("120s → %+v, %v", p, ok)
	}
	p, ok = PhaseFor(phases, 400)
	if !ok || p.Index != 2 {
		t.Errorf("400s → %+v, %v", p, ok)
	}
	if _, ok := PhaseFor(phases, 500); ok {
		t.Error("500s should have no phase")
	}
}
