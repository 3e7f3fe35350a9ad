package strategy

import (
	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

// Size computes the raw order notional for a finalized aggregation before
// budget clamping.
//
//   - fixed: the configured constant amount.
//   - scale: a fraction of the counterparty's aggregated value.
//   - kelly: fractional Kelly on a binary payout, treating the
//     counterparty's average fill price as the win-probability estimate and
//     the current market price as the cost. No edge means no bet.
func Size(cfg config.StrategyConfig, aggValueUSD, winProb, price float64) float64 {
	switch cfg.Sizing {
	case types.SizingFixed:
		return cfg.FixedAmountUSD
	case types.SizingScale:
		return aggValueUSD * cfg.ScaleFactor
	case types.SizingKelly:
		return kellySize(cfg, winProb, price)
	default:
		return 0
	}
}

// kellySize stakes f* = (p − c) / (1 − c) of the bankroll, scaled by the
// configured fraction. A binary token bought at c pays 1 on a win, so this
// is the standard Kelly fraction for odds b = (1 − c) / c.
func kellySize(cfg config.StrategyConfig, winProb, price float64) float64 {
	if price <= 0 || price >= 1 || winProb <= price {
		return 0
	}
	f := (winProb - price) / (1 - price)
	return cfg.KellyFraction * f * cfg.KellyBankroll
}

// Clamp bounds a proposed notional to the per-trade limits and the remaining
// per-market budget. A zero or negative remaining budget drops the order
// entirely; otherwise the order is cut down to fit, never rejected for being
// too large.
func Clamp(cfg config.StrategyConfig, amount, phaseMaxSpend, remainingBudget float64) float64 {
	if remainingBudget <= 0 {
		return 0
	}
	if amount < cfg.MinOrderUSD {
		amount = cfg.MinOrderUSD
	}
	if cfg.MaxPerTradeUSD > 0 && amount > cfg.MaxPerTradeUSD {
		amount = cfg.MaxPerTradeUSD
	}
	if phaseMaxSpend > 0 && amount > phaseMaxSpend {
		amount = phaseMaxSpend
	}
	if amount > remainingBudget {
		amount = remainingBudget
	}
	return amount
}
