// Package settle runs the out-of-band claim loop. Markets the risk
// controller marked as won are handed to the settlement collaborator on a
// fixed interval; the hot trading path never waits on redemption.
package settle

import (
	"context"
	"log/slog"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/risk"
	"polymarket-updown/pkg/types"
)

// Redeemer converts a resolved winning position into collateral. The
// on-chain implementation lives outside this process boundary.
type Redeemer interface {
	Redeem(ctx context.Context, conditionID string, outcome types.Outcome, shares float64) error
}

// Claims is the risk controller's view of claimable positions.
type Claims interface {
	Claimable() []risk.Position
	MarkClaimed(key types.MarketKey)
}

// Runner periodically redeems claimable positions.
type Runner struct {
	cfg      config.SettleConfig
	redeemer Redeemer
	claims   Claims
	logger   *slog.Logger
}

// NewRunner creates the claim loop.
func NewRunner(cfg config.SettleConfig, redeemer Redeemer, claims Claims, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		redeemer: redeemer,
		claims:   claims,
		logger:   logger.With("component", "settle"),
	}
}

// Run claims on the configured interval until ctx is cancelled. A failed
// claim stays claimable and is retried on the next tick.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ClaimOnce(ctx)
		}
	}
}

// ClaimOnce attempts to redeem every currently claimable position.
func (r *Runner) ClaimOnce(ctx context.Context) {
	for _, pos := range r.claims.Claimable() {
		err := r.redeemer.Redeem(ctx, pos.ConditionID, pos.Key.Outcome, pos.Shares)
		if err != nil {
			r.logger.Warn("claim failed, will retry",
				"key", pos.Key.String(), "error", err)
			continue
		}
		r.claims.MarkClaimed(pos.Key)
		r.logger.Info("position claimed",
			"key", pos.Key.String(), "shares", pos.Shares)
	}
}

// NoopRedeemer logs claims without touching the chain. Used in dry-run mode.
type NoopRedeemer struct {
	Logger *slog.Logger
}

// Redeem logs and succeeds.
func (n NoopRedeemer) Redeem(_ context.Context, conditionID string, outcome types.Outcome, shares float64) error {
	n.Logger.Info("DRY-RUN: would redeem",
		"condition_id", conditionID, "outcome", outcome, "shares", shares)
	return nil
}
