// Package risk owns the authoritative position table and every capital limit.
//
// The Controller is the single mutation surface for spend and position state:
// the decision engine proposes entries, but only ExecuteEntry moves money, and
// only the stop-loss path unwinds it. Per price tick the engine runs
// CheckStopLoss before any new-entry evaluation, so a market that just
// tripped its stop cannot be bought into on the same tick.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/exchange"
	"polymarket-updown/internal/market"
	"polymarket-updown/internal/strategy"
	"polymarket-updown/pkg/types"
)

// Trader executes orders against the venue. *exchange.Client satisfies it.
type Trader interface {
	Buy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	Sell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
}

// Store persists the position table across restarts.
type Store interface {
	SavePositions(positions []Position) error
	LoadPositions() ([]Position, error)
}

// TradeRecord is one executed order, emitted for reporting.
type TradeRecord struct {
	Time    time.Time
	Slug    string
	Outcome types.Outcome
	Side    types.Side
	Kind    string // "entry", "stoploss", "flip"
	Price   float64
	Shares  float64
	USD     float64
	OrderID string
}

// Recorder receives trade and period records. Implementations must not block
// the trading path for long.
type Recorder interface {
	RecordTrade(rec TradeRecord) error
	RecordPeriod(stats PeriodStats) error
}

// orderTimeout bounds every outbound execution call.
const orderTimeout = 15 * time.Second

// Controller enforces spend caps, stop-loss exits, flip recovery, and the
// daily-loss circuit breaker.
type Controller struct {
	cfg        config.RiskConfig
	flipWindow time.Duration // the entry model's nearest-to-expiry bound
	registry   *market.Registry
	trader     Trader
	store      Store
	rec        Recorder
	logger     *slog.Logger

	mu        sync.Mutex
	positions map[types.MarketKey]*Position
	stats     PeriodStats
	executing map[string]bool // slugs with an in-flight order sequence
}

// NewController builds the controller and restores persisted positions.
func NewController(cfg config.Config, registry *market.Registry, trader Trader, store Store, rec Recorder, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		cfg:       cfg.Risk,
		registry:  registry,
		trader:    trader,
		store:     store,
		rec:       rec,
		logger:    logger.With("component", "risk"),
		positions: make(map[types.MarketKey]*Position),
		executing: make(map[string]bool),
		stats:     PeriodStats{Day: dayOf(time.Now())},
	}
	if len(cfg.Strategy.Phases) > 0 {
		c.flipWindow = time.Duration(cfg.Strategy.Phases[0].SecondsFromEnd) * time.Second
	}

	if store != nil {
		saved, err := store.LoadPositions()
		if err != nil {
			return nil, fmt.Errorf("load positions: %w", err)
		}
		for _, p := range saved {
			pos := p
			c.positions[p.Key] = &pos
		}
		if len(saved) > 0 {
			c.logger.Info("positions restored", "count", len(saved))
		}
	}
	return c, nil
}

// RemainingBudget returns MaxPerMarket minus the market's committed spend,
// floored at zero. Untracked markets have no budget.
func (c *Controller) RemainingBudget(slug string) float64 {
	st, ok := c.registry.Get(slug)
	if !ok {
		return 0
	}
	remaining := c.cfg.MaxPerMarketUSD - st.TotalSpent
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Paused reports whether new entries are currently blocked by the circuit
// breaker. Stop-loss and flip stay active regardless.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausedLocked(time.Now())
}

func (c *Controller) pausedLocked(now time.Time) bool {
	if !c.stats.Paused {
		return false
	}
	if now.After(c.stats.PausedUntil) {
		c.stats.Paused = false
		c.stats.PauseReason = ""
		c.logger.Info("entry pause expired")
		return false
	}
	return true
}

func (c *Controller) pauseLocked(now time.Time, reason string) {
	c.stats.Paused = true
	c.stats.PausedUntil = now.Add(c.cfg.PauseCooldown)
	c.stats.PauseReason = reason
	c.logger.Error("new entries paused",
		"reason", reason,
		"until", c.stats.PausedUntil,
	)
}

// Stats returns a snapshot of the current period counters.
func (c *Controller) Stats() PeriodStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Positions returns snapshots of all known positions.
func (c *Controller) Positions() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, *p)
	}
	return out
}

// Claimable returns resolved-won positions awaiting settlement.
func (c *Controller) Claimable() []Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Position
	for _, p := range c.positions {
		if p.State == PositionWon {
			out = append(out, *p)
		}
	}
	return out
}

// MarkClaimed finalizes a won position after external settlement.
func (c *Controller) MarkClaimed(key types.MarketKey) {
	c.mu.Lock()
	if p, ok := c.positions[key]; ok && p.State == PositionWon {
		p.State = PositionClaimed
		delete(c.positions, key)
	}
	c.mu.Unlock()
	c.persist()
}

// ExecuteEntry carries out one entry decision: re-clamps to the remaining
// budget, submits the buy, and on fill updates the position table, the
// market's spend counter, and the period stats.
func (c *Controller) ExecuteEntry(ctx context.Context, d strategy.Decision) error {
	now := time.Now()

	c.mu.Lock()
	c.rolloverLocked(now)
	if c.pausedLocked(now) {
		c.mu.Unlock()
		c.logger.Info("entry skipped, paused", "key", d.Key.String(), "reason", c.stats.PauseReason)
		return nil
	}
	if c.executing[d.Key.Slug] {
		c.mu.Unlock()
		c.logger.Info("entry skipped, order in flight", "key", d.Key.String())
		return nil
	}
	c.executing[d.Key.Slug] = true
	c.mu.Unlock()
	defer c.clearExecuting(d.Key.Slug)

	st, ok := c.registry.Get(d.Key.Slug)
	if !ok {
		return fmt.Errorf("market %s no longer tracked", d.Key.Slug)
	}
	// A concurrently open opposite side means a flip is mid-sequence.
	if st.CurrentSide != "" && st.CurrentSide != d.Key.Outcome {
		c.logger.Info("entry skipped, holding opposite side",
			"key", d.Key.String(), "held", st.CurrentSide)
		return nil
	}

	amount := d.AmountUSD
	if remaining := c.RemainingBudget(d.Key.Slug); amount > remaining {
		if remaining <= 0 {
			c.logger.Info("entry dropped, market budget exhausted", "key", d.Key.String())
			return nil
		}
		c.logger.Info("entry clamped to remaining budget",
			"key", d.Key.String(), "proposed", amount, "clamped", remaining)
		amount = remaining
	}

	buyCtx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()
	res, err := c.trader.Buy(buyCtx, types.OrderRequest{
		TokenID:   st.TokenID(d.Key.Outcome),
		Side:      types.BUY,
		AmountUSD: amount,
	})
	if err != nil {
		// A missed entry is not chased.
		c.logger.Warn("entry buy failed", "key", d.Key.String(), "error", err)
		return err
	}

	c.applyBuy(d.Key, st, res, amount, "entry")
	return nil
}

// applyBuy folds a filled buy into position, spend, and stats, then persists.
func (c *Controller) applyBuy(key types.MarketKey, st market.State, res *types.OrderResult, usd float64, kind string) {
	price := res.AvgPrice
	shares := res.FilledShares

	c.mu.Lock()
	pos, ok := c.positions[key]
	if !ok {
		pos = &Position{Key: key, ConditionID: st.ConditionID, TokenID: st.TokenID(key.Outcome)}
		c.positions[key] = pos
	}
	pos.addBuy(shares, price, usd)
	totalShares := pos.Shares

	c.stats.SpentUSD += usd
	c.stats.Orders++
	if kind == "flip" {
		c.stats.Flips++
	}
	c.mu.Unlock()

	c.registry.AddSpend(key.Slug, usd)
	c.registry.SetHolding(key.Slug, key.Outcome, totalShares)
	c.registry.MarkTrade(key.Slug, time.Now())

	c.logger.Info("position opened or increased",
		"key", key.String(),
		"kind", kind,
		"shares", shares,
		"price", price,
		"usd", usd,
		"total_shares", totalShares,
	)
	c.record(TradeRecord{
		Time: time.Now(), Slug: key.Slug, Outcome: key.Outcome,
		Side: types.BUY, Kind: kind, Price: price, Shares: shares,
		USD: usd, OrderID: res.OrderID,
	})
	c.persist()
}

// CheckStopLoss inspects one market after a price update and unwinds the held
// position when the exit rules trigger. Safe to call for markets without a
// position.
func (c *Controller) CheckStopLoss(ctx context.Context, slug string) {
	st, ok := c.registry.Get(slug)
	if !ok || st.CurrentSide == "" {
		return
	}
	key := types.MarketKey{Slug: slug, Outcome: st.CurrentSide}

	c.mu.Lock()
	pos, held := c.positions[key]
	if !held || pos.State != PositionHeld || pos.Shares <= 0 || pos.Stuck || c.executing[slug] {
		c.mu.Unlock()
		return
	}

	price := st.Price(key.Outcome)
	oppPrice := st.Price(key.Outcome.Opposite())
	remaining := st.Remaining(time.Now()).Seconds()

	leading := price >= oppPrice
	stopHit := price <= c.cfg.StopLoss && !leading
	endgame := remaining <= float64(c.cfg.EndgameSeconds) &&
		price >= c.cfg.AmbiguousLow && price <= c.cfg.AmbiguousHigh

	if !stopHit && !endgame {
		c.mu.Unlock()
		return
	}
	c.executing[slug] = true
	c.mu.Unlock()
	defer c.clearExecuting(slug)

	reason := "stop-loss"
	if endgame && !stopHit {
		reason = "endgame ambiguous"
	}
	c.logger.Warn("exit triggered",
		"key", key.String(),
		"reason", reason,
		"price", price,
		"opp_price", oppPrice,
		"remaining_s", remaining,
	)

	proceeds, soldAll := c.sellAll(ctx, key, pos)
	if !soldAll {
		return
	}

	c.mu.Lock()
	c.stats.StopLosses++
	c.mu.Unlock()

	c.maybeFlip(ctx, key, remaining, proceeds)
}

// sellAll unwinds the held quantity, retrying with halved sizes when the
// venue refuses a fill. Returns total proceeds and whether the position was
// fully exited; on exhausted retries the position is marked stuck.
func (c *Controller) sellAll(ctx context.Context, key types.MarketKey, pos *Position) (float64, bool) {
	var proceeds float64

	c.mu.Lock()
	remaining := pos.Shares
	tokenID := pos.TokenID
	c.mu.Unlock()

	attempt := 0
	size := remaining
	for remaining > 0.01 {
		sellCtx, cancel := context.WithTimeout(ctx, orderTimeout)
		res, err := c.trader.Sell(sellCtx, types.OrderRequest{
			TokenID: tokenID,
			Side:    types.SELL,
			Shares:  size,
		})
		cancel()

		if err != nil {
			attempt++
			if attempt > c.cfg.SellRetries {
				c.mu.Lock()
				pos.Stuck = true
				c.mu.Unlock()
				c.logger.Error("position stuck, sell retries exhausted",
					"key", key.String(),
					"remaining_shares", remaining,
					"last_error", err,
				)
				c.persist()
				return proceeds, false
			}
			if errors.Is(err, exchange.ErrBelowMinSize) {
				// Halving further cannot succeed.
				c.mu.Lock()
				pos.Stuck = true
				c.mu.Unlock()
				c.logger.Error("position stuck below venue minimum size",
					"key", key.String(), "remaining_shares", remaining)
				c.persist()
				return proceeds, false
			}
			size = size / 2
			c.logger.Warn("sell rejected, retrying smaller",
				"key", key.String(), "attempt", attempt, "next_size", size, "error", err)
			continue
		}

		c.mu.Lock()
		pos.addSell(res.FilledShares, res.AvgPrice)
		remaining = pos.Shares
		c.mu.Unlock()

		sold := res.FilledShares * res.AvgPrice
		proceeds += sold

		c.mu.Lock()
		c.stats.RecoveredUSD += sold
		c.mu.Unlock()

		c.record(TradeRecord{
			Time: time.Now(), Slug: key.Slug, Outcome: key.Outcome,
			Side: types.SELL, Kind: "stoploss", Price: res.AvgPrice,
			Shares: res.FilledShares, USD: sold, OrderID: res.OrderID,
		})
		size = remaining
	}

	// Residue below the venue's size precision cannot be sold; write it off
	// as exited so it never reaches resolution accounting.
	c.mu.Lock()
	if pos.Shares > 0 {
		c.logger.Info("writing off dust below venue precision",
			"key", key.String(), "shares", pos.Shares)
		pos.Shares = 0
		pos.State = PositionSold
	}
	c.mu.Unlock()

	c.registry.SetHolding(key.Slug, key.Outcome, 0)
	c.logger.Info("position fully exited",
		"key", key.String(), "proceeds_usd", proceeds)
	c.persist()
	return proceeds, true
}

// maybeFlip re-enters the opposite outcome with the recovered capital when
// the market is close enough to expiry and the other side has pulled ahead.
// Executed as fixed-size clips until the flip budget is exhausted or the
// venue stops filling.
func (c *Controller) maybeFlip(ctx context.Context, exited types.MarketKey, remainingSeconds, proceeds float64) {
	if c.cfg.FlipEntry <= 0 {
		return
	}
	if remainingSeconds > c.flipWindow.Seconds() {
		return
	}

	st, ok := c.registry.Get(exited.Slug)
	if !ok {
		return
	}
	flipSide := exited.Outcome.Opposite()
	flipPrice := st.Price(flipSide)
	if flipPrice < c.cfg.FlipEntry {
		c.logger.Info("flip skipped, opposite side not ahead",
			"slug", exited.Slug, "flip_side", flipSide, "price", flipPrice, "min", c.cfg.FlipEntry)
		return
	}

	budget := proceeds
	if c.cfg.FlipMaxUSD > 0 && budget > c.cfg.FlipMaxUSD {
		budget = c.cfg.FlipMaxUSD
	}
	// Flip spend counts against the same per-market cap as entries.
	if remaining := c.RemainingBudget(exited.Slug); budget > remaining {
		if remaining < 1 {
			c.logger.Info("flip skipped, market budget exhausted",
				"slug", exited.Slug, "proceeds_usd", proceeds)
			return
		}
		c.logger.Info("flip clamped to remaining budget",
			"slug", exited.Slug, "proceeds_usd", proceeds, "clamped", remaining)
		budget = remaining
	}
	clip := c.cfg.FlipClipUSD
	if clip <= 0 || clip > budget {
		clip = budget
	}

	flipKey := types.MarketKey{Slug: exited.Slug, Outcome: flipSide}
	c.logger.Info("flip entry",
		"key", flipKey.String(), "price", flipPrice, "budget_usd", budget, "clip_usd", clip)

	for budget >= 1 {
		amount := clip
		if amount > budget {
			amount = budget
		}

		buyCtx, cancel := context.WithTimeout(ctx, orderTimeout)
		res, err := c.trader.Buy(buyCtx, types.OrderRequest{
			TokenID:   st.TokenID(flipSide),
			Side:      types.BUY,
			AmountUSD: amount,
		})
		cancel()
		if err != nil {
			c.logger.Warn("flip buy rejected, stopping", "key", flipKey.String(), "error", err)
			return
		}

		c.applyBuy(flipKey, st, res, amount, "flip")
		budget -= amount
	}
}

// OnExpired schedules resolution for markets that just left the registry.
// Winner detection waits out the grace period so late price updates (already
// snapshotted here) are not misread.
func (c *Controller) OnExpired(states []market.State) {
	for _, st := range states {
		st := st
		if !c.hasPositions(st.Slug) {
			continue
		}
		time.AfterFunc(c.cfg.ResolveGrace, func() { c.resolve(st) })
	}
}

func (c *Controller) hasPositions(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, p := range c.positions {
		if key.Slug == slug && (p.State == PositionHeld || p.State == PositionSold) {
			return true
		}
	}
	return false
}

// resolve settles accounting for one expired market using the last observed
// prices. A winner is only declared when one side closed at or above the
// near-certainty threshold; anything murkier is left as an unknown terminal
// state for manual reconciliation instead of guessing.
func (c *Controller) resolve(st market.State) {
	winner := detectWinner(st, c.cfg.WinnerThreshold)

	now := time.Now()
	c.mu.Lock()
	c.rolloverLocked(now)

	for key, pos := range c.positions {
		if key.Slug != st.Slug {
			continue
		}

		switch {
		case pos.State == PositionSold:
			// Fully exited before expiry; the outcome no longer matters.
			c.realizeLocked(pos, pos.RecoveredUSD-pos.SpentUSD, now)
			delete(c.positions, key)

		case pos.State == PositionHeld && winner == key.Outcome:
			pnl := pos.Shares*1.0 - pos.SpentUSD + pos.RecoveredUSD
			c.realizeLocked(pos, pnl, now)
			pos.State = PositionWon
			c.logger.Info("market resolved in our favor",
				"key", key.String(), "shares", pos.Shares, "pnl", pnl)

		case pos.State == PositionHeld && winner != "":
			pnl := pos.RecoveredUSD - pos.SpentUSD
			c.realizeLocked(pos, pnl, now)
			pos.State = PositionLost
			delete(c.positions, key)
			c.logger.Warn("market resolved against us",
				"key", key.String(), "shares", pos.Shares, "pnl", pnl)

		case pos.State == PositionHeld:
			pos.State = PositionUnknown
			c.stats.Unknowns++
			c.logger.Error("winner unknown, manual reconciliation required",
				"key", key.String(),
				"shares", pos.Shares,
				"up_price", st.UpPrice,
				"down_price", st.DownPrice,
			)
		}
	}

	stats := c.stats
	c.mu.Unlock()

	if c.rec != nil {
		if err := c.rec.RecordPeriod(stats); err != nil {
			c.logger.Warn("period record failed", "error", err)
		}
	}
	c.persist()
}

// realizeLocked applies a realized PnL to the period counters and trips the
// circuit breaker when limits are hit. Must hold mu.
func (c *Controller) realizeLocked(pos *Position, pnl float64, now time.Time) {
	c.stats.RealizedPnL += pnl
	if pnl >= 0 {
		c.stats.Wins++
		c.stats.ConsecLosses = 0
	} else {
		c.stats.Losses++
		c.stats.ConsecLosses++
	}

	if c.cfg.MaxDailyLoss > 0 && c.stats.RealizedPnL <= -c.cfg.MaxDailyLoss {
		c.pauseLocked(now, fmt.Sprintf("daily loss %.2f breached limit %.2f",
			c.stats.RealizedPnL, c.cfg.MaxDailyLoss))
	}
	if c.cfg.MaxConsecLosses > 0 && c.stats.ConsecLosses >= c.cfg.MaxConsecLosses {
		c.pauseLocked(now, fmt.Sprintf("%d consecutive losses", c.stats.ConsecLosses))
	}
}

// detectWinner applies the resolution heuristic: a side wins only when its
// last observed price reached the threshold and beat the other side.
func detectWinner(st market.State, threshold float64) types.Outcome {
	switch {
	case st.UpPrice >= threshold && st.UpPrice > st.DownPrice:
		return types.OutcomeUp
	case st.DownPrice >= threshold && st.DownPrice > st.UpPrice:
		return types.OutcomeDown
	default:
		return ""
	}
}

func (c *Controller) rolloverLocked(now time.Time) {
	if c.stats.rollover(now) {
		c.logger.Info("period rollover", "day", c.stats.Day)
	}
}

func (c *Controller) clearExecuting(slug string) {
	c.mu.Lock()
	delete(c.executing, slug)
	c.mu.Unlock()
}

func (c *Controller) record(rec TradeRecord) {
	if c.rec == nil {
		return
	}
	if err := c.rec.RecordTrade(rec); err != nil {
		c.logger.Warn("trade record failed", "error", err)
	}
}

func (c *Controller) persist() {
	if c.store == nil {
		return
	}
	if err := c.store.SavePositions(c.Positions()); err != nil {
		c.logger.Warn("position persist failed", "error", err)
	}
}
