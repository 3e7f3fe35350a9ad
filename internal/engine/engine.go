// Package engine is the central orchestrator of the up/down trading bot.
//
// It wires together all subsystems:
//
//  1. The feed manager delivers activity trades over one WebSocket.
//  2. The registry discovers the current and next 15-minute market per coin.
//  3. The strategy engine aggregates counterparty fills into entry decisions.
//  4. The risk controller executes entries, watches stop-loss/flip, and does
//     period accounting; the settle runner claims resolved wins out-of-band.
//
// Ordering: every price tick runs the stop-loss check before the strategy
// sees the event, so the bot never buys into a market it is exiting.
//
// Lifecycle: New() → Run() [blocks until ctx cancel or fatal feed error] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/exchange"
	"polymarket-updown/internal/feed"
	"polymarket-updown/internal/market"
	"polymarket-updown/internal/report"
	"polymarket-updown/internal/risk"
	"polymarket-updown/internal/settle"
	"polymarket-updown/internal/store"
	"polymarket-updown/internal/strategy"
	"polymarket-updown/pkg/types"
)

const (
	activityTopic = "activity"
	tradesType    = "trades"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg        config.Config
	client     *exchange.Client
	feed       *feed.Manager
	registry   *market.Registry
	books      *market.Books
	strat      *strategy.Engine
	controller *risk.Controller
	recorder   *report.Recorder
	store      *store.Store
	settler    *settle.Runner
	logger     *slog.Logger

	tradeCh chan types.ActivityTrade

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. Missing L2 credentials are derived
// from the wallet via L1 auth.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(cfg, auth, logger)

	if !cfg.DryRun && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via wallet")
		if _, err := client.DeriveAPIKey(context.Background()); err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}

	registry := market.NewRegistry(cfg, logger)
	books := market.NewBooks()

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	recorder, err := report.Open(cfg.Report.DBPath)
	if err != nil {
		return nil, err
	}

	controller, err := risk.NewController(cfg, registry, client, st, recorder, logger)
	if err != nil {
		return nil, err
	}
	strat := strategy.NewEngine(cfg, registry, books, controller, logger)

	fm := feed.NewManager(cfg.API.DataWSURL, cfg.Feed, activityTopic, tradesType, logger)

	e := &Engine{
		cfg:        cfg,
		client:     client,
		feed:       fm,
		registry:   registry,
		books:      books,
		strat:      strat,
		controller: controller,
		recorder:   recorder,
		store:      st,
		logger:     logger.With("component", "engine"),
		tradeCh:    make(chan types.ActivityTrade, 256),
	}

	if cfg.Settle.Enabled {
		// Without an on-chain redeemer wired in, claims can only be
		// logged; live deployments settle through the external claim
		// subsystem.
		if cfg.DryRun {
			e.settler = settle.NewRunner(cfg.Settle, settle.NoopRedeemer{Logger: logger}, controller, logger)
		} else {
			logger.Warn("settle enabled but no redeemer available in live mode, claims are manual")
		}
	}

	fm.OnMessage(activityTopic, tradesType, e.onActivityPayload)
	return e, nil
}

// Run starts every background goroutine and blocks until the context is
// cancelled or the feed reports a fatal condition. Callers should Stop()
// afterwards.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registry.Run(ctx, e.onExpired)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processTrades(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processDecisions(ctx)
	}()

	if e.cfg.Strategy.PriceSource == types.PriceSourcePolling || e.cfg.Strategy.Score.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pollLoop(ctx)
		}()
	}

	if e.settler != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.settler.Run(ctx)
		}()
	}

	// The feed runs on the calling goroutine: a fatal error here means
	// exhausted reconnects and the process should restart cleanly.
	err := e.feed.Run(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("feed fatal, escalating", "error", err)
		return err
	}
	return nil
}

// Stop cancels all goroutines, flushes a final period record, and closes
// resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	if e.cancel != nil {
		e.cancel()
	}
	e.feed.Disconnect()
	e.strat.Stop()
	e.wg.Wait()

	if err := e.recorder.RecordPeriod(e.controller.Stats()); err != nil {
		e.logger.Warn("final period record failed", "error", err)
	}
	e.recorder.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// onActivityPayload decodes one feed envelope payload. The venue sends both
// single trades and batches.
func (e *Engine) onActivityPayload(payload json.RawMessage) {
	var batch []types.ActivityTrade
	if err := json.Unmarshal(payload, &batch); err != nil {
		var one types.ActivityTrade
		if err := json.Unmarshal(payload, &one); err != nil {
			e.logger.Warn("malformed trade payload", "error", err)
			return
		}
		batch = append(batch, one)
	}

	for _, t := range batch {
		select {
		case e.tradeCh <- t:
		default:
			e.logger.Warn("trade channel full, dropping event", "slug", t.Slug)
		}
	}
}

// processTrades is the single event-processing pipeline. Per trade: update
// the cached price, run the stop-loss check, then let the strategy evaluate
// the event for entry.
func (e *Engine) processTrades(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.tradeCh:
			e.handleTrade(ctx, t)
		}
	}
}

func (e *Engine) handleTrade(ctx context.Context, t types.ActivityTrade) {
	outcome, ok := types.ParseOutcome(t.Outcome)
	if !ok {
		return
	}

	if e.cfg.Strategy.PriceSource == types.PriceSourceWebsocket {
		if _, tracked := e.registry.Get(t.Slug); tracked {
			e.registry.UpdatePrice(t.Slug, outcome, t.Price)
			e.controller.CheckStopLoss(ctx, t.Slug)
		}
	}

	e.strat.OnTrade(t)
}

// processDecisions executes entry decisions through the risk controller.
func (e *Engine) processDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.strat.Decisions():
			if err := e.controller.ExecuteEntry(ctx, d); err != nil {
				e.logger.Warn("entry failed", "key", d.Key.String(), "error", err)
			}
		}
	}
}

// pollLoop periodically refreshes midpoints (polling price source) and order
// books (score mode) for every tracked market.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Strategy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	for _, st := range e.registry.List() {
		if e.cfg.Strategy.PriceSource == types.PriceSourcePolling {
			// Discovery marks both sides as independently observed, so the
			// registry will not derive a complement here. Both sides must be
			// polled or the unheld side's price goes stale and poisons the
			// stop-loss leading comparison.
			updated := false
			for _, side := range []types.Outcome{types.OutcomeUp, types.OutcomeDown} {
				mid, err := e.client.GetMidpoint(ctx, st.TokenID(side))
				if err != nil {
					e.logger.Debug("midpoint poll failed",
						"slug", st.Slug, "outcome", side, "error", err)
					continue
				}
				e.registry.UpdatePrice(st.Slug, side, mid)
				updated = true
			}
			if updated {
				e.controller.CheckStopLoss(ctx, st.Slug)
			}
		}

		if e.cfg.Strategy.Score.Enabled {
			for _, tokenID := range []string{st.UpTokenID, st.DownTokenID} {
				snap, err := e.client.GetBook(ctx, tokenID)
				if err != nil {
					e.logger.Debug("book poll failed", "token", tokenID, "error", err)
					continue
				}
				e.books.Apply(tokenID, *snap)
			}
		}
	}
}

// onExpired hands expired markets to resolution and drops per-market state.
func (e *Engine) onExpired(expired []market.State) {
	e.controller.OnExpired(expired)
	for _, st := range expired {
		e.strat.Forget(st.Slug)
		e.books.Drop(st.UpTokenID)
		e.books.Drop(st.DownTokenID)
	}
}
