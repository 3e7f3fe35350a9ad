// Package strategy turns raw trade events into sized entry decisions.
//
// The pipeline per event: filter (counterparty, side, dedup, price floor,
// entry window) → aggregate bursts per (slug, outcome) key → on silence-timer
// expiry, evaluate the phase gates and sizing model → emit one Decision. The
// risk controller executes decisions; this package never touches the venue.
package strategy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"polymarket-updown/internal/config"
	"polymarket-updown/internal/market"
	"polymarket-updown/pkg/types"
)

// BudgetReader exposes the risk controller's remaining per-market budget.
// The engine only reads it to drop hopeless orders early; the controller
// re-checks at execution time.
type BudgetReader interface {
	RemainingBudget(slug string) float64
}

// Decision is one proposed entry, already sized and budget-clamped.
type Decision struct {
	Key         types.MarketKey
	AmountUSD   float64
	Price       float64 // market price at decision time
	AggValueUSD float64 // counterparty volume behind the decision
	Score       *ScoreBreakdown
	Reason      string
}

// Engine is the event aggregation and decision engine.
type Engine struct {
	cfg      config.StrategyConfig
	registry *market.Registry
	books    *market.Books
	budget   BudgetReader
	logger   *slog.Logger

	agg   *Aggregator
	dedup *DedupSet
	flow  *Flow

	counterparties map[string]bool // lowercased addresses

	cooldownMu sync.Mutex
	lastTrade  map[types.MarketKey]time.Time

	decisions chan Decision
}

// NewEngine wires the filtering, aggregation, and evaluation pipeline.
func NewEngine(cfg config.Config, registry *market.Registry, books *market.Books, budget BudgetReader, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:            cfg.Strategy,
		registry:       registry,
		books:          books,
		budget:         budget,
		logger:         logger.With("component", "strategy"),
		dedup:          NewDedupSet(cfg.Strategy.DedupCapacity),
		flow:           NewFlow(cfg.Strategy.Score.ConfirmWindow),
		counterparties: make(map[string]bool, len(cfg.Strategy.Counterparties)),
		lastTrade:      make(map[types.MarketKey]time.Time),
		decisions:      make(chan Decision, 32),
	}
	for _, addr := range cfg.Strategy.Counterparties {
		e.counterparties[strings.ToLower(addr)] = true
	}
	e.agg = NewAggregator(cfg.Strategy.SilenceWindow, e.evaluate, logger)
	return e
}

// Decisions returns the channel of sized entry proposals.
func (e *Engine) Decisions() <-chan Decision {
	return e.decisions
}

// Stop cancels pending aggregations.
func (e *Engine) Stop() {
	e.agg.Stop()
}

// Forget drops per-market strategy state after the market expires.
func (e *Engine) Forget(slug string) {
	e.flow.Forget(slug)
	e.cooldownMu.Lock()
	for key := range e.lastTrade {
		if key.Slug == slug {
			delete(e.lastTrade, key)
		}
	}
	e.cooldownMu.Unlock()
}

// OnTrade processes one inbound trade event from the activity feed.
func (e *Engine) OnTrade(t types.ActivityTrade) {
	outcome, ok := types.ParseOutcome(t.Outcome)
	if !ok {
		return
	}
	key := types.MarketKey{Slug: t.Slug, Outcome: outcome}
	at := time.Unix(t.Timestamp, 0)
	fromCounterparty := e.counterparties[strings.ToLower(t.ProxyWallet)]

	// Counterparty buys feed the confirmation window even when the event
	// itself will not be aggregated.
	if fromCounterparty && t.Side == types.BUY {
		e.flow.Record(key, t.ValueUSD(), at)
	}

	if t.Side != types.BUY {
		return
	}
	if !e.cfg.Score.Enabled && !fromCounterparty {
		return
	}
	if t.TransactionHash != "" && e.dedup.Seen(t.TransactionHash) {
		return
	}
	if t.Price <= e.cfg.PriceFloor {
		e.logger.Debug("fill below price floor", "key", key.String(), "price", t.Price)
		return
	}

	st, ok := e.registry.Get(t.Slug)
	if !ok {
		return
	}
	if !e.inEntryWindow(st.Remaining(time.Now()).Seconds()) {
		return
	}

	e.agg.Add(key, Fill{
		Price:  t.Price,
		Shares: t.Size,
		USD:    t.ValueUSD(),
		Wallet: t.ProxyWallet,
		At:     at,
	})
}

func (e *Engine) inEntryWindow(remainingSeconds float64) bool {
	return remainingSeconds >= float64(e.cfg.EntryEndSeconds) &&
		remainingSeconds <= float64(e.cfg.EntryStartSeconds)
}

// evaluate runs once per finalized aggregation, on the silence timer's
// goroutine. Market state may have moved since the fills arrived, so every
// gate is re-checked against the registry's current view.
func (e *Engine) evaluate(agg Aggregate) {
	now := time.Now()
	log := e.logger.With("key", agg.Key.String())

	st, ok := e.registry.Get(agg.Key.Slug)
	if !ok {
		log.Debug("skip: market no longer tracked")
		return
	}

	remaining := st.Remaining(now).Seconds()
	if !e.inEntryWindow(remaining) {
		log.Debug("skip: outside entry window", "remaining_s", remaining)
		return
	}
	phase, ok := PhaseFor(e.cfg.Phases, remaining)
	if !ok {
		log.Debug("skip: no phase covers remaining time", "remaining_s", remaining)
		return
	}

	price := st.Price(agg.Key.Outcome)
	if price == 0 {
		price = agg.AvgPrice
	}
	if price < phase.MinPrice {
		log.Info("skip: below phase price bar",
			"phase", phase.Index, "price", price, "min_price", phase.MinPrice)
		return
	}

	e.cooldownMu.Lock()
	last := e.lastTrade[agg.Key]
	e.cooldownMu.Unlock()
	if phase.Cooldown > 0 && now.Sub(last) < phase.Cooldown {
		log.Info("skip: cooldown", "phase", phase.Index, "since_last", now.Sub(last).Round(time.Second))
		return
	}

	var score *ScoreBreakdown
	if e.cfg.Score.Enabled {
		book := e.books.Get(st.TokenID(agg.Key.Outcome))
		sb := scoreEntry(agg.Key, price, st.OpenPrice(agg.Key.Outcome), book, e.flow, e.cfg.Score.PriceCeiling, now)
		if sb.Total < phase.MinScore {
			log.Info("skip: score below phase minimum",
				"phase", phase.Index, "score", sb.Total, "min_score", phase.MinScore)
			return
		}
		if phase.IsNearExpiry() && sb.Momentum <= 0 {
			log.Info("skip: no momentum this close to expiry", "score", sb.Total)
			return
		}
		score = &sb
	}

	amount := Size(e.cfg, agg.TotalUSD, agg.AvgPrice, price)
	clamped := Clamp(e.cfg, amount, phase.MaxSpend, e.budget.RemainingBudget(agg.Key.Slug))
	if clamped <= 0 {
		log.Info("skip: no budget remaining", "proposed_usd", amount)
		return
	}

	e.cooldownMu.Lock()
	e.lastTrade[agg.Key] = now
	e.cooldownMu.Unlock()

	d := Decision{
		Key:         agg.Key,
		AmountUSD:   clamped,
		Price:       price,
		AggValueUSD: agg.TotalUSD,
		Score:       score,
		Reason: fmt.Sprintf("phase %d, %d fills, $%.2f aggregated",
			phase.Index, len(agg.Fills), agg.TotalUSD),
	}

	select {
	case e.decisions <- d:
		log.Info("entry decision",
			"amount_usd", clamped,
			"price", price,
			"remaining_s", remaining,
			"reason", d.Reason,
		)
	default:
		log.Warn("decision dropped, channel full", "amount_usd", clamped)
	}
}
