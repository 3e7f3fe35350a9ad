package strategy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-updown/pkg/types"
)

// Fill is one qualifying trade event feeding an aggregation.
type Fill struct {
	Price  float64
	Shares float64
	USD    float64
	Wallet string
	At     time.Time
}

// Aggregate is a finalized burst of fills for one (slug, outcome) key,
// collapsed into a single candidate order.
type Aggregate struct {
	Key         types.MarketKey
	Fills       []Fill
	TotalUSD    float64
	AvgPrice    float64 // volume-weighted by USD value
	FirstFillAt time.Time
}

// pendingAgg accumulates fills for one key until the silence timer fires.
// Running sums are kept as decimals so the finalized average is exact.
type pendingAgg struct {
	fills       []Fill
	totalUSD    decimal.Decimal
	weightedSum decimal.Decimal // Σ price × usd
	firstFillAt time.Time
	timer       *time.Timer
}

// Aggregator debounces rapid fill bursts per (slug, outcome) key. Every fill
// resets the key's silence timer; when the timer fires, the accumulated
// fills are handed to the finalize callback as one Aggregate and the key is
// cleared. A zero window finalizes on the next scheduler turn instead, so a
// fill is never evaluated in the middle of its own delivery.
//
// At most one pending aggregation exists per key. The finalize callback runs
// off the Aggregator's lock, so it may feed new fills back in.
type Aggregator struct {
	mu       sync.Mutex
	window   time.Duration
	pending  map[types.MarketKey]*pendingAgg
	finalize func(Aggregate)
	stopped  bool
	logger   *slog.Logger
}

// NewAggregator creates an aggregator with the given silence window.
func NewAggregator(window time.Duration, finalize func(Aggregate), logger *slog.Logger) *Aggregator {
	return &Aggregator{
		window:   window,
		pending:  make(map[types.MarketKey]*pendingAgg),
		finalize: finalize,
		logger:   logger.With("component", "aggregator"),
	}
}

// Add accumulates one fill for a key, opening the aggregation on first sight
// and resetting its silence timer otherwise.
func (a *Aggregator) Add(key types.MarketKey, fill Fill) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}

	p, ok := a.pending[key]
	if !ok {
		p = &pendingAgg{firstFillAt: fill.At}
		a.pending[key] = p
	}

	p.fills = append(p.fills, fill)
	usd := decimal.NewFromFloat(fill.USD)
	p.totalUSD = p.totalUSD.Add(usd)
	p.weightedSum = p.weightedSum.Add(decimal.NewFromFloat(fill.Price).Mul(usd))

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if a.window > 0 {
		p.timer = time.AfterFunc(a.window, func() { a.fire(key) })
	} else {
		go a.fire(key)
	}
	a.mu.Unlock()
}

// fire finalizes and removes the pending aggregation for a key. A key that
// was already finalized (zero-window double schedule) is a no-op.
func (a *Aggregator) fire(key types.MarketKey) {
	a.mu.Lock()
	p, ok := a.pending[key]
	if !ok || a.stopped {
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	a.mu.Unlock()

	avg := 0.0
	if !p.totalUSD.IsZero() {
		avg, _ = p.weightedSum.Div(p.totalUSD).Float64()
	}
	total, _ := p.totalUSD.Float64()

	a.logger.Debug("aggregation finalized",
		"key", key.String(),
		"fills", len(p.fills),
		"total_usd", total,
		"avg_price", avg,
	)

	a.finalize(Aggregate{
		Key:         key,
		Fills:       p.fills,
		TotalUSD:    total,
		AvgPrice:    avg,
		FirstFillAt: p.firstFillAt,
	})
}

// PendingCount returns the number of open aggregations.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stop cancels all silence timers and discards open aggregations.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for key, p := range a.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(a.pending, key)
	}
}
