package strategy

import (
	"sync"
	"time"

	"polymarket-updown/pkg/types"
)

// confirmNotionalUSD is the counterparty volume that earns the full
// confirmation score; smaller volume scales linearly.
const confirmNotionalUSD = 20.0

// Flow tracks tracked-counterparty buys in a rolling time window, per
// (slug, outcome) key. The score model uses it as independent confirmation
// that a candidate outcome is being accumulated by the addresses we follow.
type Flow struct {
	mu     sync.Mutex
	window time.Duration
	buys   map[types.MarketKey][]flowEntry
}

type flowEntry struct {
	usd float64
	at  time.Time
}

// NewFlow creates a flow tracker with the given trailing window.
func NewFlow(window time.Duration) *Flow {
	return &Flow{
		window: window,
		buys:   make(map[types.MarketKey][]flowEntry),
	}
}

// Record adds one counterparty buy for a key and evicts stale entries.
func (f *Flow) Record(key types.MarketKey, usd float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buys[key] = append(f.buys[key], flowEntry{usd: usd, at: at})
	f.evictLocked(key, at)
}

// evictLocked drops entries older than the window. Must hold mu.
func (f *Flow) evictLocked(key types.MarketKey, now time.Time) {
	entries := f.buys[key]
	cutoff := now.Add(-f.window)

	keep := 0
	for keep < len(entries) && !entries[keep].at.After(cutoff) {
		keep++
	}
	if keep == len(entries) {
		delete(f.buys, key)
		return
	}
	if keep > 0 {
		f.buys[key] = entries[keep:]
	}
}

// WindowUSD returns the counterparty volume for a key inside the trailing
// window ending at now.
func (f *Flow) WindowUSD(key types.MarketKey, now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.evictLocked(key, now)
	var total float64
	for _, e := range f.buys[key] {
		total += e.usd
	}
	return total
}

// Confirmation maps recent counterparty volume for a key to [0, 1].
func (f *Flow) Confirmation(key types.MarketKey, now time.Time) float64 {
	usd := f.WindowUSD(key, now)
	if usd <= 0 {
		return 0
	}
	c := usd / confirmNotionalUSD
	if c > 1 {
		c = 1
	}
	return c
}

// Forget drops all entries for a market, typically on expiry.
func (f *Flow) Forget(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.buys {
		if key.Slug == slug {
			delete(f.buys, key)
		}
	}
}
