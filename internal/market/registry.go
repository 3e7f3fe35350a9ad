// Package market provides the per-market state registry and local order book
// mirrors for time-boxed up/down markets.
//
// The Registry discovers active markets by deriving their slugs from a naming
// convention (coin symbol + 15-minute bucket alignment) and polling the
// venue's metadata API. It exclusively owns MarketState: every other
// component reads snapshots and mutates spend/holding counters only through
// the Registry's methods.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

// bucketLen is the fixed window length of an up/down market.
const bucketLen = 15 * time.Minute

// State is the authoritative record for one tracked market. Exported fields
// are returned by value in snapshots; the Registry owns the live copies.
type State struct {
	Slug        string
	Coin        string
	Question    string
	ConditionID string
	UpTokenID   string
	DownTokenID string
	EndTime     time.Time

	UpPrice   float64
	DownPrice float64

	// First price seen for each side after the bucket opened. Momentum is
	// drift from here, not the instantaneous level.
	UpOpenPrice   float64
	DownOpenPrice float64

	TotalSpent    float64       // capital committed this window
	CurrentSide   types.Outcome // "" unless Shares > 0
	Shares        float64       // held quantity of CurrentSide
	LastTradeTime time.Time

	upObserved   bool // true once UpPrice was seen directly, not derived
	downObserved bool
}

// TokenID returns the outcome-token identifier for one side.
func (s State) TokenID(o types.Outcome) string {
	if o == types.OutcomeUp {
		return s.UpTokenID
	}
	return s.DownTokenID
}

// Price returns the cached price for one side.
func (s State) Price(o types.Outcome) float64 {
	if o == types.OutcomeUp {
		return s.UpPrice
	}
	return s.DownPrice
}

// OpenPrice returns the first observed price for one side, 0 if none yet.
func (s State) OpenPrice(o types.Outcome) float64 {
	if o == types.OutcomeUp {
		return s.UpOpenPrice
	}
	return s.DownOpenPrice
}

// Remaining returns the time left until the market's deadline, floored at 0.
func (s State) Remaining(now time.Time) time.Duration {
	d := s.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Registry tracks all currently active markets. Thread-safe.
type Registry struct {
	http   *resty.Client
	cfg    config.RegistryConfig
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]*State          // slug → state
	tokens map[string]types.MarketKey // outcome-token ID → key (for feed routing)
}

// NewRegistry creates a market registry backed by the venue's metadata API.
func NewRegistry(cfg config.Config, logger *slog.Logger) *Registry {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Registry{
		http:   client,
		cfg:    cfg.Registry,
		logger: logger.With("component", "registry"),
		states: make(map[string]*State),
		tokens: make(map[string]types.MarketKey),
	}
}

// Run performs an immediate discovery, then rediscovers and lazily expires on
// a fixed interval until ctx is cancelled. Expired states are delivered to
// onExpired (may be nil) for resolution handling.
func (r *Registry) Run(ctx context.Context, onExpired func([]State)) {
	r.discoverOnce(ctx)

	ticker := time.NewTicker(r.cfg.DiscoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := r.Expire(time.Now()); len(expired) > 0 && onExpired != nil {
				onExpired(expired)
			}
			r.discoverOnce(ctx)
		}
	}
}

// discoverOnce wraps Discover so a failed poll is logged and retried on the
// next tick, never propagated into event delivery.
func (r *Registry) discoverOnce(ctx context.Context) {
	if err := r.Discover(ctx); err != nil {
		r.logger.Error("discovery failed", "error", err)
	}
}

// Discover derives candidate slugs for the current and next 15-minute bucket
// of every tracked coin, fetches metadata for the ones not yet tracked, and
// inserts them. Already-tracked slugs are left untouched.
func (r *Registry) Discover(ctx context.Context) error {
	now := time.Now()
	buckets := []time.Time{
		now.Truncate(bucketLen),
		now.Truncate(bucketLen).Add(bucketLen),
	}

	var firstErr error
	for _, coin := range r.cfg.Coins {
		for _, bucket := range buckets {
			slug := SlugFor(coin, bucket)
			if r.tracked(slug) {
				continue
			}

			meta, err := r.fetchMarket(ctx, slug)
			if err != nil {
				// The next bucket's market often does not exist yet; that
				// is expected and not worth surfacing.
				r.logger.Debug("market not available", "slug", slug, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := r.insert(meta, coin, now); err != nil {
				r.logger.Warn("skipping market", "slug", slug, "error", err)
			}
		}
	}
	return firstErr
}

// SlugFor derives the venue slug for a coin's market in the bucket starting
// at bucketStart.
func SlugFor(coin string, bucketStart time.Time) string {
	return fmt.Sprintf("%s-updown-15m-%d", coin, bucketStart.Unix())
}

func (r *Registry) tracked(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.states[slug]
	return ok
}

func (r *Registry) fetchMarket(ctx context.Context, slug string) (*types.MarketMeta, error) {
	var metas []types.MarketMeta
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&metas).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("market %s not found", slug)
	}
	return &metas[0], nil
}

// insert validates metadata and adds a new State. Closed markets, markets
// already past their deadline, and markets ending beyond the horizon are
// rejected.
func (r *Registry) insert(meta *types.MarketMeta, coin string, now time.Time) error {
	if meta.Closed {
		return fmt.Errorf("market closed")
	}

	endTime, err := time.Parse(time.RFC3339, meta.EndDate)
	if err != nil {
		return fmt.Errorf("parse end date %q: %w", meta.EndDate, err)
	}
	if !endTime.After(now) {
		return fmt.Errorf("already ended at %s", endTime)
	}
	if endTime.Sub(now) > r.cfg.MaxHorizon {
		return fmt.Errorf("ends too far out: %s", endTime)
	}

	upToken, downToken, err := resolveTokens(meta.Outcomes, meta.ClobTokenIds)
	if err != nil {
		return err
	}

	st := &State{
		Slug:        meta.Slug,
		Coin:        coin,
		Question:    meta.Question,
		ConditionID: meta.ConditionID,
		UpTokenID:   upToken,
		DownTokenID: downToken,
		EndTime:     endTime,
	}

	if up, down, ok := parseInitialPrices(meta.Outcomes, meta.OutcomePrices); ok {
		st.UpPrice, st.DownPrice = up, down
		st.UpOpenPrice, st.DownOpenPrice = up, down
		st.upObserved, st.downObserved = true, true
	}

	r.mu.Lock()
	if _, exists := r.states[meta.Slug]; exists {
		r.mu.Unlock()
		return nil
	}
	r.states[meta.Slug] = st
	r.tokens[upToken] = types.MarketKey{Slug: meta.Slug, Outcome: types.OutcomeUp}
	r.tokens[downToken] = types.MarketKey{Slug: meta.Slug, Outcome: types.OutcomeDown}
	r.mu.Unlock()

	r.logger.Info("market tracked",
		"slug", meta.Slug,
		"end_time", endTime,
		"remaining", endTime.Sub(now).Round(time.Second),
	)
	return nil
}

// resolveTokens pairs outcome labels with token IDs. Both come back as
// JSON-encoded array strings in matching order.
func resolveTokens(outcomesJSON, tokensJSON string) (upToken, downToken string, err error) {
	var labels, ids []string
	if err := json.Unmarshal([]byte(outcomesJSON), &labels); err != nil {
		return "", "", fmt.Errorf("parse outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(tokensJSON), &ids); err != nil {
		return "", "", fmt.Errorf("parse token ids: %w", err)
	}
	if len(labels) != len(ids) || len(labels) < 2 {
		return "", "", fmt.Errorf("outcome/token mismatch: %d labels, %d ids", len(labels), len(ids))
	}

	for i, label := range labels {
		o, ok := types.ParseOutcome(label)
		if !ok {
			continue
		}
		if o == types.OutcomeUp {
			upToken = ids[i]
		} else {
			downToken = ids[i]
		}
	}
	if upToken == "" || downToken == "" {
		return "", "", fmt.Errorf("missing up/down outcome tokens in %s", outcomesJSON)
	}
	return upToken, downToken, nil
}

func parseInitialPrices(outcomesJSON, pricesJSON string) (up, down float64, ok bool) {
	var labels, prices []string
	if json.Unmarshal([]byte(outcomesJSON), &labels) != nil ||
		json.Unmarshal([]byte(pricesJSON), &prices) != nil ||
		len(labels) != len(prices) {
		return 0, 0, false
	}
	for i, label := range labels {
		o, okLabel := types.ParseOutcome(label)
		if !okLabel {
			continue
		}
		p, err := strconv.ParseFloat(prices[i], 64)
		if err != nil {
			continue
		}
		if o == types.OutcomeUp {
			up, ok = p, true
		} else {
			down = p
		}
	}
	return up, down, ok
}

// UpdatePrice stores an observed price for one side. The complementary side
// is derived as 1−p only while it has never been observed directly; once both
// sides report, both are stored verbatim.
func (r *Registry) UpdatePrice(slug string, outcome types.Outcome, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[slug]
	if !ok {
		return
	}

	if outcome == types.OutcomeUp {
		st.UpPrice = price
		st.upObserved = true
		if st.UpOpenPrice == 0 {
			st.UpOpenPrice = price
		}
		if !st.downObserved {
			st.DownPrice = 1 - price
		}
	} else {
		st.DownPrice = price
		st.downObserved = true
		if st.DownOpenPrice == 0 {
			st.DownOpenPrice = price
		}
		if !st.upObserved {
			st.UpPrice = 1 - price
		}
	}
}

// RemainingSeconds returns max(0, endTime−now) in whole seconds, or false if
// the slug is not tracked.
func (r *Registry) RemainingSeconds(slug string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[slug]
	if !ok {
		return 0, false
	}
	return st.Remaining(time.Now()).Seconds(), true
}

// Get returns a snapshot of one market's state.
func (r *Registry) Get(slug string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[slug]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// KeyForToken maps an outcome-token ID back to its (slug, outcome) key.
func (r *Registry) KeyForToken(tokenID string) (types.MarketKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.tokens[tokenID]
	return k, ok
}

// List returns snapshots of every tracked market.
func (r *Registry) List() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	return out
}

// Expire removes every market whose deadline has passed and returns their
// final snapshots. This is the only deletion path.
func (r *Registry) Expire(now time.Time) []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []State
	for slug, st := range r.states {
		if st.EndTime.After(now) {
			continue
		}
		expired = append(expired, *st)
		delete(r.tokens, st.UpTokenID)
		delete(r.tokens, st.DownTokenID)
		delete(r.states, slug)
		r.logger.Info("market expired", "slug", slug)
	}
	return expired
}

// AddSpend adds to a market's committed capital. Called only by the risk
// controller's mutation surface.
func (r *Registry) AddSpend(slug string, usd float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[slug]; ok {
		st.TotalSpent += usd
	}
}

// SetHolding records the currently held side and quantity. A zero quantity
// clears the side, preserving the invariant that CurrentSide is empty unless
// Shares > 0.
func (r *Registry) SetHolding(slug string, outcome types.Outcome, shares float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[slug]
	if !ok {
		return
	}
	if shares <= 0 {
		st.CurrentSide = ""
		st.Shares = 0
		return
	}
	st.CurrentSide = outcome
	st.Shares = shares
}

// MarkTrade records the time of the last executed trade for a market.
func (r *Registry) MarkTrade(slug string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[slug]; ok {
		st.LastTradeTime = at
	}
}
