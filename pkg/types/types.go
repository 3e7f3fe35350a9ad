// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: outcome and side enums,
// market metadata, trade-feed payloads, and order requests for the execution
// venue. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"encoding/json"
	"time"
)

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies one of the two sides of a time-boxed binary market.
type Outcome string

const (
	OutcomeUp   Outcome = "Up"
	OutcomeDown Outcome = "Down"
)

// Opposite returns the other outcome of a binary market.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeUp {
		return OutcomeDown
	}
	return OutcomeUp
}

// Valid reports whether o is one of the two known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeUp || o == OutcomeDown
}

// ParseOutcome maps a venue outcome label ("Up"/"Down", any case) to an
// Outcome. Returns false for anything else.
func ParseOutcome(label string) (Outcome, bool) {
	switch label {
	case "Up", "up", "UP":
		return OutcomeUp, true
	case "Down", "down", "DOWN":
		return OutcomeDown, true
	}
	return "", false
}

// SizingMode selects how a finalized aggregation is converted into an order
// amount. The three modes existed as separate bot variants historically and
// are unified behind this enum.
type SizingMode string

const (
	SizingFixed SizingMode = "fixed" // constant configured USD amount
	SizingScale SizingMode = "scale" // fraction of the counterparty's aggregated value
	SizingKelly SizingMode = "kelly" // Kelly criterion from win probability vs price
)

// PriceSource selects where market prices come from.
type PriceSource string

const (
	PriceSourceWebsocket PriceSource = "websocket" // push updates from the activity feed
	PriceSourcePolling   PriceSource = "polling"   // periodic REST polls against the venue
)

// MarketKey identifies one tradeable leg: a market plus one of its outcomes.
// Aggregations, positions, and cooldowns are all keyed by it.
type MarketKey struct {
	Slug    string
	Outcome Outcome
}

func (k MarketKey) String() string {
	return k.Slug + "/" + string(k.Outcome)
}

// MarketMeta is the venue's market-metadata response, fetched by slug during
// discovery. Outcome labels, token IDs, and prices come back as JSON-encoded
// array strings, matching the venue's wire format.
type MarketMeta struct {
	ID            string  `json:"id"`
	Slug          string  `json:"slug"`
	Question      string  `json:"question"`
	ConditionID   string  `json:"conditionId"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	EndDate       string  `json:"endDate"`
	Outcomes      string  `json:"outcomes"`      // e.g. `["Up","Down"]`
	OutcomePrices string  `json:"outcomePrices"` // e.g. `["0.55","0.45"]`
	ClobTokenIds  string  `json:"clobTokenIds"`  // e.g. `["123…","456…"]`
	Volume24hr    float64 `json:"volume24hr"`
}

// ActivityTrade is one executed trade pushed on the activity feed. It is the
// raw material of every copy decision: who traded, which outcome, how much,
// at what price.
type ActivityTrade struct {
	Asset           string  `json:"asset"` // outcome-token ID
	ConditionID     string  `json:"conditionId"`
	EventSlug       string  `json:"eventSlug"`
	Outcome         string  `json:"outcome"` // "Up" or "Down"
	Price           float64 `json:"price"`
	ProxyWallet     string  `json:"proxyWallet"` // counterparty address
	Side            Side    `json:"side"`
	Size            float64 `json:"size"` // shares
	Slug            string  `json:"slug"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	Title           string  `json:"title"`
	TransactionHash string  `json:"transactionHash"`
}

// ValueUSD returns the notional dollar value of the trade.
func (t ActivityTrade) ValueUSD() float64 {
	return t.Price * t.Size
}

// PriceUpdate is a normalized price observation for one outcome token,
// produced by either the websocket or polling price source.
type PriceUpdate struct {
	Slug       string
	Outcome    Outcome
	Price      float64
	ObservedAt time.Time
}

// WSEnvelope is the outer frame of every message pushed by the real-time
// feed. Payload is decoded per (topic, type) by registered handlers.
type WSEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscription names one (topic, type) stream.
type WSSubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

// WSSubscribeMsg is sent after connecting to request event streams.
type WSSubscribeMsg struct {
	Action        string           `json:"action"` // "subscribe"
	Subscriptions []WSSubscription `json:"subscriptions"`
}

// PriceLevel is a single bid or ask level in an order book. Price and Size
// are strings because the venue returns them as strings to preserve decimal
// precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookSnapshot is a point-in-time view of one token's order book, used by
// the score-based entry path to measure depth imbalance and spread.
type BookSnapshot struct {
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"` // sorted descending by price
	Asks      []PriceLevel `json:"asks"` // sorted ascending by price
	Timestamp time.Time    `json:"-"`
}

// OrderRequest is what the decision and risk layers hand to the execution
// client. Exactly one of AmountUSD (BUY) or Shares (SELL) is meaningful.
type OrderRequest struct {
	TokenID   string
	Side      Side
	AmountUSD float64 // BUY: dollars to spend
	Shares    float64 // SELL: quantity to unwind
}

// OrderResult is the venue's answer to a filled order.
type OrderResult struct {
	OrderID      string  `json:"orderID"`
	Status       string  `json:"status"`
	FilledShares float64 `json:"filledShares"`
	AvgPrice     float64 `json:"avgPrice"`
}
