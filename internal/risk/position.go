package risk

import (
	"time"

	"polymarket-updown/pkg/types"
)

// PositionState is the lifecycle of one holding:
// held → sold (stop-loss exit) | won (resolved in our favor, claimable) |
// lost (resolved against us) | unknown (expired without a confident winner).
type PositionState string

const (
	PositionHeld    PositionState = "held"
	PositionSold    PositionState = "sold"
	PositionWon     PositionState = "won"
	PositionLost    PositionState = "lost"
	PositionUnknown PositionState = "unknown"
	PositionClaimed PositionState = "claimed"
)

// Position is one holding per (slug, outcome) actually bought.
type Position struct {
	Key          types.MarketKey `json:"key"`
	ConditionID  string          `json:"conditionId"`
	TokenID      string          `json:"tokenId"`
	Shares       float64         `json:"shares"`
	AvgBuyPrice  float64         `json:"avgBuyPrice"`
	SpentUSD     float64         `json:"spentUsd"`
	RecoveredUSD float64         `json:"recoveredUsd"` // proceeds from stop-loss sells
	BoughtAt     time.Time       `json:"boughtAt"`
	State        PositionState   `json:"state"`
	Stuck        bool            `json:"stuck"` // sell retries exhausted, needs manual attention
}

// addBuy folds a filled buy into the volume-weighted average.
func (p *Position) addBuy(shares, price, usd float64) {
	total := p.Shares + shares
	if total > 0 {
		p.AvgBuyPrice = (p.AvgBuyPrice*p.Shares + price*shares) / total
	}
	p.Shares = total
	p.SpentUSD += usd
	if p.BoughtAt.IsZero() {
		p.BoughtAt = time.Now()
	}
	p.State = PositionHeld
}

// addSell records a filled sell. The position stays held until empty.
func (p *Position) addSell(shares, price float64) {
	p.Shares -= shares
	if p.Shares < 1e-9 {
		p.Shares = 0
	}
	p.RecoveredUSD += shares * price
	if p.Shares == 0 {
		p.State = PositionSold
	}
}
