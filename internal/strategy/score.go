package strategy

import (
	"time"

	"polymarket-updown/internal/market"
	"polymarket-updown/pkg/types"
)

// Sub-score caps. The total is their sum, 0–100.
const (
	momentumCap  = 30.0
	imbalanceCap = 25.0
	confirmCap   = 25.0
	oddsCap      = 20.0
)

// momentumFullDrift is the price drift from the bucket's opening level that
// earns the full momentum score.
const momentumFullDrift = 0.25

// ScoreBreakdown records each factor of the acceptance score so the reason
// for an entry (or a rejection) can be audited afterwards.
type ScoreBreakdown struct {
	Momentum     float64
	Imbalance    float64
	Confirmation float64
	OddsQuality  float64
	Total        float64
}

// scoreEntry computes the multi-factor acceptance score for buying one
// outcome at the given price.
//
//   - momentum: how far the candidate's price has drifted above the level it
//     opened the bucket at. A price that is merely high scores zero here; it
//     has to have moved this side's way since the window started.
//   - imbalance: signed bid/ask depth skew on the candidate's book; only
//     buy-side pressure counts.
//   - confirmation: tracked counterparties independently buying the same
//     outcome within the trailing window.
//   - odds quality: cheap entry and a wide spread score well; prices above
//     the configured ceiling are penalized.
func scoreEntry(key types.MarketKey, price, openPrice float64, book *market.Book, flow *Flow, ceiling float64, now time.Time) ScoreBreakdown {
	var sb ScoreBreakdown

	if openPrice > 0 {
		sb.Momentum = clamp01((price-openPrice)/momentumFullDrift) * momentumCap
	}

	if book != nil {
		sb.Imbalance = clamp01(book.Imbalance()) * imbalanceCap
	}

	sb.Confirmation = flow.Confirmation(key, now) * confirmCap

	odds := (1-price)*15 + min(book.SpreadOrZero()*100, 5)
	if ceiling > 0 && price > ceiling {
		odds -= (price - ceiling) * 100
	}
	if odds < 0 {
		odds = 0
	}
	if odds > oddsCap {
		odds = oddsCap
	}
	sb.OddsQuality = odds

	sb.Total = sb.Momentum + sb.Imbalance + sb.Confirmation + sb.OddsQuality
	return sb
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
