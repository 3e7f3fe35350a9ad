package strategy

import (
	"time"

	"polymarket-updown/internal/config"
)

// Phase is one resolved time-remaining bucket of the entry model.
type Phase struct {
	Index    int
	MinPrice float64
	MaxSpend float64 // 0 = unlimited within the market cap
	Cooldown time.Duration
	MinScore float64
}

// PhaseFor selects the phase for a remaining time, given phases ordered by
// increasing seconds_from_end (nearest to expiry first). The first phase
// whose bound covers the remaining time wins; remaining time beyond the last
// bound has no phase.
func PhaseFor(phases []config.PhaseConfig, remainingSeconds float64) (Phase, bool) {
	for i, p := range phases {
		if remainingSeconds <= float64(p.SecondsFromEnd) {
			return Phase{
				Index:    i,
				MinPrice: p.MinPrice,
				MaxSpend: p.MaxSpendUSD,
				Cooldown: p.Cooldown,
				MinScore: p.MinScore,
			}, true
		}
	}
	return Phase{}, false
}

// IsNearExpiry reports whether a phase is the one closest to the deadline.
func (p Phase) IsNearExpiry() bool {
	return p.Index == 0
}
