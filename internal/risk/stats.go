package risk

import "time"

// PeriodStats aggregates trading activity for the current calendar day.
// Mutated only by the Controller under its lock; reset on day rollover.
type PeriodStats struct {
	Day          string  `json:"day"` // YYYY-MM-DD
	SpentUSD     float64 `json:"spentUsd"`
	RecoveredUSD float64 `json:"recoveredUsd"`
	RealizedPnL  float64 `json:"realizedPnl"`
	Orders       int     `json:"orders"`
	StopLosses   int     `json:"stopLosses"`
	Flips        int     `json:"flips"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Unknowns     int     `json:"unknowns"`
	ConsecLosses int     `json:"consecLosses"`

	Paused      bool      `json:"paused"`
	PausedUntil time.Time `json:"pausedUntil"`
	PauseReason string    `json:"pauseReason"`
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rollover resets the counters when the calendar day changes. The pause flag
// does not survive a rollover.
func (s *PeriodStats) rollover(now time.Time) bool {
	day := dayOf(now)
	if s.Day == day {
		return false
	}
	*s = PeriodStats{Day: day}
	return true
}
