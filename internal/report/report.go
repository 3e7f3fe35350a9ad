// Package report persists per-trade and per-period records to SQLite (pure
// Go driver, no CGo). Reporting sits off the trading path: a failed write is
// logged by the caller and never blocks an order.
package report

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"polymarket-updown/internal/risk"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    at        DATETIME NOT NULL,
    slug      TEXT     NOT NULL,
    outcome   TEXT     NOT NULL,
    side      TEXT     NOT NULL,
    kind      TEXT     NOT NULL,
    price     REAL     NOT NULL,
    shares    REAL     NOT NULL,
    usd       REAL     NOT NULL,
    order_id  TEXT
);

CREATE TABLE IF NOT EXISTS periods (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at   DATETIME NOT NULL,
    day           TEXT     NOT NULL,
    spent_usd     REAL     NOT NULL,
    recovered_usd REAL     NOT NULL,
    realized_pnl  REAL     NOT NULL,
    orders        INTEGER  NOT NULL,
    stop_losses   INTEGER  NOT NULL,
    flips         INTEGER  NOT NULL,
    wins          INTEGER  NOT NULL,
    losses        INTEGER  NOT NULL,
    unknowns      INTEGER  NOT NULL,
    paused        INTEGER  NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trades_at   ON trades(at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_slug ON trades(slug);
CREATE INDEX IF NOT EXISTS idx_periods_day ON periods(day);
`

// Recorder writes audit records to a SQLite database.
type Recorder struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report db %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply report schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// RecordTrade appends one executed order.
func (r *Recorder) RecordTrade(rec risk.TradeRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO trades (at, slug, outcome, side, kind, price, shares, usd, order_id)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UTC(), rec.Slug, string(rec.Outcome), string(rec.Side), rec.Kind,
		rec.Price, rec.Shares, rec.USD, rec.OrderID,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecordPeriod appends a snapshot of the period counters, typically taken at
// each market resolution.
func (r *Recorder) RecordPeriod(stats risk.PeriodStats) error {
	paused := 0
	if stats.Paused {
		paused = 1
	}
	_, err := r.db.Exec(
		`INSERT INTO periods (recorded_at, day, spent_usd, recovered_usd, realized_pnl,
                              orders, stop_losses, flips, wins, losses, unknowns, paused)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), stats.Day, stats.SpentUSD, stats.RecoveredUSD, stats.RealizedPnL,
		stats.Orders, stats.StopLosses, stats.Flips, stats.Wins, stats.Losses,
		stats.Unknowns, paused,
	)
	if err != nil {
		return fmt.Errorf("insert period: %w", err)
	}
	return nil
}
