// Package config defines all configuration for the up/down trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via UPDOWN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polymarket-updown/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	API      APIConfig      `mapstructure:"api"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Registry RegistryConfig `mapstructure:"registry"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Report   ReportConfig   `mapstructure:"report"`
	Settle   SettleConfig   `mapstructure:"settle"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds venue endpoints and L2 trading credentials.
type APIConfig struct {
	DataWSURL    string `mapstructure:"data_ws_url"`    // real-time activity feed
	GammaBaseURL string `mapstructure:"gamma_base_url"` // market discovery / prices
	CLOBBaseURL  string `mapstructure:"clob_base_url"`  // order execution
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// WalletConfig holds the signing wallet. FunderAddress is the proxy wallet
// that actually holds funds; it defaults to the signer's own address.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"` // 137 = Polygon mainnet
}

// FeedConfig tunes the stream connection manager's failure detection.
//
//   - PingInterval:      how often keepalive probes are written.
//   - ResubscribeAfter:  primary-topic silence that triggers a cheap
//     re-subscribe while the socket still looks healthy.
//   - ReconnectAfter:    total inbound silence that forces a full reconnect.
//   - ReconnectBase:     backoff unit; attempt N waits N × base, capped.
//   - ReconnectMaxWait:  cap on the per-attempt backoff.
//   - MaxReconnects:     consecutive failed reconnects before the feed
//     reports a fatal condition instead of retrying forever.
type FeedConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ResubscribeAfter time.Duration `mapstructure:"resubscribe_after"`
	ReconnectAfter   time.Duration `mapstructure:"reconnect_after"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMaxWait time.Duration `mapstructure:"reconnect_max_wait"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
}

// RegistryConfig controls market discovery.
// The registry derives slugs from a naming convention parameterized by coin
// symbol and 15-minute bucket alignment, for the current and next bucket.
type RegistryConfig struct {
	Coins            []string      `mapstructure:"coins"`             // e.g. ["btc", "eth"]
	DiscoverInterval time.Duration `mapstructure:"discover_interval"` // poll cadence (and lazy-expiry tick)
	MaxHorizon       time.Duration `mapstructure:"max_horizon"`       // reject markets ending further out than this
}

// PhaseConfig is one time-remaining bucket of the entry model, ordered by
// proximity to expiry. A trade evaluated with remaining ≤ SecondsFromEnd
// (and above the next phase's bound) uses this phase's gates.
type PhaseConfig struct {
	SecondsFromEnd int           `mapstructure:"seconds_from_end"`
	MinPrice       float64       `mapstructure:"min_price"`
	MaxSpendUSD    float64       `mapstructure:"max_spend_usd"` // 0 = unlimited within the market cap
	Cooldown       time.Duration `mapstructure:"cooldown"`
	MinScore       float64       `mapstructure:"min_score"` // score mode only
}

// ScoreConfig tunes the multi-factor acceptance test that replaces the
// counterparty filter when enabled. Sub-scores are capped at 30 (momentum),
// 25 (book imbalance), 25 (counterparty confirmation), 20 (odds quality).
type ScoreConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ConfirmWindow time.Duration `mapstructure:"confirm_window"` // trailing window for counterparty confirmation
	PriceCeiling  float64       `mapstructure:"price_ceiling"`  // odds-quality penalty above this price
}

// StrategyConfig tunes event filtering, aggregation, and order sizing.
type StrategyConfig struct {
	Counterparties []string      `mapstructure:"counterparties"` // tracked high-signal addresses
	PriceFloor     float64       `mapstructure:"price_floor"`    // discard fills at or below this price
	SilenceWindow  time.Duration `mapstructure:"silence_window"` // debounce before finalizing an aggregation; 0 = immediate
	DedupCapacity  int           `mapstructure:"dedup_capacity"` // bounded tx-hash dedup set

	EntryStartSeconds int `mapstructure:"entry_start_seconds"` // evaluate only when remaining ≤ this
	EntryEndSeconds   int `mapstructure:"entry_end_seconds"`   // and remaining ≥ this

	Sizing         types.SizingMode `mapstructure:"sizing"`
	FixedAmountUSD float64          `mapstructure:"fixed_amount_usd"`
	ScaleFactor    float64          `mapstructure:"scale_factor"` // e.g. 0.05 = 1/20th of counterparty value
	KellyFraction  float64          `mapstructure:"kelly_fraction"`
	KellyBankroll  float64          `mapstructure:"kelly_bankroll"`
	MinOrderUSD    float64          `mapstructure:"min_order_usd"`
	MaxPerTradeUSD float64          `mapstructure:"max_per_trade_usd"`

	PriceSource  types.PriceSource `mapstructure:"price_source"`
	PollInterval time.Duration     `mapstructure:"poll_interval"` // polling source only

	Phases []PhaseConfig `mapstructure:"phases"`
	Score  ScoreConfig   `mapstructure:"score"`
}

// RiskConfig sets the position-protection and capital limits.
//
//   - MaxPerMarketUSD: hard spend cap per market window; buys are clamped to it.
//   - StopLoss: exit when the held side's price reaches this while trailing.
//   - EndgameSeconds / AmbiguousLow / AmbiguousHigh: inside the endgame window,
//     exit whenever the held price sits in the ambiguous band, leading or not.
//   - Flip*: re-entry into the opposite outcome after a stop-loss sale.
//   - SellRetries: bounded fractional-size retries before declaring the
//     position stuck.
type RiskConfig struct {
	MaxPerMarketUSD float64 `mapstructure:"max_per_market_usd"`

	StopLoss       float64 `mapstructure:"stop_loss"`
	EndgameSeconds int     `mapstructure:"endgame_seconds"`
	AmbiguousLow   float64 `mapstructure:"ambiguous_low"`
	AmbiguousHigh  float64 `mapstructure:"ambiguous_high"`
	SellRetries    int     `mapstructure:"sell_retries"`

	FlipEntry   float64 `mapstructure:"flip_entry"`    // opposite price must be ≥ this
	FlipMaxUSD  float64 `mapstructure:"flip_max_usd"`  // ceiling on flip re-entry
	FlipClipUSD float64 `mapstructure:"flip_clip_usd"` // size of each flip buy

	MaxDailyLoss    float64       `mapstructure:"max_daily_loss"`
	MaxConsecLosses int           `mapstructure:"max_consec_losses"`
	PauseCooldown   time.Duration `mapstructure:"pause_cooldown"`

	ResolveGrace    time.Duration `mapstructure:"resolve_grace"`    // wait after endTime before detecting winner
	WinnerThreshold float64       `mapstructure:"winner_threshold"` // last price ≥ this ⇒ near-certain winner
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ReportConfig sets where trade and period records are written.
type ReportConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SettleConfig controls the out-of-band claim runner.
type SettleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: UPDOWN_API_KEY, UPDOWN_API_SECRET, UPDOWN_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UPDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("UPDOWN_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("UPDOWN_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("UPDOWN_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if pk := os.Getenv("UPDOWN_PRIVATE_KEY"); pk != "" {
		cfg.Wallet.PrivateKey = pk
	}
	if os.Getenv("UPDOWN_DRY_RUN") == "true" || os.Getenv("UPDOWN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = 10 * time.Second
	}
	if c.Feed.ResubscribeAfter == 0 {
		c.Feed.ResubscribeAfter = 30 * time.Second
	}
	if c.Feed.ReconnectAfter == 0 {
		c.Feed.ReconnectAfter = 60 * time.Second
	}
	if c.Feed.ReconnectBase == 0 {
		c.Feed.ReconnectBase = time.Second
	}
	if c.Feed.ReconnectMaxWait == 0 {
		c.Feed.ReconnectMaxWait = 30 * time.Second
	}
	if c.Feed.MaxReconnects == 0 {
		c.Feed.MaxReconnects = 10
	}
	if c.Wallet.ChainID == 0 {
		c.Wallet.ChainID = 137
	}
	if c.Registry.DiscoverInterval == 0 {
		c.Registry.DiscoverInterval = 30 * time.Second
	}
	if c.Registry.MaxHorizon == 0 {
		c.Registry.MaxHorizon = time.Hour
	}
	if c.Strategy.DedupCapacity == 0 {
		c.Strategy.DedupCapacity = 4096
	}
	if c.Strategy.Sizing == "" {
		c.Strategy.Sizing = types.SizingFixed
	}
	if c.Strategy.PriceSource == "" {
		c.Strategy.PriceSource = types.PriceSourceWebsocket
	}
	if c.Strategy.PollInterval == 0 {
		c.Strategy.PollInterval = 5 * time.Second
	}
	if c.Risk.SellRetries == 0 {
		c.Risk.SellRetries = 3
	}
	if c.Risk.AmbiguousLow == 0 {
		c.Risk.AmbiguousLow = 0.40
	}
	if c.Risk.AmbiguousHigh == 0 {
		c.Risk.AmbiguousHigh = 0.60
	}
	if c.Risk.ResolveGrace == 0 {
		c.Risk.ResolveGrace = 2 * time.Minute
	}
	if c.Risk.WinnerThreshold == 0 {
		c.Risk.WinnerThreshold = 0.90
	}
	if c.Risk.PauseCooldown == 0 {
		c.Risk.PauseCooldown = 30 * time.Minute
	}
	if c.Settle.Interval == 0 {
		c.Settle.Interval = 5 * time.Minute
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.DataWSURL == "" {
		return fmt.Errorf("api.data_ws_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if !c.DryRun && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required for live trading")
	}
	if len(c.Registry.Coins) == 0 {
		return fmt.Errorf("registry.coins must name at least one underlying symbol")
	}
	if len(c.Strategy.Counterparties) == 0 && !c.Strategy.Score.Enabled {
		return fmt.Errorf("strategy.counterparties is required unless strategy.score.enabled")
	}
	if c.Strategy.PriceFloor < 0 || c.Strategy.PriceFloor >= 1 {
		return fmt.Errorf("strategy.price_floor must be in [0, 1)")
	}
	if c.Strategy.EntryStartSeconds <= c.Strategy.EntryEndSeconds {
		return fmt.Errorf("strategy.entry_start_seconds must exceed entry_end_seconds")
	}
	switch c.Strategy.Sizing {
	case types.SizingFixed:
		if c.Strategy.FixedAmountUSD <= 0 {
			return fmt.Errorf("strategy.fixed_amount_usd must be > 0 for fixed sizing")
		}
	case types.SizingScale:
		if c.Strategy.ScaleFactor <= 0 || c.Strategy.ScaleFactor > 1 {
			return fmt.Errorf("strategy.scale_factor must be in (0, 1] for scale sizing")
		}
	case types.SizingKelly:
		if c.Strategy.KellyBankroll <= 0 {
			return fmt.Errorf("strategy.kelly_bankroll must be > 0 for kelly sizing")
		}
		if c.Strategy.KellyFraction <= 0 || c.Strategy.KellyFraction > 1 {
			return fmt.Errorf("strategy.kelly_fraction must be in (0, 1]")
		}
	default:
		return fmt.Errorf("strategy.sizing must be one of: fixed, scale, kelly")
	}
	switch c.Strategy.PriceSource {
	case types.PriceSourceWebsocket, types.PriceSourcePolling:
	default:
		return fmt.Errorf("strategy.price_source must be one of: websocket, polling")
	}
	if len(c.Strategy.Phases) == 0 {
		return fmt.Errorf("strategy.phases must define at least one phase")
	}
	for i, p := range c.Strategy.Phases {
		if p.SecondsFromEnd <= 0 {
			return fmt.Errorf("strategy.phases[%d].seconds_from_end must be > 0", i)
		}
		if i > 0 && p.SecondsFromEnd <= c.Strategy.Phases[i-1].SecondsFromEnd {
			return fmt.Errorf("strategy.phases must be ordered by increasing seconds_from_end")
		}
		if p.MinPrice < 0 || p.MinPrice >= 1 {
			return fmt.Errorf("strategy.phases[%d].min_price must be in [0, 1)", i)
		}
	}
	if c.Risk.MaxPerMarketUSD <= 0 {
		return fmt.Errorf("risk.max_per_market_usd must be > 0")
	}
	if c.Risk.StopLoss <= 0 || c.Risk.StopLoss >= 1 {
		return fmt.Errorf("risk.stop_loss must be in (0, 1)")
	}
	if c.Risk.AmbiguousLow >= c.Risk.AmbiguousHigh {
		return fmt.Errorf("risk.ambiguous_low must be below ambiguous_high")
	}
	if c.Risk.FlipEntry < 0 || c.Risk.FlipEntry >= 1 {
		return fmt.Errorf("risk.flip_entry must be in [0, 1)")
	}
	return nil
}
