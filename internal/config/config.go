package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

type Config struct {
	Mode      Mode            `yaml:"mode"`
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Venues    []VenueConfig   `yaml:"venues"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Cost      CostConfig      `yaml:"cost"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Journal   JournalConfig   `yaml:"journal"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type VenueConfig struct {
	Name            string        `yaml:"name"`
	Kind            string        `yaml:"kind"` // spot or perp
	RESTBaseURL     string        `yaml:"rest_base_url"`
	WSURL           string        `yaml:"ws_url"`
	Timeout         time.Duration `yaml:"timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type StrategyConfig struct {
	Symbol                string        `yaml:"symbol"`
	SpotVenue             string        `yaml:"spot_venue"`
	PerpVenue             string        `yaml:"perp_venue"`
	TargetNotionalUSD     float64       `yaml:"target_notional_usd"`
	MinFundingAPY         float64       `yaml:"min_funding_apy"`
	ExitFundingAPY        float64       `yaml:"exit_funding_apy"`
	FundingPeriodsPerYear float64       `yaml:"funding_periods_per_year"`
	RebalanceThresholdPct float64       `yaml:"rebalance_threshold_pct"`
	RebalanceCooldown     time.Duration `yaml:"rebalance_cooldown"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	LegTimeout            time.Duration `yaml:"leg_timeout"`
	CycleTimeout          time.Duration `yaml:"cycle_timeout"`
	MaxLegRetries         int           `yaml:"max_leg_retries"`
	QuoteStaleness        time.Duration `yaml:"quote_staleness"`
}

type RiskConfig struct {
	MaxPositionUSD      float64 `yaml:"max_position_usd"`
	MaxExposureUSD      float64 `yaml:"max_exposure_usd"`
	MaxLeverage         float64 `yaml:"max_leverage"`
	EmergencyLossPct    float64 `yaml:"emergency_loss_pct"`
	AllocatedCapitalUSD float64 `yaml:"allocated_capital_usd"`
}

type CostConfig struct {
	FeeBps      float64 `yaml:"fee_bps"`
	SlippageBps float64 `yaml:"slippage_bps"`
	GasUSD      float64 `yaml:"gas_usd"`
	EthRPCURL   string  `yaml:"eth_rpc_url"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type JournalConfig struct {
	Record bool   `yaml:"record"`
	Path   string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-hedge-bot.db"
	}
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if v.Timeout == 0 {
			v.Timeout = 10 * time.Second
		}
		if v.ReconnectDelay == 0 {
			v.ReconnectDelay = 3 * time.Second
		}
		if v.PingInterval == 0 {
			v.PingInterval = 30 * time.Second
		}
		if v.RateLimitPerSec == 0 {
			v.RateLimitPerSec = 10
		}
		if v.RateLimitBurst == 0 {
			v.RateLimitBurst = 5
		}
	}
	if cfg.Strategy.FundingPeriodsPerYear == 0 {
		// 8h funding interval: 3 payments per day.
		cfg.Strategy.FundingPeriodsPerYear = 3 * 365
	}
	if cfg.Strategy.ExitFundingAPY == 0 {
		cfg.Strategy.ExitFundingAPY = cfg.Strategy.MinFundingAPY / 2
	}
	if cfg.Strategy.RebalanceThresholdPct == 0 {
		cfg.Strategy.RebalanceThresholdPct = 5
	}
	if cfg.Strategy.RebalanceCooldown == 0 {
		cfg.Strategy.RebalanceCooldown = 15 * time.Minute
	}
	if cfg.Strategy.TickInterval == 0 {
		cfg.Strategy.TickInterval = 30 * time.Second
	}
	if cfg.Strategy.LegTimeout == 0 {
		cfg.Strategy.LegTimeout = 10 * time.Second
	}
	if cfg.Strategy.CycleTimeout == 0 {
		cfg.Strategy.CycleTimeout = time.Minute
	}
	if cfg.Strategy.MaxLegRetries == 0 {
		cfg.Strategy.MaxLegRetries = 3
	}
	if cfg.Strategy.QuoteStaleness == 0 {
		cfg.Strategy.QuoteStaleness = 30 * time.Second
	}
	if cfg.Risk.EmergencyLossPct == 0 {
		cfg.Risk.EmergencyLossPct = 5
	}
	if cfg.Risk.MaxLeverage == 0 {
		cfg.Risk.MaxLeverage = 3
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "data/quotes.journal"
	}
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return fmt.Errorf("mode must be live, paper or backtest: got %q", cfg.Mode)
	}
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.SpotVenue == "" || cfg.Strategy.PerpVenue == "" {
		return errors.New("strategy.spot_venue and strategy.perp_venue are required")
	}
	if strings.EqualFold(cfg.Strategy.SpotVenue, cfg.Strategy.PerpVenue) {
		return errors.New("strategy venues must differ")
	}
	if cfg.Strategy.TargetNotionalUSD <= 0 {
		return errors.New("strategy.target_notional_usd must be > 0")
	}
	if cfg.Strategy.MinFundingAPY < 0 {
		return errors.New("strategy.min_funding_apy must be >= 0")
	}
	if cfg.Strategy.RebalanceThresholdPct <= 0 || cfg.Strategy.RebalanceThresholdPct >= 100 {
		return errors.New("strategy.rebalance_threshold_pct must be between 0 and 100")
	}
	if cfg.Strategy.MaxLegRetries < 0 {
		return errors.New("strategy.max_leg_retries must be >= 0")
	}
	if cfg.Risk.MaxPositionUSD > 0 && cfg.Strategy.TargetNotionalUSD > cfg.Risk.MaxPositionUSD {
		return errors.New("strategy.target_notional_usd exceeds risk.max_position_usd")
	}
	if cfg.Risk.AllocatedCapitalUSD < 0 {
		return errors.New("risk.allocated_capital_usd must be >= 0")
	}
	if cfg.Mode != ModeBacktest {
		if err := validateVenues(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateVenues(cfg *Config) error {
	kinds := make(map[string]string, len(cfg.Venues))
	for _, v := range cfg.Venues {
		if v.Name == "" {
			return errors.New("venue name is required")
		}
		if v.Kind != "spot" && v.Kind != "perp" {
			return fmt.Errorf("venue %s: kind must be spot or perp", v.Name)
		}
		if _, dup := kinds[strings.ToLower(v.Name)]; dup {
			return fmt.Errorf("duplicate venue %s", v.Name)
		}
		kinds[strings.ToLower(v.Name)] = v.Kind
	}
	spotKind, ok := kinds[strings.ToLower(cfg.Strategy.SpotVenue)]
	if !ok {
		return fmt.Errorf("strategy.spot_venue %s not configured", cfg.Strategy.SpotVenue)
	}
	if spotKind != "spot" {
		return fmt.Errorf("venue %s is not a spot venue", cfg.Strategy.SpotVenue)
	}
	perpKind, ok := kinds[strings.ToLower(cfg.Strategy.PerpVenue)]
	if !ok {
		return fmt.Errorf("strategy.perp_venue %s not configured", cfg.Strategy.PerpVenue)
	}
	if perpKind != "perp" {
		return fmt.Errorf("venue %s is not a perp venue", cfg.Strategy.PerpVenue)
	}
	return nil
}

func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return VenueConfig{}, false
}
