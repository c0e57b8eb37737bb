package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	Broker    BrokerConfig    `yaml:"broker"`
	State     StateConfig     `yaml:"state"`
	Engine    EngineConfig    `yaml:"engine"`
	Risk      RiskConfig      `yaml:"risk"`
	Trail     TrailConfig     `yaml:"trail"`
	Options   OptionsConfig   `yaml:"options_context"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type FeedConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type BrokerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HotZone scales entry sensitivity inside a wall-clock window. A zero
// multiplier blocks entries for the whole window.
type HotZone struct {
	Start      string  `yaml:"start"`
	End        string  `yaml:"end"`
	Multiplier float64 `yaml:"multiplier"`
}

// TriggerConfig pre-arms a standalone price-cross order at startup. Zero
// quantity and tp/sl points inherit the engine defaults.
type TriggerConfig struct {
	Side         string  `yaml:"side"`
	Symbol       string  `yaml:"symbol"`
	Action       string  `yaml:"action"`
	TriggerPrice float64 `yaml:"trigger_price"`
	Direction    string  `yaml:"direction"`
	Quantity     int     `yaml:"quantity"`
	TPPoints     float64 `yaml:"tp_points"`
	SLPoints     float64 `yaml:"sl_points"`
}

type EngineConfig struct {
	Mode     string `yaml:"mode"`
	TimeZone string `yaml:"time_zone"`
	Exchange string `yaml:"exchange"`
	CESymbol string `yaml:"ce_symbol"`
	PESymbol string `yaml:"pe_symbol"`
	IndexKey string `yaml:"index_key"`
	Quantity int    `yaml:"quantity"`

	TPPoints float64 `yaml:"tp_points"`
	SLPoints float64 `yaml:"sl_points"`

	EntryMinScore         float64 `yaml:"entry_min_score"`
	EntryMaxSpread        float64 `yaml:"entry_max_spread"`
	EntryMomentumCount    int     `yaml:"entry_momentum_count"`
	EntryMomentumVelocity float64 `yaml:"entry_momentum_velocity"`
	Sensitivity           float64 `yaml:"sensitivity"`

	MinGap             time.Duration `yaml:"min_gap"`
	MaxTradesPerMinute int           `yaml:"max_trades_per_minute"`
	CooldownAfterLoss  time.Duration `yaml:"cooldown_after_loss"`

	ReEntryEnabled    bool          `yaml:"re_entry_enabled"`
	ReEntryMaxPerSide int           `yaml:"re_entry_max_per_side"`
	ReEntryDelay      time.Duration `yaml:"re_entry_delay"`

	PyramidingEnabled      bool `yaml:"pyramiding_enabled"`
	PyramidingMaxExtraLots int  `yaml:"pyramiding_max_extra_lots"`

	MaxPositionSize int     `yaml:"max_position_size"`
	PerTradeMaxLoss float64 `yaml:"per_trade_max_loss"`

	DepthImbalanceRatio float64 `yaml:"depth_imbalance_ratio"`

	NoTradeZoneEnabled  bool    `yaml:"no_trade_zone_enabled"`
	NoTradeZoneRangePts float64 `yaml:"no_trade_zone_range_pts"`
	NoTradeZonePeriod   int     `yaml:"no_trade_zone_period"`

	HotZones []HotZone       `yaml:"hot_zones"`
	Triggers []TriggerConfig `yaml:"triggers"`

	SquareOffTime       string `yaml:"square_off_time"`
	ExpirySquareOffTime string `yaml:"expiry_square_off_time"`
	ExpiryWeekday       string `yaml:"expiry_weekday"`

	CycleMinInterval time.Duration `yaml:"cycle_min_interval"`
	TickWindow       int           `yaml:"tick_window"`
}

type RiskConfig struct {
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	CoolingOffAfterLosses  int     `yaml:"cooling_off_after_losses"`
	LockProfitEnabled      bool    `yaml:"lock_profit_enabled"`
	LockProfitDrawdownFrac float64 `yaml:"lock_profit_drawdown_frac"`
}

type TrailConfig struct {
	InitialSLPoints  float64 `yaml:"initial_sl_points"`
	BreakevenTrigger float64 `yaml:"breakeven_trigger"`
	BreakevenBuffer  float64 `yaml:"breakeven_buffer"`
	LockTrigger      float64 `yaml:"lock_trigger"`
	LockAmount       float64 `yaml:"lock_amount"`
	StartTrigger     float64 `yaml:"start_trigger"`
	StepSize         float64 `yaml:"step_size"`
	TightTrigger     float64 `yaml:"tight_trigger"`
	TightStep        float64 `yaml:"tight_step"`

	IVWidenThreshold     float64 `yaml:"iv_widen_threshold"`
	IVWidenFactor        float64 `yaml:"iv_widen_factor"`
	MaxPainProximityPts  float64 `yaml:"max_pain_proximity_pts"`
	MaxPainTightenFactor float64 `yaml:"max_pain_tighten_factor"`
}

type OptionsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TTL          time.Duration `yaml:"ttl"`

	PCRBullMax      float64       `yaml:"pcr_bull_max"`
	PCRBearMin      float64       `yaml:"pcr_bear_min"`
	MaxPainVetoPts  float64       `yaml:"max_pain_veto_pts"`
	GEXVetoLevel    float64       `yaml:"gex_veto_level"`
	IVSpikeExitPct  float64       `yaml:"iv_spike_exit_pct"`
	PCRFlipExitMove float64       `yaml:"pcr_flip_exit_move"`
	EarlyExitGrace  time.Duration `yaml:"early_exit_grace"`
}

type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
}

const (
	ModeExecute = "execute"
	ModeSignal  = "signal"
)

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
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Broker.Timeout == 0 {
		cfg.Broker.Timeout = 10 * time.Second
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/opt-scalp-bot.db"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "data/ticks.journal"
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = ModeSignal
	}
	if cfg.Engine.TimeZone == "" {
		cfg.Engine.TimeZone = "Asia/Kolkata"
	}
	if cfg.Engine.Quantity == 0 {
		cfg.Engine.Quantity = 75
	}
	if cfg.Engine.TPPoints == 0 {
		cfg.Engine.TPPoints = 10
	}
	if cfg.Engine.SLPoints == 0 {
		cfg.Engine.SLPoints = 5
	}
	if cfg.Engine.EntryMinScore == 0 {
		cfg.Engine.EntryMinScore = 5
	}
	if cfg.Engine.EntryMaxSpread == 0 {
		cfg.Engine.EntryMaxSpread = 1.0
	}
	if cfg.Engine.EntryMomentumCount == 0 {
		cfg.Engine.EntryMomentumCount = 3
	}
	if cfg.Engine.EntryMomentumVelocity == 0 {
		cfg.Engine.EntryMomentumVelocity = 0.5
	}
	if cfg.Engine.Sensitivity == 0 {
		cfg.Engine.Sensitivity = 1
	}
	if cfg.Engine.MinGap == 0 {
		cfg.Engine.MinGap = 15 * time.Second
	}
	if cfg.Engine.MaxTradesPerMinute == 0 {
		cfg.Engine.MaxTradesPerMinute = 2
	}
	if cfg.Engine.CooldownAfterLoss == 0 {
		cfg.Engine.CooldownAfterLoss = 60 * time.Second
	}
	if cfg.Engine.ReEntryMaxPerSide == 0 {
		cfg.Engine.ReEntryMaxPerSide = 2
	}
	if cfg.Engine.ReEntryDelay == 0 {
		cfg.Engine.ReEntryDelay = 30 * time.Second
	}
	if cfg.Engine.PyramidingEnabled && cfg.Engine.PyramidingMaxExtraLots == 0 {
		cfg.Engine.PyramidingMaxExtraLots = 1
	}
	if cfg.Engine.MaxPositionSize == 0 {
		cfg.Engine.MaxPositionSize = 1800
	}
	if cfg.Engine.PerTradeMaxLoss == 0 {
		cfg.Engine.PerTradeMaxLoss = 1500
	}
	if cfg.Engine.DepthImbalanceRatio == 0 {
		cfg.Engine.DepthImbalanceRatio = 0.8
	}
	if cfg.Engine.NoTradeZoneRangePts == 0 {
		cfg.Engine.NoTradeZoneRangePts = 3
	}
	if cfg.Engine.NoTradeZonePeriod == 0 {
		cfg.Engine.NoTradeZonePeriod = 20
	}
	if cfg.Engine.SquareOffTime == "" {
		cfg.Engine.SquareOffTime = "15:15"
	}
	if cfg.Engine.ExpirySquareOffTime == "" {
		cfg.Engine.ExpirySquareOffTime = "15:00"
	}
	if cfg.Engine.CycleMinInterval == 0 {
		cfg.Engine.CycleMinInterval = 100 * time.Millisecond
	}
	if cfg.Engine.TickWindow == 0 {
		cfg.Engine.TickWindow = 300
	}
	if cfg.Risk.MaxTradesPerDay == 0 {
		cfg.Risk.MaxTradesPerDay = 10
	}
	if cfg.Risk.MaxDailyLoss == 0 {
		cfg.Risk.MaxDailyLoss = 3000
	}
	if cfg.Risk.CoolingOffAfterLosses == 0 {
		cfg.Risk.CoolingOffAfterLosses = 3
	}
	if cfg.Risk.LockProfitDrawdownFrac == 0 {
		cfg.Risk.LockProfitDrawdownFrac = 0.4
	}
	if cfg.Trail.InitialSLPoints == 0 {
		cfg.Trail.InitialSLPoints = cfg.Engine.SLPoints
	}
	if cfg.Trail.BreakevenTrigger == 0 {
		cfg.Trail.BreakevenTrigger = 4
	}
	if cfg.Trail.LockTrigger == 0 {
		cfg.Trail.LockTrigger = 6
	}
	if cfg.Trail.LockAmount == 0 {
		cfg.Trail.LockAmount = 2
	}
	if cfg.Trail.StartTrigger == 0 {
		cfg.Trail.StartTrigger = 8
	}
	if cfg.Trail.StepSize == 0 {
		cfg.Trail.StepSize = 3
	}
	if cfg.Trail.TightTrigger == 0 {
		cfg.Trail.TightTrigger = 12
	}
	if cfg.Trail.TightStep == 0 {
		cfg.Trail.TightStep = 1.5
	}
	if cfg.Trail.IVWidenThreshold == 0 {
		cfg.Trail.IVWidenThreshold = 25
	}
	if cfg.Trail.IVWidenFactor == 0 {
		cfg.Trail.IVWidenFactor = 1.3
	}
	if cfg.Trail.MaxPainProximityPts == 0 {
		cfg.Trail.MaxPainProximityPts = 25
	}
	if cfg.Trail.MaxPainTightenFactor == 0 {
		cfg.Trail.MaxPainTightenFactor = 0.8
	}
	if cfg.Options.PollInterval == 0 {
		cfg.Options.PollInterval = 5 * time.Second
	}
	if cfg.Options.TTL == 0 {
		cfg.Options.TTL = 20 * time.Second
	}
	if cfg.Options.PCRBullMax == 0 {
		cfg.Options.PCRBullMax = 0.7
	}
	if cfg.Options.PCRBearMin == 0 {
		cfg.Options.PCRBearMin = 1.3
	}
	if cfg.Options.MaxPainVetoPts == 0 {
		cfg.Options.MaxPainVetoPts = 15
	}
	if cfg.Options.GEXVetoLevel == 0 {
		cfg.Options.GEXVetoLevel = 1e9
	}
	if cfg.Options.IVSpikeExitPct == 0 {
		cfg.Options.IVSpikeExitPct = 20
	}
	if cfg.Options.PCRFlipExitMove == 0 {
		cfg.Options.PCRFlipExitMove = 0.3
	}
	if cfg.Options.EarlyExitGrace == 0 {
		cfg.Options.EarlyExitGrace = 30 * time.Second
	}
	if cfg.Telemetry.QueueSize == 0 {
		cfg.Telemetry.QueueSize = 256
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9109"
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.Mode != ModeExecute && cfg.Engine.Mode != ModeSignal {
		return fmt.Errorf("engine.mode must be %q or %q", ModeExecute, ModeSignal)
	}
	if cfg.Engine.Exchange == "" {
		return errors.New("engine.exchange is required")
	}
	if _, err := time.LoadLocation(cfg.Engine.TimeZone); err != nil {
		return fmt.Errorf("engine.time_zone: %w", err)
	}
	if cfg.Engine.CESymbol == "" || cfg.Engine.PESymbol == "" {
		return errors.New("engine.ce_symbol and engine.pe_symbol are required")
	}
	if cfg.Engine.Quantity <= 0 {
		return errors.New("engine.quantity must be > 0")
	}
	if cfg.Engine.Quantity > cfg.Engine.MaxPositionSize {
		return errors.New("engine.quantity exceeds engine.max_position_size")
	}
	if cfg.Engine.Sensitivity < 0 {
		return errors.New("engine.sensitivity must be >= 0")
	}
	for _, zone := range cfg.Engine.HotZones {
		if _, err := time.Parse("15:04", zone.Start); err != nil {
			return fmt.Errorf("engine.hot_zones start %q: %w", zone.Start, err)
		}
		if _, err := time.Parse("15:04", zone.End); err != nil {
			return fmt.Errorf("engine.hot_zones end %q: %w", zone.End, err)
		}
		if zone.Multiplier < 0 {
			return errors.New("engine.hot_zones multiplier must be >= 0")
		}
	}
	for i, trig := range cfg.Engine.Triggers {
		if trig.Side != "CE" && trig.Side != "PE" {
			return fmt.Errorf("engine.triggers[%d] side must be CE or PE", i)
		}
		if trig.Direction != "above" && trig.Direction != "below" {
			return fmt.Errorf("engine.triggers[%d] direction must be above or below", i)
		}
		if trig.TriggerPrice <= 0 {
			return fmt.Errorf("engine.triggers[%d] trigger_price must be > 0", i)
		}
		if trig.Action != "" && trig.Action != "BUY" && trig.Action != "SELL" {
			return fmt.Errorf("engine.triggers[%d] action must be BUY or SELL", i)
		}
	}
	if _, err := time.Parse("15:04", cfg.Engine.SquareOffTime); err != nil {
		return fmt.Errorf("engine.square_off_time: %w", err)
	}
	if _, err := time.Parse("15:04", cfg.Engine.ExpirySquareOffTime); err != nil {
		return fmt.Errorf("engine.expiry_square_off_time: %w", err)
	}
	if cfg.Risk.MaxDailyLoss <= 0 {
		return errors.New("risk.max_daily_loss must be > 0")
	}
	if cfg.Risk.LockProfitDrawdownFrac <= 0 || cfg.Risk.LockProfitDrawdownFrac >= 1 {
		return errors.New("risk.lock_profit_drawdown_frac must be in (0, 1)")
	}
	if !(cfg.Trail.BreakevenTrigger < cfg.Trail.LockTrigger &&
		cfg.Trail.LockTrigger < cfg.Trail.StartTrigger &&
		cfg.Trail.StartTrigger < cfg.Trail.TightTrigger) {
		return errors.New("trail triggers must be strictly increasing: breakeven < lock < start < tight")
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.DSN == "" {
		return errors.New("telemetry.dsn is required when telemetry is enabled")
	}
	return nil
}
