package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the trading core. A single value is
// constructed at startup and passed by reference into each component.
type Config struct {
	Mode      string `yaml:"mode"` // "paper" or "live"
	DataDir   string `yaml:"data_dir"`
	APIAddr   string `yaml:"api_addr"`
	JWTSecret string `yaml:"jwt_secret"`

	Binance    Binance    `yaml:"binance"`
	MarketData MarketData `yaml:"market_data"`
	Strategy   Strategy   `yaml:"strategy"`
	Decision   Decision   `yaml:"decision"`
	Risk       Risk       `yaml:"risk_limits"`
	Paper      Paper      `yaml:"paper"`
	Engine     Engine     `yaml:"engine"`
}

// Binance carries exchange connectivity settings. API credentials are read
// from the environment only, never from the YAML file.
type Binance struct {
	APIKey            string  `yaml:"-"`
	APISecret         string  `yaml:"-"`
	UseTestnet        bool    `yaml:"use_testnet"`
	TimeoutSec        int     `yaml:"timeout_sec"`
	AccountRefreshSec float64 `yaml:"account_refresh_sec"`
}

type MarketData struct {
	KlineIntervals []string `yaml:"kline_intervals"`
	HistoryLimit   int      `yaml:"history_candles_limit"`
	DataTimeoutSec int      `yaml:"data_timeout_sec"`
	WSBackoffSec   []int    `yaml:"ws_backoff_sec"`
}

type Strategy struct {
	Enabled        bool    `yaml:"enabled"`
	EntryThreshold float64 `yaml:"entry_score_threshold"`
	ExitThreshold  float64 `yaml:"exit_score_threshold"`
	SmartExit      bool    `yaml:"smart_exit"`

	RSIPeriod  int     `yaml:"rsi_period"`
	MACDFast   int     `yaml:"macd_fast"`
	MACDSlow   int     `yaml:"macd_slow"`
	MACDSignal int     `yaml:"macd_signal"`
	EMAFast    int     `yaml:"ema_fast"`
	EMASlow    int     `yaml:"ema_slow"`
	BBPeriod   int     `yaml:"bb_period"`
	BBStdDev   float64 `yaml:"bb_stddev"`

	BaseInterval string  `yaml:"base_interval"`
	Weights      Weights `yaml:"weights"`
}

// Weights blend the four sub-scores into the final signal score.
type Weights struct {
	Momentum   float64 `yaml:"momentum"`
	Trend      float64 `yaml:"trend"`
	Volatility float64 `yaml:"volatility"`
	Liquidity  float64 `yaml:"liquidity"`
}

type Decision struct {
	MinScore         float64 `yaml:"min_score"`
	MinValidSignals  int     `yaml:"min_valid_signals"`
	EvalCooldownSec  float64 `yaml:"eval_cooldown_sec"`
	WarmupRelaxSec   float64 `yaml:"warmup_relax_sec"`
	WarmupScoreDelta float64 `yaml:"warmup_relax_score_delta"`

	DefaultSLPct       float64 `yaml:"default_sl_pct"`
	DefaultTPPct       float64 `yaml:"default_tp_pct"`
	DefaultTrailingPct float64 `yaml:"default_trailing_sl_pct"`

	TradeUSDT    float64 `yaml:"trade_usdt"`
	TradeUSDTMin float64 `yaml:"trade_usdt_min"`
	TradeUSDTMax float64 `yaml:"trade_usdt_max"`
}

type Risk struct {
	MaxBotBalance      float64 `yaml:"max_bot_balance"`
	MaxOpenTrades      int     `yaml:"max_open_trades"`
	MaxTradesPerSymbol int     `yaml:"max_trades_per_symbol"`
	LossCooldownMin    int     `yaml:"loss_cooldown_min"`
	ReentryDelayMin    int     `yaml:"reentry_delay_min"`
	MinTradeUSDT       float64 `yaml:"min_trade_usdt"`

	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	UseTrailing   bool    `yaml:"use_trailing"`
	TrailingSLPct float64 `yaml:"trailing_sl_pct"`
}

type Paper struct {
	InitialBalance float64 `yaml:"initial_balance"`
}

type Engine struct {
	PollIntervalSec float64 `yaml:"poll_interval_sec"`
	AutoStart       bool    `yaml:"auto_start"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:    "paper",
		DataDir: "./data",
		APIAddr: ":8080",
		Binance: Binance{
			TimeoutSec:        10,
			AccountRefreshSec: 150,
		},
		MarketData: MarketData{
			KlineIntervals: []string{"15m", "1h"},
			HistoryLimit:   120,
			DataTimeoutSec: 60,
			WSBackoffSec:   []int{2, 5, 10, 15},
		},
		Strategy: Strategy{
			Enabled:        true,
			EntryThreshold: 60,
			ExitThreshold:  45,
			SmartExit:      true,
			RSIPeriod:      14,
			MACDFast:       12,
			MACDSlow:       26,
			MACDSignal:     9,
			EMAFast:        20,
			EMASlow:        50,
			BBPeriod:       20,
			BBStdDev:       2.0,
			BaseInterval:   "15m",
			Weights:        Weights{Momentum: 30, Trend: 30, Volatility: 20, Liquidity: 20},
		},
		Decision: Decision{
			MinScore:           40,
			MinValidSignals:    1,
			EvalCooldownSec:    2,
			WarmupRelaxSec:     300,
			WarmupScoreDelta:   10,
			DefaultSLPct:       2.0,
			DefaultTPPct:       3.0,
			DefaultTrailingPct: 1.0,
			TradeUSDT:          10,
			TradeUSDTMin:       2,
			TradeUSDTMax:       30,
		},
		Risk: Risk{
			MaxBotBalance:      1000,
			MaxOpenTrades:      5,
			MaxTradesPerSymbol: 2,
			LossCooldownMin:    5,
			ReentryDelayMin:    10,
			MinTradeUSDT:       2,
			TakeProfitPct:      3.0,
			StopLossPct:        2.0,
			UseTrailing:        true,
			TrailingSLPct:      1.0,
		},
		Paper:  Paper{InitialBalance: 1000},
		Engine: Engine{PollIntervalSec: 2, AutoStart: true},
	}
}

// Load builds a Config from defaults, an optional YAML file, and environment
// overrides (optionally via .env).
func Load(path string) (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = getEnv("SPOT_CORE_CONFIG", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Binance.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.Binance.APISecret = os.Getenv("BINANCE_API_SECRET")
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		cfg.Binance.UseTestnet = v == "true"
	}
	cfg.Mode = getEnv("TRADING_MODE", cfg.Mode)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	if v := os.Getenv("PAPER_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Paper.InitialBalance = f
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("invalid mode %q (want paper or live)", c.Mode)
	}
	if len(c.MarketData.KlineIntervals) == 0 {
		return fmt.Errorf("at least one kline interval is required")
	}
	if len(c.MarketData.WSBackoffSec) == 0 {
		return fmt.Errorf("ws_backoff_sec must not be empty")
	}
	if c.Decision.TradeUSDTMin > c.Decision.TradeUSDTMax {
		return fmt.Errorf("trade_usdt_min %.2f exceeds trade_usdt_max %.2f",
			c.Decision.TradeUSDTMin, c.Decision.TradeUSDTMax)
	}
	return nil
}

// PaperMode reports whether the configured mode is paper trading.
func (c *Config) PaperMode() bool { return c.Mode != "live" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
