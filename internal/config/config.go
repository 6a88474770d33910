package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TradeSentinel/internal/model"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all host configuration.
type Config struct {
	App struct {
		Name      string `yaml:"name"`
		Version   string `yaml:"version"`
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"app"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Exchange struct {
		WSURL             string            `yaml:"ws_url"`
		RESTURL           string            `yaml:"rest_url"`
		APIKey            string            `yaml:"api_key"`
		APISecret         string            `yaml:"api_secret"`
		DefaultSymbols    []string          `yaml:"default_symbols"`
		DefaultTimeframes []model.Timeframe `yaml:"default_timeframes"`
		MaxRetries        int               `yaml:"max_retries"`
		MaxBackoff        time.Duration     `yaml:"max_backoff"`
		Backfill          *bool             `yaml:"backfill"`
		Proxy             string            `yaml:"proxy"`
	} `yaml:"exchange"`
	Series struct {
		// Capacity is the number of candles kept per (symbol, timeframe).
		Capacity int `yaml:"capacity"`
		// Lookback is the number of candles handed to rules and the decision service.
		Lookback int `yaml:"lookback"`
	} `yaml:"series"`
	Scheduler struct {
		Workers          int           `yaml:"workers"`
		EvalTimeout      time.Duration `yaml:"eval_timeout"`
		CandleCloseDelay time.Duration `yaml:"candle_close_delay"`
	} `yaml:"scheduler"`
	Gateway struct {
		URL         string        `yaml:"url"`
		Token       string        `yaml:"token"`
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"max_attempts"`
		Backoff     time.Duration `yaml:"backoff"`
		// Concurrency bounds decision calls in flight across all tenants.
		Concurrency int `yaml:"concurrency"`
	} `yaml:"gateway"`
	Trading struct {
		Mode            model.TradeMode `yaml:"mode"`
		StartingBalance float64         `yaml:"starting_balance"`
		LedgerFile      string          `yaml:"ledger_file"`
		DefaultSize     float64         `yaml:"default_size"`
		QuoteAsset      string          `yaml:"quote_asset"`
	} `yaml:"trading"`
	Monitor struct {
		Interval  time.Duration `yaml:"interval"`
		TiePolicy string        `yaml:"tie_policy"` // stop_loss_first | take_profit_first
	} `yaml:"monitor"`
	Database struct {
		Driver      string `yaml:"driver"` // sqlite | postgres | memory
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
	Shutdown struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"shutdown"`
	// Tenants are written into the state store on start. Intended for local runs.
	Tenants []model.TenantConfig `yaml:"tenants"`
}

// Load reads an optional .env file and the YAML config, then applies environment
// variable overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.App.LogLevel, "LOG_LEVEL")
	setString(&c.App.LogFormat, "LOG_FORMAT")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Exchange.WSURL, "EXCHANGE_WS_URL")
	setString(&c.Exchange.RESTURL, "EXCHANGE_REST_URL")
	setString(&c.Exchange.APIKey, "EXCHANGE_API_KEY")
	setString(&c.Exchange.APISecret, "EXCHANGE_API_SECRET")
	setString(&c.Exchange.Proxy, "HTTPS_PROXY")
	setString(&c.Gateway.URL, "DECISION_SERVICE_URL")
	setString(&c.Gateway.Token, "DECISION_SERVICE_TOKEN")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.SQLitePath, "SQLITE_PATH")
	setString(&c.Database.PostgresDSN, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Trading.LedgerFile, "LEDGER_FILE")

	if v := os.Getenv("EXCHANGE_SYMBOLS"); v != "" {
		c.Exchange.DefaultSymbols = splitList(v)
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.Trading.Mode = model.TradeMode(v)
	}
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse STARTING_BALANCE: %w", err)
		}
		c.Trading.StartingBalance = f
	}
	if v := os.Getenv("SCHEDULER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SCHEDULER_WORKERS: %w", err)
		}
		c.Scheduler.Workers = n
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SHUTDOWN_TIMEOUT: %w", err)
		}
		c.Shutdown.Timeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "tradesentinel"
	}
	if c.App.Version == "" {
		c.App.Version = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://stream.binance.com:9443/stream"
	}
	if c.Exchange.RESTURL == "" {
		c.Exchange.RESTURL = "https://api.binance.com"
	}
	if len(c.Exchange.DefaultSymbols) == 0 {
		c.Exchange.DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"}
	}
	if len(c.Exchange.DefaultTimeframes) == 0 {
		c.Exchange.DefaultTimeframes = []model.Timeframe{"1m", "5m", "15m", "1h"}
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 10
	}
	if c.Exchange.MaxBackoff == 0 {
		c.Exchange.MaxBackoff = 60 * time.Second
	}
	if c.Exchange.Backfill == nil {
		on := true
		c.Exchange.Backfill = &on
	}
	if c.Series.Capacity == 0 {
		c.Series.Capacity = 1000
	}
	if c.Series.Lookback == 0 {
		c.Series.Lookback = 100
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 8
	}
	if c.Scheduler.EvalTimeout == 0 {
		c.Scheduler.EvalTimeout = 2 * time.Second
	}
	if c.Scheduler.CandleCloseDelay == 0 {
		c.Scheduler.CandleCloseDelay = 2 * time.Second
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 30 * time.Second
	}
	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = 3
	}
	if c.Gateway.Backoff == 0 {
		c.Gateway.Backoff = time.Second
	}
	if c.Gateway.Concurrency == 0 {
		c.Gateway.Concurrency = 16
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = model.ModeSimulated
	}
	if c.Trading.StartingBalance == 0 {
		c.Trading.StartingBalance = 10000
	}
	if c.Trading.DefaultSize == 0 {
		c.Trading.DefaultSize = 0.001
	}
	if c.Trading.QuoteAsset == "" {
		c.Trading.QuoteAsset = "USDT"
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = time.Second
	}
	if c.Monitor.TiePolicy == "" {
		c.Monitor.TiePolicy = "stop_loss_first"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/tradesentinel.db"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "tradesentinel:events"
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = 30 * time.Second
	}
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	switch c.Trading.Mode {
	case model.ModeSimulated:
	case model.ModeReal:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required in real mode")
		}
	default:
		return fmt.Errorf("trading.mode must be simulated or real, got %q", c.Trading.Mode)
	}
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Monitor.TiePolicy != "stop_loss_first" && c.Monitor.TiePolicy != "take_profit_first" {
		return fmt.Errorf("monitor.tie_policy must be stop_loss_first or take_profit_first")
	}
	if c.Series.Lookback > c.Series.Capacity {
		return fmt.Errorf("series.lookback (%d) exceeds series.capacity (%d)", c.Series.Lookback, c.Series.Capacity)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Exchange.MaxRetries < 1 {
		return fmt.Errorf("exchange.max_retries must be positive")
	}
	for _, tf := range c.Exchange.DefaultTimeframes {
		if _, err := tf.Duration(); err != nil {
			return fmt.Errorf("exchange.default_timeframes: %w", err)
		}
	}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant without id")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
