package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"icarus/pkg/errors"
)

type Config struct {
	App           AppConfig
	Server        ServerConfig
	Exchange      ExchangeConfig
	Trading       TradingConfig
	ML            MLConfig
	Persistence   PersistenceConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"icarus"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type ServerConfig struct {
	Port int `envconfig:"HTTP_PORT" default:"8080"`
}

type ExchangeConfig struct {
	BaseURL           string        `envconfig:"EXCHANGE_BASE_URL" default:"https://fapi.binance.com"`
	WSBaseURL         string        `envconfig:"EXCHANGE_WS_BASE_URL" default:"wss://fstream.binance.com"`
	RequestTimeout    time.Duration `envconfig:"EXCHANGE_REQUEST_TIMEOUT" default:"3s"`
	RequestsPerMinute int           `envconfig:"EXCHANGE_REQUESTS_PER_MINUTE" default:"1200"`

	// Price cache freshness bounds
	PriceCacheTTL  time.Duration `envconfig:"PRICE_CACHE_TTL" default:"1s"`
	PriceStaleness time.Duration `envconfig:"PRICE_STALENESS_BOUND" default:"30s"`
}

type TradingConfig struct {
	Symbols             []string      `envconfig:"TRADING_SYMBOLS" default:"BTCUSDT,ETHUSDT"`
	TickInterval        time.Duration `envconfig:"TRADING_TICK_INTERVAL" default:"5s"`
	InitialBalance      float64       `envconfig:"TRADING_INITIAL_BALANCE" default:"10000"`
	Enabled             bool          `envconfig:"TRADING_ENABLED" default:"false"`
	ConfidenceThreshold float64       `envconfig:"TRADING_CONFIDENCE_THRESHOLD" default:"0.7"`
	DefaultLeverage     int           `envconfig:"TRADING_DEFAULT_LEVERAGE" default:"10"`
	SizingPolicy        string        `envconfig:"TRADING_SIZING_POLICY" default:"FIXED"`
	FixedMargin         float64       `envconfig:"TRADING_FIXED_MARGIN" default:"100"`
	RiskPerTradePct     float64       `envconfig:"TRADING_RISK_PER_TRADE_PCT" default:"0.01"`
	StopLossPct         float64       `envconfig:"TRADING_STOP_LOSS_PCT" default:"0.02"`
	TakeProfitPct       float64       `envconfig:"TRADING_TAKE_PROFIT_PCT" default:"0.05"`
}

type MLConfig struct {
	BatchModelPath string        `envconfig:"ML_BATCH_MODEL_PATH"`
	BufferCapacity int           `envconfig:"ML_SAMPLE_BUFFER_CAPACITY" default:"10000"`
	FlushEvery     int           `envconfig:"ML_FLUSH_EVERY_SAMPLES" default:"1"`
	FlushInterval  time.Duration `envconfig:"ML_FLUSH_INTERVAL" default:"30s"`
	DrainBatchSize int           `envconfig:"ML_DRAIN_BATCH_SIZE" default:"64"`
	ReferencePnL   float64       `envconfig:"ML_REFERENCE_PNL" default:"10"`
	WeightCap      float64       `envconfig:"ML_WEIGHT_CAP" default:"5"`
}

type PersistenceConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:"data"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// NormalizedSymbols returns the configured symbol whitelist upper-cased.
func (c TradingConfig) NormalizedSymbols() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
