// Package config loads service configuration from an optional YAML file and
// PREDICT_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvProduction is the env value that enables production-only checks.
const EnvProduction = "production"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// RequestTimeout bounds each request via chi's Timeout middleware.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr is the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL       string `mapstructure:"url"`
	MaxConns  int32  `mapstructure:"max_conns"`
	TxRetries int    `mapstructure:"tx_retries"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	ClientID         string   `mapstructure:"client_id"`
	TradesTopic      string   `mapstructure:"trades_topic"`
	SettlementsTopic string   `mapstructure:"settlements_topic"`
	MarketsTopic     string   `mapstructure:"markets_topic"`
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Brokers[0] != ""
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type CronConfig struct {
	Secret string `mapstructure:"secret"`
	// Interval runs the reconciliation loop in-process when non-zero.
	Interval time.Duration `mapstructure:"interval"`
}

type PricingConfig struct {
	MaxSellFraction  float64 `mapstructure:"max_sell_fraction"`
	DefaultLiquidity float64 `mapstructure:"default_liquidity"`
}

type WithdrawalConfig struct {
	FeeRate   float64       `mapstructure:"fee_rate"`
	MinFee    float64       `mapstructure:"min_fee"`
	MinAmount float64       `mapstructure:"min_amount"`
	MaxAmount float64       `mapstructure:"max_amount"`
	Expiry    time.Duration `mapstructure:"expiry"`
}

type DepositConfig struct {
	MinAmount float64       `mapstructure:"min_amount"`
	MaxAmount float64       `mapstructure:"max_amount"`
	Expiry    time.Duration `mapstructure:"expiry"`
}

type RateLimitConfig struct {
	TradesPerMinute      int `mapstructure:"trades_per_minute"`
	WithdrawalsPerMinute int `mapstructure:"withdrawals_per_minute"`
	DepositsPerMinute    int `mapstructure:"deposits_per_minute"`
}

type IdempotencyConfig struct {
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type RiskConfig struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxTotalExposure float64 `mapstructure:"max_total_exposure"`
}

type ResolutionConfig struct {
	DisputeWindow time.Duration `mapstructure:"dispute_window"`
}

type ReconcileConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// ProviderConfig covers both rails; fields a rail does not use stay empty.
type ProviderConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	SubscriptionKey string        `mapstructure:"subscription_key"`
	APIUser         string        `mapstructure:"api_user"`
	APIKey          string        `mapstructure:"api_key"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	CallbackSecret  string        `mapstructure:"callback_secret"`
	CallbackURL     string        `mapstructure:"callback_url"`
	TargetEnv       string        `mapstructure:"target_env"`
	Country         string        `mapstructure:"country"`
	Currency        string        `mapstructure:"currency"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// Outbound client defaults applied when a rail leaves them unset.
const (
	defaultProviderTimeout = 15 * time.Second
	providerRetryWait      = 250 * time.Millisecond
)

// CallBudget is the longest one initiation can take with this config: a
// token fetch and the request, each with every retry and backoff, and the
// whole pair repeated once after a 401.
func (c ProviderConfig) CallBudget() time.Duration {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	attempts := 1 + max(c.MaxRetries, 0)
	call := time.Duration(attempts) * timeout
	for i := 0; i < attempts-1; i++ {
		call += providerRetryWait << i
	}
	return 2 * 2 * call
}

type ProvidersConfig struct {
	MTN    ProviderConfig `mapstructure:"mtn"`
	Airtel ProviderConfig `mapstructure:"airtel"`
}

// CallBudget is the largest CallBudget among the enabled rails.
func (c ProvidersConfig) CallBudget() time.Duration {
	var budget time.Duration
	for _, p := range []ProviderConfig{c.MTN, c.Airtel} {
		if p.Enabled {
			budget = max(budget, p.CallBudget())
		}
	}
	return budget
}

// lockMargin covers the database work around the provider leg.
const lockMargin = time.Minute

type AppConfig struct {
	ServiceName string            `mapstructure:"service_name"`
	Env         string            `mapstructure:"env"`
	LogLevel    string            `mapstructure:"log_level"`
	MetricsPath string            `mapstructure:"metrics_path"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Cron        CronConfig        `mapstructure:"cron"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	Withdrawal  WithdrawalConfig  `mapstructure:"withdrawal"`
	Deposit     DepositConfig     `mapstructure:"deposit"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Resolution  ResolutionConfig  `mapstructure:"resolution"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
}

// IsProduction reports whether production-only checks apply.
func (c *AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// Dec converts a config float to a decimal.
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Load reads path (if it exists) and overlays PREDICT_* environment
// variables, e.g. PREDICT_DATABASE_URL or PREDICT_PROVIDERS_MTN_API_KEY.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PREDICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	// An idempotency lock must outlive the slowest provider leg, or a retry
	// with the same key could debit twice.
	if floor := cfg.Providers.CallBudget() + lockMargin; cfg.Idempotency.LockTTL < floor {
		cfg.Idempotency.LockTTL = floor
	}

	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Withdrawal.FeeRate < 0 || c.Withdrawal.FeeRate >= 1 {
		return fmt.Errorf("config: withdrawal.fee_rate must be in [0,1), got %v", c.Withdrawal.FeeRate)
	}
	if c.Withdrawal.MinAmount > c.Withdrawal.MaxAmount {
		return fmt.Errorf("config: withdrawal.min_amount exceeds max_amount")
	}
	if c.Pricing.MaxSellFraction <= 0 || c.Pricing.MaxSellFraction > 1 {
		return fmt.Errorf("config: pricing.max_sell_fraction must be in (0,1], got %v", c.Pricing.MaxSellFraction)
	}
	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return errors.New("config: auth.jwt_secret is required in production")
		}
		if c.Cron.Secret == "" {
			return errors.New("config: cron.secret is required in production")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "predict-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.request_timeout", "30s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.tx_retries", 3)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "predict-engine")
	v.SetDefault("kafka.trades_topic", "trades.executed")
	v.SetDefault("kafka.settlements_topic", "payments.settled")
	v.SetDefault("kafka.markets_topic", "markets.lifecycle")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("cron.secret", "")
	v.SetDefault("cron.interval", "0s")

	v.SetDefault("pricing.max_sell_fraction", 0.95)
	v.SetDefault("pricing.default_liquidity", 1000)

	v.SetDefault("withdrawal.fee_rate", 0.015)
	v.SetDefault("withdrawal.min_fee", 5)
	v.SetDefault("withdrawal.min_amount", 10)
	v.SetDefault("withdrawal.max_amount", 50000)
	v.SetDefault("withdrawal.expiry", "5m")

	v.SetDefault("deposit.min_amount", 1)
	v.SetDefault("deposit.max_amount", 50000)
	v.SetDefault("deposit.expiry", "10m")

	v.SetDefault("ratelimit.trades_per_minute", 60)
	v.SetDefault("ratelimit.withdrawals_per_minute", 5)
	v.SetDefault("ratelimit.deposits_per_minute", 10)

	v.SetDefault("idempotency.lock_ttl", "5m")
	v.SetDefault("idempotency.result_ttl", "24h")

	v.SetDefault("risk.max_position_size", 100000)
	v.SetDefault("risk.max_total_exposure", 500000)

	v.SetDefault("resolution.dispute_window", "24h")

	v.SetDefault("reconcile.batch_size", 20)

	for _, p := range []string{"mtn", "airtel"} {
		prefix := "providers." + p + "."
		v.SetDefault(prefix+"enabled", false)
		v.SetDefault(prefix+"subscription_key", "")
		v.SetDefault(prefix+"api_user", "")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"client_id", "")
		v.SetDefault(prefix+"client_secret", "")
		v.SetDefault(prefix+"callback_secret", "")
		v.SetDefault(prefix+"callback_url", "")
		v.SetDefault(prefix+"country", "ZM")
		v.SetDefault(prefix+"currency", "ZMW")
		v.SetDefault(prefix+"rate_per_second", 5)
		v.SetDefault(prefix+"timeout", "15s")
		v.SetDefault(prefix+"max_retries", 2)
	}
	v.SetDefault("providers.mtn.base_url", "https://sandbox.momodeveloper.mtn.com")
	v.SetDefault("providers.mtn.target_env", "sandbox")
	v.SetDefault("providers.airtel.base_url", "https://openapiuat.airtel.africa")
	v.SetDefault("providers.airtel.target_env", "")
}
