package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for brokergate.
type Config struct {
	Broker     Broker     `yaml:"broker"`
	Session    Session    `yaml:"session"`
	Risk       Risk       `yaml:"risk"`
	Breaker    Breaker    `yaml:"breaker"`
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
	Redis      Redis      `yaml:"redis"`
	CloudWatch CloudWatch `yaml:"cloudwatch"`
}

// Broker selects and addresses the brokerage gateway.
type Broker struct {
	// Kind is "alpaca" or "simulator".
	Kind      string `yaml:"kind"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	ClientID  string `yaml:"client_id"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataFeed  string `yaml:"data_feed"`
}

// Session holds connection, retry and pacing parameters.
type Session struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffJitter     bool          `yaml:"backoff_jitter"`
	MaxRetries        int           `yaml:"max_retries"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// Risk holds pre-trade limits. Monetary values are decimal strings so they
// never pass through binary floating point.
type Risk struct {
	AllowedSymbols      []string          `yaml:"allowed_symbols"`
	BlockedSymbols      []string          `yaml:"blocked_symbols"`
	MaxOrderNotional    string            `yaml:"max_order_notional"`
	MaxPositionNotional string            `yaml:"max_position_notional"`
	SymbolPositionLimit map[string]string `yaml:"symbol_position_limits"`
	MaxDailyLoss        string            `yaml:"max_daily_loss"`
	MaxLeverage         string            `yaml:"max_leverage"`
	MaxOrdersPerWindow  int               `yaml:"max_orders_per_window"`
	OrderWindow         time.Duration     `yaml:"order_window"`
	SessionZone         string            `yaml:"session_zone"`
	SessionBoundary     string            `yaml:"session_boundary"`
}

// Breaker holds circuit breaker thresholds.
type Breaker struct {
	RejectionWindow   time.Duration `yaml:"rejection_window"`
	MaxRejections     int           `yaml:"max_rejections"`
	MaxRejectionRatio string        `yaml:"max_rejection_ratio"`
	MinSample         int           `yaml:"min_sample"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration. GRPCPort 0 disables the
// event stream listener.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Redis configures the lifecycle event publisher. Empty Addr disables it.
type Redis struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// CloudWatch configures the metrics sink.
type CloudWatch struct {
	Enabled       bool          `yaml:"enabled"`
	Region        string        `yaml:"region"`
	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKERGATE_BROKER_KIND"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("BROKERGATE_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("BROKERGATE_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = p
		}
	}
	if v := os.Getenv("BROKERGATE_CLIENT_ID"); v != "" {
		cfg.Broker.ClientID = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.CloudWatch.Region == "" {
		cfg.CloudWatch.Region = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}

	// Standard Alpaca env vars take priority; these are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "simulator"
	}
	s := &cfg.Session
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 5 * time.Second
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = time.Second
	}
	if s.BackoffFactor == 0 {
		s.BackoffFactor = 2
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = 30 * time.Second
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 5
	}
	if s.MessagesPerSecond == 0 {
		s.MessagesPerSecond = 40
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = 1024
	}

	if cfg.Risk.OrderWindow == 0 {
		cfg.Risk.OrderWindow = time.Minute
	}
	if cfg.Breaker.RejectionWindow == 0 {
		cfg.Breaker.RejectionWindow = 5 * time.Minute
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "brokergate"
	}
	if cfg.CloudWatch.Namespace == "" {
		cfg.CloudWatch.Namespace = "BrokerGate"
	}
	if cfg.CloudWatch.FlushInterval == 0 {
		cfg.CloudWatch.FlushInterval = time.Minute
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var problems []string
	switch c.Broker.Kind {
	case "alpaca", "simulator":
	default:
		problems = append(problems, fmt.Sprintf("broker.kind %q must be alpaca or simulator", c.Broker.Kind))
	}
	if c.Session.MaxRetries < 0 {
		problems = append(problems, "session.max_retries must not be negative")
	}
	if c.Session.BackoffFactor < 1 {
		problems = append(problems, "session.backoff_factor must be at least 1")
	}
	if c.Risk.MaxOrdersPerWindow < 0 {
		problems = append(problems, "risk.max_orders_per_window must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
