package notify

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultDestination       = "/user/queue/notifications"
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultInitialDelay      = 2 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultMultiplier        = 2.0
	DefaultMaxFailures       = 5
	DefaultDedupeCapacity    = 1024
	DefaultDedupeTTL         = 24 * time.Hour
	DefaultTokenStoragePath  = "data"
	DefaultRedisKeyPrefix    = "notify:seen:"
	DefaultPollRequestTimout = 60 * time.Second
)

// Config is the root configuration of the notification client
type Config struct {
	// Endpoint is the broker base URL, e.g. https://app.example.com/ws
	Endpoint    string        `yaml:"endpoint"`
	Destination string        `yaml:"destination"`
	Transport   TransportConf `yaml:"transport"`
	Backoff     BackoffConf   `yaml:"backoff"`
	Dedupe      DedupeConf    `yaml:"dedupe"`
	Auth        AuthConf      `yaml:"auth"`
}

// TransportConf holds dial settings
type TransportConf struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PollRequestTimeout time.Duration `yaml:"poll_request_timeout"`
	// DisableFallback turns off the SockJS xhr-polling fallback
	DisableFallback bool `yaml:"disable_fallback"`
}

// BackoffConf holds the retry policy
type BackoffConf struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxFailures  int           `yaml:"max_failures"`
}

// DedupeConf selects the de-duplication store.
// An empty RedisAddr keeps ids in process memory.
type DedupeConf struct {
	Capacity      int           `yaml:"capacity"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// AuthConf holds OAuth refresh settings. All optional; without ClientID no refresher is built.
type AuthConf struct {
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	TokenURL         string `yaml:"token_url"`
	TokenStoragePath string `yaml:"token_storage_path"`
	Provider         string `yaml:"provider"`
}

// LoadConfig reads a YAML config file and expands environment variables.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromEnv builds a config from NOTIFY_* environment variables.
// Unset variables fall back to defaults.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Endpoint:    os.Getenv("NOTIFY_ENDPOINT"),
		Destination: os.Getenv("NOTIFY_DESTINATION"),
		Dedupe: DedupeConf{
			RedisAddr:     os.Getenv("NOTIFY_REDIS_ADDR"),
			RedisPassword: os.Getenv("NOTIFY_REDIS_PASSWORD"),
		},
		Auth: AuthConf{
			ClientID:         os.Getenv("NOTIFY_CLIENT_ID"),
			ClientSecret:     os.Getenv("NOTIFY_CLIENT_SECRET"),
			TokenURL:         os.Getenv("NOTIFY_TOKEN_URL"),
			TokenStoragePath: os.Getenv("TOKEN_STORAGE_PATH"),
		},
	}

	if v := os.Getenv("NOTIFY_MAX_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_MAX_FAILURES %q: %w", v, err)
		}
		cfg.Backoff.MaxFailures = n
	}
	if v := os.Getenv("NOTIFY_INITIAL_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_INITIAL_DELAY %q: %w", v, err)
		}
		cfg.Backoff.InitialDelay = d
	}
	if v := os.Getenv("NOTIFY_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_MAX_DELAY %q: %w", v, err)
		}
		cfg.Backoff.MaxDelay = d
	}
	if v := os.Getenv("NOTIFY_DISABLE_FALLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_DISABLE_FALLBACK %q: %w", v, err)
		}
		cfg.Transport.DisableFallback = b
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Destination == "" {
		c.Destination = DefaultDestination
	}

	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.PollRequestTimeout == 0 {
		c.Transport.PollRequestTimeout = DefaultPollRequestTimout
	}

	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = DefaultInitialDelay
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultMaxDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = DefaultMultiplier
	}
	if c.Backoff.MaxFailures == 0 {
		c.Backoff.MaxFailures = DefaultMaxFailures
	}

	if c.Dedupe.Capacity == 0 {
		c.Dedupe.Capacity = DefaultDedupeCapacity
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.KeyPrefix == "" {
		c.Dedupe.KeyPrefix = DefaultRedisKeyPrefix
	}

	if c.Auth.TokenStoragePath == "" {
		c.Auth.TokenStoragePath = DefaultTokenStoragePath
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "notify"
	}
}

// Validate checks the config for values the client cannot work with
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("endpoint scheme %q not supported", u.Scheme))
		}
	}

	if c.Backoff.InitialDelay <= 0 {
		errs = append(errs, errors.New("backoff.initial_delay must be positive"))
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		errs = append(errs, errors.New("backoff.max_delay must not be below backoff.initial_delay"))
	}
	if c.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("backoff.multiplier must be >= 1"))
	}
	if c.Backoff.MaxFailures < 1 {
		errs = append(errs, errors.New("backoff.max_failures must be >= 1"))
	}

	if c.Auth.ClientID != "" && c.Auth.TokenURL == "" {
		errs = append(errs, errors.New("auth.token_url is required when auth.client_id is set"))
	}

	return errors.Join(errs...)
}
