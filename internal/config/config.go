package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration loaded from file and environment variables.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Governor  GovernorConfig   `mapstructure:"governor"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
}

type ServerConfig struct {
	ListenAddr              string        `mapstructure:"listen_addr"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	MaxRequestSize          int64         `mapstructure:"max_request_size"`
	MaxResponseSize         int64         `mapstructure:"max_response_size"`
	CacheEntries            int           `mapstructure:"cache_entries"`
	CacheMaxEntryBytes      int64         `mapstructure:"cache_max_entry_bytes"`
}

// RedisConfig selects the admission-log backend. An empty Addr keeps it in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig guards the admin routes. Tokens are verified with JWTSecret
// (HMAC) or, when set, the keys published at JWKSURL. With neither set the
// admin routes are open.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	JWKSURL     string        `mapstructure:"jwks_url"`
	JWKSTTL     time.Duration `mapstructure:"jwks_ttl"`
}

// Enabled reports whether admin routes require a token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.JWKSURL != ""
}

// EndpointConfig declares an endpoint loaded into the registry at startup.
type EndpointConfig struct {
	ID         string  `mapstructure:"id"`
	Provider   string  `mapstructure:"provider"`
	URL        string  `mapstructure:"url"`
	Capability string  `mapstructure:"capability"`
	Ceiling    float64 `mapstructure:"ceiling"`
	MaxCeiling float64 `mapstructure:"max_ceiling"`
}

// GovernorConfig holds every threshold used by the admission, learning and
// recovery logic.
type GovernorConfig struct {
	// Window is the rolling window the ceiling is expressed in.
	Window time.Duration `mapstructure:"window"`
	// SafetyMargin is the utilization (admitted/ceiling) at which calls start waiting.
	SafetyMargin float64 `mapstructure:"safety_margin"`
	// DefaultCeiling is used for endpoints seen for the first time.
	DefaultCeiling float64 `mapstructure:"default_ceiling"`
	// HardMaxCeiling bounds every endpoint's ceiling, whatever its history.
	HardMaxCeiling float64 `mapstructure:"hard_max_ceiling"`
	// InitialConfidence is given to endpoints declared in configuration.
	// Endpoints registered on first use start at zero.
	InitialConfidence float64 `mapstructure:"initial_confidence"`

	MinBackoff        time.Duration `mapstructure:"min_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoffFactor  float64       `mapstructure:"max_backoff_factor"`

	// GrowthStep is the fractional ceiling increase after a success streak.
	GrowthStep float64 `mapstructure:"growth_step"`
	// GrowthStreak is the number of consecutive successes required to grow.
	GrowthStreak int `mapstructure:"growth_streak"`
	// GrowthConfidence is the confidence that must be exceeded to grow.
	GrowthConfidence  float64 `mapstructure:"growth_confidence"`
	ConfidenceGain    float64 `mapstructure:"confidence_gain"`
	ConfidencePenalty float64 `mapstructure:"confidence_penalty"`

	// HistorySize caps the per-endpoint outcome ring buffer.
	HistorySize         int `mapstructure:"history_size"`
	MaxAdmissionRetries int `mapstructure:"max_admission_retries"`

	DegradedAfter int           `mapstructure:"degraded_after"`
	DisabledAfter int           `mapstructure:"disabled_after"`
	CooldownBase  time.Duration `mapstructure:"cooldown_base"`
	CooldownMax   time.Duration `mapstructure:"cooldown_max"`

	// OperationTimeout applies to dispatched calls without an explicit timeout.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DefaultGovernor returns the governor thresholds used when nothing is configured.
func DefaultGovernor() GovernorConfig {
	return GovernorConfig{
		Window:              60 * time.Second,
		SafetyMargin:        0.85,
		DefaultCeiling:      10,
		HardMaxCeiling:      1000,
		InitialConfidence:   0.5,
		MinBackoff:          250 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		BackoffMultiplier:   1.5,
		MaxBackoffFactor:    8,
		GrowthStep:          0.05,
		GrowthStreak:        20,
		GrowthConfidence:    0.7,
		ConfidenceGain:      0.05,
		ConfidencePenalty:   0.5,
		HistorySize:         100,
		MaxAdmissionRetries: 5,
		DegradedAfter:       3,
		DisabledAfter:       5,
		CooldownBase:        2 * time.Minute,
		CooldownMax:         15 * time.Minute,
		OperationTimeout:    10 * time.Second,
	}
}

// Validate reports every knob outside its allowed range.
func (g GovernorConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(g.Window > 0, "governor.window must be positive, got %s", g.Window)
	check(g.SafetyMargin > 0 && g.SafetyMargin <= 1, "governor.safety_margin must be in (0,1], got %v", g.SafetyMargin)
	check(g.DefaultCeiling >= 1, "governor.default_ceiling must be >= 1, got %v", g.DefaultCeiling)
	check(g.HardMaxCeiling >= g.DefaultCeiling, "governor.hard_max_ceiling must be >= default_ceiling, got %v", g.HardMaxCeiling)
	check(g.InitialConfidence >= 0 && g.InitialConfidence <= 1, "governor.initial_confidence must be in [0,1], got %v", g.InitialConfidence)
	check(g.MinBackoff > 0, "governor.min_backoff must be positive, got %s", g.MinBackoff)
	check(g.MaxBackoff >= g.MinBackoff, "governor.max_backoff must be >= min_backoff, got %s", g.MaxBackoff)
	check(g.BackoffMultiplier > 1, "governor.backoff_multiplier must be > 1, got %v", g.BackoffMultiplier)
	check(g.MaxBackoffFactor >= 1, "governor.max_backoff_factor must be >= 1, got %v", g.MaxBackoffFactor)
	check(g.GrowthStep > 0 && g.GrowthStep <= 0.5, "governor.growth_step must be in (0,0.5], got %v", g.GrowthStep)
	check(g.GrowthStreak >= 1, "governor.growth_streak must be >= 1, got %d", g.GrowthStreak)
	check(g.GrowthConfidence >= 0 && g.GrowthConfidence <= 1, "governor.growth_confidence must be in [0,1], got %v", g.GrowthConfidence)
	check(g.ConfidenceGain > 0 && g.ConfidenceGain <= 1, "governor.confidence_gain must be in (0,1], got %v", g.ConfidenceGain)
	check(g.ConfidencePenalty > 0 && g.ConfidencePenalty <= 1, "governor.confidence_penalty must be in (0,1], got %v", g.ConfidencePenalty)
	check(g.HistorySize >= 1 && g.HistorySize <= 10000, "governor.history_size must be in [1,10000], got %d", g.HistorySize)
	check(g.MaxAdmissionRetries >= 0, "governor.max_admission_retries must be >= 0, got %d", g.MaxAdmissionRetries)
	check(g.DegradedAfter >= 1, "governor.degraded_after must be >= 1, got %d", g.DegradedAfter)
	check(g.DisabledAfter >= g.DegradedAfter, "governor.disabled_after must be >= degraded_after, got %d", g.DisabledAfter)
	check(g.CooldownBase > 0, "governor.cooldown_base must be positive, got %s", g.CooldownBase)
	check(g.CooldownMax >= g.CooldownBase, "governor.cooldown_max must be >= cooldown_base, got %s", g.CooldownMax)
	check(g.OperationTimeout > 0, "governor.operation_timeout must be positive, got %s", g.OperationTimeout)
	return errors.Join(errs...)
}

// Load reads the config file at path (or governor.yaml in the usual places)
// and applies GOVERNOR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("governor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/governor")
	}

	setDefaults(v)

	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Governor.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.graceful_shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_request_size", 10*1024*1024)
	v.SetDefault("server.max_response_size", 10*1024*1024)
	v.SetDefault("server.cache_entries", 1000)
	v.SetDefault("server.cache_max_entry_bytes", 1024*1024)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_ttl", 10*time.Minute)

	g := DefaultGovernor()
	v.SetDefault("governor.window", g.Window)
	v.SetDefault("governor.safety_margin", g.SafetyMargin)
	v.SetDefault("governor.default_ceiling", g.DefaultCeiling)
	v.SetDefault("governor.hard_max_ceiling", g.HardMaxCeiling)
	v.SetDefault("governor.initial_confidence", g.InitialConfidence)
	v.SetDefault("governor.min_backoff", g.MinBackoff)
	v.SetDefault("governor.max_backoff", g.MaxBackoff)
	v.SetDefault("governor.backoff_multiplier", g.BackoffMultiplier)
	v.SetDefault("governor.max_backoff_factor", g.MaxBackoffFactor)
	v.SetDefault("governor.growth_step", g.GrowthStep)
	v.SetDefault("governor.growth_streak", g.GrowthStreak)
	v.SetDefault("governor.growth_confidence", g.GrowthConfidence)
	v.SetDefault("governor.confidence_gain", g.ConfidenceGain)
	v.SetDefault("governor.confidence_penalty", g.ConfidencePenalty)
	v.SetDefault("governor.history_size", g.HistorySize)
	v.SetDefault("governor.max_admission_retries", g.MaxAdmissionRetries)
	v.SetDefault("governor.degraded_after", g.DegradedAfter)
	v.SetDefault("governor.disabled_after", g.DisabledAfter)
	v.SetDefault("governor.cooldown_base", g.CooldownBase)
	v.SetDefault("governor.cooldown_max", g.CooldownMax)
	v.SetDefault("governor.operation_timeout", g.OperationTimeout)
}
