package config

import "time"

// Config represents the complete application configuration.
// Values are layered: built-in defaults, then the YAML config file,
// then PULSEGATE_* environment variables, then runtime overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AdminToken enables the authenticated /admin/signal endpoint when set.
	AdminToken string `mapstructure:"admin_token"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	// BusyTimeout bounds how long a local writer waits on the SQLite lock.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig configures the optional Redis record store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	// Backend selects the record store: libsql or redis.
	Backend string `mapstructure:"backend"`

	// Atomic switches the limiter to the guarded reserve path of the store.
	Atomic bool `mapstructure:"atomic"`

	// Margin scales every policy's request budget by a ratio in (0, 1].
	Margin float64 `mapstructure:"margin"`

	// PoliciesFile is an optional YAML file of per-operation policies.
	PoliciesFile string `mapstructure:"policies_file"`

	// Overrides maps operation name to requests per minute.
	Overrides map[string]int `mapstructure:"overrides"`

	// FailOpen lists operations whose HTTP call sites admit requests when the store fails.
	FailOpen []string `mapstructure:"fail_open"`

	// Retention bounds how long records are kept by prune and by Redis key expiry.
	Retention time.Duration `mapstructure:"retention"`
}

// SessionConfig configures the inactivity controller.
type SessionConfig struct {
	ReminderTimeout   time.Duration `mapstructure:"reminder_timeout"`
	LogoutTimeout     time.Duration `mapstructure:"logout_timeout"`
	ActivityThrottle  time.Duration `mapstructure:"activity_throttle"`
	WarningDismiss    time.Duration `mapstructure:"warning_dismiss"`
	SignInRoute       string        `mapstructure:"sign_in_route"`
	InvalidateTimeout time.Duration `mapstructure:"invalidate_timeout"`
}

// IdentityConfig configures the hosted identity provider.
type IdentityConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE (console text), STRUCTURED (JSON, default)
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
