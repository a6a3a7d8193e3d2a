// Package config provides centralized configuration management for pulsegate.
// It layers built-in defaults, an optional YAML config file, PULSEGATE_*
// environment variables and runtime overrides, then decodes the merged
// settings into a typed Config.
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names config, data and cache directories.
	AppName = "pulsegate"

	// EnvPrefix is prepended to every environment variable.
	EnvPrefix = "PULSEGATE"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex

	configFile   string
	configFileMu sync.RWMutex
)

// envVarSpec maps a short environment variable name onto a config path.
// Every key is also reachable through the long form PULSEGATE_<SECTION>_<KEY>.
type envVarSpec struct {
	Name string
	Key  string
}

// SetConfigFile pins an explicit config file, typically from the --config flag.
func SetConfigFile(path string) {
	configFileMu.Lock()
	defer configFileMu.Unlock()
	configFile = strings.TrimSpace(path)
}

func explicitConfigFile() string {
	configFileMu.RLock()
	defer configFileMu.RUnlock()
	return configFile
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_timeout", "5s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "pulsegate:rl")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")

	v.SetDefault("rate_limit.backend", "libsql")
	v.SetDefault("rate_limit.atomic", false)
	v.SetDefault("rate_limit.margin", 1.0)
	v.SetDefault("rate_limit.policies_file", "")
	v.SetDefault("rate_limit.overrides", map[string]int{})
	v.SetDefault("rate_limit.fail_open", []string{})
	v.SetDefault("rate_limit.retention", "24h")

	v.SetDefault("session.reminder_timeout", "10m")
	v.SetDefault("session.logout_timeout", "30m")
	v.SetDefault("session.activity_throttle", "1s")
	v.SetDefault("session.warning_dismiss", "10s")
	v.SetDefault("session.sign_in_route", "/auth")
	v.SetDefault("session.invalidate_timeout", "5s")

	v.SetDefault("identity.base_url", "")
	v.SetDefault("identity.api_key", "")
	v.SetDefault("identity.jwt_secret", "")
	v.SetDefault("identity.jwt_audience", "")
	v.SetDefault("identity.timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
}

// Load builds the configuration. Later layers win:
// defaults < config file < environment < runtimeOverrides.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecs() {
		longName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Key, ".", "_"))
		if err := v.BindEnv(spec.Key, longName, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Backend)) {
	case "", "libsql":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("rate_limit.backend=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unsupported rate limit backend: %s", c.RateLimit.Backend)
	}

	if c.RateLimit.Margin < 0 || c.RateLimit.Margin > 1 {
		return fmt.Errorf("rate_limit.margin must be within (0, 1], got %v", c.RateLimit.Margin)
	}
	if c.Session.ReminderTimeout <= 0 || c.Session.LogoutTimeout <= 0 {
		return errors.New("session timeouts must be positive")
	}
	if c.Session.ReminderTimeout >= c.Session.LogoutTimeout {
		return fmt.Errorf("session.reminder_timeout (%s) must be shorter than session.logout_timeout (%s)",
			c.Session.ReminderTimeout, c.Session.LogoutTimeout)
	}
	if c.Session.ActivityThrottle < 0 {
		return errors.New("session.activity_throttle must not be negative")
	}
	if c.RateLimit.Retention < 0 {
		return errors.New("rate_limit.retention must not be negative")
	}
	return nil
}

// FailOpenFor reports whether the operation's HTTP call sites admit requests on store failure.
func (c RateLimitConfig) FailOpenFor(operation string) bool {
	for _, candidate := range c.FailOpen {
		if strings.EqualFold(strings.TrimSpace(candidate), operation) {
			return true
		}
	}
	return false
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func readConfigFile(v *viper.Viper) error {
	if path := explicitConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range configSearchPaths() {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func configSearchPaths() []string {
	paths := []string{}
	if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
		paths = append(paths, dir)
	}
	return append(paths, "./config")
}

// envSpecs lists the short environment variable aliases.
func envSpecs() []envVarSpec {
	prefix := EnvPrefix + "_"
	return []envVarSpec{
		{Name: prefix + "HOST", Key: "server.host"},
		{Name: prefix + "PORT", Key: "server.port"},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: prefix + "ADMIN_TOKEN", Key: "server.admin_token"},

		{Name: prefix + "LOG_LEVEL", Key: "logging.level"},
		{Name: prefix + "LOG_PROFILE", Key: "logging.profile"},

		{Name: prefix + "DB_DRIVER", Key: "store.driver"},
		{Name: prefix + "DB_PATH", Key: "store.path"},
		{Name: prefix + "DB_URL", Key: "store.url"},
		{Name: prefix + "DB_AUTH_TOKEN", Key: "store.auth_token"},
		{Name: prefix + "DB_BUSY_TIMEOUT", Key: "store.busy_timeout"},

		{Name: prefix + "RATE_LIMIT_MARGIN", Key: "rate_limit.margin"},
		{Name: prefix + "RATE_LIMIT_FAIL_OPEN", Key: "rate_limit.fail_open"},

		{Name: prefix + "JWT_SECRET", Key: "identity.jwt_secret"},
		{Name: prefix + "IDENTITY_URL", Key: "identity.base_url"},

		{Name: prefix + "METRICS_PORT", Key: "metrics.port"},
	}
}

func flatten(prefix string, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && !isMapSetting(full) {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// isMapSetting marks keys whose value is itself a map and must not be flattened.
func isMapSetting(key string) bool {
	return key == "rate_limit.overrides"
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// DurationOrDefault returns d when positive, otherwise fallback.
func DurationOrDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
