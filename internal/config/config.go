// Package config provides configuration management for the livelock server.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// DefaultBindTo is the default listen address.
	DefaultBindTo = "0.0.0.0"

	// DefaultPort is the default lock server port.
	DefaultPort = 7873

	// DefaultReleaseAllTimeout is the default grace period before a
	// disconnected client's locks expire.
	DefaultReleaseAllTimeout = 30 * time.Second

	// DefaultMaxPayload is the default max size of a single command (64KB).
	DefaultMaxPayload = 64 * 1024

	// DefaultReaperInterval is the default period between expired-lock sweeps.
	DefaultReaperInterval = 10 * time.Second

	// DefaultCommandBurst is the default token bucket burst for the command rate limiter.
	DefaultCommandBurst = 100
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the server configuration.
type Config struct {
	// BindTo is the address the lock server listens on.
	BindTo string

	// Port is the lock server TCP port.
	Port int

	// ReleaseAllTimeout is how long a disconnected client's locks survive.
	ReleaseAllTimeout time.Duration

	// Password, when set, must be sent with PASS before any other command.
	Password string

	// MaxPayload is the maximum size of a single command in bytes.
	MaxPayload int

	// ReaperInterval is the period of the expired-lock sweep. Zero disables it.
	ReaperInterval time.Duration

	// MaxCommandRate is the per-connection command rate in commands per
	// second. Zero disables rate limiting.
	MaxCommandRate float64

	// CommandBurst is the token bucket burst for MaxCommandRate.
	CommandBurst int

	// AdminAddr is the listen address of the admin HTTP server. Empty disables it.
	AdminAddr string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogFormat is "json" or "console".
	LogFormat string
}

// Viper keys, one per setting.
const (
	keyBindTo            = "bind_to"
	keyPort              = "port"
	keyReleaseAllTimeout = "release_all_timeout"
	keyPassword          = "password"
	keyMaxPayload        = "max_payload"
	keyReaperInterval    = "reaper_interval"
	keyMaxCommandRate    = "max_command_rate"
	keyCommandBurst      = "command_burst"
	keyAdminAddr         = "admin_addr"
	keyLogLevel          = "log_level"
	keyLogFormat         = "log_format"
)

// binding ties a viper key to its command-line flag and environment variable.
type binding struct {
	key  string
	flag string
	env  string
}

var bindings = []binding{
	{keyBindTo, "bind", "LIVELOCK_BIND_TO"},
	{keyPort, "port", "LIVELOCK_PORT"},
	{keyReleaseAllTimeout, "release-all-timeout", "LIVELOCK_RELEASE_ALL_TIMEOUT"},
	{keyPassword, "password", "LIVELOCK_PASSWORD"},
	{keyMaxPayload, "max-payload", "LIVELOCK_MAX_PAYLOAD"},
	{keyReaperInterval, "reaper-interval", "LIVELOCK_REAPER_INTERVAL"},
	{keyMaxCommandRate, "max-command-rate", "LIVELOCK_MAX_COMMAND_RATE"},
	{keyCommandBurst, "command-burst", "LIVELOCK_COMMAND_BURST"},
	{keyAdminAddr, "admin-addr", "LIVELOCK_ADMIN_ADDR"},
	{keyLogLevel, "log-level", "LOG_LEVEL"},
	{keyLogFormat, "log-format", "LOG_FORMAT"},
}

// NewViper returns a viper instance with every setting's default and
// environment variable registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(keyBindTo, DefaultBindTo)
	v.SetDefault(keyPort, strconv.Itoa(DefaultPort))
	v.SetDefault(keyReleaseAllTimeout, DefaultReleaseAllTimeout.String())
	v.SetDefault(keyPassword, "")
	v.SetDefault(keyMaxPayload, strconv.Itoa(DefaultMaxPayload))
	v.SetDefault(keyReaperInterval, DefaultReaperInterval.String())
	v.SetDefault(keyMaxCommandRate, "0")
	v.SetDefault(keyCommandBurst, strconv.Itoa(DefaultCommandBurst))
	v.SetDefault(keyAdminAddr, "")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")

	for _, b := range bindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(b.key, b.env)
	}
	return v
}

// RegisterFlags defines a flag for every setting on fs and binds it to v.
// A flag set on the command line takes precedence over its environment
// variable.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("bind", DefaultBindTo, "address the lock server listens on")
	fs.Int("port", DefaultPort, "lock server TCP port")
	fs.Duration("release-all-timeout", DefaultReleaseAllTimeout, "grace period before a disconnected client's locks are freed")
	fs.String("password", "", "password clients must send with PASS (empty disables authentication)")
	fs.Int("max-payload", DefaultMaxPayload, "max size of a single command in bytes")
	fs.Duration("reaper-interval", DefaultReaperInterval, "period of the expired-lock sweep (0 disables it)")
	fs.Float64("max-command-rate", 0, "per-connection commands per second (0 disables limiting)")
	fs.Int("command-burst", DefaultCommandBurst, "token bucket burst for max-command-rate")
	fs.String("admin-addr", "", "admin HTTP listen address (empty disables it)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json or console)")

	for _, b := range bindings {
		flag := fs.Lookup(b.flag)
		if flag == nil {
			return fmt.Errorf("flag for key %s not found", b.key)
		}
		if err := v.BindPFlag(b.key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", b.flag, err)
		}
	}
	return nil
}

// Load reads the configuration from v. Values that do not parse are reported
// as ErrInvalidConfig rather than replaced by defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		BindTo:    v.GetString(keyBindTo),
		Password:  v.GetString(keyPassword),
		AdminAddr: v.GetString(keyAdminAddr),
		LogLevel:  v.GetString(keyLogLevel),
		LogFormat: v.GetString(keyLogFormat),
	}

	var err error
	if cfg.Port, err = parseInt(v, keyPort); err != nil {
		return nil, err
	}
	if cfg.ReleaseAllTimeout, err = parseDuration(v, keyReleaseAllTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxPayload, err = parseInt(v, keyMaxPayload); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = parseDuration(v, keyReaperInterval); err != nil {
		return nil, err
	}
	if cfg.MaxCommandRate, err = parseFloat(v, keyMaxCommandRate); err != nil {
		return nil, err
	}
	if cfg.CommandBurst, err = parseInt(v, keyCommandBurst); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrInvalidConfig, envName(key), raw)
	}
	return n, nil
}

func parseFloat(v *viper.Viper, key string) (float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrInvalidConfig, envName(key), raw)
	}
	return f, nil
}

// parseDuration accepts a Go duration ("45s") or a plain number of seconds
// ("45", "2.5").
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: %s %q is not a duration", ErrInvalidConfig, envName(key), raw)
}

func envName(key string) string {
	for _, b := range bindings {
		if b.key == key {
			return b.env
		}
	}
	return key
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.ReleaseAllTimeout < 0 {
		return fmt.Errorf("%w: negative release-all timeout %s", ErrInvalidConfig, c.ReleaseAllTimeout)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("%w: max payload must be positive, got %d", ErrInvalidConfig, c.MaxPayload)
	}
	if c.ReaperInterval < 0 {
		return fmt.Errorf("%w: negative reaper interval %s", ErrInvalidConfig, c.ReaperInterval)
	}
	if c.MaxCommandRate < 0 {
		return fmt.Errorf("%w: negative command rate %g", ErrInvalidConfig, c.MaxCommandRate)
	}
	return nil
}

// Addr returns the lock server listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindTo, strconv.Itoa(c.Port))
}

