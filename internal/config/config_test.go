package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, b := range bindings {
		t.Setenv(b.env, "")
		_ = os.Unsetenv(b.env)
	}
}

// withFlags returns a viper instance bound to a parsed flag set.
func withFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := NewViper()
	fs := pflag.NewFlagSet("livelock", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(v, fs))
	require.NoError(t, fs.Parse(args))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	for name, v := range map[string]*viper.Viper{
		"without flags": NewViper(),
		"with flags":    withFlags(t),
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(v)
			require.NoError(t, err)

			assert.Equal(t, DefaultBindTo, cfg.BindTo)
			assert.Equal(t, DefaultPort, cfg.Port)
			assert.Equal(t, DefaultReleaseAllTimeout, cfg.ReleaseAllTimeout)
			assert.Empty(t, cfg.Password)
			assert.Equal(t, DefaultMaxPayload, cfg.MaxPayload)
			assert.Equal(t, DefaultReaperInterval, cfg.ReaperInterval)
			assert.Zero(t, cfg.MaxCommandRate)
			assert.Equal(t, DefaultCommandBurst, cfg.CommandBurst)
			assert.Empty(t, cfg.AdminAddr)
			assert.Equal(t, "info", cfg.LogLevel)
			assert.Equal(t, "json", cfg.LogFormat)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVELOCK_BIND_TO", "127.0.0.1")
	t.Setenv("LIVELOCK_PORT", "9999")
	t.Setenv("LIVELOCK_RELEASE_ALL_TIMEOUT", "45s")
	t.Setenv("LIVELOCK_PASSWORD", "secret")
	t.Setenv("LIVELOCK_MAX_PAYLOAD", "1024")
	t.Setenv("LIVELOCK_REAPER_INTERVAL", "0")
	t.Setenv("LIVELOCK_MAX_COMMAND_RATE", "250.5")
	t.Setenv("LIVELOCK_COMMAND_BURST", "10")
	t.Setenv("LIVELOCK_ADMIN_ADDR", ":9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load(withFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindTo)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.ReleaseAllTimeout)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 1024, cfg.MaxPayload)
	assert.Zero(t, cfg.ReaperInterval)
	assert.Equal(t, 250.5, cfg.MaxCommandRate)
	assert.Equal(t, 10, cfg.CommandBurst)
	assert.Equal(t, ":9100", cfg.AdminAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr())
}

func TestLoad_DurationAsSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVELOCK_RELEASE_ALL_TIMEOUT", "2.5")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.ReleaseAllTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"LIVELOCK_PORT", "not-a-port"},
		{"LIVELOCK_RELEASE_ALL_TIMEOUT", "soon"},
		{"LIVELOCK_MAX_PAYLOAD", "big"},
		{"LIVELOCK_REAPER_INTERVAL", "often"},
		{"LIVELOCK_MAX_COMMAND_RATE", "fast"},
		{"LIVELOCK_COMMAND_BURST", "lots"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)

			cfg, err := Load(withFlags(t))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoad_FlagsTakePrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVELOCK_PORT", "9999")
	t.Setenv("LIVELOCK_PASSWORD", "from-env")
	t.Setenv("LIVELOCK_BIND_TO", "10.0.0.1")

	cfg, err := Load(withFlags(t, "--port", "7000", "--password", "from-flag", "--release-all-timeout", "5s"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "from-flag", cfg.Password)
	assert.Equal(t, 5*time.Second, cfg.ReleaseAllTimeout)
	assert.Equal(t, "10.0.0.1", cfg.BindTo, "unset flags keep the environment value")
}

func TestLoad_EveryFlagReachable(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(withFlags(t,
		"--bind", "127.0.0.2",
		"--port", "7001",
		"--release-all-timeout", "1m",
		"--password", "pw",
		"--max-payload", "2048",
		"--reaper-interval", "3s",
		"--max-command-rate", "12.5",
		"--command-burst", "4",
		"--admin-addr", "127.0.0.1:9102",
		"--log-level", "warn",
		"--log-format", "console",
	))
	require.NoError(t, err)

	assert.Equal(t, &Config{
		BindTo:            "127.0.0.2",
		Port:              7001,
		ReleaseAllTimeout: time.Minute,
		Password:          "pw",
		MaxPayload:        2048,
		ReaperInterval:    3 * time.Second,
		MaxCommandRate:    12.5,
		CommandBurst:      4,
		AdminAddr:         "127.0.0.1:9102",
		LogLevel:          "warn",
		LogFormat:         "console",
	}, cfg)
}

func TestLoad_EmptyPasswordFlagDisablesAuth(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVELOCK_PASSWORD", "from-env")

	cfg, err := Load(withFlags(t, "--password="))
	require.NoError(t, err)

	assert.Empty(t, cfg.Password)
}

func TestRegisterFlags_EveryBindingHasAFlag(t *testing.T) {
	fs := pflag.NewFlagSet("livelock", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(NewViper(), fs))

	for _, b := range bindings {
		assert.NotNil(t, fs.Lookup(b.flag), b.flag)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"negative timeout", func(c *Config) { c.ReleaseAllTimeout = -time.Second }},
		{"zero payload", func(c *Config) { c.MaxPayload = 0 }},
		{"negative reaper interval", func(c *Config) { c.ReaperInterval = -time.Second }},
		{"negative rate", func(c *Config) { c.MaxCommandRate = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load(NewViper())
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
