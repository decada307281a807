package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string      `mapstructure:"mode"`
	Host       string      `mapstructure:"host"`
	Port       int         `mapstructure:"port"`
	StaticPath string      `mapstructure:"static_path"`
	Secret     string      `mapstructure:"secret"`
	LogLevel   string      `mapstructure:"log_level"`
	LogFormat  string      `mapstructure:"log_format"`
	Relay      RelayConfig `mapstructure:"relay"`
}

// RelayConfig tunes every relay instance spawned for a hosted session.
type RelayConfig struct {
	BindHost         string        `mapstructure:"bind_host"`
	SpawnTimeout     time.Duration `mapstructure:"spawn_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	SendQueue        int           `mapstructure:"send_queue"`
	SlowPeerPolicy   string        `mapstructure:"slow_peer_policy"`
	// IdleTimeout ends a session nobody but the host has joined for that long. Zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	r := c.Relay
	if r.SpawnTimeout <= 0 {
		return errors.New("relay.spawn_timeout must be positive")
	}
	if r.HandshakeTimeout <= 0 {
		return errors.New("relay.handshake_timeout must be positive")
	}
	if r.SendQueue <= 0 {
		return errors.New("relay.send_queue must be positive")
	}
	if r.PingPeriod >= r.PongWait {
		return fmt.Errorf("relay.ping_period (%s) must be shorter than relay.pong_wait (%s)", r.PingPeriod, r.PongWait)
	}
	switch r.SlowPeerPolicy {
	case "kick", "drop":
	default:
		return fmt.Errorf("unknown relay.slow_peer_policy %q", r.SlowPeerPolicy)
	}
	if r.RateLimit < 0 || r.IdleTimeout < 0 {
		return errors.New("relay.rate_limit and relay.idle_timeout must not be negative")
	}
	if r.RateLimit > 0 && r.RateWindow <= 0 {
		return errors.New("relay.rate_window must be positive when relay.rate_limit is set")
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("hostrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 6969)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("relay.bind_host", "127.0.0.1")
	v.SetDefault("relay.spawn_timeout", "5s")
	v.SetDefault("relay.handshake_timeout", "5s")
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.write_wait", "5s")
	v.SetDefault("relay.send_queue", 64)
	v.SetDefault("relay.slow_peer_policy", "kick")
	v.SetDefault("relay.idle_timeout", "0s")
	v.SetDefault("relay.rate_limit", 0)
	v.SetDefault("relay.rate_window", "1s")
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when the file is absent.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}
