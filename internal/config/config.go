package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/WatchRoom/internal/ratelimit"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	Port        int    `mapstructure:"port"`
	NodeID      string `mapstructure:"node_id"`
	MetricsPath string `mapstructure:"metrics_path"`

	Log    LogConfig       `mapstructure:"log"`
	WS     WSConfig        `mapstructure:"ws"`
	Auth   AuthConfig      `mapstructure:"auth"`
	Store  StoreConfig     `mapstructure:"store"`
	Redis  RedisConfig     `mapstructure:"redis"`
	Bus    BusConfig       `mapstructure:"bus"`
	NATS   NATSConfig      `mapstructure:"nats"`
	DB     DBConfig        `mapstructure:"db"`
	Room   RoomConfig      `mapstructure:"room"`
	Limits ratelimit.Rules `mapstructure:"limits"`
	TURN   TURNConfig      `mapstructure:"turn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`

	// SlowConsumer is kick or drop.
	SlowConsumer string `mapstructure:"slow_consumer"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	ChatHistory int           `mapstructure:"chat_history"`
	NodeTTL     time.Duration `mapstructure:"node_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BusConfig struct {
	Driver string `mapstructure:"driver"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RoomConfig struct {
	SpeakerCapacity int `mapstructure:"speaker_capacity"`
}

type TURNConfig struct {
	URL    string        `mapstructure:"url"`
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
	STUN   []string      `mapstructure:"stun"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("node_id", "")
	v.SetDefault("metrics_path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.slow_consumer", "kick")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.timeout", "2s")
	v.SetDefault("store.cache_ttl", "250ms")
	v.SetDefault("store.chat_history", 50)
	v.SetDefault("store.node_ttl", "15s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("bus.driver", "local")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "watchroom.db")

	v.SetDefault("room.speaker_capacity", 6)

	for class, rule := range ratelimit.DefaultRules() {
		v.SetDefault("limits."+string(class)+".capacity", rule.Capacity)
		v.SetDefault("limits."+string(class)+".refill_per_sec", rule.RefillPerSec)
	}

	v.SetDefault("turn.url", "")
	v.SetDefault("turn.secret", "")
	v.SetDefault("turn.ttl", "1h")
	v.SetDefault("turn.stun", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) and applies
// WATCHROOM_* environment overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("WATCHROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Str("bus", cfg.Bus.Driver).Msg("config ready")
	return &cfg, nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %v", field, value, allowed)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Mode == "release" && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required in release mode"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: %d out of range", c.Port))
	}
	errs = append(errs,
		oneOf("store.driver", c.Store.Driver, "memory", "redis"),
		oneOf("bus.driver", c.Bus.Driver, "local", "redis", "nats"),
		oneOf("db.driver", c.DB.Driver, "sqlite", "postgres"),
		oneOf("ws.slow_consumer", c.WS.SlowConsumer, "kick", "drop"),
	)
	if c.Store.NodeTTL < 3*time.Second {
		errs = append(errs, fmt.Errorf("store.node_ttl: %s is below 3s", c.Store.NodeTTL))
	}
	for class, rule := range c.Limits {
		if rule.Capacity < 1 || rule.RefillPerSec < 0 {
			errs = append(errs, fmt.Errorf("limits.%s: capacity must be >= 1 and refill >= 0", class))
		}
	}
	return errors.Join(errs...)
}
