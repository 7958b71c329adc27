// Package config loads the relay's settings from the environment. A .env file
// in the working directory, when present, is loaded first; variables already
// set in the process environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// DefaultOrigin is the development frontend that is always allowed.
const DefaultOrigin = "http://localhost:5173"

// Config is the complete runtime configuration.
type Config struct {
	Host string `env:"HOST,default=0.0.0.0" validate:"required"`
	Port int    `env:"PORT,default=3000" validate:"min=1,max=65535"`

	FrontendURL    string `env:"FRONTEND_URL"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:5173"`

	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE,default=256" validate:"min=1"`
	MaxConnections    int           `env:"MAX_CONNECTIONS,default=10000" validate:"min=1"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES,default=65536" validate:"min=64"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT,default=10s" validate:"min=0"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"min=0"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s" validate:"min=0"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=10s" validate:"min=0"`

	RelayQueueSize    int `env:"RELAY_QUEUE_SIZE,default=1024" validate:"min=1"`
	SendQueueSize     int `env:"SEND_QUEUE_SIZE,default=256" validate:"min=1"`
	ObserverQueueSize int `env:"OBSERVER_QUEUE_SIZE,default=4096" validate:"min=1"`
	MaxNameLength     int `env:"MAX_NAME_LENGTH,default=20" validate:"min=1"`
	MaxTextLength     int `env:"MAX_TEXT_LENGTH,default=2000" validate:"min=1"`

	// Optional backing services; empty disables them.
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL" validate:"omitempty,url"`
	DatabaseURL string `env:"DATABASE_URL" validate:"omitempty,url"`

	ServerName string `env:"SERVER_NAME"`
}

var validate = validator.New()

// Load reads .env (if any) and the process environment into a validated
// Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnviron(os.Environ())
}

// FromEnviron parses a list of KEY=value pairs into a validated Config.
func FromEnviron(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "lobby-1"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Origins returns the browser origins allowed to connect: FRONTEND_URL plus
// the comma-separated ALLOWED_ORIGINS, trimmed and deduplicated.
func (c Config) Origins() []string {
	parts := append([]string{c.FrontendURL}, strings.Split(c.AllowedOrigins, ",")...)
	parts = lo.Map(parts, func(s string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(s), "/")
	})
	return lo.Uniq(lo.Compact(parts))
}
