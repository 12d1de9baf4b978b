// Package config loads service settings from VMS_* environment variables,
// optionally seeded from a local .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const prefix = "VMS"

type Config struct {
	Version string `envconfig:"VERSION" default:"dev"`
	Commit  string `envconfig:"COMMIT" default:"none"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	AuthSecret string        `envconfig:"AUTH_SECRET"`
	AuthIssuer string        `envconfig:"AUTH_ISSUER" default:"vms"`
	AccessTTL  time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL time.Duration `envconfig:"REFRESH_TTL" default:"168h"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"vms:live"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"vms.events"`

	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"2s"`

	RateBurst  int     `envconfig:"RATE_BURST" default:"100"`
	RatePerSec float64 `envconfig:"RATE_PER_SEC" default:"50"`

	LoginBurst  int           `envconfig:"LOGIN_BURST" default:"8"`
	LoginWindow time.Duration `envconfig:"LOGIN_WINDOW" default:"15m"`

	SuperAdminServiceNumber string `envconfig:"SUPERADMIN_SERVICE_NUMBER"`
	SuperAdminPassword      string `envconfig:"SUPERADMIN_PASSWORD"`
	SuperAdminEmail         string `envconfig:"SUPERADMIN_EMAIL"`
	SuperAdminName          string `envconfig:"SUPERADMIN_NAME" default:"Super Admin"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("VMS_AUTH_SECRET is required"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("VMS_RATE_BURST and VMS_RATE_PER_SEC must be positive"))
	}
	if c.LoginBurst <= 0 || c.LoginWindow <= 0 {
		errs = append(errs, errors.New("VMS_LOGIN_BURST and VMS_LOGIN_WINDOW must be positive"))
	}
	if (c.SuperAdminServiceNumber == "") != (c.SuperAdminPassword == "") {
		errs = append(errs, errors.New("VMS_SUPERADMIN_SERVICE_NUMBER and VMS_SUPERADMIN_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

// BootstrapSuperAdmin reports whether a superadmin account should be ensured at startup.
func (c Config) BootstrapSuperAdmin() bool {
	return c.SuperAdminServiceNumber != "" && c.SuperAdminPassword != ""
}
