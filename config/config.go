package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	GinMode string `env:"GIN_MODE" envDefault:"debug"`
	Debug   bool   `env:"DEBUG" envDefault:"false"`

	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	Store struct {
		Driver   string        `env:"STORE_DRIVER" envDefault:"mongo"`
		Timeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
		MongoURI string        `env:"MONGODB_URI" envDefault:"mongodb://127.0.0.1:27017"`
		Database string        `env:"MONGODB_DATABASE" envDefault:"heartline"`
	}

	// Redis is optional. With an empty address presence stays process-local.
	Redis struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Presence struct {
		TTL           time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`
		SweepInterval time.Duration `env:"PRESENCE_SWEEP_INTERVAL" envDefault:"30s"`
	}

	FreeMessageQuota int `env:"FREE_MESSAGE_QUOTA" envDefault:"3"`

	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5500,http://127.0.0.1:5500"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`

	Push struct {
		VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
		VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
		Subject         string `env:"VAPID_SUBJECT" envDefault:"mailto:ops@heartline.app"`
	}

	BillingWebhookSecret string `env:"BILLING_WEBHOOK_SECRET"`
}

// Load reads a .env file when present and then the process environment.
func Load() (*Config, error) {
	// .env is optional; in production variables come from the environment
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.FreeMessageQuota < 0 {
		return fmt.Errorf("FREE_MESSAGE_QUOTA must not be negative")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.Presence.TTL <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("PRESENCE_TTL and PRESENCE_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}
