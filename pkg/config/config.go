package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = ""

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvDBDSN  = "CARETRACK_DB_DSN"
	EnvDBHost = "CARETRACK_DB_HOST"
	EnvDBUser = "CARETRACK_DB_USER"
	EnvDBName = "CARETRACK_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	FeatureFlags FeatureFlagsConfig
}

type FeatureFlagsConfig struct {
	// AutoMigrate runs pending migrations on boot. Dev only.
	AutoMigrate bool `envconfig:"CARETRACK_AUTO_MIGRATE" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CARETRACK_APP_ENV" required:"true"`
	Port         string `envconfig:"CARETRACK_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"CARETRACK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CARETRACK_LOG_WARN_STACK" default:"false"`
	FrontendURL  string `envconfig:"CARETRACK_FRONTEND_URL" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CARETRACK_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CARETRACK_DB_DSN"`
	Driver string `envconfig:"CARETRACK_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CARETRACK_DB_HOST"`
	LegacyPort     int    `envconfig:"CARETRACK_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CARETRACK_DB_USER"`
	LegacyPassword string `envconfig:"CARETRACK_DB_PASSWORD"`
	LegacyName     string `envconfig:"CARETRACK_DB_NAME"`
	LegacySSLMode  string `envconfig:"CARETRACK_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CARETRACK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CARETRACK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CARETRACK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CARETRACK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CARETRACK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CARETRACK_REDIS_ADDR"`
	Password     string        `envconfig:"CARETRACK_REDIS_PASSWORD"`
	DB           int           `envconfig:"CARETRACK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CARETRACK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CARETRACK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CARETRACK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CARETRACK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CARETRACK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"CARETRACK_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"CARETRACK_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"CARETRACK_JWT_EXPIRATION_MINUTES" default:"60"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type StripeConfig struct {
	APIKey  string `envconfig:"CARETRACK_STRIPE_API_KEY"`
	Secret  string `envconfig:"CARETRACK_STRIPE_SECRET"`
	Env     string `envconfig:"CARETRACK_STRIPE_ENV" default:"test"`
	PriceID string `envconfig:"CARETRACK_STRIPE_PRICE_ID"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type BillingConfig struct {
	TrialDays      int           `envconfig:"CARETRACK_BILLING_TRIAL_DAYS" default:"180"`
	PlanAmount     int           `envconfig:"CARETRACK_BILLING_PLAN_AMOUNT" default:"6000"`
	SweepInterval  time.Duration `envconfig:"CARETRACK_BILLING_SWEEP_INTERVAL" default:"24h"`
	SweepBatchSize int           `envconfig:"CARETRACK_BILLING_SWEEP_BATCH_SIZE" default:"250"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
