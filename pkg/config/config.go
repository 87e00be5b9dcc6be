package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix namespaces every environment variable read by Load.
	EnvPrefix = "STUDYLANE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Stripe       StripeConfig
	AdminSync    AdminSyncConfig
	Verify       VerifyConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"STUDYLANE_APP_ENV" required:"true"`
	Port         string `envconfig:"STUDYLANE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STUDYLANE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STUDYLANE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STUDYLANE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STUDYLANE_DB_DSN"`
	Driver string `envconfig:"STUDYLANE_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STUDYLANE_DB_HOST"`
	Port     int    `envconfig:"STUDYLANE_DB_PORT" default:"5432"`
	User     string `envconfig:"STUDYLANE_DB_USER"`
	Password string `envconfig:"STUDYLANE_DB_PASSWORD"`
	Name     string `envconfig:"STUDYLANE_DB_NAME"`
	SSLMode  string `envconfig:"STUDYLANE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STUDYLANE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STUDYLANE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STUDYLANE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STUDYLANE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STUDYLANE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STUDYLANE_REDIS_ADDR"`
	Password     string        `envconfig:"STUDYLANE_REDIS_PASSWORD"`
	DB           int           `envconfig:"STUDYLANE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STUDYLANE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STUDYLANE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STUDYLANE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STUDYLANE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STUDYLANE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"STUDYLANE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"STUDYLANE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"STUDYLANE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type StripeConfig struct {
	APIKey              string        `envconfig:"STUDYLANE_STRIPE_API_KEY"`
	Env                 string        `envconfig:"STUDYLANE_STRIPE_ENV" default:"test"`
	PremiumMonthlyPrice string        `envconfig:"STUDYLANE_STRIPE_PREMIUM_MONTHLY_PRICE_ID" default:"premium-monthly"`
	PremiumAnnualPrice  string        `envconfig:"STUDYLANE_STRIPE_PREMIUM_ANNUAL_PRICE_ID" default:"premium-annual"`
	CallTimeout         time.Duration `envconfig:"STUDYLANE_STRIPE_CALL_TIMEOUT" default:"10s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type AdminSyncConfig struct {
	// AllowedEmails grants admin-sync access to non-admin operators.
	AllowedEmails []string `envconfig:"STUDYLANE_ADMIN_SYNC_ALLOWED_EMAILS"`
}

// Allows reports whether the email is on the operator allow-list.
func (a AdminSyncConfig) Allows(email string) bool {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return false
	}
	for _, allowed := range a.AllowedEmails {
		if strings.TrimSpace(strings.ToLower(allowed)) == email {
			return true
		}
	}
	return false
}

type VerifyConfig struct {
	// Client-side retry policy echoed to pending verify-session responses.
	MaxAttempts   int           `envconfig:"STUDYLANE_VERIFY_MAX_ATTEMPTS" default:"5"`
	RetryInterval time.Duration `envconfig:"STUDYLANE_VERIFY_RETRY_INTERVAL" default:"3s"`
}

type CronConfig struct {
	Interval   time.Duration `envconfig:"STUDYLANE_CRON_INTERVAL" default:"1h"`
	SweepLimit int           `envconfig:"STUDYLANE_CRON_SWEEP_LIMIT" default:"500"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STUDYLANE_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	parts := map[string]string{
		"STUDYLANE_DB_HOST": db.Host,
		"STUDYLANE_DB_USER": db.User,
		"STUDYLANE_DB_NAME": db.Name,
	}
	for _, env := range []string{"STUDYLANE_DB_HOST", "STUDYLANE_DB_USER", "STUDYLANE_DB_NAME"} {
		if parts[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either STUDYLANE_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
