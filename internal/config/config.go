// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"muwise.app/internal/usage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MUWISE_"

type Config struct {
	Environment  string   `yaml:"environment"`
	HTTPAddr     string   `yaml:"http_addr"`
	GRPCAddr     string   `yaml:"grpc_addr"`
	BaseURL      string   `yaml:"base_url"`
	PublicAPIURL string   `yaml:"public_api_url"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`

	Signing   SigningConfig   `yaml:"signing"`
	Session   SessionConfig   `yaml:"session"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Minio     MinioConfig     `yaml:"minio"`
	Email     EmailConfig     `yaml:"email"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Plans     PlansConfig     `yaml:"plans"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type SigningConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
	// ExposeLinks returns minted signing links in API responses. Development only.
	ExposeLinks bool `yaml:"expose_links"`
}

type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	URL             string        `yaml:"url"`
	ContinuationTTL time.Duration `yaml:"continuation_ttl"`
}

type MinioConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type EmailConfig struct {
	ResendAPIKey string `yaml:"resend_api_key"`
	From         string `yaml:"from"`
}

type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	// Prices maps price ids to plan ids (creator, pro).
	Prices map[string]string `yaml:"prices"`
}

// PlansConfig holds agreement ceilings per plan; a negative value is unlimited.
type PlansConfig struct {
	Free    int `yaml:"free"`
	Creator int `yaml:"creator"`
	Pro     int `yaml:"pro"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Environment:  "development",
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		BaseURL:      "http://localhost:3000",
		PublicAPIURL: "http://localhost:8080",
		MaxBodyBytes: 2 << 20,
		Signing:      SigningConfig{Issuer: "muwise"},
		Session:      SessionConfig{TTL: 12 * time.Hour},
		Postgres:     PostgresConfig{MaxOpenConns: 10},
		Redis:        RedisConfig{ContinuationTTL: 15 * time.Minute},
		Minio:        MinioConfig{Bucket: "agreements"},
		Email:        EmailConfig{From: "Muwise <no-reply@muwise.app>"},
		Plans:        PlansConfig{Free: 15, Creator: 200, Pro: -1},
		RateLimit:    RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load reads MUWISE_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with an injected environment lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv(EnvPrefix + "CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		return v, v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ENV", &cfg.Environment)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("BASE_URL", &cfg.BaseURL)
	str("PUBLIC_API_URL", &cfg.PublicAPIURL)
	if v, ok := env("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v, ok := env("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sMAX_BODY_BYTES: %w", EnvPrefix, err))
		} else {
			cfg.MaxBodyBytes = n
		}
	}

	str("SIGNING_SECRET", &cfg.Signing.Secret)
	str("SIGNING_ISSUER", &cfg.Signing.Issuer)
	boolean("EXPOSE_SIGNING_LINKS", &cfg.Signing.ExposeLinks)
	str("SESSION_SECRET", &cfg.Session.Secret)
	duration("SESSION_TTL", &cfg.Session.TTL)

	str("PG_DSN", &cfg.Postgres.DSN)
	integer("PG_MAX_OPEN_CONNS", &cfg.Postgres.MaxOpenConns)
	str("REDIS_URL", &cfg.Redis.URL)
	duration("CONTINUATION_TTL", &cfg.Redis.ContinuationTTL)

	str("MINIO_ENDPOINT", &cfg.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.Minio.SecretKey)
	str("MINIO_BUCKET", &cfg.Minio.Bucket)
	boolean("MINIO_USE_SSL", &cfg.Minio.UseSSL)
	str("MINIO_PUBLIC_BASE_URL", &cfg.Minio.PublicBaseURL)

	str("RESEND_API_KEY", &cfg.Email.ResendAPIKey)
	str("EMAIL_FROM", &cfg.Email.From)

	str("STRIPE_WEBHOOK_SECRET", &cfg.Stripe.WebhookSecret)
	if v, ok := env("PRICE_PLANS"); ok {
		prices, err := parsePricePlans(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Stripe.Prices = prices
		}
	}

	integer("PLAN_FREE_LIMIT", &cfg.Plans.Free)
	integer("PLAN_CREATOR_LIMIT", &cfg.Plans.Creator)
	integer("PLAN_PRO_LIMIT", &cfg.Plans.Pro)

	if v, ok := env("RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sRATE_LIMIT_RPS: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.RPS = f
		}
	}
	integer("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with. A missing
// signing secret is fatal: links are never signed with a default key.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Signing.Secret) == "" {
		errs = append(errs, fmt.Errorf("%sSIGNING_SECRET is required", EnvPrefix))
	}
	if strings.TrimSpace(c.Session.Secret) == "" {
		errs = append(errs, fmt.Errorf("%sSESSION_SECRET is required", EnvPrefix))
	}
	if c.Signing.Secret != "" && c.Signing.Secret == c.Session.Secret {
		errs = append(errs, errors.New("signing and session secrets must differ"))
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("%sBASE_URL is required", EnvPrefix))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	for price, plan := range c.Stripe.Prices {
		if p := usage.ParsePlan(plan); p == usage.PlanFree && !strings.EqualFold(plan, string(usage.PlanFree)) {
			errs = append(errs, fmt.Errorf("price %s maps to unknown plan %q", price, plan))
		}
	}
	return errors.Join(errs...)
}

// Limits converts the plan ceilings for the usage ledger.
func (c *Config) Limits() usage.Limits {
	ceiling := func(n int) usage.Ceiling {
		if n < 0 {
			return usage.Ceiling{Unlimited: true}
		}
		return usage.Ceiling{Max: n}
	}
	return usage.Limits{
		usage.PlanFree:    ceiling(c.Plans.Free),
		usage.PlanCreator: ceiling(c.Plans.Creator),
		usage.PlanPro:     ceiling(c.Plans.Pro),
	}
}

// PricePlans returns the price id to plan mapping for billing.
func (c *Config) PricePlans() map[string]usage.Plan {
	out := make(map[string]usage.Plan, len(c.Stripe.Prices))
	for price, plan := range c.Stripe.Prices {
		out[price] = usage.ParsePlan(plan)
	}
	return out
}

func parsePricePlans(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		price, plan, ok := strings.Cut(pair, "=")
		price, plan = strings.TrimSpace(price), strings.TrimSpace(plan)
		if !ok || price == "" || plan == "" {
			return nil, fmt.Errorf("invalid %sPRICE_PLANS entry %q (want price_id=plan)", EnvPrefix, pair)
		}
		out[price] = plan
	}
	return out, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
