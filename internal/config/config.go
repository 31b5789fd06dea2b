package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"github.com/Priya8975/conversion-dispatch/internal/tokens"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	MinTransportTimeout = 15 * time.Second
	MaxTransportTimeout = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	AppName  string `env:"APP_NAME" env-default:"conversion-dispatch"`
	Env      string `env:"ENV" env-default:"local"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	// OTLPEndpoint enables trace export when set, e.g. localhost:4318.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// TokenEncryptionKey is the 32-byte AES key, hex or base64.
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	Server    Server    `env-prefix:"SERVER_"`
	Database  Database  `env-prefix:"DATABASE_"`
	Redis     Redis     `env-prefix:"REDIS_"`
	Dispatch  Dispatch  `env-prefix:"DISPATCH_"`
	Transport Transport `env-prefix:"TRANSPORT_"`
	Meta      Meta      `env-prefix:"META_"`
	Snap      Snap      `env-prefix:"SNAP_"`
	TikTok    TikTok    `env-prefix:"TIKTOK_"`
}

type Server struct {
	Port            string        `env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Database struct {
	URL string `env:"URL"`
}

// Redis is optional. Without it the circuit breaker, rate limiter and
// cross-process refresh lock are disabled.
type Redis struct {
	URL string `env:"URL"`
}

type Dispatch struct {
	// Workers is the number of delivery goroutines per platform lane.
	Workers          int           `env:"WORKERS" env-default:"20"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" env-default:"1s"`
	BatchSize        int           `env:"BATCH_SIZE" env-default:"100"`
	MaxRetries       int           `env:"MAX_RETRIES" env-default:"5"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" env-default:"1m"`
	PurgeInterval    time.Duration `env:"PURGE_INTERVAL" env-default:"24h"`
	RetentionDays    int           `env:"RETENTION_DAYS" env-default:"30"`
	RefreshInterval  time.Duration `env:"REFRESH_INTERVAL" env-default:"10m"`
	RefreshWindow    time.Duration `env:"REFRESH_WINDOW" env-default:"30m"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" env-default:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" env-default:"30s"`
}

type Transport struct {
	Timeout  time.Duration `env:"TIMEOUT" env-default:"20s"`
	Attempts int           `env:"ATTEMPTS" env-default:"3"`
	Delay    time.Duration `env:"DELAY" env-default:"1s"`
}

type Meta struct {
	BaseURL       string `env:"BASE_URL"`
	APIVersion    string `env:"API_VERSION"`
	PixelID       string `env:"PIXEL_ID"`
	AccountID     string `env:"ACCOUNT_ID"`
	AccessToken   string `env:"ACCESS_TOKEN"`
	TestEventCode string `env:"TEST_EVENT_CODE"`
	RateLimit     int    `env:"RATE_LIMIT"`
}

type Snap struct {
	BaseURL      string `env:"BASE_URL"`
	PixelID      string `env:"PIXEL_ID"`
	AccountID    string `env:"ACCOUNT_ID"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	TokenURL     string `env:"TOKEN_URL" env-default:"https://accounts.snapchat.com/login/oauth2/access_token"`
	RateLimit    int    `env:"RATE_LIMIT"`
}

type TikTok struct {
	BaseURL       string `env:"BASE_URL"`
	PixelCode     string `env:"PIXEL_CODE"`
	AccountID     string `env:"ACCOUNT_ID"`
	ClientID      string `env:"CLIENT_ID"`
	ClientSecret  string `env:"CLIENT_SECRET"`
	TokenURL      string `env:"TOKEN_URL" env-default:"https://business-api.tiktok.com/open_api/v1.3/oauth2/refresh_token/"`
	TestEventCode string `env:"TEST_EVENT_CODE"`
	RateLimit     int    `env:"RATE_LIMIT"`
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.TokenEncryptionKey == "" {
		errs = append(errs, errors.New("TOKEN_ENCRYPTION_KEY is required"))
	}
	if t := c.Transport.Timeout; t < MinTransportTimeout || t > MaxTransportTimeout {
		errs = append(errs, fmt.Errorf("TRANSPORT_TIMEOUT must be between %s and %s, got %s", MinTransportTimeout, MaxTransportTimeout, t))
	}
	if c.Transport.Attempts < 1 {
		errs = append(errs, errors.New("TRANSPORT_ATTEMPTS must be at least 1"))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be at least 1"))
	}
	if c.Dispatch.BatchSize < 1 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be at least 1"))
	}
	if c.Dispatch.MaxRetries < 1 {
		errs = append(errs, errors.New("DISPATCH_MAX_RETRIES must be at least 1"))
	}
	if c.Dispatch.RetentionDays < 1 {
		errs = append(errs, errors.New("DISPATCH_RETENTION_DAYS must be at least 1"))
	}
	if len(c.Platforms()) == 0 {
		errs = append(errs, errors.New("at least one platform must be configured (META_PIXEL_ID, SNAP_PIXEL_ID or TIKTOK_PIXEL_CODE)"))
	}
	if c.Snap.PixelID != "" && (c.Snap.ClientID == "" || c.Snap.ClientSecret == "") {
		errs = append(errs, errors.New("SNAP_CLIENT_ID and SNAP_CLIENT_SECRET are required when Snap is enabled"))
	}
	if c.TikTok.PixelCode != "" && (c.TikTok.ClientID == "" || c.TikTok.ClientSecret == "") {
		errs = append(errs, errors.New("TIKTOK_CLIENT_ID and TIKTOK_CLIENT_SECRET are required when TikTok is enabled"))
	}
	return errors.Join(errs...)
}

// Platforms lists the platforms with a pixel configured.
func (c *Config) Platforms() []domain.Platform {
	var out []domain.Platform
	if c.Meta.PixelID != "" {
		out = append(out, domain.PlatformMeta)
	}
	if c.Snap.PixelID != "" {
		out = append(out, domain.PlatformSnap)
	}
	if c.TikTok.PixelCode != "" {
		out = append(out, domain.PlatformTikTok)
	}
	return out
}

func (c *Config) ClientConfig() platform.ClientConfig {
	return platform.ClientConfig{
		Timeout:  c.Transport.Timeout,
		Attempts: c.Transport.Attempts,
		Delay:    c.Transport.Delay,
	}
}

func (c *Config) MetaConfig() platform.MetaConfig {
	return platform.MetaConfig{
		BaseURL:       c.Meta.BaseURL,
		APIVersion:    c.Meta.APIVersion,
		PixelID:       c.Meta.PixelID,
		AccountID:     c.Meta.AccountID,
		TestEventCode: c.Meta.TestEventCode,
	}
}

func (c *Config) SnapConfig() platform.SnapConfig {
	return platform.SnapConfig{
		BaseURL:   c.Snap.BaseURL,
		PixelID:   c.Snap.PixelID,
		AccountID: c.Snap.AccountID,
	}
}

func (c *Config) TikTokConfig() platform.TikTokConfig {
	return platform.TikTokConfig{
		BaseURL:       c.TikTok.BaseURL,
		PixelCode:     c.TikTok.PixelCode,
		AccountID:     c.TikTok.AccountID,
		TestEventCode: c.TikTok.TestEventCode,
	}
}

// OAuthClients returns the token endpoints of the refreshing platforms.
func (c *Config) OAuthClients() map[domain.Platform]tokens.OAuthClient {
	return map[domain.Platform]tokens.OAuthClient{
		domain.PlatformSnap: {
			ClientID:     c.Snap.ClientID,
			ClientSecret: c.Snap.ClientSecret,
			TokenURL:     c.Snap.TokenURL,
		},
		domain.PlatformTikTok: {
			ClientID:     c.TikTok.ClientID,
			ClientSecret: c.TikTok.ClientSecret,
			TokenURL:     c.TikTok.TokenURL,
		},
	}
}

// StaticTokens holds the Meta system-user token, if configured.
func (c *Config) StaticTokens() map[domain.Platform]string {
	if c.Meta.AccessToken == "" {
		return nil
	}
	return map[domain.Platform]string{domain.PlatformMeta: c.Meta.AccessToken}
}

// Accounts lists the configured accounts whose credentials are refreshed proactively.
func (c *Config) Accounts() tokens.StaticAccounts {
	var out tokens.StaticAccounts
	if c.Snap.PixelID != "" {
		out = append(out, domain.AccountRef{Platform: domain.PlatformSnap, AccountID: c.Snap.AccountID})
	}
	if c.TikTok.PixelCode != "" {
		out = append(out, domain.AccountRef{Platform: domain.PlatformTikTok, AccountID: c.TikTok.AccountID})
	}
	return out
}

// RateLimits returns the per-second request cap per platform. Zero means unlimited.
func (c *Config) RateLimits() map[domain.Platform]int {
	return map[domain.Platform]int{
		domain.PlatformMeta:   c.Meta.RateLimit,
		domain.PlatformSnap:   c.Snap.RateLimit,
		domain.PlatformTikTok: c.TikTok.RateLimit,
	}
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Dispatch.RetentionDays) * 24 * time.Hour
}
