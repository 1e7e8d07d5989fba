// Package config loads environment-provided runtime configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/streambid/streambid/errs"
)

// RateLimit expresses "N requests per window", parsed from the
// "10/60s" environment form.
type RateLimit struct {
	Count  int
	Window time.Duration
}

// UnmarshalText parses the N/Ds form.
func (r *RateLimit) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("rate limit %q: want count/window", raw)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return fmt.Errorf("rate limit %q: bad count", raw)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return fmt.Errorf("rate limit %q: bad window", raw)
	}
	r.Count = count
	r.Window = window
	return nil
}

func (r RateLimit) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Window)
}

// Config carries every tunable the server reads from the environment.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AuthSigningKey string `env:"AUTH_SIGNING_KEY"`

	AuctionExtendSeconds          int   `env:"AUCTION_EXTEND_SECONDS" envDefault:"30"`
	AuctionExtendThresholdSeconds int   `env:"AUCTION_EXTEND_THRESHOLD_SECONDS" envDefault:"30"`
	OrderPaymentWindowSeconds     int   `env:"ORDER_PAYMENT_WINDOW_SECONDS" envDefault:"172800"`
	PlatformFeeBPS                int64 `env:"PLATFORM_FEE_BPS" envDefault:"700"`

	MessageRateLimit RateLimit `env:"MESSAGE_RATE_LIMIT" envDefault:"10/60s"`
	MessageMaxLen    int       `env:"MESSAGE_MAX_LEN" envDefault:"500"`

	SubscriberQueueMax    int `env:"SUBSCRIBER_QUEUE_MAX" envDefault:"256"`
	SubscriberIdleSeconds int `env:"SUBSCRIBER_IDLE_SECONDS" envDefault:"30"`

	SchedulerPollMS       int `env:"SCHEDULER_POLL_MS" envDefault:"1000"`
	SchedulerLeaseSeconds int `env:"SCHEDULER_LEASE_SECONDS" envDefault:"60"`
	SchedulerMaxRetries   int `env:"SCHEDULER_MAX_RETRIES" envDefault:"10"`

	CommandTimeoutSeconds int `env:"COMMAND_TIMEOUT_SECONDS" envDefault:"5"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" envDefault:"true"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"streambid"`
	Environment  string `env:"ENVIRONMENT" envDefault:"dev"`
}

// Load parses the environment into a validated Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errs.New("config/load", errs.CodeInvalid, errs.WithMessage("parse environment"), errs.WithCause(err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes and rejects unusable combinations.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("DATABASE_URL required"))
	}
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("AUTH_SIGNING_KEY required"))
	}
	if c.AuctionExtendSeconds <= 0 || c.AuctionExtendThresholdSeconds <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("auction extension settings must be positive"))
	}
	if c.OrderPaymentWindowSeconds <= 0 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("payment window must be positive"))
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		return errs.New("config/validate", errs.CodeInvalid, errs.WithMessage("platform fee must be within [0, 10000] bps"))
	}
	if c.MessageMaxLen <= 0 {
		c.MessageMaxLen = 500
	}
	if c.SubscriberQueueMax <= 0 {
		c.SubscriberQueueMax = 256
	}
	if c.SubscriberIdleSeconds <= 0 {
		c.SubscriberIdleSeconds = 30
	}
	if c.SchedulerPollMS <= 0 {
		c.SchedulerPollMS = 1000
	}
	if c.SchedulerLeaseSeconds <= 0 {
		c.SchedulerLeaseSeconds = 60
	}
	if c.SchedulerMaxRetries <= 0 {
		c.SchedulerMaxRetries = 10
	}
	if c.CommandTimeoutSeconds <= 0 {
		c.CommandTimeoutSeconds = 5
	}
	return nil
}

// ExtendWindow returns the anti-snipe threshold as a duration.
func (c Config) ExtendWindow() time.Duration {
	return time.Duration(c.AuctionExtendThresholdSeconds) * time.Second
}

// ExtendBy returns the anti-snipe extension as a duration.
func (c Config) ExtendBy() time.Duration {
	return time.Duration(c.AuctionExtendSeconds) * time.Second
}

// PaymentWindow returns the payment deadline offset.
func (c Config) PaymentWindow() time.Duration {
	return time.Duration(c.OrderPaymentWindowSeconds) * time.Second
}

// SchedulerPoll returns the scheduler scan interval.
func (c Config) SchedulerPoll() time.Duration {
	return time.Duration(c.SchedulerPollMS) * time.Millisecond
}

// SchedulerLease returns the claim lease duration.
func (c Config) SchedulerLease() time.Duration {
	return time.Duration(c.SchedulerLeaseSeconds) * time.Second
}

// CommandTimeout returns the end-to-end command deadline.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// SubscriberIdle returns the gateway ping/pong idle timeout.
func (c Config) SubscriberIdle() time.Duration {
	return time.Duration(c.SubscriberIdleSeconds) * time.Second
}
