package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment selects between the live brokerage and the paper-trading sandbox.
type Environment string

const (
	// EnvLive targets the production trading system.
	EnvLive Environment = "live"
	// EnvPaper targets the paper-trading (virtual) system.
	EnvPaper Environment = "paper"
)

// Default endpoints per environment.
const (
	LiveBaseURL    = "https://openapi.koreainvestment.com:9443"
	PaperBaseURL   = "https://openapivts.koreainvestment.com:29443"
	LiveStreamURL  = "ws://ops.koreainvestment.com:21000/tryitout"
	PaperStreamURL = "ws://ops.koreainvestment.com:31000/tryitout"
)

// PayloadEncoding is the text encoding applied to encrypted stream payloads.
type PayloadEncoding string

const (
	// EncodingBase64 is standard padded base64.
	EncodingBase64 PayloadEncoding = "base64"
	// EncodingHex is lower or upper case hexadecimal.
	EncodingHex PayloadEncoding = "hex"
)

// Credentials holds the application credentials issued by the brokerage.
// A Credentials value is immutable once loaded.
type Credentials struct {
	// AppKey is the application key identifying the registered app.
	AppKey string `json:"app_key" yaml:"app_key" validate:"required"`
	// AppSecret is the secret paired with AppKey.
	AppSecret string `json:"app_secret" yaml:"app_secret" validate:"required"`
	// AccountNumber is the trading account in NNNNNNNN-NN form.
	AccountNumber string `json:"account_number" yaml:"account_number" validate:"omitempty,account"`
	// HTSID is the trading-system user id used as the key of execution-notice streams.
	HTSID string `json:"hts_id,omitempty" yaml:"hts_id"`
}

// AccountParts splits AccountNumber into the 8 digit account and the 2 digit product code.
func (c Credentials) AccountParts() (string, string, error) {
	cano, prdt, ok := strings.Cut(c.AccountNumber, "-")
	if !ok || len(cano) != 8 || len(prdt) != 2 {
		return "", "", fmt.Errorf("malformed account number %q", c.AccountNumber)
	}
	return cano, prdt, nil
}

// String masks the secret parts of the credentials.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AppKey:%s, Account:%s}", maskKey(c.AppKey), c.AccountNumber)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// Config contains all configuration options for a client.
// It covers authentication, networking, pagination, rate limiting and streaming settings.
type Config struct {
	Environment Environment  `json:"environment" yaml:"environment" validate:"required,oneof=live paper"`
	Credentials *Credentials `json:"credentials,omitempty" yaml:"credentials" validate:"required"`

	// BaseURL overrides the REST endpoint of the selected environment.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	// StreamURL overrides the streaming endpoint of the selected environment.
	StreamURL string `json:"stream_url,omitempty" yaml:"stream_url" validate:"omitempty,url"`
	// CustType is the customer type header, "P" for individuals and "B" for corporations.
	CustType string `json:"cust_type" yaml:"cust_type" validate:"oneof=P B"`

	// Timeout is the maximum duration of a single HTTP round trip.
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"min=1ms"`

	// PageInterval is the mandatory pause between continuation pages of one walk.
	PageInterval time.Duration `json:"page_interval" yaml:"page_interval" validate:"min=0"`
	// MaxPageDepth bounds the number of continuation hops in one walk.
	MaxPageDepth int `json:"max_page_depth" yaml:"max_page_depth" validate:"min=0"`

	RateLimitRequests int           `json:"rate_limit_requests" yaml:"rate_limit_requests" validate:"min=1"`
	RateLimitPeriod   time.Duration `json:"rate_limit_period" yaml:"rate_limit_period" validate:"min=1ms"`

	// TokenSafetyMargin re-issues a token this long before it expires.
	TokenSafetyMargin time.Duration `json:"token_safety_margin" yaml:"token_safety_margin" validate:"min=0"`
	// ApprovalKeyTTL is the assumed lifetime of a streaming approval key.
	ApprovalKeyTTL time.Duration `json:"approval_key_ttl" yaml:"approval_key_ttl" validate:"min=1s"`
	// UseHashKey attaches a body hash header to write requests.
	UseHashKey bool `json:"use_hash_key" yaml:"use_hash_key"`

	StreamPayloadEncoding PayloadEncoding `json:"stream_payload_encoding" yaml:"stream_payload_encoding" validate:"oneof=base64 hex"`
	StreamWorkers         int             `json:"stream_workers" yaml:"stream_workers" validate:"min=1"`
	StreamBufferSize      int             `json:"stream_buffer_size" yaml:"stream_buffer_size" validate:"min=1"`
	StreamAckTimeout      time.Duration   `json:"stream_ack_timeout" yaml:"stream_ack_timeout" validate:"min=1ms"`
	StreamIdleTimeout     time.Duration   `json:"stream_idle_timeout" yaml:"stream_idle_timeout" validate:"min=1ms"`
	MaxSubscriptions      int             `json:"max_subscriptions" yaml:"max_subscriptions" validate:"min=1"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with defaults for the given environment.
// Paper trading is throttled harder upstream, so it paces pages and requests more slowly.
func DefaultConfig(env Environment) *Config {
	c := &Config{
		Environment: env,
		CustType:    "P",
		Timeout:     10 * time.Second,

		PageInterval: 100 * time.Millisecond,
		MaxPageDepth: 10,

		RateLimitRequests: 20,
		RateLimitPeriod:   time.Second,

		TokenSafetyMargin: 10 * time.Minute,
		ApprovalKeyTTL:    24 * time.Hour,

		StreamPayloadEncoding: EncodingBase64,
		StreamWorkers:         4,
		StreamBufferSize:      256,
		StreamAckTimeout:      5 * time.Second,
		StreamIdleTimeout:     2 * time.Minute,
		MaxSubscriptions:      41,

		LogLevel: "info",
	}
	if env == EnvPaper {
		c.PageInterval = 500 * time.Millisecond
		c.RateLimitRequests = 2
	}
	return c
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("account", func(fl validator.FieldLevel) bool {
		_, _, err := Credentials{AccountNumber: fl.Field().String()}.AccountParts()
		return err == nil
	})
	return v
}

// Validator returns the shared validator instance with the package's custom rules registered.
func Validator() *validator.Validate {
	return validate
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.MaxPageDepth > 0 && c.PageInterval <= 0 {
		return errors.New("PageInterval must be positive when pagination is enabled")
	}
	return nil
}

// RESTBaseURL returns the REST endpoint, honoring BaseURL when set.
func (c *Config) RESTBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == EnvPaper {
		return PaperBaseURL
	}
	return LiveBaseURL
}

// StreamEndpoint returns the streaming endpoint, honoring StreamURL when set.
func (c *Config) StreamEndpoint() string {
	if c.StreamURL != "" {
		return c.StreamURL
	}
	if c.Environment == EnvPaper {
		return PaperStreamURL
	}
	return LiveStreamURL
}

// IsPaper reports whether the config targets the paper-trading system.
func (c *Config) IsPaper() bool {
	return c.Environment == EnvPaper
}

// WithCredentials sets the API credentials and returns the config for chaining.
func (c *Config) WithCredentials(creds *Credentials) *Config {
	c.Credentials = creds
	return c
}

// WithBaseURL overrides the REST endpoint and returns the config for chaining.
func (c *Config) WithBaseURL(url string) *Config {
	c.BaseURL = url
	return c
}

// WithStreamURL overrides the streaming endpoint and returns the config for chaining.
func (c *Config) WithStreamURL(url string) *Config {
	c.StreamURL = url
	return c
}

// WithTimeout sets the request timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.Timeout = timeout
	return c
}

// WithPagination sets the page pause and depth bound and returns the config for chaining.
func (c *Config) WithPagination(interval time.Duration, maxDepth int) *Config {
	c.PageInterval = interval
	c.MaxPageDepth = maxDepth
	return c
}

// WithRateLimit sets the rate limiting parameters and returns the config for chaining.
func (c *Config) WithRateLimit(requests int, period time.Duration) *Config {
	c.RateLimitRequests = requests
	c.RateLimitPeriod = period
	return c
}

// LoadConfig reads a YAML config file on top of the environment defaults.
// A file without an environment key loads the live defaults; durations are
// written as "500ms", "10m".
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var head struct {
		Environment Environment `yaml:"environment"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if head.Environment == "" {
		head.Environment = EnvLive
	}

	cfg := DefaultConfig(head.Environment)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
