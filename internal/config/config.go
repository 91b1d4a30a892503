package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	// Embedded zone database so Asia/Taipei resolves in minimal containers.
	_ "time/tzdata"
)

// Config holds all runtime configuration for the voice relay service.
// Precedence: CLI flags > env vars (.env file included) > defaults.
type Config struct {
	HTTPPort    int
	LogLevel    string
	LogFormat   string
	Environment string // "local" or "cloud"
	DataDir     string // SQLite project store location when DatabaseURL is empty
	DatabaseURL string // PostgreSQL DSN for project configs (optional)

	PublicHost string // host used in TwiML and callback URLs; request host when empty

	WebhookBaseURL    string
	WebhookPort       int
	GoogleCredentials string // service account file used to mint webhook ID tokens

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string
	OpenAIChatURL       string
	OpenAIChatModel     string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	TwilioAPIBase     string

	Timezone    string
	CountryCode string

	MakeCallRate  float64 // requests per second per client IP on /makecall
	MakeCallBurst int

	ControlJWTSecret string // HS256 secret for bearer tokens on /makecall; auth is off when empty

	RelayIdleTimeout time.Duration
	RecordMaxAge     time.Duration
}

// defaults
const (
	defaultHTTPPort            = 5050
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultEnvironment         = EnvironmentLocal
	defaultDataDir             = "./data"
	defaultWebhookBaseURL      = "http://0.0.0.0"
	defaultWebhookPort         = 5051
	defaultOpenAIRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultOpenAIRealtimeModel = "gpt-4o-realtime-preview-2024-12-17"
	defaultOpenAIChatURL       = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIChatModel     = "gpt-4o-mini"
	defaultTwilioAPIBase       = "https://api.twilio.com/2010-04-01"
	defaultTimezone            = "Asia/Taipei"
	defaultCountryCode         = "886"
	defaultMakeCallRate        = 2
	defaultMakeCallBurst       = 10
	defaultRelayIdleTimeout    = 2 * time.Minute
	defaultRecordMaxAge        = 6 * time.Hour
)

// Deployment environments.
const (
	EnvironmentLocal = "local"
	EnvironmentCloud = "cloud"
)

// envPrefix is the prefix for all service environment variables.
const envPrefix = "VOICERELAY_"

// Load parses configuration from CLI flags and environment variables.
// A .env file in the working directory is read first when present; variables
// already set in the process environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	cfg := &Config{}

	fset := flag.NewFlagSet("voicerelay", flag.ContinueOnError)

	fset.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fset.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fset.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fset.StringVar(&cfg.Environment, "environment", defaultEnvironment, "deployment environment (local, cloud)")
	fset.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite project store")
	fset.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL DSN for project configs (SQLite is used when empty)")
	fset.StringVar(&cfg.PublicHost, "public-host", "", "public host name used in TwiML and Twilio callback URLs")
	fset.StringVar(&cfg.WebhookBaseURL, "webhook-base-url", defaultWebhookBaseURL, "base URL of the downstream webhook receiver")
	fset.IntVar(&cfg.WebhookPort, "webhook-port", defaultWebhookPort, "webhook receiver port (local environment only)")
	fset.StringVar(&cfg.GoogleCredentials, "google-credentials", "", "service account JSON used to mint webhook ID tokens")
	fset.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key")
	fset.StringVar(&cfg.OpenAIRealtimeURL, "openai-realtime-url", defaultOpenAIRealtimeURL, "OpenAI realtime websocket endpoint")
	fset.StringVar(&cfg.OpenAIRealtimeModel, "openai-realtime-model", defaultOpenAIRealtimeModel, "OpenAI realtime model")
	fset.StringVar(&cfg.OpenAIChatURL, "openai-chat-url", defaultOpenAIChatURL, "OpenAI chat completions endpoint")
	fset.StringVar(&cfg.OpenAIChatModel, "openai-chat-model", defaultOpenAIChatModel, "model used for transcript extraction")
	fset.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fset.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fset.StringVar(&cfg.TwilioPhoneNumber, "twilio-phone-number", "", "caller ID for outbound calls")
	fset.StringVar(&cfg.TwilioAPIBase, "twilio-api-base", defaultTwilioAPIBase, "Twilio REST API base URL")
	fset.StringVar(&cfg.Timezone, "timezone", defaultTimezone, "timezone for the date fact injected into instructions")
	fset.StringVar(&cfg.CountryCode, "country-code", defaultCountryCode, "country calling code for numbers without one")
	fset.Float64Var(&cfg.MakeCallRate, "makecall-rate", defaultMakeCallRate, "allowed /makecall requests per second per client")
	fset.IntVar(&cfg.MakeCallBurst, "makecall-burst", defaultMakeCallBurst, "burst size for the /makecall rate limit")
	fset.StringVar(&cfg.ControlJWTSecret, "control-jwt-secret", "", "HS256 secret required for bearer tokens on /makecall")
	fset.DurationVar(&cfg.RelayIdleTimeout, "relay-idle-timeout", defaultRelayIdleTimeout, "close a relay leg after this long without inbound frames")
	fset.DurationVar(&cfg.RecordMaxAge, "record-max-age", defaultRecordMaxAge, "evict call records that were never finalized after this long")

	if err := fset.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fset)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// VOICERELAY_ environment variable, e.g. "openai-api-key" reads
// VOICERELAY_OPENAI_API_KEY.
func applyEnvOverrides(fset *flag.FlagSet) {
	set := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fset.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envName(f.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fset.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid environment value", "env", envVar, "error", err)
		}
	})
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.WebhookPort < 1 || c.WebhookPort > 65535 {
		return fmt.Errorf("webhook-port must be between 1 and 65535, got %d", c.WebhookPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.Environment = strings.ToLower(c.Environment)
	if c.Environment != EnvironmentLocal && c.Environment != EnvironmentCloud {
		return fmt.Errorf("environment must be one of local, cloud; got %q", c.Environment)
	}

	if c.WebhookBaseURL == "" {
		return fmt.Errorf("webhook-base-url is required")
	}
	u, err := url.Parse(c.WebhookBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webhook-base-url must be an absolute URL, got %q", c.WebhookBaseURL)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}

	if c.CountryCode != "" {
		if _, err := strconv.Atoi(c.CountryCode); err != nil {
			return fmt.Errorf("country-code must be numeric, got %q", c.CountryCode)
		}
	}

	if c.MakeCallRate <= 0 || c.MakeCallBurst < 1 {
		return fmt.Errorf("makecall-rate and makecall-burst must be positive")
	}

	return nil
}

// IsLocal reports whether the service runs outside the cloud environment.
// Local runs skip webhook ID tokens and Twilio signature checks.
func (c *Config) IsLocal() bool {
	return c.Environment == EnvironmentLocal
}

// WebhookURLCallResult returns the endpoint receiving extracted call results.
func (c *Config) WebhookURLCallResult() string {
	return c.webhookURL("/webhook/call-result")
}

// WebhookURLCallStatus returns the endpoint receiving call status changes.
func (c *Config) WebhookURLCallStatus() string {
	return c.webhookURL("/webhook/call-status")
}

func (c *Config) webhookURL(path string) string {
	base := strings.TrimRight(c.WebhookBaseURL, "/")
	if c.IsLocal() {
		return base + ":" + strconv.Itoa(c.WebhookPort) + path
	}
	return base + path
}

// Location returns the configured timezone, falling back to UTC if it cannot
// be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
