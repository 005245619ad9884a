package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName          = "GoTryke"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultAccessTokenTTL   = time.Hour
	defaultRefreshTokenTTL  = 30 * 24 * time.Hour
	defaultUpstreamTimeout  = 10 * time.Second
	defaultOTPTTL           = 5 * time.Minute
	defaultOTPVerifiedTTL   = 10 * time.Minute
	defaultLoginRateLimit   = 5
	defaultOTPRateLimit     = 3
	defaultIdentityProvider = ProviderLocal
	defaultSMSProvider      = SMSProviderLog
)

const (
	// ProviderLocal keeps identities in Postgres and sessions in Redis.
	ProviderLocal = "local"
	// ProviderGoTrue delegates identities and sessions to a GoTrue (Supabase Auth) server.
	ProviderGoTrue = "gotrue"

	// SMSProviderLog writes OTP messages to the structured log (development only).
	SMSProviderLog = "log"
	// SMSProviderTwilio uses the Twilio Verify service.
	SMSProviderTwilio = "twilio"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	IdentityProvider       string
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string

	SMSProvider            string
	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioVerifyServiceSID string

	AdminSecret       string
	UpstreamTimeout   time.Duration
	OTPTTL            time.Duration
	OTPVerifiedTTL    time.Duration
	SignupRequiresOTP bool

	CookieSecure bool
	CookieDomain string

	LoginRateLimit int
	OTPRateLimit   int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:                getEnv("APP_NAME", defaultAppName),
		AppEnv:                 getEnv("APP_ENV", defaultAppEnv),
		Port:                   getEnv("PORT", defaultPort),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:              strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		IdentityProvider:       strings.ToLower(getEnv("IDENTITY_PROVIDER", defaultIdentityProvider)),
		SupabaseURL:            strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseAnonKey:        os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SMSProvider:            strings.ToLower(getEnv("SMS_PROVIDER", defaultSMSProvider)),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioVerifyServiceSID: os.Getenv("TWILIO_VERIFY_SERVICE_SID"),
		AdminSecret:            os.Getenv("ADMIN_BOOTSTRAP_SECRET"),
		CookieDomain:           os.Getenv("COOKIE_DOMAIN"),
	}

	var err error
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", defaultShutdownDelay, &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.IdempotencyTTL},
		{"ACCESS_TOKEN_TTL", defaultAccessTokenTTL, &cfg.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", defaultRefreshTokenTTL, &cfg.RefreshTokenTTL},
		{"UPSTREAM_TIMEOUT", defaultUpstreamTimeout, &cfg.UpstreamTimeout},
		{"OTP_TTL", defaultOTPTTL, &cfg.OTPTTL},
		{"OTP_VERIFIED_TTL", defaultOTPVerifiedTTL, &cfg.OTPVerifiedTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.LoginRateLimit, err = getInt("LOGIN_RATE_LIMIT", defaultLoginRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.OTPRateLimit, err = getInt("OTP_RATE_LIMIT", defaultOTPRateLimit); err != nil {
		return Config{}, err
	}
	if cfg.SignupRequiresOTP, err = getBool("SIGNUP_REQUIRES_OTP", true); err != nil {
		return Config{}, err
	}
	if cfg.CookieSecure, err = getBool("COOKIE_SECURE", !cfg.IsDev()); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set")
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}

	switch c.IdentityProvider {
	case ProviderLocal:
	case ProviderGoTrue:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" || c.SupabaseServiceRoleKey == "" {
			return fmt.Errorf("SUPABASE_URL, SUPABASE_ANON_KEY and SUPABASE_SERVICE_ROLE_KEY must be set for IDENTITY_PROVIDER=%s", ProviderGoTrue)
		}
	default:
		return fmt.Errorf("invalid IDENTITY_PROVIDER %q", c.IdentityProvider)
	}

	switch c.SMSProvider {
	case SMSProviderLog:
		if !c.IsDev() {
			return fmt.Errorf("SMS_PROVIDER=%s is only allowed when APP_ENV is development", SMSProviderLog)
		}
	case SMSProviderTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioVerifyServiceSID == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_VERIFY_SERVICE_SID must be set for SMS_PROVIDER=%s", SMSProviderTwilio)
		}
	default:
		return fmt.Errorf("invalid SMS_PROVIDER %q", c.SMSProvider)
	}
	return nil
}

// IsDev reports whether the service runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either a Go duration ("90s") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
