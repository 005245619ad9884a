package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/dagz55/gotryke-auth/internal/auth"
	"github.com/dagz55/gotryke-auth/internal/config"
	"github.com/dagz55/gotryke-auth/internal/credential"
	"github.com/dagz55/gotryke-auth/internal/drift"
	"github.com/dagz55/gotryke-auth/internal/guard"
	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/metrics"
	"github.com/dagz55/gotryke-auth/internal/middleware"
	"github.com/dagz55/gotryke-auth/internal/notification"
	"github.com/dagz55/gotryke-auth/internal/otp"
	"github.com/dagz55/gotryke-auth/internal/profile"
	"github.com/dagz55/gotryke-auth/internal/session"
	"github.com/dagz55/gotryke-auth/internal/token"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Registry receives the collectors served on /metrics. A fresh registry
	// is used when nil.
	Registry *prometheus.Registry
	// Notifier overrides the SMS notifier used by the built-in OTP providers.
	Notifier notification.Notifier
}

// components are the services assembled by Setup.
type components struct {
	tokens   *token.Manager
	provider identity.Provider
	profiles profile.Repository
	service  *auth.Service
	cookies  *session.Establisher
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
		d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	opts := metrics.Options{Registerer: d.Registry}
	httpMetrics, err := metrics.NewHTTP(opts)
	if err != nil {
		return err
	}
	authMetrics, err := metrics.NewAuth(opts)
	if err != nil {
		return err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(httpMetrics.Handler())
	if d.Cfg.LogFormat == "text" {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}

	// Health
	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, d.Registry)

	comp := build(d, authMetrics)

	var sessions middleware.SessionChecker
	if local, ok := comp.provider.(*identity.LocalProvider); ok {
		sessions = local
	}
	idempotency := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	RegisterAuthRoutes(app, AuthRoutes{
		Handler:     auth.NewHandler(comp.service, comp.cookies, d.Logger),
		Session:     middleware.RequireSession(comp.tokens, sessions),
		Admin:       middleware.AdminSecret(d.Cfg.AdminSecret),
		Idempotency: idempotency,
		SignInLimit: middleware.PhoneRateLimit(d.Cache, "signin", d.Cfg.LoginRateLimit, 15*time.Minute, d.Logger),
		OTPLimit:    middleware.PhoneRateLimit(d.Cache, "otp", d.Cfg.OTPRateLimit, 10*time.Minute, d.Logger),
	})

	g := guard.New(guard.Deps{
		Policy:    guard.DefaultPolicy(),
		Verifier:  comp.tokens,
		Profiles:  comp.profiles,
		Refresher: comp.provider,
		Cookies:   comp.cookies,
		Logger:    d.Logger,
	})
	RegisterPageRoutes(app, g)

	app.Get("/api/v1/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	return nil
}

func build(d Deps, authMetrics *metrics.Auth) components {
	cfg := d.Cfg
	tokens := token.NewManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.AppName)
	hasher := credential.NewHasher()

	var profiles profile.Repository
	if d.DB != nil {
		profiles = profile.NewPostgresRepository(d.DB)
	} else {
		profiles = profile.NewMemoryRepository()
	}

	var provider identity.Provider
	switch cfg.IdentityProvider {
	case config.ProviderGoTrue:
		provider = identity.NewGoTrueProvider(identity.GoTrueConfig{
			URL:            cfg.SupabaseURL,
			AnonKey:        cfg.SupabaseAnonKey,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Timeout:        cfg.UpstreamTimeout,
		})
	default:
		var store identity.Store
		if d.DB != nil {
			store = identity.NewPostgresStore(d.DB)
		} else {
			store = identity.NewMemoryStore()
		}
		var sessions identity.SessionStore
		if d.Cache != nil {
			sessions = identity.NewRedisSessionStore(d.Cache)
		} else {
			sessions = identity.NewMemorySessionStore()
		}
		provider = identity.NewLocalProvider(store, sessions, tokens, hasher, cfg.RefreshTokenTTL)
	}

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	var otpProvider otp.Provider
	switch {
	case cfg.SMSProvider == config.SMSProviderTwilio:
		otpProvider = otp.NewTwilioProvider(otp.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			ServiceSID: cfg.TwilioVerifyServiceSID,
			Timeout:    cfg.UpstreamTimeout,
		})
	case d.Cache != nil:
		otpProvider = otp.NewRedisProvider(d.Cache, notifier, cfg.OTPTTL)
	default:
		otpProvider = otp.NewMemoryProvider(notifier, cfg.OTPTTL)
	}

	var verified otp.VerifiedStore
	var reporter drift.Reporter
	if d.Cache != nil {
		verified = otp.NewRedisVerifiedStore(d.Cache)
		reporter = drift.NewRedisReporter(d.Cache)
	} else {
		verified = otp.NewMemoryVerifiedStore()
		reporter = drift.NewMemoryReporter()
	}

	channel := otp.NewChannel(otp.ChannelDeps{
		Provider:    otpProvider,
		Profiles:    profiles,
		Verified:    verified,
		VerifiedTTL: cfg.OTPVerifiedTTL,
		Metrics:     authMetrics,
		Logger:      d.Logger,
	})
	svc := auth.NewService(auth.Deps{
		Provider:             provider,
		Profiles:             profiles,
		Hasher:               hasher,
		OTP:                  channel,
		Drift:                reporter,
		Metrics:              authMetrics,
		Logger:               d.Logger,
		RequireVerifiedPhone: cfg.SignupRequiresOTP,
	})
	cookies := session.NewEstablisher(session.CookieConfig{
		Secure:   cfg.CookieSecure,
		Domain:   cfg.CookieDomain,
		Lifetime: cfg.RefreshTokenTTL,
	})

	return components{
		tokens:   tokens,
		provider: provider,
		profiles: profiles,
		service:  svc,
		cookies:  cookies,
	}
}
