// Package metrics holds the Prometheus collectors for the HTTP surface and
// the authentication flows.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures collector registration.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "gotryke"
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.DefaultRegisterer
	}
	if len(o.Buckets) == 0 {
		o.Buckets = prometheus.DefBuckets
	}
	return o
}

// HTTP exposes request instrumentation collectors.
type HTTP struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTP registers the HTTP collectors.
func NewHTTP(opts Options) (*HTTP, error) {
	opts = opts.withDefaults()

	requests, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests partitioned by method, route, and status code.",
	}, []string{"method", "route", "status"}))
	if err != nil {
		return nil, err
	}
	duration, err := register(opts.Registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies in seconds.",
		Buckets:   opts.Buckets,
	}, []string{"method", "route", "status"}))
	if err != nil {
		return nil, err
	}
	inFlight, err := register(opts.Registerer, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	}))
	if err != nil {
		return nil, err
	}

	return &HTTP{Requests: requests, Duration: duration, InFlight: inFlight}, nil
}

// Handler returns a Fiber middleware recording the HTTP metrics. A nil
// receiver yields a pass-through handler.
func (m *HTTP) Handler() fiber.Handler {
	if m == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if err != nil && errors.As(err, &fe) {
			status = fe.Code
		}
		route := c.Route().Path
		if route == "" || route == "/" {
			route = c.Path()
		}
		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.Requests.With(labels).Inc()
		m.Duration.With(labels).Observe(time.Since(start).Seconds())
		return err
	}
}

// Auth counts authentication outcomes.
type Auth struct {
	SignIns  *prometheus.CounterVec
	SignUps  *prometheus.CounterVec
	OTPSends *prometheus.CounterVec
	Drift    prometheus.Counter
}

// NewAuth registers the auth collectors.
func NewAuth(opts Options) (*Auth, error) {
	opts = opts.withDefaults()

	signIns, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "auth",
		Name:      "signins_total",
		Help:      "Sign-in attempts partitioned by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	signUps, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "auth",
		Name:      "signups_total",
		Help:      "Sign-up attempts partitioned by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	otpSends, err := register(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "otp",
		Name:      "sends_total",
		Help:      "OTP send requests partitioned by purpose and outcome.",
	}, []string{"purpose", "outcome"}))
	if err != nil {
		return nil, err
	}
	drift, err := register(opts.Registerer, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "auth",
		Name:      "identity_drift_total",
		Help:      "Identity records left without a profile after a failed compensation.",
	}))
	if err != nil {
		return nil, err
	}

	return &Auth{SignIns: signIns, SignUps: signUps, OTPSends: otpSends, Drift: drift}, nil
}

// SignIn records a sign-in outcome.
func (a *Auth) SignIn(outcome string) {
	if a == nil {
		return
	}
	a.SignIns.WithLabelValues(outcome).Inc()
}

// SignUp records a sign-up outcome.
func (a *Auth) SignUp(outcome string) {
	if a == nil {
		return
	}
	a.SignUps.WithLabelValues(outcome).Inc()
}

// OTPSend records an OTP send outcome.
func (a *Auth) OTPSend(purpose, outcome string) {
	if a == nil {
		return
	}
	a.OTPSends.WithLabelValues(purpose, outcome).Inc()
}

// DriftDetected records an orphaned identity.
func (a *Auth) DriftDetected() {
	if a == nil {
		return
	}
	a.Drift.Inc()
}

// register adds c to reg, reusing an already registered collector of the same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}
