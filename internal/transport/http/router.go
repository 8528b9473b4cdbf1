package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hub-otp/internal/config"
	"github.com/hub-otp/internal/transport/http/handler"
	appmiddleware "github.com/hub-otp/internal/transport/http/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router. ctx bounds the lifetime
// of background workers such as the rate limiter's cleanup loop.
func NewRouter(ctx context.Context, cfg *config.Config, deps *Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg, gath := deps.Registerer, deps.Gatherer
	if reg == nil || gath == nil {
		reg, gath = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}

	trusted, err := appmiddleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Warn("ignoring trusted proxies, forwarding headers will not be honoured", zap.Error(err))
		trusted = nil
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.RealIP(trusted))
	r.Use(appmiddleware.Logger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appmiddleware.NewPrometheus(reg).Instrument)

	otpRL := appmiddleware.NewRateLimiter(ctx, rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)

	otpH := handler.NewOTPHandler(deps.OTP, log)
	healthH := handler.NewHealthHandler(deps.Pinger, log)

	r.Handle("/metrics", promhttp.HandlerFor(gath, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health-check/{action}", healthH.Check)
		r.Post("/health-check/{action}", healthH.Check)

		r.Group(func(r chi.Router) {
			r.Use(otpRL.Limit)
			r.Post("/otp/request", otpH.Request)
			r.Post("/otp/verify", otpH.Verify)
		})

		if deps.Tickets != nil {
			r.With(appmiddleware.Auth(deps.Tickets)).Get("/sessions/me", handler.Me)
		}
	})

	return r
}
