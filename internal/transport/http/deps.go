package http

import (
	"github.com/hub-otp/internal/application/otp"
	"github.com/hub-otp/internal/transport/http/handler"
	"github.com/hub-otp/internal/transport/http/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Deps holds everything the router needs. Tickets and Pinger are optional.
// Metrics fall back to the prometheus default registry.
type Deps struct {
	OTP        otp.Service
	Tickets    middleware.TicketVerifier
	Pinger     handler.Pinger
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}
