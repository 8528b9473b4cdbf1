package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values shared by the counters below. Verification failures use
// the domain reason ("invalid", "expired", "locked") as their result.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
)

var (
	IssueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_issue_total",
		Help: "Total number of OTP issuance requests by result.",
	}, []string{"result"})

	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_verify_total",
		Help: "Total number of OTP verification requests by result.",
	}, []string{"result"})

	DeliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_delivery_total",
		Help: "Total number of OTP delivery attempts by channel and result.",
	}, []string{"channel", "result"})

	// Backend calls
	BackendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_backend_requests_total",
		Help: "Total number of hub backend calls by action and result.",
	}, []string{"action", "result"})
)
