package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/Mindburn-Labs/helm-intake/pkg/engine"
)

// maxBodyBytes bounds a submission request body.
const maxBodyBytes = 256 << 10

// Options configure the HTTP surface.
type Options struct {
	Validator      *JWTValidator
	RateLimitRPS   float64
	RateLimitBurst int
	IdempotencyTTL time.Duration
	Heartbeat      time.Duration
	Version        string
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// Server serves the public and operator endpoints.
type Server struct {
	sys  *engine.System
	opts Options
	mux  *http.ServeMux
	ips  *IPResolver
}

// NewServer registers every route.
func NewServer(sys *engine.System, opts Options) *Server {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	s := &Server{sys: sys, opts: opts, mux: http.NewServeMux(), ips: NewIPResolver(opts.TrustedProxies)}

	limiter := NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, 0).WithResolver(s.ips)
	idem := NewIdempotencyStore(0, opts.IdempotencyTTL)
	public := limiter.Middleware
	operator := Authenticate(opts.Validator)

	s.mux.Handle("POST /v1/forms/{formID}/submissions", public(idem.Middleware(http.HandlerFunc(s.handleSubmit))))
	s.mux.Handle("GET /v1/forms/{formID}/schema", public(http.HandlerFunc(s.handleSchema)))

	s.mux.Handle("GET /v1/events/stream", operator(http.HandlerFunc(s.handleEventStream)))
	s.mux.Handle("GET /v1/events", operator(http.HandlerFunc(s.handleListEvents)))
	s.mux.Handle("GET /v1/queues/unassigned", operator(http.HandlerFunc(s.handleUnassigned)))
	s.mux.Handle("GET /v1/queues/review", operator(http.HandlerFunc(s.handleReview)))
	s.mux.Handle("GET /v1/escalations", operator(http.HandlerFunc(s.handleEscalations)))
	s.mux.Handle("GET /v1/drafts", operator(http.HandlerFunc(s.handleListDrafts)))
	s.mux.Handle("POST /v1/drafts/{id}/approve", operator(http.HandlerFunc(s.handleApprove)))
	s.mux.Handle("POST /v1/drafts/{id}/reject", operator(http.HandlerFunc(s.handleReject)))
	s.mux.Handle("POST /v1/submissions/{id}/override", operator(http.HandlerFunc(s.handleOverride)))
	s.mux.Handle("GET /v1/submissions/{id}", operator(http.HandlerFunc(s.handleGetSubmission)))
	s.mux.Handle("GET /v1/experiments/{formID}", operator(http.HandlerFunc(s.handleExperiment)))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	RequestID(Recover(s.mux)).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}
