// Package api is the admin HTTP surface of meridian: billing activations,
// on-demand reconciliation, outage monitoring and the chat gateway's
// confirmation replies.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/auth"
	"github.com/codelaboratoryltd/meridian/internal/outage"
	"github.com/codelaboratoryltd/meridian/internal/reconcile"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

var log = logging.Logger("meridian-api")

// maxBodySize bounds request bodies.
const maxBodySize = 64 << 10

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Server provides the HTTP API for meridian.
type Server struct {
	subs        store.SubscriptionStore
	provisioner *reconcile.Provisioner
	detector    *outage.Detector
	audit       *audit.Logger
	limiter     auth.Limiter
	checks      map[string]ReadinessCheck
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAudit records billing activations in the audit trail.
func WithAudit(l *audit.Logger) Option {
	return func(s *Server) {
		s.audit = l
	}
}

// WithRateLimiter limits confirmation replies per client.
func WithRateLimiter(l auth.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithReadinessCheck adds a named check to /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// NewServer creates a new API server.
func NewServer(subs store.SubscriptionStore, provisioner *reconcile.Provisioner, detector *outage.Detector, opts ...Option) *Server {
	s := &Server{
		subs:        subs,
		provisioner: provisioner,
		detector:    detector,
		checks:      make(map[string]ReadinessCheck),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers all API routes on the given router. Requests are
// expected to pass the authentication middleware before reaching the role
// checks installed here.
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Health endpoints
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// API v1 endpoints
	api := r.PathPrefix("/api/v1").Subrouter()

	billing := auth.RequireRole(auth.RoleBilling)
	technician := auth.RequireRole(auth.RoleTechnician)
	operator := auth.RequireAny(auth.RoleBilling, auth.RoleTechnician)
	gateway := auth.RequireRole(auth.RoleGateway)

	// Billing and reconciliation
	api.Handle("/customers/{id}/subscriptions", billing(http.HandlerFunc(s.activateSubscription))).Methods("POST")
	api.Handle("/customers/{id}/reconcile", operator(http.HandlerFunc(s.reconcileCustomer))).Methods("POST")
	api.Handle("/customers/{id}/reconciliation", operator(http.HandlerFunc(s.getReconciliation))).Methods("GET")

	// Outage monitoring
	api.Handle("/monitoring", operator(http.HandlerFunc(s.listMonitoring))).Methods("GET")
	api.Handle("/monitoring/{id}", operator(http.HandlerFunc(s.getMonitoring))).Methods("GET")
	api.Handle("/monitoring/{id}/resolve", technician(http.HandlerFunc(s.resolveOutage))).Methods("POST")

	// Chat gateway
	var confirm http.Handler = http.HandlerFunc(s.recordConfirmation)
	if s.limiter != nil {
		confirm = auth.RateLimit(s.limiter)(confirm)
	}
	api.Handle("/confirmations", gateway(confirm)).Methods("POST")
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: malformed JSON")
		return false
	}
	return true
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// readyResponse is the body of /ready.
type readyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

// readyHandler runs every readiness check and reports 503 if any fails.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readyResponse{Ready: true}
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			log.Warnw("readiness check failed", "check", name, "error", err)
			resp.Ready = false
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
