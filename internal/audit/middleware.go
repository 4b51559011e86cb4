package audit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActorFunc extracts the authenticated actor from a request.
type ActorFunc func(r *http.Request) (id, actorType string)

// Middleware is an HTTP middleware that logs admin API access events.
type Middleware struct {
	logger *Logger
	actor  ActorFunc
}

// NewMiddleware creates a new audit middleware. actor may be nil.
func NewMiddleware(logger *Logger, actor ActorFunc) *Middleware {
	return &Middleware{logger: logger, actor: actor}
}

// Handler returns an http.Handler that wraps the given handler with audit logging.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		event := &Event{
			Type:        EventAPIAccess,
			RequestID:   requestID,
			SourceIP:    parseIP(r.RemoteAddr),
			UserAgent:   r.UserAgent(),
			APIEndpoint: r.URL.Path,
			HTTPMethod:  r.Method,
			HTTPStatus:  wrapper.statusCode,
			Success:     wrapper.statusCode < 400,
			Metadata: map[string]string{
				"duration_ms": formatDuration(time.Since(start)),
			},
		}

		if m.actor != nil {
			event.ActorID, event.ActorType = m.actor(r)
		}

		switch {
		case wrapper.statusCode == http.StatusUnauthorized:
			event.Type = EventAPIAuthFailure
		case wrapper.statusCode == http.StatusForbidden:
			event.Type = EventAPIAccessDenied
		case wrapper.statusCode >= 500:
			event.Type = EventAPIError
		}

		m.logger.LogEvent(event)
	})
}

// responseWrapper wraps http.ResponseWriter to capture the status code.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// parseIP extracts the IP address from a remote address string.
func parseIP(remoteAddr string) net.IP {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	return net.ParseIP(strings.Trim(remoteAddr, "[]"))
}

// formatDuration formats a duration as milliseconds string.
func formatDuration(d time.Duration) string {
	return strings.TrimSuffix(d.Round(time.Millisecond).String(), "ms")
}
