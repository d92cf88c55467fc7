// Package httpapi exposes session admission over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aadithya-v/turnstile"
)

// SessionHeader carries the caller's own session ID.
const SessionHeader = "X-Session-ID"

// Service is the session admission API the handlers call.
// *turnstile.Turnstile implements it.
type Service interface {
	ExtractRequestInfo(r *http.Request) turnstile.SessionAttrs
	Admit(ctx context.Context, identityID string, maxDevices int, attrs turnstile.SessionAttrs) (*turnstile.AdmitResult, error)
	Replace(ctx context.Context, identityID, victimID string, attrs turnstile.SessionAttrs) (*turnstile.AdmitResult, error)
	Terminate(ctx context.Context, identityID, sessionID string) error
	ListSessions(ctx context.Context, identityID, currentSessionID string) ([]*turnstile.Session, error)
	Heartbeat(ctx context.Context, sessionID string) error
	IsValid(ctx context.Context, sessionID string) (turnstile.Validity, error)
	Ping(ctx context.Context) error
}

// Options configures the HTTP handler.
type Options struct {
	// Logger receives request and failure logs. Default: slog.Default().
	Logger *slog.Logger

	// Gatherer is served on /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds each API request. Default: 10 seconds.
	RequestTimeout time.Duration
}

// Handler serves the session API.
type Handler struct {
	svc      Service
	verifier *JWTVerifier
	log      *slog.Logger
	opts     Options
}

// NewHandler returns the API handler. Every /api route requires a bearer
// token accepted by verifier.
func NewHandler(svc Service, verifier *JWTVerifier, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Handler{svc: svc, verifier: verifier, log: opts.Logger, opts: opts}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/healthz/store", h.storeHealth)
	if h.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(h.opts.RequestTimeout))
		r.Use(Authenticate(h.verifier))

		r.Post("/sessions/create", h.createSession)
		r.Post("/sessions/force-create", h.forceCreateSession)
		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{sessionID}", h.terminateSession)
		r.Post("/sessions/{sessionID}/heartbeat", h.heartbeat)
		r.Get("/session/validate", h.validate)
	})

	return r
}

// storeHealth reports whether the session store answers within a few seconds.
func (h *Handler) storeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.svc.Ping(ctx); err != nil {
		h.log.WarnContext(r.Context(), "api.healthz.store.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
