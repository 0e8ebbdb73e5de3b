package main

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"signflow/artifacts"
	"signflow/auth"
	"signflow/metrics"
	"signflow/signing"
)

// SigningService is the lifecycle surface the HTTP layer drives.
type SigningService interface {
	Create(ctx context.Context, p signing.CreateParams) (signing.Created, error)
	Open(ctx context.Context, token string, client signing.Client) (signing.Preview, error)
	Submit(ctx context.Context, token string, p signing.SubmitParams) (signing.SignedDocument, error)
	Decline(ctx context.Context, token, reason string, client signing.Client) (signing.Request, error)
	FinalReview(ctx context.Context, token string, client signing.Client) (signing.Request, error)
	MarkDeliveryFailed(ctx context.Context, id, reason string) (signing.Request, error)
	RecordExternalReference(ctx context.Context, ref signing.Ref, envelopeID, source string) (signing.Request, error)
	Get(ctx context.Context, ref signing.Ref) (signing.Request, error)
	FinalReviewURL(token string) string
}

// ArtifactOpener serves generated PDFs from their scoped directories.
type ArtifactOpener interface {
	Open(kind artifacts.Kind, rel string) (*os.File, error)
}

// Server wires HTTP handlers to the signing service.
type Server struct {
	signing    SigningService
	artifacts  ArtifactOpener
	verifier   *auth.Verifier
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	pages      *template.Template
	health     func(context.Context) error
	trustProxy bool
}

type ServerOption func(*Server)

func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithHealthCheck sets the readiness probe behind /healthz.
func WithHealthCheck(fn func(context.Context) error) ServerOption {
	return func(s *Server) { s.health = fn }
}

// WithTrustedProxy takes client addresses from proxy headers.
func WithTrustedProxy(trust bool) ServerOption {
	return func(s *Server) { s.trustProxy = trust }
}

func NewServer(svc SigningService, arts ArtifactOpener, verifier *auth.Verifier, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		signing:   svc,
		artifacts: arts,
		verifier:  verifier,
		logger:    logger,
		pages:     pages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router registers every route and the middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(staticFS)))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier, s.authFailed))
		r.Post("/initiate", s.handleInitiate)
		r.Post("/envelope", s.handleEnvelope)
		r.Post("/delivery-failure", s.handleDeliveryFailure)
		r.Get("/requests/{id}", s.handleGetRequest)
	})

	r.Route("/v1/sign", func(r chi.Router) {
		r.Get("/final/{token}", s.handleFinalReview)
		r.Get("/{token}", s.handleSignPage)
		r.Post("/{token}", s.handleSubmit)
		r.Post("/{token}/decline", s.handleDecline)
	})
	r.Get("/v1/artifacts/{kind}/{date}/{name}", s.handleArtifact)

	return otelhttp.NewHandler(r, "signflow",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + spanPath(r.URL.Path)
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	reason := auth.Reason(err)
	s.metrics.AuthFailure(reason)
	s.logger.WarnContext(r.Context(), "request authentication failed",
		"reason", reason, "path", r.URL.Path, "remote", clientIP(r))

	switch reason {
	case "too_large":
		writeError(w, r, http.StatusRequestEntityTooLarge, codeTooLarge, "request body too large")
	case "error":
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
	default:
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "request signature rejected")
	}
}

// spanPath keeps bearer tokens out of span names.
func spanPath(p string) string {
	switch {
	case strings.HasPrefix(p, "/v1/sign/final/"):
		return "/v1/sign/final/{token}"
	case strings.HasPrefix(p, "/v1/sign/"):
		return "/v1/sign/{token}"
	case strings.HasPrefix(p, "/v1/artifacts/"):
		return "/v1/artifacts"
	}
	return p
}
