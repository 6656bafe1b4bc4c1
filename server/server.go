// Package server implements the protocol core of the authorization server:
// client lifecycle, the consent flow, token issuance and rotation, and bearer
// validation. It is transport-agnostic; the HTTP layer in the root package
// translates its errors into wire responses.
package server

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/security"
	"github.com/modelgate/oauth/storage"
)

// Server coordinates the OAuth flows over the storage interfaces
type Server struct {
	clients storage.ClientStore
	flows   storage.FlowStore
	tokens  storage.TokenStore

	config  Config
	logger  *slog.Logger
	auditor *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Options configures a Server
type Options struct {
	// ClientStore persists registered clients (required)
	ClientStore storage.ClientStore

	// FlowStore persists consent sessions and authorization codes (required)
	FlowStore storage.FlowStore

	// TokenStore persists issued token pairs (required)
	TokenStore storage.TokenStore

	// Config carries TTLs and issuer identity; zero values get secure defaults
	Config Config

	// Logger for structured output; defaults to slog.Default
	Logger *slog.Logger

	// Instrumentation enables metrics and tracing; nil means no-op
	Instrumentation *instrumentation.Instrumentation
}

// New creates a Server from the given options
func New(opts Options) (*Server, error) {
	if opts.ClientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if opts.FlowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if opts.TokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}

	cfg := opts.Config
	cfg.applySecureDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		clients:         opts.ClientStore,
		flows:           opts.FlowStore,
		tokens:          opts.TokenStore,
		config:          cfg,
		logger:          logger,
		auditor:         security.NewAuditor(logger, cfg.EnableAuditLogging),
		instrumentation: opts.Instrumentation,
	}

	if opts.Instrumentation != nil {
		s.tracer = opts.Instrumentation.Tracer("server")
	} else {
		s.tracer = tracenoop.NewTracerProvider().Tracer("server")
	}

	return s, nil
}

// Config returns the effective configuration after defaults were applied
func (s *Server) Config() Config {
	return s.config
}

// Auditor exposes the audit logger so the HTTP layer can record
// transport-level events (rate limiting, auth failures with client IPs).
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// metrics returns the metric instruments, or nil when instrumentation is off
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// generateRandomToken returns a fresh URL-safe random credential. The same
// generator serves client IDs, secrets, authorization codes, and state values.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
