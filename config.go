// Package oauth is the HTTP surface of the authorization server. It wires the
// protocol core in server/ to JSON endpoints, applies rate limiting and
// request ID propagation, and exposes middleware for protecting resource
// endpoints with bearer tokens.
package oauth

import (
	"log/slog"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/server"
)

// Defaults applied by Config.applyDefaults
const (
	DefaultRateLimitPerSecond  = 10
	DefaultRateLimitBurst      = 20
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
)

// RateLimitConfig controls per-IP throttling of the register and token
// endpoints
type RateLimitConfig struct {
	// Disabled turns rate limiting off entirely
	Disabled bool

	// RequestsPerSecond is the sustained per-IP rate
	RequestsPerSecond int

	// Burst is the per-IP burst allowance
	Burst int
}

// Config configures the HTTP layer and the protocol core beneath it
type Config struct {
	// Server carries the protocol configuration (TTLs, issuer, audit logging)
	Server server.Config

	// RateLimit throttles credential-issuing endpoints per client IP
	RateLimit RateLimitConfig

	// MaxRequestBodyBytes bounds JSON request bodies; zero means the default
	MaxRequestBodyBytes int64

	// Logger for structured output; defaults to slog.Default
	Logger *slog.Logger

	// Instrumentation enables metrics and tracing; nil means no-op
	Instrumentation *instrumentation.Instrumentation

	// Principals authenticates the resource owner on the authorize and
	// confirm endpoints (required)
	Principals PrincipalResolver

	// Consent renders the consent page; nil uses the built-in HTML form
	Consent ConsentRenderer

	// Records serves protected record reads; nil disables /api/records
	Records RecordSource
}

// applyDefaults fills zero values in place
func (c *Config) applyDefaults() {
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimitPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
