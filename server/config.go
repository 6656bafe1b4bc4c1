package server

import "time"

// Default lifetimes applied when the embedding process leaves them zero.
const (
	DefaultAuthorizationCodeTTL = 2 * time.Minute
	DefaultConsentSessionTTL    = 5 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultIssuer               = "modelgate"
)

// Config holds the protocol-level configuration for the server
type Config struct {
	// Issuer is placed in the iss claim of every minted token
	Issuer string

	// AuthorizationCodeTTL is the lifetime of an authorization code
	AuthorizationCodeTTL time.Duration

	// ConsentSessionTTL is the lifetime of a pending consent session
	ConsentSessionTTL time.Duration

	// AccessTokenTTL is the lifetime of an access token
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of a refresh token
	RefreshTokenTTL time.Duration

	// EnableAuditLogging turns on hashed security audit events
	EnableAuditLogging bool
}

// applySecureDefaults fills zero-valued durations with conservative defaults.
// It never overrides an explicit setting.
func (c *Config) applySecureDefaults() {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.ConsentSessionTTL <= 0 {
		c.ConsentSessionTTL = DefaultConsentSessionTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
}
