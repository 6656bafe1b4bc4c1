// Package storage defines interfaces for persisting OAuth clients, consent
// sessions, authorization codes, and token pairs. It supports various backend
// implementations; the bundled one lives in storage/memory.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers match them with
// errors.Is and map them onto protocol errors at the API boundary.
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrClientExists      = errors.New("client already exists")
	ErrSessionNotFound   = errors.New("consent session not found")
	ErrCodeNotFound      = errors.New("authorization code not found")
	ErrCodeExpired       = errors.New("authorization code expired")
	ErrCodeUsed          = errors.New("authorization code already used")
	ErrTokenPairNotFound = errors.New("token pair not found")
	ErrRotationConflict  = errors.New("refresh token already rotated")
)

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a newly registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by its public client_id
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient replaces the stored client record (deactivation, secret
	// rotation, permission grants). The client_id itself never changes.
	UpdateClient(ctx context.Context, client *Client) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for the consent flow: short-lived anti-CSRF
// sessions and single-use authorization codes.
type FlowStore interface {
	// SaveConsentSession stores the pending state for a consent prompt,
	// replacing any previous session under the same key.
	SaveConsentSession(ctx context.Context, session *ConsentSession) error

	// ConsumeConsentSession retrieves and deletes the session in one step.
	// The session is gone after the first call regardless of what the caller
	// does with it, so a stored state can only ever be checked once.
	ConsumeConsentSession(ctx context.Context, key string) (*ConsentSession, error)

	// SaveAuthorizationCode persists an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that the code exists, belongs
	// to clientID, is unexpired and unused, and marks it used. Exactly one of
	// N concurrent calls for the same code succeeds; the rest receive
	// ErrCodeUsed. The check-and-set MUST be atomic in the backend, not a
	// read-then-write in application code.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)
}

// TokenStore defines the interface for persisted token pairs. The stored pair
// is the authoritative revocation record: a token whose pair record is gone is
// invalid no matter what its signature says.
type TokenStore interface {
	// SaveTokenPair persists a freshly issued pair
	SaveTokenPair(ctx context.Context, pair *TokenPair) error

	// GetTokenPairByAccessToken looks a pair up by the raw access-token string
	GetTokenPairByAccessToken(ctx context.Context, accessToken string) (*TokenPair, error)

	// GetTokenPairByRefreshToken looks a pair up by the raw refresh-token string
	GetTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// ReplaceTokenPair atomically retires the pair identified by
	// oldRefreshToken and persists next in its place. The retire+create is a
	// single transaction: exactly one of N concurrent calls for the same
	// refresh token succeeds, the rest receive ErrRotationConflict, and a
	// failure never strands a half-rotated pair.
	ReplaceTokenPair(ctx context.Context, oldRefreshToken string, next *TokenPair) error

	// DeleteTokenPairsForClient removes every pair owned by a client and
	// returns how many were removed
	DeleteTokenPairsForClient(ctx context.Context, clientID string) (int, error)
}

// Client represents a registered OAuth client. The client secret is stored raw
// because it doubles as the per-client token signing key; authentication uses
// constant-time comparison instead of a hash check.
type Client struct {
	ClientID     string
	ClientSecret string
	Name         string
	RedirectURI  string
	Scope        string // single value: "read", "write", or "admin"
	Active       bool

	// AccessibleModels lists the data models this client may read through the
	// gateway. FieldGrants optionally narrows a model to specific fields; a
	// model without an entry is readable in full.
	AccessibleModels []string
	FieldGrants      map[string][]string

	CreatedAt time.Time
}

// CanAccessModel reports whether the client has been granted access to model.
func (c *Client) CanAccessModel(model string) bool {
	for _, m := range c.AccessibleModels {
		if m == model {
			return true
		}
	}
	return false
}

// AllowedFields returns the field allowlist for model, or nil when the client
// may read every field.
func (c *Client) AllowedFields(model string) []string {
	if c.FieldGrants == nil {
		return nil
	}
	return c.FieldGrants[model]
}

// ConsentSession is the short-lived anti-CSRF state for a pending consent
// prompt, keyed by principal and client.
type ConsentSession struct {
	Key       string // SessionKey(principal, clientID)
	State     string
	ClientID  string
	Principal string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionKey builds the storage key for a pending consent session.
func SessionKey(principal, clientID string) string {
	return principal + "\n" + clientID
}

// AuthorizationCode is a single-use credential tied to one client and the
// principal who approved the consent prompt. Once Used is true or ExpiresAt
// has passed it is permanently unredeemable.
type AuthorizationCode struct {
	Code      string
	ClientID  string
	Principal string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// TokenPair is the persisted record behind an issued access/refresh token
// pair. Its presence is what makes the tokens valid: deleting the record
// revokes them even while their signatures still verify.
type TokenPair struct {
	ClientID         string
	Principal        string
	AccessToken      string
	RefreshToken     string
	Scope            string
	ExpiresAt        time.Time // access token expiry
	RefreshExpiresAt time.Time
	RefreshValid     bool // cleared exactly once, by rotation
	CreatedAt        time.Time
}
