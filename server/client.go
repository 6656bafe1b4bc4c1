package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/storage"
)

// Recognized scope values, in increasing order of privilege
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

var scopeRank = map[string]int{
	ScopeRead:  0,
	ScopeWrite: 1,
	ScopeAdmin: 2,
}

// ValidScope reports whether scope is one of the recognized values
func ValidScope(scope string) bool {
	_, ok := scopeRank[scope]
	return ok
}

// ScopeAtLeast reports whether have grants at least the privilege of need.
// Unknown scopes never satisfy anything.
func ScopeAtLeast(have, need string) bool {
	h, ok := scopeRank[have]
	if !ok {
		return false
	}
	n, ok := scopeRank[need]
	if !ok {
		return false
	}
	return h >= n
}

// RegisterClient creates a new client with generated credentials. The redirect
// URI must be absolute http or https with a host; the scope must be one of the
// recognized values.
func (s *Server) RegisterClient(ctx context.Context, name, redirectURI, scope string) (*storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.register_client")
	defer span.End()

	if name == "" {
		return nil, ErrMissingParameter("name")
	}
	if redirectURI == "" {
		return nil, ErrMissingParameter("redirect_uri")
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrInvalidRequest(err.Error())
	}
	if scope == "" {
		scope = ScopeRead
	}
	if !ValidScope(scope) {
		return nil, ErrInvalidRequest(fmt.Sprintf("unknown scope: %s", scope))
	}

	client := &storage.Client{
		ClientID:     generateRandomToken(),
		ClientSecret: generateRandomToken(),
		Name:         name,
		RedirectURI:  redirectURI,
		Scope:        scope,
		Active:       true,
		CreatedAt:    time.Now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrScope, client.Scope),
	)
	instrumentation.SetSpanSuccess(span)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, client.Scope)
	}

	s.logger.Info("Client registered",
		"client_id", client.ClientID,
		"name", client.Name,
		"scope", client.Scope)

	return client, nil
}

// AuthenticateClient verifies client credentials. The secret comparison is
// constant-time. Deactivated clients fail authentication even with correct
// credentials.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		// Still burn a comparison so unknown IDs are not distinguishable by timing.
		subtle.ConstantTimeCompare([]byte(clientSecret), []byte(clientSecret))
		return nil, ErrInvalidClient("invalid client credentials")
	}

	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		return nil, ErrInvalidClient("invalid client credentials")
	}

	if !client.Active {
		return nil, ErrInvalidClient("client is deactivated")
	}

	return client, nil
}

// DeactivateClient marks a client inactive. Tokens already issued to the
// client fail validation from this point on.
func (s *Server) DeactivateClient(ctx context.Context, clientID string) error {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	client.Active = false
	if err := s.clients.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to deactivate client: %w", err)
	}

	s.auditor.LogClientDeactivated(clientID)
	s.logger.Info("Client deactivated", "client_id", clientID)
	return nil
}

// RotateClientSecret replaces the client secret with a fresh one and returns
// the updated client. Tokens signed with the old secret fail signature
// verification afterwards.
func (s *Server) RotateClientSecret(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	client.ClientSecret = generateRandomToken()
	if err := s.clients.UpdateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to rotate client secret: %w", err)
	}

	s.auditor.LogSecretRotated(clientID)
	s.logger.Info("Client secret rotated", "client_id", clientID)
	return client, nil
}

// GrantModelAccess grants a client access to a record model, optionally
// restricted to a set of fields. A nil or empty fields slice grants all
// fields. Granting the same model again replaces its field restriction.
func (s *Server) GrantModelAccess(ctx context.Context, clientID, model string, fields []string) error {
	if model == "" {
		return ErrMissingParameter("model")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if !slices.Contains(client.AccessibleModels, model) {
		client.AccessibleModels = append(client.AccessibleModels, model)
	}
	if len(fields) > 0 {
		if client.FieldGrants == nil {
			client.FieldGrants = make(map[string][]string)
		}
		client.FieldGrants[model] = slices.Clone(fields)
	} else if client.FieldGrants != nil {
		delete(client.FieldGrants, model)
	}

	if err := s.clients.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to grant model access: %w", err)
	}

	s.logger.Info("Model access granted",
		"client_id", clientID,
		"model", model,
		"field_count", len(fields))
	return nil
}

// validateRedirectURI checks that the URI is absolute http or https with a host
func validateRedirectURI(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("redirect URI must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("redirect URI must include a host")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	return nil
}
