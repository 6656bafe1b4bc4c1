package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/storage"
)

// ConsentPrompt carries everything the consent page needs to render
type ConsentPrompt struct {
	ClientID   string
	ClientName string
	Scope      string
	State      string
	Principal  string
}

// StartAuthorization begins an authorization code flow for an authenticated
// principal. It validates the request, stores a pending consent session, and
// returns the prompt to render. A missing state is replaced with a generated
// one so the session can always be bound on confirmation.
func (s *Server) StartAuthorization(ctx context.Context, clientID, responseType, scope, state, principal string) (*ConsentPrompt, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.start_authorization")
	defer span.End()

	if clientID == "" {
		return nil, ErrMissingParameter("client_id")
	}
	if principal == "" {
		return nil, ErrUnauthorized("authenticated principal required")
	}
	if responseType != "code" {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response type: %s", responseType))
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrInvalidClient("unknown client")
	}
	if !client.Active {
		return nil, ErrInvalidClient("client is deactivated")
	}

	if scope == "" {
		scope = client.Scope
	}
	if !ValidScope(scope) {
		return nil, ErrInvalidScope(fmt.Sprintf("unknown scope: %s", scope))
	}
	// Clients carry exactly one scope; consent is granted at that scope or
	// not at all, so issued tokens can never sit above or below it.
	if scope != client.Scope {
		return nil, ErrInvalidScope(fmt.Sprintf("client is registered for scope %s only", client.Scope))
	}

	if state == "" {
		state = generateRandomToken()
	}

	now := time.Now()
	session := &storage.ConsentSession{
		Key:       storage.SessionKey(principal, clientID),
		State:     state,
		ClientID:  clientID,
		Principal: principal,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.ConsentSessionTTL),
	}
	if err := s.flows.SaveConsentSession(ctx, session); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save consent session: %w", err)
	}

	instrumentation.AddFlowAttributes(span, clientID, principal, scope)
	instrumentation.SetSpanSuccess(span)

	s.logger.Debug("Authorization started",
		"client_id", clientID,
		"scope", scope)

	return &ConsentPrompt{
		ClientID:   clientID,
		ClientName: client.Name,
		Scope:      scope,
		State:      state,
		Principal:  principal,
	}, nil
}

// ConfirmAuthorization finalizes a consent decision and returns the redirect
// URL to send the user agent to. The pending session is consumed whatever the
// outcome, so a decision cannot be replayed. State or scope mismatches against
// the stored session are terminal errors rather than redirects.
func (s *Server) ConfirmAuthorization(ctx context.Context, decision, clientID, scope, state, principal string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.confirm_authorization")
	defer span.End()

	if clientID == "" {
		return "", ErrMissingParameter("client_id")
	}
	if principal == "" {
		return "", ErrUnauthorized("authenticated principal required")
	}
	if decision != "allow" && decision != "deny" {
		return "", ErrInvalidRequest(fmt.Sprintf("unknown decision: %s", decision))
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", ErrInvalidClient("unknown client")
	}
	if !client.Active {
		return "", ErrInvalidClient("client is deactivated")
	}

	// Expired sessions surface as ErrSessionNotFound; the store rejects them
	// at consumption time.
	session, err := s.flows.ConsumeConsentSession(ctx, storage.SessionKey(principal, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return "", ErrInvalidRequest("no pending authorization for this client")
		}
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to consume consent session: %w", err)
	}
	if session.State != state {
		return "", ErrInvalidRequest("state mismatch")
	}
	if session.Scope != scope {
		return "", ErrInvalidRequest("scope mismatch")
	}

	allowed := decision == "allow"
	s.auditor.LogConsentDecision(principal, clientID, allowed)
	if m := s.metrics(); m != nil {
		m.RecordConsentDecision(ctx, clientID, allowed)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrDecision, decision),
	)

	if !allowed {
		instrumentation.SetSpanSuccess(span)
		return buildRedirect(client.RedirectURI, url.Values{
			"error": {"access_denied"},
			"state": {state},
		}), nil
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:      generateRandomToken(),
		ClientID:  clientID,
		Principal: principal,
		Scope:     session.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.AuthorizationCodeTTL),
	}
	if err := s.flows.SaveAuthorizationCode(ctx, code); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.auditor.LogCodeIssued(principal, clientID, session.Scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(span)

	s.logger.Debug("Authorization code issued",
		"client_id", clientID,
		"scope", session.Scope)

	return buildRedirect(client.RedirectURI, url.Values{
		"code":  {code.Code},
		"scope": {session.Scope},
		"state": {state},
	}), nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The scope check runs before the code is consumed, so a mismatched request
// leaves the code redeemable. Consumption itself is atomic; concurrent
// redemptions of the same code yield exactly one token pair.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, scope string) (*storage.TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_code")
	defer span.End()

	if code == "" {
		return nil, ErrInvalidGrant("authorization code is required")
	}
	if scope == "" {
		scope = client.Scope
	}
	if scope != client.Scope {
		return nil, ErrInvalidGrant(fmt.Sprintf("requested scope does not match granted scope %s", client.Scope))
	}

	consumed, err := s.flows.ConsumeAuthorizationCode(ctx, code, client.ClientID)
	if err != nil {
		if m := s.metrics(); m != nil {
			m.RecordCodeExchange(ctx, client.ClientID, false)
		}
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, storage.ErrCodeNotFound):
			return nil, ErrInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrCodeExpired):
			return nil, ErrInvalidGrant("authorization code expired")
		case errors.Is(err, storage.ErrCodeUsed):
			return nil, ErrInvalidGrant("authorization code already used")
		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	pair, err := s.IssueTokenPair(ctx, client, consumed.Principal, consumed.Scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, true)
	}
	instrumentation.AddFlowAttributes(span, client.ClientID, consumed.Principal, consumed.Scope)
	instrumentation.SetSpanSuccess(span)

	return pair, nil
}

// buildRedirect appends query parameters to a redirect URI, preserving any
// query string already present on the registered URI.
func buildRedirect(redirectURI string, params url.Values) string {
	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}
	return redirectURI + separator + params.Encode()
}
