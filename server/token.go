package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/storage"
)

// Claims is the JWT payload minted for both access and refresh tokens
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// signToken mints an HS256 token keyed on the client secret. The returned
// expiry is the exp claim embedded in the token.
func (s *Server) signToken(client *storage.Client, principal, scope string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   principal,
			Audience:  jwt.ClaimStrings{client.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(client.ClientSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueTokenPair mints and persists an access and refresh token pair for the
// given principal and scope. The scope must be the client's registered scope;
// pairs are never issued above or below it. Both tokens are signed with the
// client secret; the refresh token simply carries a longer lifetime.
func (s *Server) IssueTokenPair(ctx context.Context, client *storage.Client, principal, scope string) (*storage.TokenPair, error) {
	if scope != client.Scope {
		return nil, ErrInvalidGrant(fmt.Sprintf("token scope must match the registered scope %s", client.Scope))
	}

	accessToken, accessExpiry, err := s.signToken(client, principal, scope, s.config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshExpiry, err := s.signToken(client, principal, scope, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	pair := &storage.TokenPair{
		ClientID:         client.ClientID,
		Principal:        principal,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		Scope:            scope,
		ExpiresAt:        accessExpiry,
		RefreshExpiresAt: refreshExpiry,
		RefreshValid:     true,
		CreatedAt:        time.Now(),
	}
	if err := s.tokens.SaveTokenPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to save token pair: %w", err)
	}

	s.auditor.LogTokenIssued(principal, client.ClientID, scope)
	s.logger.Debug("Token pair issued",
		"client_id", client.ClientID,
		"scope", scope)

	return pair, nil
}

// RotateRefreshToken redeems a refresh token for a fresh token pair. Each
// refresh token rotates at most once; the retired pair's access token stops
// validating immediately. Concurrent rotations of the same token yield exactly
// one new pair, the losers get an invalid grant error.
func (s *Server) RotateRefreshToken(ctx context.Context, client *storage.Client, refreshToken string) (*storage.TokenPair, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.rotate_refresh_token")
	defer span.End()

	if refreshToken == "" {
		return nil, ErrInvalidGrant("refresh token is required")
	}

	pair, err := s.tokens.GetTokenPairByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if pair.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if !pair.RefreshValid {
		return nil, ErrInvalidGrant("refresh token already rotated")
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(refreshToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(client.ClientSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrInvalidGrant("refresh token expired")
		}
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	next := &storage.TokenPair{
		ClientID:     client.ClientID,
		Principal:    pair.Principal,
		Scope:        pair.Scope,
		RefreshValid: true,
		CreatedAt:    time.Now(),
	}
	next.AccessToken, next.ExpiresAt, err = s.signToken(client, pair.Principal, pair.Scope, s.config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	next.RefreshToken, next.RefreshExpiresAt, err = s.signToken(client, pair.Principal, pair.Scope, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.ReplaceTokenPair(ctx, refreshToken, next); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordTokenRotation(ctx, client.ClientID, false)
		}
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, storage.ErrRotationConflict), errors.Is(err, storage.ErrTokenPairNotFound):
			return nil, ErrInvalidGrant("refresh token already rotated")
		default:
			return nil, ErrTokenRotationFailed("failed to persist rotated token pair")
		}
	}

	s.auditor.LogTokenRotated(pair.Principal, client.ClientID)
	if m := s.metrics(); m != nil {
		m.RecordTokenRotation(ctx, client.ClientID, true)
	}
	instrumentation.AddFlowAttributes(span, client.ClientID, pair.Principal, pair.Scope)
	instrumentation.SetSpanSuccess(span)

	s.logger.Debug("Refresh token rotated", "client_id", client.ClientID)

	return next, nil
}

// RevokeClientTokens removes every token pair issued to a client. Used by
// administrative deactivation paths that want immediate storage cleanup on
// top of the validation-time active check.
func (s *Server) RevokeClientTokens(ctx context.Context, clientID string) error {
	removed, err := s.tokens.DeleteTokenPairsForClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	s.logger.Info("Client tokens revoked", "client_id", clientID, "removed", removed)
	return nil
}
