package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/modelgate/oauth/storage"
)

// ValidateBearer checks an Authorization header value and returns the owning
// client and the token claims. The checks run in a fixed order and each
// failure has its own error code, so a caller always learns the first thing
// wrong with the credential:
//
//  1. header present with a Bearer prefix
//  2. token decodes as a JWT
//  3. token belongs to a live, unrotated pair
//  4. owning client is active
//  5. token is not expired
//  6. signature verifies against the client secret
//
// A rotated or revoked token fails at step 3; it is indistinguishable from a
// token this server never issued.
func (s *Server) ValidateBearer(ctx context.Context, authorization string) (*storage.Client, *Claims, error) {
	client, claims, err := s.validateBearer(ctx, authorization)
	if err != nil {
		if protoErr, ok := err.(*Error); ok {
			if m := s.metrics(); m != nil {
				m.RecordTokenValidationFailure(ctx, protoErr.Code)
			}
		}
		return nil, nil, err
	}
	return client, claims, nil
}

func (s *Server) validateBearer(ctx context.Context, authorization string) (*storage.Client, *Claims, error) {
	if authorization == "" {
		return nil, nil, ErrUnauthorized("authorization header is required")
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return nil, nil, ErrUnauthorized("authorization header must use the Bearer scheme")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, nil, ErrInvalidToken("malformed token")
	}

	pair, err := s.tokens.GetTokenPairByAccessToken(ctx, token)
	if err != nil {
		return nil, nil, ErrInvalidToken("unknown or revoked token")
	}

	client, err := s.clients.GetClient(ctx, pair.ClientID)
	if err != nil {
		return nil, nil, ErrInvalidToken("unknown or revoked token")
	}
	if !client.Active {
		return nil, nil, ErrInactiveClient("client is deactivated")
	}

	if claims.ExpiresAt == nil || time.Now().After(claims.ExpiresAt.Time) {
		return nil, nil, ErrTokenExpired("token expired")
	}

	// Expiry was already checked above; a stale exp claim must surface as
	// TOKEN_EXPIRED, not as a signature failure.
	_, err = jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(client.ClientSecret), nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, nil, ErrInvalidSignature("token signature verification failed")
	}

	return client, claims, nil
}
