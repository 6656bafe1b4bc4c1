package oauth

import (
	"context"

	"github.com/modelgate/oauth/server"
	"github.com/modelgate/oauth/storage"
)

type clientContextKey struct{}

type claimsContextKey struct{}

// withClient stores the validated client and token claims on the context
func withClient(ctx context.Context, client *storage.Client, claims *server.Claims) context.Context {
	ctx = context.WithValue(ctx, clientContextKey{}, client)
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClientFromContext returns the client validated by RequireClient, if any
func ClientFromContext(ctx context.Context) (*storage.Client, bool) {
	client, ok := ctx.Value(clientContextKey{}).(*storage.Client)
	return client, ok
}

// ClaimsFromContext returns the bearer token claims validated by
// RequireClient, if any
func ClaimsFromContext(ctx context.Context) (*server.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*server.Claims)
	return claims, ok
}
