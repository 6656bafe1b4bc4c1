package server

import (
	"context"
	"testing"
)

func TestRegisterClient(t *testing.T) {
	srv := newTestServer(t, Config{})

	client := registerTestClient(t, srv, "write")

	if client.ClientID == "" || client.ClientSecret == "" {
		t.Error("registered client must have generated credentials")
	}
	if client.ClientID == client.ClientSecret {
		t.Error("client ID and secret must differ")
	}
	if !client.Active {
		t.Error("new clients must start active")
	}
	if client.Scope != "write" {
		t.Errorf("Scope = %q, want %q", client.Scope, "write")
	}
}

func TestRegisterClient_DefaultScope(t *testing.T) {
	srv := newTestServer(t, Config{})

	client, err := srv.RegisterClient(context.Background(), "Test", "https://example.com/cb", "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if client.Scope != ScopeRead {
		t.Errorf("Scope = %q, want %q", client.Scope, ScopeRead)
	}
}

func TestRegisterClient_Validation(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name        string
		clientName  string
		redirectURI string
		scope       string
		wantCode    string
	}{
		{"missing name", "", "https://example.com/cb", "read", CodeMissingParameter},
		{"missing redirect", "Test", "", "read", CodeMissingParameter},
		{"relative redirect", "Test", "/callback", "read", CodeInvalidRequest},
		{"ftp redirect", "Test", "ftp://example.com/cb", "read", CodeInvalidRequest},
		{"fragment redirect", "Test", "https://example.com/cb#frag", "read", CodeInvalidRequest},
		{"unknown scope", "Test", "https://example.com/cb", "superuser", CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.RegisterClient(ctx, tt.clientName, tt.redirectURI, tt.scope)
			assertProtocolError(t, err, tt.wantCode)
		})
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()
	client := registerTestClient(t, srv, "read")

	got, err := srv.AuthenticateClient(ctx, client.ClientID, client.ClientSecret)
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, client.ClientID)
	}
}

func TestAuthenticateClient_Failures(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()
	client := registerTestClient(t, srv, "read")

	if _, err := srv.AuthenticateClient(ctx, client.ClientID, "wrong-secret"); err == nil {
		t.Error("wrong secret should fail authentication")
	} else {
		assertProtocolError(t, err, CodeInvalidClient)
	}

	if _, err := srv.AuthenticateClient(ctx, "unknown-client", client.ClientSecret); err == nil {
		t.Error("unknown client should fail authentication")
	} else {
		assertProtocolError(t, err, CodeInvalidClient)
	}
}

func TestAuthenticateClient_Deactivated(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()
	client := registerTestClient(t, srv, "read")

	if err := srv.DeactivateClient(ctx, client.ClientID); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}

	_, err := srv.AuthenticateClient(ctx, client.ClientID, client.ClientSecret)
	assertProtocolError(t, err, CodeInvalidClient)
}

func TestRotateClientSecret(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()
	client := registerTestClient(t, srv, "read")
	oldSecret := client.ClientSecret

	rotated, err := srv.RotateClientSecret(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("RotateClientSecret() error = %v", err)
	}
	if rotated.ClientSecret == oldSecret {
		t.Error("rotation must change the secret")
	}

	if _, err := srv.AuthenticateClient(ctx, client.ClientID, oldSecret); err == nil {
		t.Error("old secret should stop authenticating after rotation")
	}
	if _, err := srv.AuthenticateClient(ctx, client.ClientID, rotated.ClientSecret); err != nil {
		t.Errorf("new secret should authenticate, got error %v", err)
	}
}

func TestGrantModelAccess(t *testing.T) {
	srv := newTestServer(t, Config{})
	ctx := context.Background()
	client := registerTestClient(t, srv, "read")

	if err := srv.GrantModelAccess(ctx, client.ClientID, "invoices", []string{"id", "amount"}); err != nil {
		t.Fatalf("GrantModelAccess() error = %v", err)
	}

	got, err := srv.AuthenticateClient(ctx, client.ClientID, client.ClientSecret)
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if !got.CanAccessModel("invoices") {
		t.Error("client should have access to invoices")
	}
	if got.CanAccessModel("payments") {
		t.Error("client should not have access to ungranted models")
	}
	fields := got.AllowedFields("invoices")
	if len(fields) != 2 {
		t.Errorf("AllowedFields = %v, want [id amount]", fields)
	}

	// Re-granting without fields lifts the restriction
	if err := srv.GrantModelAccess(ctx, client.ClientID, "invoices", nil); err != nil {
		t.Fatalf("GrantModelAccess() error = %v", err)
	}
	got, _ = srv.AuthenticateClient(ctx, client.ClientID, client.ClientSecret)
	if got.AllowedFields("invoices") != nil {
		t.Error("re-granting without fields should allow all fields")
	}
}

func TestScopeAtLeast(t *testing.T) {
	tests := []struct {
		have, need string
		want       bool
	}{
		{"read", "read", true},
		{"write", "read", true},
		{"admin", "read", true},
		{"admin", "write", true},
		{"read", "write", false},
		{"write", "admin", false},
		{"bogus", "read", false},
		{"admin", "bogus", false},
	}

	for _, tt := range tests {
		if got := ScopeAtLeast(tt.have, tt.need); got != tt.want {
			t.Errorf("ScopeAtLeast(%q, %q) = %v, want %v", tt.have, tt.need, got, tt.want)
		}
	}
}
