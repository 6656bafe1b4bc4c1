package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/oauth/server"
)

const testPrincipal = "alice"

// testPrincipals authenticates via the X-Principal header
type testPrincipals struct{}

func (testPrincipals) Resolve(r *http.Request) (string, error) {
	p := r.Header.Get("X-Principal")
	if p == "" {
		return "", fmt.Errorf("no principal")
	}
	return p, nil
}

// testRecords serves one model with three fields per record
type testRecords struct {
	err error
}

func (s testRecords) Read(_ context.Context, model string) ([]map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []map[string]any{
		{"id": 1, "amount": 100.0, "secret_margin": 0.4},
		{"id": 2, "amount": 250.0, "secret_margin": 0.2},
	}, nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *httptest.Server) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Principals == nil {
		cfg.Principals = testPrincipals{}
	}
	if cfg.Records == nil {
		cfg.Records = testRecords{}
	}
	cfg.RateLimit.Disabled = true

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(svc.Routes())
	t.Cleanup(ts.Close)

	return svc, ts
}

// doJSON posts a JSON body and decodes the envelope
func doJSON(t *testing.T, method, rawURL string, body any, headers map[string]string) (*http.Response, Response) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return resp, envelope
}

// registerClient registers a client over HTTP and returns its credentials
func registerClient(t *testing.T, baseURL, scope string) RegisterResponse {
	t.Helper()

	resp, envelope := doJSON(t, http.MethodPost, baseURL+"/oauth/register", RegisterRequest{
		Name:        "Test Client",
		RedirectURI: "https://example.com/callback",
		Scope:       scope,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201 (error: %+v)", resp.StatusCode, envelope.Error)
	}

	var reg RegisterResponse
	decodeData(t, envelope, &reg)
	return reg
}

// decodeData re-marshals the envelope data into a typed struct
func decodeData(t *testing.T, envelope Response, dst any) {
	t.Helper()

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("failed to re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

// obtainTokens walks the full flow: authorize, confirm, exchange
func obtainTokens(t *testing.T, baseURL string, reg RegisterResponse, scope string) TokenResponse {
	t.Helper()

	state := "test-state"
	authorizeURL := fmt.Sprintf("%s/oauth/authorize?client_id=%s&response_type=code&scope=%s&state=%s",
		baseURL, url.QueryEscape(reg.ClientID), url.QueryEscape(scope), state)

	req, _ := http.NewRequest(http.MethodGet, authorizeURL, nil)
	req.Header.Set("X-Principal", testPrincipal)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize status = %d, want 200", resp.StatusCode)
	}

	confirmResp, envelope := doJSON(t, http.MethodPost, baseURL+"/oauth/confirm", ConfirmRequest{
		Decision: "allow",
		ClientID: reg.ClientID,
		Scope:    scope,
		State:    state,
	}, map[string]string{"X-Principal": testPrincipal})
	if confirmResp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200 (error: %+v)", confirmResp.StatusCode, envelope.Error)
	}

	var confirm ConfirmResponse
	decodeData(t, envelope, &confirm)
	redirect, err := url.Parse(confirm.RedirectURL)
	if err != nil {
		t.Fatalf("failed to parse redirect URL: %v", err)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %q carries no code", confirm.RedirectURL)
	}

	tokenResp, envelope := doJSON(t, http.MethodPost, baseURL+"/oauth/token", TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Code:         code,
		Scope:        scope,
	}, nil)
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (error: %+v)", tokenResp.StatusCode, envelope.Error)
	}

	var tokens TokenResponse
	decodeData(t, envelope, &tokens)
	return tokens
}

func TestRegisterEndpoint(t *testing.T) {
	_, ts := newTestService(t, Config{})

	reg := registerClient(t, ts.URL, "read")

	if reg.ClientID == "" || reg.ClientSecret == "" {
		t.Error("registration must return generated credentials")
	}
	if reg.Scope != "read" {
		t.Errorf("Scope = %q, want %q", reg.Scope, "read")
	}
}

func TestRegisterEndpoint_InvalidJSON(t *testing.T) {
	_, ts := newTestService(t, Config{})

	resp, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Success {
		t.Error("Success should be false")
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeInvalidJSON {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeInvalidJSON)
	}
}

func TestRegisterEndpoint_Validation(t *testing.T) {
	_, ts := newTestService(t, Config{})

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/register", RegisterRequest{
		Name:        "Test",
		RedirectURI: "not-a-url",
	}, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeInvalidRequest {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeInvalidRequest)
	}
}

func TestAuthorizeEndpoint_Unauthenticated(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	// No X-Principal header
	resp, err := http.Get(fmt.Sprintf("%s/oauth/authorize?client_id=%s&response_type=code", ts.URL, reg.ClientID))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthorizeEndpoint_RendersConsent(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/oauth/authorize?client_id=%s&response_type=code&state=s1", ts.URL, reg.ClientID), nil)
	req.Header.Set("X-Principal", testPrincipal)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Test Client") {
		t.Error("consent page should name the client")
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q, want text/html", resp.Header.Get("Content-Type"))
	}
}

func TestFullFlow(t *testing.T) {
	svc, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	tokens := obtainTokens(t, ts.URL, reg, "read")

	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response must carry both tokens")
	}
	if tokens.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want %q", tokens.TokenType, "bearer")
	}
	if tokens.ExpiresIn <= 0 || tokens.ExpiresIn > 3600 {
		t.Errorf("ExpiresIn = %d, want within (0, 3600]", tokens.ExpiresIn)
	}
	if tokens.Scope != "read" {
		t.Errorf("Scope = %q, want %q", tokens.Scope, "read")
	}

	if err := svc.Server.GrantModelAccess(context.Background(), reg.ClientID, "invoices", nil); err != nil {
		t.Fatalf("GrantModelAccess() error = %v", err)
	}

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil,
		map[string]string{"Authorization": "Bearer " + tokens.AccessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("protected call status = %d, want 200 (error: %+v)", resp.StatusCode, envelope.Error)
	}

	// Flipping one character detaches the token from its persisted pair, so
	// the revocation lookup rejects it before signature verification
	tampered := []byte(tokens.AccessToken)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	resp, envelope = doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil,
		map[string]string{"Authorization": "Bearer " + string(tampered)})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered call status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeInvalidToken {
		t.Errorf("tampered call error = %+v, want code %s", envelope.Error, server.CodeInvalidToken)
	}
}

func TestTokenEndpoint_InvalidClient(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/token", TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     reg.ClientID,
		ClientSecret: "wrong-secret",
		Code:         "whatever",
	}, nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeInvalidClient {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeInvalidClient)
	}
}

func TestTokenEndpoint_UnsupportedGrantType(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/token", TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
	}, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeUnsupportedGrantType {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeUnsupportedGrantType)
	}
}

func TestTokenEndpoint_MissingRefreshToken(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/token", TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
	}, nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeMissingParameter {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeMissingParameter)
	}
}

func TestTokenEndpoint_RefreshRotation(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")
	tokens := obtainTokens(t, ts.URL, reg, "read")

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/token", TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RefreshToken: tokens.RefreshToken,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotation status = %d, want 200 (error: %+v)", resp.StatusCode, envelope.Error)
	}

	var rotated TokenResponse
	decodeData(t, envelope, &rotated)
	if rotated.AccessToken == tokens.AccessToken || rotated.RefreshToken == tokens.RefreshToken {
		t.Error("rotation must mint fresh tokens")
	}

	// The spent refresh token cannot rotate again
	resp, envelope = doJSON(t, http.MethodPost, ts.URL+"/oauth/token", TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RefreshToken: tokens.RefreshToken,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("replay status = %d, want 400", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeInvalidGrant {
		t.Errorf("replay error = %+v, want code %s", envelope.Error, server.CodeInvalidGrant)
	}
}

func TestRecordsEndpoint(t *testing.T) {
	svc, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")
	tokens := obtainTokens(t, ts.URL, reg, "read")

	// Grant access to invoices, restricted to id and amount
	if err := svc.Server.GrantModelAccess(context.Background(), reg.ClientID, "invoices", []string{"id", "amount"}); err != nil {
		t.Fatalf("GrantModelAccess() error = %v", err)
	}

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil,
		map[string]string{"Authorization": "Bearer " + tokens.AccessToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records status = %d, want 200 (error: %+v)", resp.StatusCode, envelope.Error)
	}

	var records RecordsResponse
	decodeData(t, envelope, &records)
	if records.Model != "invoices" {
		t.Errorf("Model = %q, want %q", records.Model, "invoices")
	}
	if len(records.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(records.Records))
	}
	for i, record := range records.Records {
		if _, ok := record["secret_margin"]; ok {
			t.Errorf("record %d leaked an ungranted field", i)
		}
		if _, ok := record["id"]; !ok {
			t.Errorf("record %d missing granted field id", i)
		}
	}
}

func TestRecordsEndpoint_AccessDenied(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")
	tokens := obtainTokens(t, ts.URL, reg, "read")

	// No model grant was made
	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil,
		map[string]string{"Authorization": "Bearer " + tokens.AccessToken})

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeAccessDenied {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeAccessDenied)
	}
}

func TestRecordsEndpoint_ReadError(t *testing.T) {
	svc, ts := newTestService(t, Config{Records: testRecords{err: fmt.Errorf("backend down")}})
	reg := registerClient(t, ts.URL, "read")
	tokens := obtainTokens(t, ts.URL, reg, "read")

	if err := svc.Server.GrantModelAccess(context.Background(), reg.ClientID, "invoices", nil); err != nil {
		t.Fatalf("GrantModelAccess() error = %v", err)
	}

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil,
		map[string]string{"Authorization": "Bearer " + tokens.AccessToken})

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeReadError {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeReadError)
	}
}

func TestRecordsEndpoint_NoToken(t *testing.T) {
	_, ts := newTestService(t, Config{})

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/records/invoices", nil, nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeUnauthorized {
		t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeUnauthorized)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Principals: testPrincipals{},
		Records:    testRecords{},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 1, Burst: 2},
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(svc.Routes())
	t.Cleanup(ts.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/oauth/register", RegisterRequest{
			Name:        fmt.Sprintf("Client %d", i),
			RedirectURI: "https://example.com/callback",
		}, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			if envelope.Error == nil || envelope.Error.ErrorCode != server.CodeRateLimitExceeded {
				t.Errorf("error = %+v, want code %s", envelope.Error, server.CodeRateLimitExceeded)
			}
			break
		}
	}

	if !limited {
		t.Error("burst of registrations should trip the rate limit")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	_, ts := newTestService(t, Config{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/oauth/register", RegisterRequest{
		Name:        "Test",
		RedirectURI: "https://example.com/callback",
	}, map[string]string{"X-Request-ID": "upstream-id-1"})

	if got := resp.Header.Get("X-Request-ID"); got != "upstream-id-1" {
		t.Errorf("X-Request-ID = %q, want %q", got, "upstream-id-1")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/oauth/register", RegisterRequest{
		Name:        "Test 2",
		RedirectURI: "https://example.com/callback",
	}, nil)

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("a missing request ID should be replaced with a generated one")
	}
}

func TestConfirmForm_Redirects(t *testing.T) {
	_, ts := newTestService(t, Config{})
	reg := registerClient(t, ts.URL, "read")

	// Start the flow to create the pending session
	authorizeURL := fmt.Sprintf("%s/oauth/authorize?client_id=%s&response_type=code&scope=read&state=fs1", ts.URL, reg.ClientID)
	req, _ := http.NewRequest(http.MethodGet, authorizeURL, nil)
	req.Header.Set("X-Principal", testPrincipal)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	form := url.Values{
		"decision":  {"allow"},
		"client_id": {reg.ClientID},
		"scope":     {"read"},
		"state":     {"fs1"},
	}
	formReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/oauth/confirm", strings.NewReader(form.Encode()))
	formReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	formReq.Header.Set("X-Principal", testPrincipal)

	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Timeout:       5 * time.Second,
	}
	formResp, err := noRedirect.Do(formReq)
	if err != nil {
		t.Fatalf("confirm-form request failed: %v", err)
	}
	defer formResp.Body.Close()

	if formResp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", formResp.StatusCode)
	}
	location, err := url.Parse(formResp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse Location: %v", err)
	}
	if location.Query().Get("code") == "" {
		t.Errorf("Location %q carries no code", formResp.Header.Get("Location"))
	}
	if location.Query().Get("state") != "fs1" {
		t.Errorf("state = %q, want %q", location.Query().Get("state"), "fs1")
	}
}
