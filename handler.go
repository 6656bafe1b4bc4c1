package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/modelgate/oauth/security"
	"github.com/modelgate/oauth/server"
	"github.com/modelgate/oauth/storage"
)

const tokenTypeBearer = "bearer"

// PrincipalResolver authenticates the resource owner on the authorize and
// confirm endpoints. How principals log in (sessions, SSO, mTLS) is the
// embedding application's concern; the resolver just reports who the request
// belongs to.
type PrincipalResolver interface {
	// Resolve returns the authenticated principal for the request, or an
	// error when the request carries no valid principal.
	Resolve(r *http.Request) (string, error)
}

// PrincipalResolverFunc adapts a function to the PrincipalResolver interface
type PrincipalResolverFunc func(r *http.Request) (string, error)

// Resolve implements PrincipalResolver
func (f PrincipalResolverFunc) Resolve(r *http.Request) (string, error) {
	return f(r)
}

// ConsentRenderer renders the consent page shown on GET /oauth/authorize
type ConsentRenderer interface {
	Render(w http.ResponseWriter, prompt *server.ConsentPrompt) error
}

// RecordSource supplies protected records for GET /api/records/{model}. The
// handler applies the client's field grants to whatever the source returns.
type RecordSource interface {
	Read(ctx context.Context, model string) ([]map[string]any, error)
}

// Handler exposes the OAuth server over HTTP
type Handler struct {
	server  *server.Server
	config  Config
	logger  *slog.Logger
	limiter *security.RateLimiter
	tracer  trace.Tracer
}

// NewHandler creates an HTTP handler around a protocol server
func NewHandler(srv *server.Server, config Config) *Handler {
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
	}

	if !config.RateLimit.Disabled {
		h.limiter = security.NewRateLimiter(config.RateLimit.RequestsPerSecond, config.RateLimit.Burst, config.Logger)
	}

	if config.Instrumentation != nil {
		h.tracer = config.Instrumentation.Tracer("http")
	} else {
		h.tracer = tracenoop.NewTracerProvider().Tracer("http")
	}

	return h
}

// Routes registers all endpoints on the given mux. The records endpoint is
// only registered when a RecordSource is configured.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /oauth/register", h.handleRegister)
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("POST /oauth/confirm", h.handleConfirm)
	mux.HandleFunc("POST /oauth/token", h.handleToken)

	if h.config.Records != nil {
		mux.Handle("GET /api/records/{model}", h.RequireClient(http.HandlerFunc(h.handleRecords)))
	}
}

// Close releases background resources held by the handler
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// handleRegister creates a new client and returns its credentials. The secret
// appears in this response and nowhere else.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.register")
	defer span.End()

	ip := clientIP(r)
	if h.rateLimited(ctx, w, "register", ip) {
		return
	}

	var req RegisterRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(ctx, w, server.ErrInvalidJSON("request body is not valid JSON"))
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusBadRequest, start)
		return
	}

	client, err := h.server.RegisterClient(ctx, req.Name, req.RedirectURI, req.Scope)
	if err != nil {
		h.writeError(ctx, w, err)
		h.recordHTTPMetrics(ctx, "register", http.MethodPost, errorStatus(err), start)
		return
	}

	h.server.Auditor().LogClientRegistered(client.ClientID, ip)

	h.writeJSON(w, http.StatusCreated, RegisterResponse{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Name:         client.Name,
		RedirectURI:  client.RedirectURI,
		Scope:        client.Scope,
	})
	h.recordHTTPMetrics(ctx, "register", http.MethodPost, http.StatusCreated, start)
}

// handleAuthorize starts the consent flow and renders the consent page
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	principal, err := h.config.Principals.Resolve(r)
	if err != nil {
		h.server.Auditor().LogAuthFailure("", r.URL.Query().Get("client_id"), clientIP(r), "unauthenticated authorize request")
		h.writeError(ctx, w, server.ErrUnauthorized("authentication required"))
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusUnauthorized, start)
		return
	}

	q := r.URL.Query()
	prompt, err := h.server.StartAuthorization(ctx,
		q.Get("client_id"),
		q.Get("response_type"),
		q.Get("scope"),
		q.Get("state"),
		principal,
	)
	if err != nil {
		h.writeError(ctx, w, err)
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, errorStatus(err), start)
		return
	}

	renderer := h.config.Consent
	if renderer == nil {
		renderer = defaultConsentRenderer{}
	}
	if err := renderer.Render(w, prompt); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
	h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusOK, start)
}

// handleConfirm records the consent decision. JSON requests receive the
// redirect target in the envelope; form and query submissions (what the
// built-in consent page sends) receive an HTTP 302 straight to it. Session
// errors never redirect.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.confirm")
	defer span.End()

	principal, err := h.config.Principals.Resolve(r)
	if err != nil {
		h.writeError(ctx, w, server.ErrUnauthorized("authentication required"))
		h.recordHTTPMetrics(ctx, "confirm", http.MethodPost, http.StatusUnauthorized, start)
		return
	}

	var req ConfirmRequest
	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if isJSON {
		if err := h.decodeJSON(r, &req); err != nil {
			h.writeError(ctx, w, server.ErrInvalidJSON("request body is not valid JSON"))
			h.recordHTTPMetrics(ctx, "confirm", http.MethodPost, http.StatusBadRequest, start)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.writeError(ctx, w, server.ErrInvalidRequest("request body is not a valid form"))
			h.recordHTTPMetrics(ctx, "confirm", http.MethodPost, http.StatusBadRequest, start)
			return
		}
		req = ConfirmRequest{
			Decision: r.Form.Get("decision"),
			ClientID: r.Form.Get("client_id"),
			Scope:    r.Form.Get("scope"),
			State:    r.Form.Get("state"),
		}
	}

	redirectURL, err := h.server.ConfirmAuthorization(ctx, req.Decision, req.ClientID, req.Scope, req.State, principal)
	if err != nil {
		h.writeError(ctx, w, err)
		h.recordHTTPMetrics(ctx, "confirm", http.MethodPost, errorStatus(err), start)
		return
	}

	if isJSON {
		h.writeJSON(w, http.StatusOK, ConfirmResponse{RedirectURL: redirectURL})
	} else {
		http.Redirect(w, r, redirectURL, http.StatusFound)
	}
	h.recordHTTPMetrics(ctx, "confirm", http.MethodPost, http.StatusOK, start)
}

// handleToken serves both grant types. Client authentication happens before
// the grant is even looked at, so credential failures never leak grant state.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.token")
	defer span.End()

	ip := clientIP(r)
	if h.rateLimited(ctx, w, "token", ip) {
		return
	}

	var req TokenRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(ctx, w, server.ErrInvalidJSON("request body is not valid JSON"))
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, start)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		h.server.Auditor().LogAuthFailure("", req.ClientID, ip, "client authentication failed")
		h.writeError(ctx, w, err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, errorStatus(err), start)
		return
	}

	var pair *storage.TokenPair
	switch req.GrantType {
	case "authorization_code":
		pair, err = h.exchangeCode(ctx, client, &req)
	case "refresh_token":
		pair, err = h.rotateRefresh(ctx, client, &req)
	default:
		err = server.ErrUnsupportedGrantType(req.GrantType)
	}
	if err != nil {
		h.writeError(ctx, w, err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, errorStatus(err), start)
		return
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(time.Until(pair.ExpiresAt).Seconds()),
		Scope:        pair.Scope,
	})
	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, start)
}

func (h *Handler) exchangeCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.TokenPair, error) {
	return h.server.ExchangeAuthorizationCode(ctx, client, req.Code, req.Scope)
}

func (h *Handler) rotateRefresh(ctx context.Context, client *storage.Client, req *TokenRequest) (*storage.TokenPair, error) {
	if req.RefreshToken == "" {
		return nil, server.ErrMissingParameter("refresh_token")
	}
	return h.server.RotateRefreshToken(ctx, client, req.RefreshToken)
}

// RequireClient wraps a handler with bearer token validation. The validated
// client and claims are placed on the request context for the wrapped handler.
func (h *Handler) RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, claims, err := h.server.ValidateBearer(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			h.server.Auditor().LogAuthFailure("", "", clientIP(r), err.Error())
			h.writeError(r.Context(), w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), client, claims)))
	})
}

// handleRecords reads records of a model on behalf of a validated client,
// applying the client's field grants to each record.
func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.records")
	defer span.End()

	client, ok := ClientFromContext(ctx)
	if !ok {
		h.writeError(ctx, w, server.ErrUnauthorized("authentication required"))
		return
	}

	claims, ok := ClaimsFromContext(ctx)
	if !ok || !server.ScopeAtLeast(claims.Scope, server.ScopeRead) {
		h.writeError(ctx, w, server.ErrInvalidScope("read scope required"))
		h.recordHTTPMetrics(ctx, "records", http.MethodGet, http.StatusForbidden, start)
		return
	}

	model := r.PathValue("model")
	if !client.CanAccessModel(model) {
		h.server.Auditor().LogAuthFailure("", client.ClientID, clientIP(r), "model access denied")
		h.writeError(ctx, w, server.ErrAccessDenied("client has no access to this model"))
		h.recordHTTPMetrics(ctx, "records", http.MethodGet, http.StatusForbidden, start)
		return
	}

	records, err := h.config.Records.Read(ctx, model)
	if err != nil {
		h.logger.Error("Record read failed", "model", model, "error", err)
		h.writeError(ctx, w, server.ErrReadError("failed to read records"))
		h.recordHTTPMetrics(ctx, "records", http.MethodGet, http.StatusInternalServerError, start)
		return
	}

	if fields := client.AllowedFields(model); fields != nil {
		records = filterFields(records, fields)
	}

	h.writeJSON(w, http.StatusOK, RecordsResponse{Model: model, Records: records})
	h.recordHTTPMetrics(ctx, "records", http.MethodGet, http.StatusOK, start)
}

// filterFields projects each record onto the granted field set
func filterFields(records []map[string]any, fields []string) []map[string]any {
	allowed := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		allowed[f] = struct{}{}
	}

	filtered := make([]map[string]any, 0, len(records))
	for _, record := range records {
		projected := make(map[string]any, len(allowed))
		for k, v := range record {
			if _, ok := allowed[k]; ok {
				projected[k] = v
			}
		}
		filtered = append(filtered, projected)
	}
	return filtered
}

// rateLimited checks the per-IP limiter and writes the 429 response itself
// when the request must be rejected.
func (h *Handler) rateLimited(ctx context.Context, w http.ResponseWriter, endpoint, ip string) bool {
	if h.limiter == nil || h.limiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "ip", ip)
	h.server.Auditor().LogRateLimitExceeded(ip)
	if h.config.Instrumentation != nil {
		h.config.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}

	h.writeError(ctx, w, server.ErrRateLimitExceeded())
	return true
}

// decodeJSON decodes a request body with a size cap and strict field checking
func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, h.config.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeJSON writes a success envelope
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a failure envelope. Protocol errors carry their own code
// and status; anything else is reported as an opaque internal failure.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	body := &ErrorBody{
		Message:   "internal server error",
		ErrorCode: server.CodeReadError,
	}
	status := http.StatusInternalServerError

	var protoErr *server.Error
	if errors.As(err, &protoErr) {
		body.Message = protoErr.Message
		body.ErrorCode = protoErr.Code
		body.Details = protoErr.Details
		status = protoErr.Status
	} else {
		h.logger.Error("Internal error", "error", err, "request_id", security.GetRequestID(ctx))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(Response{Success: false, Error: body}); encErr != nil {
		h.logger.Error("Failed to encode error response", "error", encErr)
	}
}

// errorStatus extracts the HTTP status from a protocol error
func errorStatus(err error) int {
	var protoErr *server.Error
	if errors.As(err, &protoErr) {
		return protoErr.Status
	}
	return http.StatusInternalServerError
}

// recordHTTPMetrics records request count and latency when instrumentation is on
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if h.config.Instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	h.config.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}

// clientIP extracts the remote IP without the port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// defaultConsentRenderer is the built-in consent page used when the embedding
// application supplies no renderer of its own.
type defaultConsentRenderer struct{}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
  <h1>Authorize access</h1>
  <p><strong>{{.ClientName}}</strong> is requesting <strong>{{.Scope}}</strong> access to your account.</p>
  <form method="POST" action="/oauth/confirm">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <button type="submit" name="decision" value="allow">Allow</button>
    <button type="submit" name="decision" value="deny">Deny</button>
  </form>
</body>
</html>
`))

// Render implements ConsentRenderer
func (defaultConsentRenderer) Render(w http.ResponseWriter, prompt *server.ConsentPrompt) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return consentTemplate.Execute(w, prompt)
}
