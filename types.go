package oauth

// Response is the uniform JSON envelope for every endpoint. Successful calls
// carry Data; failures carry Error with a stable machine-readable code.
type Response struct {
	// Success indicates whether the request was processed successfully
	Success bool `json:"success"`

	// Data carries the endpoint-specific payload on success
	Data any `json:"data,omitempty"`

	// Error describes the failure when Success is false
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error half of the response envelope
type ErrorBody struct {
	// Message is a human-readable description of the failure
	Message string `json:"message"`

	// ErrorCode is the stable machine-readable code clients branch on
	ErrorCode string `json:"error_code"`

	// Details carries optional structured context about the failure
	Details map[string]any `json:"details,omitempty"`
}

// RegisterRequest is the JSON body of POST /oauth/register
type RegisterRequest struct {
	// Name is the human-readable client name shown on consent pages
	Name string `json:"name"`

	// RedirectURI is the absolute http(s) URI codes are delivered to
	RedirectURI string `json:"redirect_uri"`

	// Scope is the privilege level to register for (read, write, admin).
	// Empty defaults to read.
	Scope string `json:"scope,omitempty"`
}

// RegisterResponse is the data payload returned by POST /oauth/register.
// The secret is returned exactly once, at registration time.
type RegisterResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Name         string `json:"name"`
	RedirectURI  string `json:"redirect_uri"`
	Scope        string `json:"scope"`
}

// TokenRequest is the JSON body of POST /oauth/token for both grant types
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`

	// Code is required for the authorization_code grant
	Code string `json:"code,omitempty"`

	// Scope optionally narrows the authorization_code grant; it must match
	// the client's registered scope
	Scope string `json:"scope,omitempty"`

	// RefreshToken is required for the refresh_token grant
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenResponse is the data payload of a successful token request
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ConfirmRequest is the JSON body of POST /oauth/confirm
type ConfirmRequest struct {
	// Decision is either "allow" or "deny"
	Decision string `json:"decision"`

	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	State    string `json:"state"`
}

// ConfirmResponse carries the redirect target after a consent decision
type ConfirmResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// RecordsResponse is the data payload of GET /api/records/{model}
type RecordsResponse struct {
	Model   string           `json:"model"`
	Records []map[string]any `json:"records"`
}
