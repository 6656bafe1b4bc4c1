package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual credential values (access tokens, refresh
// tokens, authorization codes, client secrets) into span attributes. Traces are
// persisted and replicated across monitoring infrastructure; only metadata such
// as client IDs, scopes, and error codes belongs here.
const (
	// OAuth flow attributes
	AttrClientID  = "oauth.client_id"  // Client identifier (non-secret)
	AttrPrincipal = "oauth.principal"  // Resource owner identifier
	AttrScope     = "oauth.scope"      // Requested or granted scope
	AttrGrantType = "oauth.grant_type" // Grant type of a token request
	AttrDecision  = "oauth.decision"   // Consent decision (allow/deny)
	AttrError     = "oauth.error"      // Protocol error code

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, principal, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if principal != "" {
		SetSpanAttributes(span, attribute.String(AttrPrincipal, principal))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
