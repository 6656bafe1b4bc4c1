package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth core
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	ClientRegistered metric.Int64Counter
	ConsentDecisions metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeExchanged    metric.Int64Counter
	TokenRotated     metric.Int64Counter

	// Security Metrics
	TokenValidationFailures metric.Int64Counter
	RateLimitExceeded       metric.Int64Counter
	AuditEventsTotal        metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClientsCount      metric.Int64ObservableGauge
	StorageSessionsCount     metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StoragePairsCount        metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	// HTTP Layer Metrics
	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// OAuth Flow Metrics
	m.ClientRegistered, err = inst.serverMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.ConsentDecisions, err = inst.serverMeter.Int64Counter(
		"oauth.consent.decisions",
		metric.WithDescription("Number of consent decisions processed"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent.decisions counter: %w", err)
	}

	m.CodeIssued, err = inst.serverMeter.Int64Counter(
		"oauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeExchanged, err = inst.serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRotated, err = inst.serverMeter.Int64Counter(
		"oauth.token.rotated",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotated counter: %w", err)
	}

	// Security Metrics
	m.TokenValidationFailures, err = inst.securityMeter.Int64Counter(
		"oauth.token.validation_failures",
		metric.WithDescription("Number of bearer token validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validation_failures counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageClientsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Current number of registered clients in storage"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageSessionsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Current number of pending consent sessions in storage"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StorageCodesCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Current number of authorization codes in storage"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StoragePairsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.pairs.count",
		metric.WithDescription("Current number of token pairs in storage"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.pairs.count gauge: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, scope string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// RecordConsentDecision records the outcome of a consent prompt
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, allowed bool) {
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("allowed", allowed),
	))
}

// RecordCodeIssued records the issuance of an authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenRotation records a refresh token rotation
func (m *Metrics) RecordTokenRotation(ctx context.Context, clientID string, success bool) {
	m.TokenRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordTokenValidationFailure records a bearer validation failure by error code
func (m *Metrics) RecordTokenValidationFailure(ctx context.Context, errorCode string) {
	m.TokenValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_code", errorCode),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordAuditEvent records an audit event emission
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation with duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, backend string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("backend", backend),
		attribute.Bool("error", err != nil),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
}
