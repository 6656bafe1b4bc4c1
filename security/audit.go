// Package security provides ambient security features for the OAuth core:
// audit logging, per-IP rate limiting, and request ID propagation.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging. Principal identifiers are hashed
// before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Principal string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the principal hashed
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"principal_hash", hashForLogging(event.Principal),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs a new client registration
func (a *Auditor) LogClientRegistered(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "client_registered",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogClientDeactivated logs an administrative client deactivation
func (a *Auditor) LogClientDeactivated(clientID string) {
	a.LogEvent(Event{
		Type:     "client_deactivated",
		ClientID: clientID,
	})
}

// LogSecretRotated logs an administrative client secret rotation
func (a *Auditor) LogSecretRotated(clientID string) {
	a.LogEvent(Event{
		Type:     "client_secret_rotated",
		ClientID: clientID,
	})
}

// LogConsentDecision logs the outcome of a consent prompt
func (a *Auditor) LogConsentDecision(principal, clientID string, allowed bool) {
	a.LogEvent(Event{
		Type:      "consent_decision",
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"allowed": allowed,
		},
	})
}

// LogCodeIssued logs the issuance of an authorization code
func (a *Auditor) LogCodeIssued(principal, clientID, scope string) {
	a.LogEvent(Event{
		Type:      "authorization_code_issued",
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs the issuance of a token pair
func (a *Auditor) LogTokenIssued(principal, clientID, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		Principal: principal,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRotated logs a refresh rotation
func (a *Auditor) LogTokenRotated(principal, clientID string) {
	a.LogEvent(Event{
		Type:      "token_rotated",
		Principal: principal,
		ClientID:  clientID,
	})
}

// LogAuthFailure logs an authentication or validation failure
func (a *Auditor) LogAuthFailure(principal, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		Principal: principal,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a short SHA256 digest of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
