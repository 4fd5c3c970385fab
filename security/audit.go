// Package security provides security features for the authorization server including
// encryption at rest, rate limiting, audit logging, and secure header management.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-authserver/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation makes the auditor count events in the audit metric
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when an access token is issued
func (a *Auditor) LogTokenIssued(subject, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogAuthFailure logs a failed token exchange or authorization attempt
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse logs a replayed authorization code
func (a *Auditor) LogCodeReuse(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(identifier, limiterType string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: identifier,
		Details: map[string]any{
			"limiter_type": limiterType,
		},
	})
}

// LogClientRegistered logs when a static client is registered
func (a *Auditor) LogClientRegistered(clientID, clientName string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_name": clientName,
		},
	})
}

// LogClientDeleted logs when a static client is removed together with its codes
func (a *Auditor) LogClientDeleted(clientID string, codesDeleted int) {
	a.LogEvent(Event{
		Type:     EventClientDeleted,
		ClientID: clientID,
		Details: map[string]any{
			"codes_deleted": codesDeleted,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
