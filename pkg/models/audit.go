package models

import "time"

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// UsageMetric is an append-only record of one operation against a secret.
// Rows are never updated after insert.
type UsageMetric struct {
	ID        int64          `json:"id"`
	SecretID  string         `json:"secret_id"`
	ToolID    string         `json:"tool_id,omitempty"`
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SecurityEvent is an append-only record of a security-relevant occurrence:
// denied access, rotation failure, webhook delivery failure, revocation.
type SecurityEvent struct {
	ID        int64          `json:"id"`
	SecretID  string         `json:"secret_id,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Detail    string         `json:"detail"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Audit event types written by the broker and scheduler.
const (
	EventToolRegistered   = "tool_registered"
	EventToolStatus       = "tool_status_changed"
	EventAccessRequested  = "access_requested"
	EventAccessApproved   = "access_approved"
	EventAccessDenied     = "access_denied"
	EventSessionActivated = "session_activated"
	EventSessionRevoked   = "session_revoked"
	EventSessionExpired   = "session_expired"
	EventTokenRevoked     = "token_revoked"
	EventSecretAccessed   = "secret_accessed"
	EventRotationFailed   = "rotation_failed"
	EventNotifyFailed     = "notification_failed"
	EventSecretCompromise = "secret_compromised"
)

// AuditFilter selects audit rows for queries.
type AuditFilter struct {
	SecretID  string
	ToolID    string
	EventType string
	Severity  Severity
	Since     *time.Time
	Limit     int
	Offset    int
}
