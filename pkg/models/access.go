package models

import "time"

// RiskLevel is a coarse classification of a calling tool. It drives whether
// the tool's access requests require human approval.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ValidRiskLevel reports whether r is a known risk level.
func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ToolStatus is the lifecycle state of a registered tool.
type ToolStatus string

const (
	ToolActive          ToolStatus = "active"
	ToolSuspended       ToolStatus = "suspended"
	ToolPendingApproval ToolStatus = "pending_approval"
)

// WildcardSecret in a tool's allow-list grants access to every secret name.
const WildcardSecret = "*"

// ToolConfig is a registered caller identity with its permission envelope.
// Tools at critical risk are never auto-approved regardless of AutoApprove.
type ToolConfig struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	AllowedSecrets        []string      `json:"allowed_secrets"`
	AllowedEnvironments   []Environment `json:"allowed_environments"`
	MaxConcurrentSessions int           `json:"max_concurrent_sessions"`
	MaxSessionDuration    time.Duration `json:"max_session_duration"`
	RiskLevel             RiskLevel     `json:"risk_level"`
	AutoApprove           bool          `json:"auto_approve"`
	Status                ToolStatus    `json:"status"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// AllowsSecret reports whether name is covered by the tool's allow-list.
func (t *ToolConfig) AllowsSecret(name string) bool {
	for _, s := range t.AllowedSecrets {
		if s == WildcardSecret || s == name {
			return true
		}
	}
	return false
}

// AllowsEnvironment reports whether the tool may touch env. An empty list
// means no environment restriction.
func (t *ToolConfig) AllowsEnvironment(env Environment) bool {
	if len(t.AllowedEnvironments) == 0 {
		return true
	}
	for _, e := range t.AllowedEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

// RequestStatus is the state of an access request. Denied and expired
// requests are immutable; an approved request moves to activated exactly
// once, when its session is created, and is spent from then on.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestExpired   RequestStatus = "expired"
	RequestActivated RequestStatus = "activated"
)

// AccessRequest records one access attempt by a tool.
// RequiresApproval is derived from the tool's configuration, never taken
// from caller input.
type AccessRequest struct {
	ID                string        `json:"id"`
	ToolID            string        `json:"tool_id"`
	ProjectID         string        `json:"project_id"`
	SecretNames       []string      `json:"secret_names"`
	Environment       Environment   `json:"environment"`
	Justification     string        `json:"justification"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RequiresApproval  bool          `json:"requires_approval"`
	Status            RequestStatus `json:"status"`
	DecisionNotes     string        `json:"decision_notes,omitempty"`
	DecidedAt         *time.Time    `json:"decided_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ActiveSession is a time-boxed grant created from one approved request.
type ActiveSession struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"request_id"`
	ToolID      string     `json:"tool_id"`
	SecretNames []string   `json:"secret_names"`
	StartedAt   time.Time  `json:"started_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Live reports whether the session is usable at instant now.
func (s *ActiveSession) Live(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

// ProxyToken is an opaque caller-facing stand-in for one real secret value.
// ProxyValue is what the caller holds; EncryptedMapping is the broker-key
// encrypted blob carrying the real value and its scope. The token resolves
// only while now < ExpiresAt and RevokedAt is unset.
type ProxyToken struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	ToolID           string     `json:"tool_id"`
	SecretID         string     `json:"secret_id"`
	SecretName       string     `json:"secret_name"`
	ProxyValue       string     `json:"-"`
	EncryptedMapping string     `json:"-"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Usable reports whether the token may still resolve at instant now.
func (t *ProxyToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenMapping is the decrypted payload of a proxy token. Only PlainValue
// is ever returned to a caller; the rest exists for auditing and scoping.
type TokenMapping struct {
	PlainValue  string   `json:"real_value"`
	SecretID    string   `json:"secret_id"`
	SecretName  string   `json:"secret_name"`
	ToolID      string   `json:"tool_id"`
	SessionID   string   `json:"session_id"`
	Permissions []string `json:"permissions"`
}
