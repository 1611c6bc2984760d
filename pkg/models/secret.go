package models

import "time"

// Environment identifies which deployment tier a secret belongs to.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ValidEnvironment reports whether e is a known environment.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// SecretType classifies what kind of credential a secret holds. It drives
// the generation strategy used when a rotation has to mint a new value.
type SecretType string

const (
	TypeAPIKey        SecretType = "api_key"
	TypeDatabaseURL   SecretType = "database_url"
	TypeOAuthToken    SecretType = "oauth_token"
	TypeCertificate   SecretType = "certificate"
	TypeSSHKey        SecretType = "ssh_key"
	TypeWebhookSecret SecretType = "webhook_secret"
	TypeEncryptionKey SecretType = "encryption_key"
)

// SecretStatus is the lifecycle state of a secret.
//
// active ⇄ rotating while a rotation is in flight; deprecated, expired and
// compromised are terminal — no further rotation is scheduled for them.
type SecretStatus string

const (
	StatusActive      SecretStatus = "active"
	StatusRotating    SecretStatus = "rotating"
	StatusDeprecated  SecretStatus = "deprecated"
	StatusExpired     SecretStatus = "expired"
	StatusCompromised SecretStatus = "compromised"
)

// Terminal reports whether the status permits no further transitions.
func (s SecretStatus) Terminal() bool {
	switch s {
	case StatusDeprecated, StatusExpired, StatusCompromised:
		return true
	}
	return false
}

// Secret is a stored credential. EncryptedValue is the packed
// salt‖nonce‖ciphertext blob produced by the crypto provider — the
// plaintext never touches storage or logs.
type Secret struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Environment    Environment  `json:"environment"`
	ProjectID      string       `json:"project_id"`
	EncryptedValue string       `json:"-"`
	Type           SecretType   `json:"type"`
	Status         SecretStatus `json:"status"`
	Tags           []string     `json:"tags,omitempty"`
	UsageCount     int64        `json:"usage_count"`
	LastRotatedAt  *time.Time   `json:"last_rotated_at,omitempty"`
	RotationDays   int          `json:"rotation_days"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SecretFilter narrows list queries.
type SecretFilter struct {
	ProjectID   string
	Environment Environment
	Status      SecretStatus
	Type        SecretType
	Tag         string
	NamePrefix  string
	Limit       int
	Offset      int
}

// RotationPolicy schedules automatic regeneration of one secret's value.
// The overlap window is the grace period during which dependents may treat
// both the old and new values as valid; it is sized as 10% of the rotation
// frequency, clamped to [6h, 48h].
type RotationPolicy struct {
	SecretID       string        `json:"secret_id"`
	FrequencyDays  int           `json:"frequency_days"`
	OverlapWindow  time.Duration `json:"overlap_window"`
	AutoRotate     bool          `json:"auto_rotate"`
	CronExpression string        `json:"cron_expression,omitempty"`
	NotifyTargets  []string      `json:"notify_targets,omitempty"`
	IncludeValue   bool          `json:"include_value"`
	NextRotation   time.Time     `json:"next_rotation"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// OverlapWindowFor computes the rotation grace period for a frequency.
func OverlapWindowFor(frequencyDays int) time.Duration {
	w := time.Duration(frequencyDays) * 24 * time.Hour / 10
	if w < 6*time.Hour {
		return 6 * time.Hour
	}
	if w > 48*time.Hour {
		return 48 * time.Hour
	}
	return w
}

// RotationResult is returned to the caller of a rotation. Neither value is
// ever written to the audit trail.
type RotationResult struct {
	SecretID string
	OldValue string
	NewValue string
}

// BatchRotationOutcome reports per-secret results of a batch rotation.
type BatchRotationOutcome struct {
	Successful []string           `json:"successful"`
	Failed     []BatchRotationErr `json:"failed"`
}

// BatchRotationErr captures one failed rotation inside a batch.
type BatchRotationErr struct {
	SecretID string `json:"secret_id"`
	Error    string `json:"error"`
}
