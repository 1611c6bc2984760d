package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretbroker/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned when a conditional update loses — the row was not
// in the state the caller required (e.g. rotating an already-rotating secret
// or deciding an already-decided request).
var ErrConflict = errors.New("conditional update conflict")

// Store defines the persistence port for the vault and broker. It is the
// single source of truth for all status transitions; in-memory caches are
// best-effort and must be reconciled against it.
type Store interface {
	// Secrets
	CreateSecret(ctx context.Context, s *models.Secret) error
	GetSecret(ctx context.Context, id string) (*models.Secret, error)
	GetSecretByName(ctx context.Context, projectID string, env models.Environment, name string) (*models.Secret, error)
	ListSecrets(ctx context.Context, filter models.SecretFilter) ([]*models.Secret, error)
	UpdateSecretValue(ctx context.Context, id, encryptedValue string, rotatedAt time.Time) error
	SetSecretStatus(ctx context.Context, id string, status models.SecretStatus) error
	// SetSecretStatusIf transitions status only when the current status equals
	// from; otherwise it returns ErrConflict. Rotation serialization hangs off
	// this primitive.
	SetSecretStatusIf(ctx context.Context, id string, from, to models.SecretStatus) error
	IncrementSecretUsage(ctx context.Context, id string) error

	// Rotation policies
	UpsertRotationPolicy(ctx context.Context, p *models.RotationPolicy) error
	GetRotationPolicy(ctx context.Context, secretID string) (*models.RotationPolicy, error)
	SetNextRotation(ctx context.Context, secretID string, next time.Time) error
	// DueRotations returns secrets whose policy next_rotation has passed,
	// auto_rotate is set, and whose status still permits rotation.
	DueRotations(ctx context.Context, now time.Time) ([]*models.Secret, error)

	// Tools
	CreateTool(ctx context.Context, t *models.ToolConfig) error
	GetTool(ctx context.Context, id string) (*models.ToolConfig, error)
	ListTools(ctx context.Context) ([]*models.ToolConfig, error)
	SetToolStatus(ctx context.Context, id string, status models.ToolStatus) error

	// Access requests
	CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error
	GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	// ListAccessRequests returns requests in the given status, newest first.
	// An empty status lists all.
	ListAccessRequests(ctx context.Context, status models.RequestStatus) ([]*models.AccessRequest, error)
	// DecideAccessRequest transitions a request out of pending. Deciding a
	// request that is not pending returns ErrConflict.
	DecideAccessRequest(ctx context.Context, id string, status models.RequestStatus, notes string, decidedAt time.Time) error
	// ConsumeAccessRequest transitions an approved request to activated.
	// The update is conditional on the current status, so exactly one
	// activation wins; a spent or undecided request returns ErrConflict.
	ConsumeAccessRequest(ctx context.Context, id string) error
	ExpirePendingRequests(ctx context.Context, olderThan time.Time) ([]string, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.ActiveSession) error
	GetSession(ctx context.Context, id string) (*models.ActiveSession, error)
	ListToolSessions(ctx context.Context, toolID string) ([]*models.ActiveSession, error)
	CountLiveSessions(ctx context.Context, toolID string, now time.Time) (int, error)
	// EndSession sets ended_at and revokes every token belonging to the
	// session in one transaction, so a revoked session can never leave a
	// still-valid token behind. Returns the revoked token IDs.
	EndSession(ctx context.Context, id string, at time.Time) ([]string, error)
	EndExpiredSessions(ctx context.Context, now time.Time) ([]string, error)

	// Proxy tokens
	CreateProxyToken(ctx context.Context, t *models.ProxyToken) error
	GetProxyToken(ctx context.Context, id string) (*models.ProxyToken, error)
	GetProxyTokenByValue(ctx context.Context, proxyValue string) (*models.ProxyToken, error)
	RevokeProxyToken(ctx context.Context, id string, at time.Time) error
	RevokeExpiredTokens(ctx context.Context, now time.Time) ([]string, error)

	// Audit — append-only, never updated after insert
	InsertUsageMetric(ctx context.Context, m *models.UsageMetric) error
	InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error
	QueryUsageMetrics(ctx context.Context, filter models.AuditFilter) ([]*models.UsageMetric, error)
	QuerySecurityEvents(ctx context.Context, filter models.AuditFilter) ([]*models.SecurityEvent, error)

	// Metrics helpers
	CountSecretsByStatus(ctx context.Context) (map[models.SecretStatus]int64, error)
	CountLiveTokens(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Close()
}
