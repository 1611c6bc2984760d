package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
)

// Config tunes the broker.
type Config struct {
	// SweepInterval between background cleanup passes.
	SweepInterval time.Duration
	// PendingRequestTTL is how long an undecided request stays pending
	// before the sweep expires it.
	PendingRequestTTL time.Duration
	// DefaultSessionDuration applies to tools registered without an
	// explicit max session duration.
	DefaultSessionDuration time.Duration
}

// Broker mediates tool access to secrets. Tools never see real values
// directly; they receive opaque proxy tokens that resolve through the
// broker, one token per secret per session.
//
// The store is the source of truth for every status. The broker keeps a
// small in-process cache of decrypted token mappings, but a cache hit is
// never trusted on its own: the persisted token row is re-checked on each
// resolution, so a revocation on another node takes effect immediately.
type Broker struct {
	store         storage.Store
	secrets       *secrets.Service
	sink          *audit.Sink
	tokenPassword string
	cfg           Config
	logger        zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	watchMu  sync.Mutex
	watchers map[string][]chan models.RequestStatus

	cacheMu sync.Mutex
	cache   map[string]*cacheEntry
}

// cacheEntry is a decrypted token mapping kept in process memory to skip
// repeat decryptions. Entries are dropped on revocation and by the sweep.
type cacheEntry struct {
	mapping   models.TokenMapping
	tokenID   string
	sessionID string
	expiresAt time.Time
}

// New creates a Broker. tokenPassword is the broker's own key material for
// proxy-token mappings and must differ from the secret store's master
// password, so the two stores never share a decryption path.
func New(store storage.Store, svc *secrets.Service, sink *audit.Sink, tokenPassword string, cfg Config, logger zerolog.Logger) *Broker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.PendingRequestTTL <= 0 {
		cfg.PendingRequestTTL = 24 * time.Hour
	}
	if cfg.DefaultSessionDuration <= 0 {
		cfg.DefaultSessionDuration = time.Hour
	}
	return &Broker{
		store:         store,
		secrets:       svc,
		sink:          sink,
		tokenPassword: tokenPassword,
		cfg:           cfg,
		logger:        logger.With().Str("component", "broker").Logger(),
		watchers:      make(map[string][]chan models.RequestStatus),
		cache:         make(map[string]*cacheEntry),
	}
}

// RegisterToolParams carries the caller-supplied part of a tool
// registration. Status is never caller-supplied.
type RegisterToolParams struct {
	Name                  string               `json:"name"`
	AllowedSecrets        []string             `json:"allowed_secrets"`
	AllowedEnvironments   []models.Environment `json:"allowed_environments"`
	MaxConcurrentSessions int                  `json:"max_concurrent_sessions"`
	MaxSessionDuration    time.Duration        `json:"max_session_duration"`
	RiskLevel             models.RiskLevel     `json:"risk_level"`
	AutoApprove           bool                 `json:"auto_approve"`
}

// RegisterTool persists a tool configuration. Critical-risk tools start in
// pending_approval and cannot request access until an operator activates
// them; everything else starts active.
func (b *Broker) RegisterTool(ctx context.Context, p RegisterToolParams) (*models.ToolConfig, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if p.RiskLevel == "" {
		p.RiskLevel = models.RiskMedium
	}
	if !models.ValidRiskLevel(p.RiskLevel) {
		return nil, fmt.Errorf("invalid risk level %q", p.RiskLevel)
	}
	for _, env := range p.AllowedEnvironments {
		if !models.ValidEnvironment(env) {
			return nil, fmt.Errorf("invalid environment %q", env)
		}
	}
	if p.MaxConcurrentSessions <= 0 {
		p.MaxConcurrentSessions = 1
	}
	if p.MaxSessionDuration <= 0 {
		p.MaxSessionDuration = b.cfg.DefaultSessionDuration
	}

	now := time.Now().UTC()
	status := models.ToolActive
	if p.RiskLevel == models.RiskCritical {
		status = models.ToolPendingApproval
	}
	tool := &models.ToolConfig{
		ID:                    uuid.NewString(),
		Name:                  p.Name,
		AllowedSecrets:        p.AllowedSecrets,
		AllowedEnvironments:   p.AllowedEnvironments,
		MaxConcurrentSessions: p.MaxConcurrentSessions,
		MaxSessionDuration:    p.MaxSessionDuration,
		RiskLevel:             p.RiskLevel,
		AutoApprove:           p.AutoApprove,
		Status:                status,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := b.store.CreateTool(ctx, tool); err != nil {
		return nil, fmt.Errorf("persist tool: %w", err)
	}

	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    tool.ID,
		EventType: models.EventToolRegistered,
		Severity:  models.SeverityLow,
		Detail:    fmt.Sprintf("tool %q registered with status %s", tool.Name, tool.Status),
		Metadata: map[string]any{
			"risk_level":   tool.RiskLevel,
			"auto_approve": tool.AutoApprove,
		},
	})
	b.logger.Info().Str("tool_id", tool.ID).Str("name", tool.Name).
		Str("status", string(tool.Status)).Msg("tool registered")
	return tool, nil
}

// SetToolStatus transitions a tool between active, suspended and
// pending_approval. Used by operators to approve critical-risk tools and
// to suspend misbehaving ones.
func (b *Broker) SetToolStatus(ctx context.Context, toolID string, status models.ToolStatus) error {
	switch status {
	case models.ToolActive, models.ToolSuspended, models.ToolPendingApproval:
	default:
		return fmt.Errorf("invalid tool status %q", status)
	}
	if err := b.store.SetToolStatus(ctx, toolID, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrToolNotRegistered
		}
		return err
	}
	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    toolID,
		EventType: models.EventToolStatus,
		Severity:  models.SeverityMedium,
		Detail:    fmt.Sprintf("tool status set to %s", status),
	})
	return nil
}

// AccessParams carries one access attempt.
type AccessParams struct {
	ToolID            string             `json:"tool_id"`
	ProjectID         string             `json:"project_id"`
	SecretNames       []string           `json:"secret_names"`
	Environment       models.Environment `json:"environment"`
	Justification     string             `json:"justification"`
	RequestedDuration time.Duration      `json:"requested_duration"`
}

// RequestAccess validates a tool's request against its permission envelope
// and persists it. Whether approval is required is derived from the tool's
// configuration, never taken from the caller. The call returns immediately
// in every case; a pending decision arrives later through
// ApproveAccessRequest, observable via WatchRequest.
func (b *Broker) RequestAccess(ctx context.Context, p AccessParams) (*models.AccessRequest, error) {
	if len(p.SecretNames) == 0 {
		return nil, fmt.Errorf("at least one secret name is required")
	}
	tool, err := b.store.GetTool(ctx, p.ToolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.denied(ctx, p.ToolID, "tool not registered", nil)
			return nil, ErrToolNotRegistered
		}
		return nil, fmt.Errorf("load tool: %w", err)
	}
	if tool.Status != models.ToolActive {
		b.denied(ctx, tool.ID, "tool not active", map[string]any{"tool_status": tool.Status})
		return nil, ErrToolNotActive
	}
	if !tool.AllowsEnvironment(p.Environment) {
		b.denied(ctx, tool.ID, "environment not allowed", map[string]any{"environment": p.Environment})
		return nil, ErrEnvironmentNotAllowed
	}
	var offenders []string
	for _, name := range p.SecretNames {
		if !tool.AllowsSecret(name) {
			offenders = append(offenders, name)
		}
	}
	if len(offenders) > 0 {
		b.denied(ctx, tool.ID, "secrets outside allow-list", map[string]any{"secret_names": offenders})
		return nil, &UnauthorizedSecretsError{Names: offenders}
	}

	now := time.Now().UTC()
	live, err := b.store.CountLiveSessions(ctx, tool.ID, now)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if live >= tool.MaxConcurrentSessions {
		b.denied(ctx, tool.ID, "session limit exceeded", map[string]any{
			"live_sessions": live,
			"max_sessions":  tool.MaxConcurrentSessions,
		})
		return nil, ErrSessionLimitExceeded
	}

	estimated := p.RequestedDuration
	if estimated <= 0 || estimated > tool.MaxSessionDuration {
		estimated = tool.MaxSessionDuration
	}
	requiresApproval := !tool.AutoApprove || tool.RiskLevel == models.RiskCritical

	req := &models.AccessRequest{
		ID:                uuid.NewString(),
		ToolID:            tool.ID,
		ProjectID:         p.ProjectID,
		SecretNames:       p.SecretNames,
		Environment:       p.Environment,
		Justification:     p.Justification,
		EstimatedDuration: estimated,
		RequiresApproval:  requiresApproval,
		Status:            models.RequestPending,
		CreatedAt:         now,
	}
	if !requiresApproval {
		req.Status = models.RequestApproved
		req.DecisionNotes = "auto-approved"
		req.DecidedAt = &now
	}
	if err := b.store.CreateAccessRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    tool.ID,
		EventType: models.EventAccessRequested,
		Severity:  models.SeverityLow,
		Detail:    fmt.Sprintf("access requested for %d secret(s), status %s", len(req.SecretNames), req.Status),
		Metadata: map[string]any{
			"request_id":        req.ID,
			"secret_names":      req.SecretNames,
			"environment":       req.Environment,
			"requires_approval": req.RequiresApproval,
		},
	})
	b.logger.Info().Str("request_id", req.ID).Str("tool_id", tool.ID).
		Bool("requires_approval", requiresApproval).Msg("access requested")
	return req, nil
}

// ApproveAccessRequest decides a pending request. Decisions are final: a
// request that has already been approved, denied or expired returns
// ErrRequestDecided rather than silently accepting a second decision.
// Watchers subscribed via WatchRequest are notified.
func (b *Broker) ApproveAccessRequest(ctx context.Context, requestID string, approved bool, notes string) (*models.AccessRequest, error) {
	status := models.RequestDenied
	eventType := models.EventAccessDenied
	if approved {
		status = models.RequestApproved
		eventType = models.EventAccessApproved
	}
	now := time.Now().UTC()
	if err := b.store.DecideAccessRequest(ctx, requestID, status, notes, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrRequestNotFound
		case errors.Is(err, storage.ErrConflict):
			return nil, ErrRequestDecided
		default:
			return nil, fmt.Errorf("decide request: %w", err)
		}
	}
	req, err := b.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reload request: %w", err)
	}

	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    req.ToolID,
		EventType: eventType,
		Severity:  models.SeverityLow,
		Detail:    fmt.Sprintf("request %s %s", requestID, status),
		Metadata:  map[string]any{"request_id": requestID, "notes": notes},
	})
	b.notifyWatchers(requestID, status)
	b.logger.Info().Str("request_id", requestID).Str("status", string(status)).Msg("access request decided")
	return req, nil
}

// GetAccessRequest returns the current state of a request.
func (b *Broker) GetAccessRequest(ctx context.Context, requestID string) (*models.AccessRequest, error) {
	req, err := b.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListAccessRequests returns requests filtered by status, newest first.
func (b *Broker) ListAccessRequests(ctx context.Context, status models.RequestStatus) ([]*models.AccessRequest, error) {
	return b.store.ListAccessRequests(ctx, status)
}

// denied writes the access_denied audit event that precedes every
// rejection returned by RequestAccess.
func (b *Broker) denied(ctx context.Context, toolID, reason string, metadata map[string]any) {
	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    toolID,
		EventType: models.EventAccessDenied,
		Severity:  models.SeverityMedium,
		Detail:    reason,
		Metadata:  metadata,
	})
}
