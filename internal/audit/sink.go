package audit

import (
	"context"
	"time"

	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
	"github.com/rs/zerolog/log"
)

// Sink writes append-only audit rows. Secret values must NEVER be passed
// here — only identifiers and metadata.
type Sink struct {
	store storage.Store
}

// NewSink creates an audit Sink backed by the given storage.
func NewSink(store storage.Store) *Sink {
	return &Sink{store: store}
}

// Usage records one operation against a secret. Audit write failures are
// logged but do not break the request flow.
func (s *Sink) Usage(ctx context.Context, secretID, toolID, operation string, success bool, metadata map[string]any) {
	m := &models.UsageMetric{
		SecretID:  secretID,
		ToolID:    toolID,
		Operation: operation,
		Success:   success,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.InsertUsageMetric(ctx, m); err != nil {
		log.Error().Err(err).Str("operation", operation).Msg("audit usage write failed")
	}
}

// Event records a security-relevant occurrence.
func (s *Sink) Event(ctx context.Context, e *models.SecurityEvent) {
	e.Timestamp = time.Now().UTC()
	if err := s.store.InsertSecurityEvent(ctx, e); err != nil {
		log.Error().Err(err).Str("event_type", e.EventType).Msg("audit event write failed")
	}
}

// QueryUsage retrieves usage metric rows.
func (s *Sink) QueryUsage(ctx context.Context, filter models.AuditFilter) ([]*models.UsageMetric, error) {
	return s.store.QueryUsageMetrics(ctx, filter)
}

// QueryEvents retrieves security event rows.
func (s *Sink) QueryEvents(ctx context.Context, filter models.AuditFilter) ([]*models.SecurityEvent, error) {
	return s.store.QuerySecurityEvents(ctx, filter)
}
