package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/secretbroker/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and by the server's dev
// mode. All methods are safe for concurrent use; conditional updates hold
// the lock across check-and-set so they serialize exactly like the SQL
// equivalents.
type MemoryStore struct {
	mu       sync.Mutex
	secrets  map[string]*models.Secret
	policies map[string]*models.RotationPolicy
	tools    map[string]*models.ToolConfig
	requests map[string]*models.AccessRequest
	sessions map[string]*models.ActiveSession
	tokens   map[string]*models.ProxyToken
	byValue  map[string]string // proxy_value → token id
	metrics  []*models.UsageMetric
	events   []*models.SecurityEvent
	nextID   int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets:  map[string]*models.Secret{},
		policies: map[string]*models.RotationPolicy{},
		tools:    map[string]*models.ToolConfig{},
		requests: map[string]*models.AccessRequest{},
		sessions: map[string]*models.ActiveSession{},
		tokens:   map[string]*models.ProxyToken{},
		byValue:  map[string]string{},
	}
}

func (m *MemoryStore) Close() {}

// --- Secrets ---

func (m *MemoryStore) CreateSecret(_ context.Context, s *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[s.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.secrets {
		if existing.ProjectID == s.ProjectID && existing.Environment == s.Environment && existing.Name == s.Name {
			return ErrAlreadyExists
		}
	}
	m.secrets[s.ID] = cloneSecret(s)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, id string) (*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSecret(s), nil
}

func (m *MemoryStore) GetSecretByName(_ context.Context, projectID string, env models.Environment, name string) (*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets {
		if s.ProjectID == projectID && s.Environment == env && s.Name == name {
			return cloneSecret(s), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListSecrets(_ context.Context, filter models.SecretFilter) ([]*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Secret
	for _, s := range m.secrets {
		if filter.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Environment != "" && s.Environment != filter.Environment {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(s.Name, filter.NamePrefix) {
			continue
		}
		if filter.Tag != "" && !containsStr(s.Tags, filter.Tag) {
			continue
		}
		out = append(out, cloneSecret(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSecretValue(_ context.Context, id, encryptedValue string, rotatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	s.EncryptedValue = encryptedValue
	s.LastRotatedAt = &rotatedAt
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetSecretStatus(_ context.Context, id string, status models.SecretStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetSecretStatusIf(_ context.Context, id string, from, to models.SecretStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != from {
		return ErrConflict
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementSecretUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	s.UsageCount++
	return nil
}

// --- Rotation policies ---

func (m *MemoryStore) UpsertRotationPolicy(_ context.Context, p *models.RotationPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clonePolicy(p)
	cp.UpdatedAt = time.Now().UTC()
	m.policies[p.SecretID] = cp
	return nil
}

func (m *MemoryStore) GetRotationPolicy(_ context.Context, secretID string) (*models.RotationPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[secretID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) SetNextRotation(_ context.Context, secretID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[secretID]
	if !ok {
		return ErrNotFound
	}
	p.NextRotation = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DueRotations(_ context.Context, now time.Time) ([]*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Secret
	for id, p := range m.policies {
		if !p.AutoRotate || p.NextRotation.After(now) {
			continue
		}
		s, ok := m.secrets[id]
		if !ok || s.Status != models.StatusActive {
			continue
		}
		due = append(due, cloneSecret(s))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// --- Tools ---

func (m *MemoryStore) CreateTool(_ context.Context, t *models.ToolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[t.ID]; ok {
		return ErrAlreadyExists
	}
	m.tools[t.ID] = cloneTool(t)
	return nil
}

func (m *MemoryStore) GetTool(_ context.Context, id string) (*models.ToolConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTool(t), nil
}

func (m *MemoryStore) ListTools(_ context.Context) ([]*models.ToolConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ToolConfig
	for _, t := range m.tools {
		out = append(out, cloneTool(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SetToolStatus(_ context.Context, id string, status models.ToolStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Access requests ---

func (m *MemoryStore) CreateAccessRequest(_ context.Context, r *models.AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetAccessRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListAccessRequests(_ context.Context, status models.RequestStatus) ([]*models.AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AccessRequest
	for _, r := range m.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DecideAccessRequest(_ context.Context, id string, status models.RequestStatus, notes string, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RequestPending {
		return ErrConflict
	}
	r.Status = status
	r.DecisionNotes = notes
	r.DecidedAt = &decidedAt
	return nil
}

func (m *MemoryStore) ConsumeAccessRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RequestApproved {
		return ErrConflict
	}
	r.Status = models.RequestActivated
	return nil
}

func (m *MemoryStore) ExpirePendingRequests(_ context.Context, olderThan time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, r := range m.requests {
		if r.Status == models.RequestPending && r.CreatedAt.Before(olderThan) {
			r.Status = models.RequestExpired
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// --- Sessions ---

func (m *MemoryStore) CreateSession(_ context.Context, s *models.ActiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.ActiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListToolSessions(_ context.Context, toolID string) ([]*models.ActiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActiveSession
	for _, s := range m.sessions {
		if s.ToolID == toolID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) CountLiveSessions(_ context.Context, toolID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.ToolID == toolID && s.Live(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) EndSession(_ context.Context, id string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.EndedAt == nil {
		t := at
		s.EndedAt = &t
	}
	var tokenIDs []string
	for _, tok := range m.tokens {
		if tok.SessionID == id && tok.RevokedAt == nil {
			t := at
			tok.RevokedAt = &t
			tokenIDs = append(tokenIDs, tok.ID)
		}
	}
	return tokenIDs, nil
}

func (m *MemoryStore) EndExpiredSessions(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.sessions {
		if s.EndedAt == nil && !s.ExpiresAt.After(now) {
			t := now
			s.EndedAt = &t
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

// --- Proxy tokens ---

func (m *MemoryStore) CreateProxyToken(_ context.Context, t *models.ProxyToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byValue[t.ProxyValue]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	m.tokens[t.ID] = &cp
	m.byValue[t.ProxyValue] = t.ID
	return nil
}

func (m *MemoryStore) GetProxyToken(_ context.Context, id string) (*models.ProxyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetProxyTokenByValue(_ context.Context, proxyValue string) (*models.ProxyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byValue[proxyValue]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tokens[id]
	return &cp, nil
}

func (m *MemoryStore) RevokeProxyToken(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if t.RevokedAt == nil {
		ts := at
		t.RevokedAt = &ts
	}
	return nil
}

func (m *MemoryStore) RevokeExpiredTokens(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, t := range m.tokens {
		if t.RevokedAt == nil && !t.ExpiresAt.After(now) {
			ts := now
			t.RevokedAt = &ts
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// --- Audit ---

func (m *MemoryStore) InsertUsageMetric(_ context.Context, metric *models.UsageMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := cloneMetric(metric)
	cp.ID = m.nextID
	m.metrics = append(m.metrics, cp)
	return nil
}

func (m *MemoryStore) InsertSecurityEvent(_ context.Context, e *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := cloneEvent(e)
	cp.ID = m.nextID
	m.events = append(m.events, cp)
	return nil
}

func (m *MemoryStore) QueryUsageMetrics(_ context.Context, filter models.AuditFilter) ([]*models.UsageMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UsageMetric
	for _, metric := range m.metrics {
		if filter.SecretID != "" && metric.SecretID != filter.SecretID {
			continue
		}
		if filter.ToolID != "" && metric.ToolID != filter.ToolID {
			continue
		}
		if filter.Since != nil && metric.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneMetric(metric))
	}
	return out, nil
}

func (m *MemoryStore) QuerySecurityEvents(_ context.Context, filter models.AuditFilter) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SecurityEvent
	for _, e := range m.events {
		if filter.SecretID != "" && e.SecretID != filter.SecretID {
			continue
		}
		if filter.ToolID != "" && e.ToolID != filter.ToolID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

// --- Metrics helpers ---

func (m *MemoryStore) CountSecretsByStatus(_ context.Context) (map[models.SecretStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.SecretStatus]int64{}
	for _, s := range m.secrets {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) CountLiveTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, t := range m.tokens {
		if t.Usable(now) {
			count++
		}
	}
	return count, nil
}

// Clone helpers copy slice and map fields so callers cannot reach back
// into store state through a returned struct. ProxyToken has neither and
// is copied by value at its call sites.

func cloneSecret(s *models.Secret) *models.Secret {
	cp := *s
	cp.Tags = append([]string(nil), s.Tags...)
	return &cp
}

func clonePolicy(p *models.RotationPolicy) *models.RotationPolicy {
	cp := *p
	cp.NotifyTargets = append([]string(nil), p.NotifyTargets...)
	return &cp
}

func cloneTool(t *models.ToolConfig) *models.ToolConfig {
	cp := *t
	cp.AllowedSecrets = append([]string(nil), t.AllowedSecrets...)
	cp.AllowedEnvironments = append([]models.Environment(nil), t.AllowedEnvironments...)
	return &cp
}

func cloneRequest(r *models.AccessRequest) *models.AccessRequest {
	cp := *r
	cp.SecretNames = append([]string(nil), r.SecretNames...)
	return &cp
}

func cloneSession(s *models.ActiveSession) *models.ActiveSession {
	cp := *s
	cp.SecretNames = append([]string(nil), s.SecretNames...)
	return &cp
}

func cloneMetric(u *models.UsageMetric) *models.UsageMetric {
	cp := *u
	if u.Metadata != nil {
		cp.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneEvent(e *models.SecurityEvent) *models.SecurityEvent {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
