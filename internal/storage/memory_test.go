package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/org/secretbroker/pkg/models"
)

func TestSetSecretStatusIf(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	sec := &models.Secret{ID: "s1", Name: "S", ProjectID: "p", Environment: models.EnvProduction, Status: models.StatusActive}
	if err := m.CreateSecret(ctx, sec); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}

	if err := m.SetSecretStatusIf(ctx, "s1", models.StatusActive, models.StatusRotating); err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}
	// The precondition no longer holds.
	if err := m.SetSecretStatusIf(ctx, "s1", models.StatusActive, models.StatusRotating); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := m.SetSecretStatusIf(ctx, "missing", models.StatusActive, models.StatusRotating); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEndSessionRevokesTokens(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := &models.ActiveSession{ID: "sess1", ToolID: "t1", StartedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for _, id := range []string{"tok1", "tok2"} {
		if err := m.CreateProxyToken(ctx, &models.ProxyToken{
			ID: id, SessionID: "sess1", ProxyValue: "pxy_" + id, ExpiresAt: now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("CreateProxyToken failed: %v", err)
		}
	}
	// A token from another session must be untouched.
	other := &models.ActiveSession{ID: "sess2", ToolID: "t1", StartedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := m.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := m.CreateProxyToken(ctx, &models.ProxyToken{
		ID: "tok3", SessionID: "sess2", ProxyValue: "pxy_tok3", ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateProxyToken failed: %v", err)
	}

	revoked, err := m.EndSession(ctx, "sess1", now)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if len(revoked) != 2 {
		t.Errorf("revoked = %v, want both session tokens", revoked)
	}

	ended, _ := m.GetSession(ctx, "sess1")
	if ended.EndedAt == nil {
		t.Error("session should be ended")
	}
	for _, id := range []string{"tok1", "tok2"} {
		tok, _ := m.GetProxyToken(ctx, id)
		if tok.RevokedAt == nil {
			t.Errorf("token %s should be revoked", id)
		}
	}
	survivor, _ := m.GetProxyToken(ctx, "tok3")
	if survivor.RevokedAt != nil {
		t.Error("token of another session must survive")
	}

	if _, err := m.EndSession(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExpirePendingRequests(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	requests := []*models.AccessRequest{
		{ID: "old-pending", Status: models.RequestPending, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "fresh-pending", Status: models.RequestPending, CreatedAt: now},
		{ID: "old-approved", Status: models.RequestApproved, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, r := range requests {
		if err := m.CreateAccessRequest(ctx, r); err != nil {
			t.Fatalf("CreateAccessRequest failed: %v", err)
		}
	}

	expired, err := m.ExpirePendingRequests(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ExpirePendingRequests failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "old-pending" {
		t.Errorf("expired = %v, want [old-pending]", expired)
	}

	got, _ := m.GetAccessRequest(ctx, "old-pending")
	if got.Status != models.RequestExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	approved, _ := m.GetAccessRequest(ctx, "old-approved")
	if approved.Status != models.RequestApproved {
		t.Error("decided requests must not be expired")
	}
}

func TestDecideAccessRequest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	req := &models.AccessRequest{ID: "r1", Status: models.RequestPending, CreatedAt: now}
	if err := m.CreateAccessRequest(ctx, req); err != nil {
		t.Fatalf("CreateAccessRequest failed: %v", err)
	}

	if err := m.DecideAccessRequest(ctx, "r1", models.RequestApproved, "ok", now); err != nil {
		t.Fatalf("DecideAccessRequest failed: %v", err)
	}
	if err := m.DecideAccessRequest(ctx, "r1", models.RequestDenied, "no", now); !errors.Is(err, ErrConflict) {
		t.Errorf("second decision should conflict, got %v", err)
	}
	if err := m.DecideAccessRequest(ctx, "missing", models.RequestApproved, "", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := m.GetAccessRequest(ctx, "r1")
	if got.Status != models.RequestApproved || got.DecidedAt == nil || got.DecisionNotes != "ok" {
		t.Errorf("decided request = %+v", got)
	}
}

func TestReturnedStructsAreIsolated(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.CreateSecret(ctx, &models.Secret{
		ID: "s1", Name: "S", ProjectID: "p", Environment: models.EnvProduction,
		Status: models.StatusActive, Tags: []string{"db"},
	}); err != nil {
		t.Fatalf("CreateSecret failed: %v", err)
	}
	tool := &models.ToolConfig{
		ID: "t1", Name: "ci", AllowedSecrets: []string{"S"},
		AllowedEnvironments: []models.Environment{models.EnvProduction},
	}
	if err := m.CreateTool(ctx, tool); err != nil {
		t.Fatalf("CreateTool failed: %v", err)
	}
	if err := m.CreateAccessRequest(ctx, &models.AccessRequest{
		ID: "r1", ToolID: "t1", SecretNames: []string{"S"},
		Status: models.RequestPending, CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateAccessRequest failed: %v", err)
	}

	// Mutating a slice on a returned struct must not leak into the store.
	sec, _ := m.GetSecret(ctx, "s1")
	sec.Tags[0] = "mangled"
	again, _ := m.GetSecret(ctx, "s1")
	if again.Tags[0] != "db" {
		t.Errorf("secret tags leaked: %v", again.Tags)
	}

	got, _ := m.GetTool(ctx, "t1")
	got.AllowedSecrets[0] = "*"
	got.AllowedEnvironments[0] = models.EnvStaging
	fresh, _ := m.GetTool(ctx, "t1")
	if fresh.AllowedSecrets[0] != "S" || fresh.AllowedEnvironments[0] != models.EnvProduction {
		t.Errorf("tool grants leaked: %+v", fresh)
	}

	req, _ := m.GetAccessRequest(ctx, "r1")
	req.SecretNames[0] = "OTHER"
	kept, _ := m.GetAccessRequest(ctx, "r1")
	if kept.SecretNames[0] != "S" {
		t.Errorf("request secret names leaked: %v", kept.SecretNames)
	}

	// The store must also not alias the caller's slice on write.
	tool.AllowedSecrets[0] = "mangled"
	stored, _ := m.GetTool(ctx, "t1")
	if stored.AllowedSecrets[0] != "S" {
		t.Errorf("stored tool aliases caller slice: %v", stored.AllowedSecrets)
	}
}

func TestListSecretsFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	seed := []*models.Secret{
		{ID: "1", Name: "DB_URL", ProjectID: "p1", Environment: models.EnvProduction, Status: models.StatusActive, Type: models.TypeDatabaseURL, Tags: []string{"db"}},
		{ID: "2", Name: "DB_RO_URL", ProjectID: "p1", Environment: models.EnvProduction, Status: models.StatusDeprecated, Type: models.TypeDatabaseURL},
		{ID: "3", Name: "API_KEY", ProjectID: "p1", Environment: models.EnvStaging, Status: models.StatusActive, Type: models.TypeAPIKey, Tags: []string{"external"}},
		{ID: "4", Name: "OTHER", ProjectID: "p2", Environment: models.EnvProduction, Status: models.StatusActive, Type: models.TypeAPIKey},
	}
	for _, s := range seed {
		if err := m.CreateSecret(ctx, s); err != nil {
			t.Fatalf("CreateSecret failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter models.SecretFilter
		want   int
	}{
		{"by project", models.SecretFilter{ProjectID: "p1"}, 3},
		{"by environment", models.SecretFilter{Environment: models.EnvStaging}, 1},
		{"by status", models.SecretFilter{Status: models.StatusDeprecated}, 1},
		{"by tag", models.SecretFilter{Tag: "db"}, 1},
		{"by prefix", models.SecretFilter{NamePrefix: "DB_"}, 2},
		{"limit", models.SecretFilter{Limit: 2}, 2},
		{"offset past end", models.SecretFilter{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ListSecrets(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListSecrets failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d secrets, want %d", len(got), tt.want)
			}
		})
	}
}
