package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
)

func newTestService() (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewService(store, audit.NewSink(store), "test-master-password"), store
}

func mustCreate(t *testing.T, svc *Service, p CreateParams) *models.Secret {
	t.Helper()
	if p.Environment == "" {
		p.Environment = models.EnvProduction
	}
	if p.Type == "" {
		p.Type = models.TypeAPIKey
	}
	sec, err := svc.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", p.Name, err)
	}
	return sec
}

func TestCreateAndReveal(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sec := mustCreate(t, svc, CreateParams{
		Name:      "DB_URL",
		ProjectID: "proj-1",
		Value:     "postgres://svc:pw@db/prod",
		Type:      models.TypeDatabaseURL,
		Tags:      []string{"db"},
	})
	if sec.Status != models.StatusActive {
		t.Errorf("new secret status = %s, want active", sec.Status)
	}
	if sec.EncryptedValue == "postgres://svc:pw@db/prod" {
		t.Fatal("stored value must not be plaintext")
	}

	got, err := svc.RevealValue(ctx, sec.ID)
	if err != nil {
		t.Fatalf("RevealValue failed: %v", err)
	}
	if got != "postgres://svc:pw@db/prod" {
		t.Errorf("revealed %q, want original value", got)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Environment: models.EnvProduction, Value: "x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := svc.Create(ctx, CreateParams{Name: "A", Environment: "qa", Value: "x"}); err == nil {
		t.Error("expected error for unknown environment")
	}
}

func TestCreateDuplicateName(t *testing.T) {
	svc, _ := newTestService()
	mustCreate(t, svc, CreateParams{Name: "API_KEY", ProjectID: "p", Value: "v1"})
	_, err := svc.Create(context.Background(), CreateParams{
		Name: "API_KEY", ProjectID: "p", Environment: models.EnvProduction,
		Type: models.TypeAPIKey, Value: "v2",
	})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetByName(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sec := mustCreate(t, svc, CreateParams{Name: "TOKEN", ProjectID: "p", Value: "v"})

	got, err := svc.GetByName(ctx, "p", models.EnvProduction, "TOKEN")
	if err != nil {
		t.Fatalf("GetByName failed: %v", err)
	}
	if got.ID != sec.ID {
		t.Errorf("GetByName returned %s, want %s", got.ID, sec.ID)
	}

	if _, err := svc.GetByName(ctx, "p", models.EnvProduction, "MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
	if _, err := svc.GetByName(ctx, "p", models.EnvStaging, "TOKEN"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("same name in another environment should not resolve, got %v", err)
	}
}

func TestUpdateValue(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sec := mustCreate(t, svc, CreateParams{Name: "KEY", ProjectID: "p", Value: "before"})
	if err := svc.UpdateValue(ctx, sec.ID, "after"); err != nil {
		t.Fatalf("UpdateValue failed: %v", err)
	}

	got, err := svc.RevealValue(ctx, sec.ID)
	if err != nil {
		t.Fatalf("RevealValue failed: %v", err)
	}
	if got != "after" {
		t.Errorf("revealed %q, want %q", got, "after")
	}

	updated, _ := svc.Get(ctx, sec.ID)
	if updated.LastRotatedAt == nil {
		t.Error("UpdateValue should record a rotation timestamp")
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	sec := mustCreate(t, svc, CreateParams{Name: "S", ProjectID: "p", Value: "v"})

	// active → rotating → active is the only reversible pair.
	if err := svc.SetStatus(ctx, sec.ID, models.StatusRotating); err != nil {
		t.Fatalf("active→rotating failed: %v", err)
	}
	if err := svc.SetStatus(ctx, sec.ID, models.StatusActive); err != nil {
		t.Fatalf("rotating→active failed: %v", err)
	}

	if err := svc.SetStatus(ctx, sec.ID, models.StatusDeprecated); err != nil {
		t.Fatalf("active→deprecated failed: %v", err)
	}
	if err := svc.SetStatus(ctx, sec.ID, models.StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("deprecated→active should be rejected, got %v", err)
	}
	if err := svc.SetStatus(ctx, sec.ID, models.StatusExpired); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal status should reject further transitions, got %v", err)
	}
}

func TestCompromisedSuspendsRotation(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	sec := mustCreate(t, svc, CreateParams{Name: "S", ProjectID: "p", Value: "v"})
	if err := store.UpsertRotationPolicy(ctx, &models.RotationPolicy{
		SecretID:      sec.ID,
		FrequencyDays: 30,
		AutoRotate:    true,
	}); err != nil {
		t.Fatalf("UpsertRotationPolicy failed: %v", err)
	}

	if err := svc.SetStatus(ctx, sec.ID, models.StatusCompromised); err != nil {
		t.Fatalf("active→compromised failed: %v", err)
	}

	pol, err := store.GetRotationPolicy(ctx, sec.ID)
	if err != nil {
		t.Fatalf("GetRotationPolicy failed: %v", err)
	}
	if pol.AutoRotate {
		t.Error("compromise should suspend auto-rotation")
	}

	events, err := store.QuerySecurityEvents(ctx, models.AuditFilter{SecretID: sec.ID})
	if err != nil {
		t.Fatalf("QuerySecurityEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == models.EventSecretCompromise && e.Severity == models.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Error("expected a critical compromise event")
	}
}

func TestRevealWrongMaster(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, audit.NewSink(store), "right-master")
	sec, err := svc.Create(context.Background(), CreateParams{
		Name: "S", ProjectID: "p", Environment: models.EnvProduction,
		Type: models.TypeAPIKey, Value: "v",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := NewService(store, audit.NewSink(store), "wrong-master")
	if _, err := other.RevealValue(context.Background(), sec.ID); err == nil {
		t.Error("reveal under a different master password should fail")
	}
}
