package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
)

// ErrSecretNotFound is returned when the named secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// ErrInvalidTransition is returned for a status change the lifecycle
// state machine does not permit.
var ErrInvalidTransition = errors.New("invalid status transition")

// Service owns secret CRUD and the status lifecycle. Value confidentiality
// is delegated to the crypto provider; durability to the storage port.
type Service struct {
	store          storage.Store
	sink           *audit.Sink
	masterPassword string
}

// NewService creates a secret Service. masterPassword is supplied by the
// operator at process start and never persisted.
func NewService(store storage.Store, sink *audit.Sink, masterPassword string) *Service {
	return &Service{store: store, sink: sink, masterPassword: masterPassword}
}

// CreateParams describes a new secret.
type CreateParams struct {
	Name         string
	Environment  models.Environment
	ProjectID    string
	Value        string
	Type         models.SecretType
	Tags         []string
	RotationDays int
}

// Create encrypts the value and persists a new active secret.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Secret, error) {
	if p.Name == "" {
		return nil, errors.New("secret name is required")
	}
	if !models.ValidEnvironment(p.Environment) {
		return nil, fmt.Errorf("invalid environment %q", p.Environment)
	}

	blob, err := crypto.Encrypt(p.Value, s.masterPassword)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret value: %w", err)
	}

	now := time.Now().UTC()
	secret := &models.Secret{
		ID:             uuid.NewString(),
		Name:           p.Name,
		Environment:    p.Environment,
		ProjectID:      p.ProjectID,
		EncryptedValue: blob,
		Type:           p.Type,
		Status:         models.StatusActive,
		Tags:           p.Tags,
		RotationDays:   p.RotationDays,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("storing secret: %w", err)
	}

	s.sink.Usage(ctx, secret.ID, "", "create", true, map[string]any{
		"name": secret.Name, "environment": secret.Environment,
	})
	return secret, nil
}

// Get returns a secret without decrypting its value.
func (s *Service) Get(ctx context.Context, id string) (*models.Secret, error) {
	secret, err := s.store.GetSecret(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, err
	}
	return secret, nil
}

// GetByName looks a secret up by (project, environment, name).
func (s *Service) GetByName(ctx context.Context, projectID string, env models.Environment, name string) (*models.Secret, error) {
	secret, err := s.store.GetSecretByName(ctx, projectID, env, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, err
	}
	return secret, nil
}

// List returns secrets matching the filter, values still encrypted.
func (s *Service) List(ctx context.Context, filter models.SecretFilter) ([]*models.Secret, error) {
	return s.store.ListSecrets(ctx, filter)
}

// RevealValue decrypts and returns a secret's current plaintext value.
// A crypto failure means "secret unavailable" — the caller never sees
// partial data.
func (s *Service) RevealValue(ctx context.Context, id string) (string, error) {
	secret, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Decrypt(secret.EncryptedValue, s.masterPassword)
	if err != nil {
		return "", fmt.Errorf("decrypting secret %s: %w", id, err)
	}
	return plaintext, nil
}

// UpdateValue encrypts and stores a replacement value.
func (s *Service) UpdateValue(ctx context.Context, id, newValue string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	blob, err := crypto.Encrypt(newValue, s.masterPassword)
	if err != nil {
		return fmt.Errorf("encrypting secret value: %w", err)
	}
	if err := s.store.UpdateSecretValue(ctx, id, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("storing secret value: %w", err)
	}
	s.sink.Usage(ctx, id, "", "update_value", true, nil)
	return nil
}

// SetStatus applies a lifecycle transition. active ⇄ rotating are the only
// reversible states; deprecated, expired and compromised are terminal.
// Marking compromised also suspends scheduled rotation by disabling the
// secret's policy until manual review.
func (s *Service) SetStatus(ctx context.Context, id string, to models.SecretStatus) error {
	secret, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !validTransition(secret.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, secret.Status, to)
	}
	if err := s.store.SetSecretStatus(ctx, id, to); err != nil {
		return err
	}
	if to == models.StatusCompromised {
		s.suspendRotation(ctx, id)
		s.sink.Event(ctx, &models.SecurityEvent{
			SecretID:  id,
			EventType: models.EventSecretCompromise,
			Severity:  models.SeverityCritical,
			Detail:    "secret marked compromised; scheduled rotation suspended pending review",
		})
	}
	s.sink.Usage(ctx, id, "", "set_status", true, map[string]any{
		"from": secret.Status, "to": to,
	})
	return nil
}

func (s *Service) suspendRotation(ctx context.Context, id string) {
	pol, err := s.store.GetRotationPolicy(ctx, id)
	if err != nil {
		return
	}
	pol.AutoRotate = false
	if err := s.store.UpsertRotationPolicy(ctx, pol); err != nil {
		s.sink.Event(ctx, &models.SecurityEvent{
			SecretID:  id,
			EventType: models.EventSecretCompromise,
			Severity:  models.SeverityHigh,
			Detail:    "failed to suspend rotation policy: " + err.Error(),
		})
	}
}

// IncrementUsage atomically bumps the usage counter. Only call after a
// successful authorized read.
func (s *Service) IncrementUsage(ctx context.Context, id string) error {
	return s.store.IncrementSecretUsage(ctx, id)
}

func validTransition(from, to models.SecretStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case models.StatusActive:
		return from == models.StatusRotating
	case models.StatusRotating:
		return from == models.StatusActive
	case models.StatusDeprecated, models.StatusExpired, models.StatusCompromised:
		return true
	}
	return false
}
