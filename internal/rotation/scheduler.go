package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrRotationConflict is returned when a concurrent rotation already holds
// the secret — exactly one of two racing rotations may succeed.
var ErrRotationConflict = errors.New("rotation already in progress")

// batchSize caps how many rotations run concurrently inside a batch.
const batchSize = 5

// Config tunes the scheduler.
type Config struct {
	// Interval between due-rotation checks for the background loop.
	Interval time.Duration
	// AllowValueInNotifications is the global opt-in for shipping rotated
	// plaintext to webhooks. A policy's include_value flag only takes effect
	// when this is also set.
	AllowValueInNotifications bool
}

// Scheduler drives policy-based secret rotation. It owns a single
// background goroutine with an explicit cancellation handle; there is no
// module-level timer.
type Scheduler struct {
	store    storage.Store
	secrets  *secrets.Service
	sink     *audit.Sink
	notifier Notifier
	cfg      Config
	parser   cron.Parser
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. notifier may be nil when no webhook
// delivery is wanted.
func NewScheduler(store storage.Store, svc *secrets.Service, sink *audit.Sink, notifier Notifier, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		secrets:  svc,
		sink:     sink,
		notifier: notifier,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
	}
}

// PolicyParams describes a rotation schedule for one secret.
type PolicyParams struct {
	FrequencyDays  int
	AutoRotate     bool
	CronExpression string
	NotifyTargets  []string
	IncludeValue   bool
}

// ScheduleRotation upserts the secret's rotation policy, computing the
// overlap window and next rotation time.
func (s *Scheduler) ScheduleRotation(ctx context.Context, secretID string, p PolicyParams) (*models.RotationPolicy, error) {
	if p.FrequencyDays <= 0 {
		return nil, errors.New("rotation frequency must be positive")
	}
	if _, err := s.secrets.Get(ctx, secretID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next, err := s.nextRotation(p.CronExpression, p.FrequencyDays, now)
	if err != nil {
		return nil, err
	}

	pol := &models.RotationPolicy{
		SecretID:       secretID,
		FrequencyDays:  p.FrequencyDays,
		OverlapWindow:  models.OverlapWindowFor(p.FrequencyDays),
		AutoRotate:     p.AutoRotate,
		CronExpression: p.CronExpression,
		NotifyTargets:  p.NotifyTargets,
		IncludeValue:   p.IncludeValue,
		NextRotation:   next,
	}
	if err := s.store.UpsertRotationPolicy(ctx, pol); err != nil {
		return nil, fmt.Errorf("storing rotation policy: %w", err)
	}
	return pol, nil
}

func (s *Scheduler) nextRotation(cronExpr string, frequencyDays int, from time.Time) (time.Time, error) {
	if cronExpr != "" {
		schedule, err := s.parser.Parse(cronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}
		return schedule.Next(from), nil
	}
	return from.Add(time.Duration(frequencyDays) * 24 * time.Hour), nil
}

// RotateSecret replaces the secret's value. If newValue is empty a value is
// generated by type-specific strategy. Rotation is all-or-nothing per
// secret: on any failure the prior value and active status remain intact.
// The returned old/new values go to the caller only and are never logged.
func (s *Scheduler) RotateSecret(ctx context.Context, secretID, newValue string) (*models.RotationResult, error) {
	secret, err := s.secrets.Get(ctx, secretID)
	if err != nil {
		return nil, err
	}
	if secret.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot rotate %s secret %s",
			secrets.ErrInvalidTransition, secret.Status, secretID)
	}

	// Serialize per-secret rotation through the store's conditional update.
	if err := s.store.SetSecretStatusIf(ctx, secretID, models.StatusActive, models.StatusRotating); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: secret %s", ErrRotationConflict, secretID)
		}
		return nil, err
	}

	result, err := s.doRotate(ctx, secret, newValue)
	if err != nil {
		// Restore the lease; the stored value was not touched.
		if revertErr := s.store.SetSecretStatusIf(ctx, secretID, models.StatusRotating, models.StatusActive); revertErr != nil {
			s.logger.Error().Err(revertErr).Str("secret_id", secretID).Msg("failed to restore status after rotation failure")
		}
		s.sink.Event(ctx, &models.SecurityEvent{
			SecretID:  secretID,
			EventType: models.EventRotationFailed,
			Severity:  models.SeverityMedium,
			Detail:    err.Error(),
		})
		rotationsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	rotationsTotal.WithLabelValues("success").Inc()

	if err := s.store.SetSecretStatusIf(ctx, secretID, models.StatusRotating, models.StatusActive); err != nil {
		s.logger.Error().Err(err).Str("secret_id", secretID).Msg("failed to restore status after rotation")
	}

	// The secret is rotated at this point; webhook delivery is best effort.
	s.notifyDependents(ctx, secret, result.NewValue)
	return result, nil
}

func (s *Scheduler) doRotate(ctx context.Context, secret *models.Secret, newValue string) (*models.RotationResult, error) {
	// The decrypt attempt is audited as a rotate event regardless of outcome.
	oldValue, err := s.secrets.RevealValue(ctx, secret.ID)
	s.sink.Usage(ctx, secret.ID, "", "rotate", err == nil, nil)
	if err != nil {
		return nil, fmt.Errorf("reading current value: %w", err)
	}

	if newValue == "" {
		newValue, err = generateValue(secret.Type)
		if err != nil {
			return nil, fmt.Errorf("generating replacement value: %w", err)
		}
	}

	if err := s.secrets.UpdateValue(ctx, secret.ID, newValue); err != nil {
		return nil, fmt.Errorf("storing rotated value: %w", err)
	}

	// Advance next_rotation from now, not from the previous deadline.
	if pol, err := s.store.GetRotationPolicy(ctx, secret.ID); err == nil {
		next, nerr := s.nextRotation(pol.CronExpression, pol.FrequencyDays, time.Now().UTC())
		if nerr == nil {
			if err := s.store.SetNextRotation(ctx, secret.ID, next); err != nil {
				s.logger.Warn().Err(err).Str("secret_id", secret.ID).Msg("failed to advance next rotation")
			}
		}
	}

	return &models.RotationResult{SecretID: secret.ID, OldValue: oldValue, NewValue: newValue}, nil
}

func (s *Scheduler) notifyDependents(ctx context.Context, secret *models.Secret, newValue string) {
	if s.notifier == nil {
		return
	}
	pol, err := s.store.GetRotationPolicy(ctx, secret.ID)
	if err != nil || len(pol.NotifyTargets) == 0 {
		return
	}

	payload := NotifyPayload{
		SecretID:       secret.ID,
		SecretName:     secret.Name,
		Environment:    string(secret.Environment),
		RotatedAt:      time.Now().UTC(),
		OverlapSeconds: int64(pol.OverlapWindow.Seconds()),
	}
	if pol.IncludeValue && s.cfg.AllowValueInNotifications {
		payload.NewValue = newValue
	}

	for _, url := range pol.NotifyTargets {
		if err := s.notifier.Notify(ctx, url, payload); err != nil {
			s.sink.Event(ctx, &models.SecurityEvent{
				SecretID:  secret.ID,
				EventType: models.EventNotifyFailed,
				Severity:  models.SeverityLow,
				Detail:    err.Error(),
				Metadata:  map[string]any{"target": url},
			})
			s.logger.Warn().Err(err).Str("secret_id", secret.ID).Str("target", url).Msg("rotation notification failed")
		}
	}
}

// CheckPendingRotations returns secrets whose policy is due and auto-rotate
// is enabled.
func (s *Scheduler) CheckPendingRotations(ctx context.Context) ([]*models.Secret, error) {
	return s.store.DueRotations(ctx, time.Now().UTC())
}

// ExecuteBatchRotation rotates the given secrets in fixed-size concurrent
// batches. One secret's failure neither blocks nor rolls back the others;
// the call itself fails only on wholesale infrastructure failure.
func (s *Scheduler) ExecuteBatchRotation(ctx context.Context, secretIDs []string) *models.BatchRotationOutcome {
	outcome := &models.BatchRotationOutcome{}
	var mu sync.Mutex

	for start := 0; start < len(secretIDs); start += batchSize {
		end := start + batchSize
		if end > len(secretIDs) {
			end = len(secretIDs)
		}
		var wg sync.WaitGroup
		for _, id := range secretIDs[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.RotateSecret(ctx, id, "")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					outcome.Failed = append(outcome.Failed, models.BatchRotationErr{
						SecretID: id, Error: err.Error(),
					})
					return
				}
				outcome.Successful = append(outcome.Successful, id)
			}(id)
		}
		wg.Wait()
	}
	return outcome
}

// Start launches the background due-check loop. It is owned by the process
// lifecycle: Stop cancels it and waits for it to drain.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("rotation scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx)
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("rotation scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.CheckPendingRotations(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("due-rotation check failed")
		return
	}
	if len(due) == 0 {
		return
	}
	ids := make([]string, len(due))
	for i, secret := range due {
		ids[i] = secret.ID
	}
	outcome := s.ExecuteBatchRotation(ctx, ids)
	s.logger.Info().
		Int("successful", len(outcome.Successful)).
		Int("failed", len(outcome.Failed)).
		Msg("scheduled rotation pass complete")
}

// Stop cancels the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info().Msg("rotation scheduler stopped")
}

// generateValue picks a replacement value by secret type: API-key-shaped
// for api_key, high-entropy random strings for everything else.
func generateValue(t models.SecretType) (string, error) {
	switch t {
	case models.TypeAPIKey:
		return crypto.GenerateAPIKey("sk")
	case models.TypeEncryptionKey:
		return crypto.GenerateSecurePassword(64)
	default:
		return crypto.GenerateSecurePassword(40)
	}
}
