package broker

import (
	"context"
	"errors"
	"time"

	"github.com/org/secretbroker/pkg/models"
)

// Start launches the background cleanup sweep. The sweep revokes expired
// tokens, ends expired sessions, expires stale pending requests and drops
// their cache entries. It is idempotent and safe to run while resolutions
// are in flight: a token resolved just before the cutoff stays valid for
// that call, one resolved after it fails.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return errors.New("broker sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx)
	b.logger.Info().Dur("interval", b.cfg.SweepInterval).Msg("broker sweeper started")
	return nil
}

func (b *Broker) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	b.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. Exposed so operators and tests can force a
// pass without waiting for the ticker.
func (b *Broker) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	tokenIDs, err := b.store.RevokeExpiredTokens(ctx, now)
	if err != nil {
		b.logger.Error().Err(err).Msg("expired token sweep failed")
	}

	sessionIDs, err := b.store.EndExpiredSessions(ctx, now)
	if err != nil {
		b.logger.Error().Err(err).Msg("expired session sweep failed")
	}
	for _, id := range sessionIDs {
		b.forgetSession(id)
		b.sink.Event(ctx, &models.SecurityEvent{
			EventType: models.EventSessionExpired,
			Severity:  models.SeverityLow,
			Detail:    "session expired by sweep",
			Metadata:  map[string]any{"session_id": id},
		})
	}

	requestIDs, err := b.store.ExpirePendingRequests(ctx, now.Add(-b.cfg.PendingRequestTTL))
	if err != nil {
		b.logger.Error().Err(err).Msg("pending request sweep failed")
	}
	for _, id := range requestIDs {
		b.notifyWatchers(id, models.RequestExpired)
	}

	b.pruneCache(now)

	if len(tokenIDs) > 0 || len(sessionIDs) > 0 || len(requestIDs) > 0 {
		b.logger.Info().
			Int("tokens_revoked", len(tokenIDs)).
			Int("sessions_ended", len(sessionIDs)).
			Int("requests_expired", len(requestIDs)).
			Msg("cleanup sweep")
	}
}

// pruneCache drops mapping entries whose tokens can no longer resolve.
func (b *Broker) pruneCache(now time.Time) {
	b.cacheMu.Lock()
	for v, e := range b.cache {
		if !now.Before(e.expiresAt) {
			delete(b.cache, v)
		}
	}
	b.cacheMu.Unlock()
}

// Stop cancels the sweep loop and waits for it to exit.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
