package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
)

// ActivateAccess turns an approved request into a live session and mints
// one proxy token per requested secret. A request activates exactly once:
// the approved→activated transition is a conditional update, so a replayed
// activation loses and cannot mint a second session. Minting is not atomic
// across secrets: if a mint fails partway, the session and the
// already-minted tokens stand, and the returned PartialMintError names
// them so the caller can revoke the partial session.
func (b *Broker) ActivateAccess(ctx context.Context, requestID string) (*models.ActiveSession, []*models.ProxyToken, error) {
	req, err := b.store.GetAccessRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrRequestNotFound
		}
		return nil, nil, fmt.Errorf("load request: %w", err)
	}
	switch req.Status {
	case models.RequestApproved:
	case models.RequestActivated:
		return nil, nil, ErrRequestConsumed
	default:
		return nil, nil, ErrRequestNotApproved
	}

	// Spend the request before creating anything. Concurrent activations
	// race on this update and exactly one proceeds.
	if err := b.store.ConsumeAccessRequest(ctx, req.ID); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, nil, ErrRequestConsumed
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil, ErrRequestNotFound
		}
		return nil, nil, fmt.Errorf("consume request: %w", err)
	}

	now := time.Now().UTC()
	session := &models.ActiveSession{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		ToolID:      req.ToolID,
		SecretNames: req.SecretNames,
		StartedAt:   now,
		ExpiresAt:   now.Add(req.EstimatedDuration),
	}
	if err := b.store.CreateSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("persist session: %w", err)
	}

	tokens := make([]*models.ProxyToken, 0, len(req.SecretNames))
	var minted []string
	for _, name := range req.SecretNames {
		tok, err := b.mintToken(ctx, req, session, name)
		if err != nil {
			return session, tokens, &PartialMintError{
				SessionID: session.ID,
				Minted:    minted,
				Failed:    name,
				Err:       err,
			}
		}
		tokens = append(tokens, tok)
		minted = append(minted, name)
	}

	b.sink.Event(ctx, &models.SecurityEvent{
		ToolID:    req.ToolID,
		EventType: models.EventSessionActivated,
		Severity:  models.SeverityLow,
		Detail:    fmt.Sprintf("session %s activated with %d token(s)", session.ID, len(tokens)),
		Metadata: map[string]any{
			"request_id": req.ID,
			"session_id": session.ID,
			"expires_at": session.ExpiresAt,
		},
	})
	b.logger.Info().Str("session_id", session.ID).Str("tool_id", req.ToolID).
		Int("tokens", len(tokens)).Time("expires_at", session.ExpiresAt).Msg("session activated")
	return session, tokens, nil
}

// mintToken fetches and decrypts the real secret once, then re-encrypts
// the mapping under the broker's own key. The proxy value handed to the
// caller is random and unrelated to both the token id and the secret.
func (b *Broker) mintToken(ctx context.Context, req *models.AccessRequest, session *models.ActiveSession, secretName string) (*models.ProxyToken, error) {
	secret, err := b.secrets.GetByName(ctx, req.ProjectID, req.Environment, secretName)
	if err != nil {
		return nil, err
	}
	if secret.Status.Terminal() {
		return nil, fmt.Errorf("secret %q is %s", secretName, secret.Status)
	}
	plain, err := b.secrets.RevealValue(ctx, secret.ID)
	if err != nil {
		return nil, err
	}

	mapping := models.TokenMapping{
		PlainValue:  plain,
		SecretID:    secret.ID,
		SecretName:  secret.Name,
		ToolID:      req.ToolID,
		SessionID:   session.ID,
		Permissions: []string{"read"},
	}
	raw, err := json.Marshal(mapping)
	if err != nil {
		return nil, fmt.Errorf("encode mapping: %w", err)
	}
	encrypted, err := crypto.Encrypt(string(raw), b.tokenPassword)
	if err != nil {
		return nil, fmt.Errorf("encrypt mapping: %w", err)
	}
	proxyValue, err := crypto.GenerateAPIKey("pxy")
	if err != nil {
		return nil, fmt.Errorf("generate proxy value: %w", err)
	}

	now := time.Now().UTC()
	tok := &models.ProxyToken{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		ToolID:           req.ToolID,
		SecretID:         secret.ID,
		SecretName:       secret.Name,
		ProxyValue:       proxyValue,
		EncryptedMapping: encrypted,
		ExpiresAt:        session.ExpiresAt,
		CreatedAt:        now,
	}
	if err := b.store.CreateProxyToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	b.cacheMu.Lock()
	b.cache[proxyValue] = &cacheEntry{
		mapping:   mapping,
		tokenID:   tok.ID,
		sessionID: session.ID,
		expiresAt: tok.ExpiresAt,
	}
	b.cacheMu.Unlock()
	return tok, nil
}

// ResolveProxyToken exchanges a proxy value for the real secret value. The
// persisted token row is always consulted for validity, so revocations are
// honored even when the decrypted mapping is cached. Every successful
// resolution is audit-logged and bumps the secret's usage counter; the
// mapping's scope fields are never returned.
func (b *Broker) ResolveProxyToken(ctx context.Context, proxyValue string) (string, error) {
	tok, err := b.store.GetProxyTokenByValue(ctx, proxyValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.forgetProxyValue(proxyValue)
			return "", ErrInvalidOrExpiredToken
		}
		return "", fmt.Errorf("load token: %w", err)
	}
	if !tok.Usable(time.Now().UTC()) {
		b.forgetProxyValue(proxyValue)
		b.sink.Usage(ctx, tok.SecretID, tok.ToolID, "access", false, map[string]any{
			"token_id": tok.ID,
			"reason":   "expired_or_revoked",
		})
		return "", ErrInvalidOrExpiredToken
	}

	mapping, err := b.lookupMapping(proxyValue, tok)
	if err != nil {
		return "", err
	}
	if err := b.secrets.IncrementUsage(ctx, mapping.SecretID); err != nil {
		return "", fmt.Errorf("increment usage: %w", err)
	}
	b.sink.Usage(ctx, mapping.SecretID, mapping.ToolID, "access", true, map[string]any{
		"token_id":   tok.ID,
		"session_id": mapping.SessionID,
		"event":      models.EventSecretAccessed,
	})
	return mapping.PlainValue, nil
}

// lookupMapping returns the decrypted mapping for a token the store has
// already validated, from cache when possible.
func (b *Broker) lookupMapping(proxyValue string, tok *models.ProxyToken) (models.TokenMapping, error) {
	b.cacheMu.Lock()
	entry, ok := b.cache[proxyValue]
	b.cacheMu.Unlock()
	if ok {
		return entry.mapping, nil
	}

	raw, err := crypto.Decrypt(tok.EncryptedMapping, b.tokenPassword)
	if err != nil {
		return models.TokenMapping{}, err
	}
	var mapping models.TokenMapping
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return models.TokenMapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	b.cacheMu.Lock()
	b.cache[proxyValue] = &cacheEntry{
		mapping:   mapping,
		tokenID:   tok.ID,
		sessionID: tok.SessionID,
		expiresAt: tok.ExpiresAt,
	}
	b.cacheMu.Unlock()
	return mapping, nil
}

// RevokeToken invalidates a single proxy token.
func (b *Broker) RevokeToken(ctx context.Context, tokenID string) error {
	tok, err := b.store.GetProxyToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("load token: %w", err)
	}
	if err := b.store.RevokeProxyToken(ctx, tokenID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	b.forgetProxyValue(tok.ProxyValue)
	b.sink.Event(ctx, &models.SecurityEvent{
		SecretID:  tok.SecretID,
		ToolID:    tok.ToolID,
		EventType: models.EventTokenRevoked,
		Severity:  models.SeverityMedium,
		Detail:    fmt.Sprintf("token %s revoked", tokenID),
		Metadata:  map[string]any{"session_id": tok.SessionID},
	})
	return nil
}

// RevokeSession ends a session and revokes all of its tokens in one
// transaction, so no token outlives its session.
func (b *Broker) RevokeSession(ctx context.Context, sessionID string) error {
	revoked, err := b.store.EndSession(ctx, sessionID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("end session: %w", err)
	}
	b.forgetSession(sessionID)
	b.sink.Event(ctx, &models.SecurityEvent{
		EventType: models.EventSessionRevoked,
		Severity:  models.SeverityMedium,
		Detail:    fmt.Sprintf("session %s revoked, %d token(s) invalidated", sessionID, len(revoked)),
		Metadata:  map[string]any{"session_id": sessionID, "token_ids": revoked},
	})
	b.logger.Info().Str("session_id", sessionID).Int("tokens_revoked", len(revoked)).Msg("session revoked")
	return nil
}

func (b *Broker) forgetProxyValue(proxyValue string) {
	b.cacheMu.Lock()
	delete(b.cache, proxyValue)
	b.cacheMu.Unlock()
}

func (b *Broker) forgetSession(sessionID string) {
	b.cacheMu.Lock()
	for v, e := range b.cache {
		if e.sessionID == sessionID {
			delete(b.cache, v)
		}
	}
	b.cacheMu.Unlock()
}
