package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/secretbroker/internal/audit"
	"github.com/org/secretbroker/internal/crypto"
	"github.com/org/secretbroker/internal/secrets"
	"github.com/org/secretbroker/internal/storage"
	"github.com/org/secretbroker/pkg/models"
)

const testMaster = "test-master-password"

func newTestBroker(t *testing.T) (*Broker, *secrets.Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	sink := audit.NewSink(store)
	svc := secrets.NewService(store, sink, testMaster)
	tokenKey, err := crypto.DeriveSubkey(testMaster, "proxy-tokens")
	if err != nil {
		t.Fatalf("deriving token key: %v", err)
	}
	b := New(store, svc, sink, tokenKey, Config{
		SweepInterval:          time.Hour,
		PendingRequestTTL:      24 * time.Hour,
		DefaultSessionDuration: time.Hour,
	}, zerolog.Nop())
	return b, svc, store
}

func seedSecret(t *testing.T, svc *secrets.Service, name, value string) *models.Secret {
	t.Helper()
	sec, err := svc.Create(context.Background(), secrets.CreateParams{
		Name:        name,
		ProjectID:   "proj",
		Environment: models.EnvProduction,
		Type:        models.TypeDatabaseURL,
		Value:       value,
	})
	if err != nil {
		t.Fatalf("seeding secret %s: %v", name, err)
	}
	return sec
}

func registerTool(t *testing.T, b *Broker, p RegisterToolParams) *models.ToolConfig {
	t.Helper()
	tool, err := b.RegisterTool(context.Background(), p)
	if err != nil {
		t.Fatalf("RegisterTool failed: %v", err)
	}
	return tool
}

// The end-to-end happy path: a low-risk auto-approve tool requests its one
// allowed secret, activates, and resolves the real value through the proxy
// token. A second request while the session is live hits the limit.
func TestDelegatedAccessFlow(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()

	sec := seedSecret(t, svc, "DB_URL", "postgres://svc:pw@db/prod")
	tool := registerTool(t, b, RegisterToolParams{
		Name:                  "ci-deployer",
		AllowedSecrets:        []string{"DB_URL"},
		AllowedEnvironments:   []models.Environment{models.EnvProduction},
		MaxConcurrentSessions: 1,
		MaxSessionDuration:    time.Hour,
		RiskLevel:             models.RiskLow,
		AutoApprove:           true,
	})
	if tool.Status != models.ToolActive {
		t.Fatalf("low-risk tool status = %s, want active", tool.Status)
	}

	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID:        tool.ID,
		ProjectID:     "proj",
		SecretNames:   []string{"DB_URL"},
		Environment:   models.EnvProduction,
		Justification: "nightly deploy",
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if req.Status != models.RequestApproved {
		t.Fatalf("auto-approvable request status = %s, want approved", req.Status)
	}
	if req.RequiresApproval {
		t.Error("low-risk auto-approve request should not require approval")
	}

	session, tokens, err := b.ActivateAccess(ctx, req.ID)
	if err != nil {
		t.Fatalf("ActivateAccess failed: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("got %d tokens, want 1", len(tokens))
	}
	tok := tokens[0]
	if tok.ProxyValue == "postgres://svc:pw@db/prod" {
		t.Fatal("proxy value must not be the real secret")
	}
	if !session.Live(time.Now().UTC()) {
		t.Error("fresh session should be live")
	}

	value, err := b.ResolveProxyToken(ctx, tok.ProxyValue)
	if err != nil {
		t.Fatalf("ResolveProxyToken failed: %v", err)
	}
	if value != "postgres://svc:pw@db/prod" {
		t.Errorf("resolved %q, want the real value", value)
	}

	after, _ := svc.Get(ctx, sec.ID)
	if after.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", after.UsageCount)
	}

	// The single session slot is taken.
	if _, err := b.RequestAccess(ctx, AccessParams{
		ToolID:      tool.ID,
		ProjectID:   "proj",
		SecretNames: []string{"DB_URL"},
		Environment: models.EnvProduction,
	}); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Errorf("expected ErrSessionLimitExceeded, got %v", err)
	}

	// Revoking the session frees the slot and kills the token.
	if err := b.RevokeSession(ctx, session.ID); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := b.ResolveProxyToken(ctx, tok.ProxyValue); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("revoked token should not resolve, got %v", err)
	}
	if _, err := b.RequestAccess(ctx, AccessParams{
		ToolID:      tool.ID,
		ProjectID:   "proj",
		SecretNames: []string{"DB_URL"},
		Environment: models.EnvProduction,
	}); err != nil {
		t.Errorf("request after revocation should succeed, got %v", err)
	}
}

func TestRequestAccessAllowList(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "DB_URL", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "narrow-tool",
		AllowedSecrets: []string{"DB_URL"},
		AutoApprove:    true,
	})

	_, err := b.RequestAccess(ctx, AccessParams{
		ToolID:      tool.ID,
		ProjectID:   "proj",
		SecretNames: []string{"DB_URL", "AWS_KEY", "STRIPE_KEY"},
		Environment: models.EnvProduction,
	})
	var unauth *UnauthorizedSecretsError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected UnauthorizedSecretsError, got %v", err)
	}
	if len(unauth.Names) != 2 {
		t.Errorf("offenders = %v, want the two disallowed names", unauth.Names)
	}
	for _, name := range unauth.Names {
		if name == "DB_URL" {
			t.Error("allowed secret should not appear among offenders")
		}
	}
}

func TestRequestAccessWildcard(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "ANYTHING", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "admin-tool",
		AllowedSecrets: []string{models.WildcardSecret},
		AutoApprove:    true,
	})
	if _, err := b.RequestAccess(ctx, AccessParams{
		ToolID:      tool.ID,
		ProjectID:   "proj",
		SecretNames: []string{"ANYTHING"},
		Environment: models.EnvProduction,
	}); err != nil {
		t.Errorf("wildcard allow-list should admit any name, got %v", err)
	}
}

func TestRequestAccessEnvironmentRestriction(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	tool := registerTool(t, b, RegisterToolParams{
		Name:                "staging-only",
		AllowedSecrets:      []string{models.WildcardSecret},
		AllowedEnvironments: []models.Environment{models.EnvStaging},
	})
	if _, err := b.RequestAccess(ctx, AccessParams{
		ToolID:      tool.ID,
		SecretNames: []string{"X"},
		Environment: models.EnvProduction,
	}); !errors.Is(err, ErrEnvironmentNotAllowed) {
		t.Errorf("expected ErrEnvironmentNotAllowed, got %v", err)
	}
}

func TestRequestAccessUnknownTool(t *testing.T) {
	b, _, _ := newTestBroker(t)
	if _, err := b.RequestAccess(context.Background(), AccessParams{
		ToolID:      "nope",
		SecretNames: []string{"X"},
		Environment: models.EnvProduction,
	}); !errors.Is(err, ErrToolNotRegistered) {
		t.Errorf("expected ErrToolNotRegistered, got %v", err)
	}
}

func TestCriticalToolLifecycle(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "ROOT_CA_KEY", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "cert-signer",
		AllowedSecrets: []string{"ROOT_CA_KEY"},
		RiskLevel:      models.RiskCritical,
		AutoApprove:    true, // ignored for critical risk
	})
	if tool.Status != models.ToolPendingApproval {
		t.Fatalf("critical tool status = %s, want pending_approval", tool.Status)
	}

	params := AccessParams{
		ToolID:      tool.ID,
		ProjectID:   "proj",
		SecretNames: []string{"ROOT_CA_KEY"},
		Environment: models.EnvProduction,
	}
	if _, err := b.RequestAccess(ctx, params); !errors.Is(err, ErrToolNotActive) {
		t.Fatalf("pending tool should be refused, got %v", err)
	}

	if err := b.SetToolStatus(ctx, tool.ID, models.ToolActive); err != nil {
		t.Fatalf("SetToolStatus failed: %v", err)
	}

	req, err := b.RequestAccess(ctx, params)
	if err != nil {
		t.Fatalf("RequestAccess after activation failed: %v", err)
	}
	// Critical risk always goes through manual approval, auto_approve or not.
	if !req.RequiresApproval || req.Status != models.RequestPending {
		t.Errorf("critical request = (%v, %s), want pending manual approval", req.RequiresApproval, req.Status)
	}
	if _, _, err := b.ActivateAccess(ctx, req.ID); !errors.Is(err, ErrRequestNotApproved) {
		t.Errorf("pending request should not activate, got %v", err)
	}

	if _, err := b.ApproveAccessRequest(ctx, req.ID, true, "reviewed"); err != nil {
		t.Fatalf("ApproveAccessRequest failed: %v", err)
	}
	if _, _, err := b.ActivateAccess(ctx, req.ID); err != nil {
		t.Errorf("approved request should activate, got %v", err)
	}
}

func TestDecisionsAreFinal(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "reviewed-tool",
		AllowedSecrets: []string{"S"},
	})
	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	if _, err := b.ApproveAccessRequest(ctx, req.ID, false, "no"); err != nil {
		t.Fatalf("denial failed: %v", err)
	}
	if _, err := b.ApproveAccessRequest(ctx, req.ID, true, "changed my mind"); !errors.Is(err, ErrRequestDecided) {
		t.Errorf("second decision should fail with ErrRequestDecided, got %v", err)
	}
	if _, err := b.ApproveAccessRequest(ctx, "missing", true, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
	if _, _, err := b.ActivateAccess(ctx, req.ID); !errors.Is(err, ErrRequestNotApproved) {
		t.Errorf("denied request should not activate, got %v", err)
	}
}

func TestEstimatedDurationClamp(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:               "short-leash",
		AllowedSecrets:     []string{"S"},
		MaxSessionDuration: 30 * time.Minute,
		AutoApprove:        true,
	})

	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
		RequestedDuration: 4 * time.Hour,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	if req.EstimatedDuration != 30*time.Minute {
		t.Errorf("duration = %v, want clamped to 30m", req.EstimatedDuration)
	}

	req2, _ := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
		RequestedDuration: 10 * time.Minute,
	})
	if req2.EstimatedDuration != 10*time.Minute {
		t.Errorf("duration = %v, want the requested 10m", req2.EstimatedDuration)
	}
}

func TestPartialMint(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "GOOD", "good-value")
	// "MISSING" is allowed by the tool but does not exist as a secret.

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "optimistic-tool",
		AllowedSecrets: []string{models.WildcardSecret},
		AutoApprove:    true,
	})
	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"GOOD", "MISSING"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	session, tokens, err := b.ActivateAccess(ctx, req.ID)
	var partial *PartialMintError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialMintError, got %v", err)
	}
	if partial.Failed != "MISSING" {
		t.Errorf("failed secret = %q, want MISSING", partial.Failed)
	}
	if len(partial.Minted) != 1 || partial.Minted[0] != "GOOD" {
		t.Errorf("minted = %v, want [GOOD]", partial.Minted)
	}
	if session == nil || len(tokens) != 1 {
		t.Fatal("partial session and minted tokens should be returned")
	}

	// The minted token works until the caller revokes the partial session.
	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); err != nil {
		t.Errorf("minted token should resolve before revocation: %v", err)
	}
	if err := b.RevokeSession(ctx, partial.SessionID); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("token should die with its session, got %v", err)
	}
}

func TestRevokeSingleToken(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "A", "va")
	seedSecret(t, svc, "B", "vb")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "two-secret-tool",
		AllowedSecrets: []string{"A", "B"},
		AutoApprove:    true,
	})
	req, _ := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"A", "B"}, Environment: models.EnvProduction,
	})
	_, tokens, err := b.ActivateAccess(ctx, req.ID)
	if err != nil {
		t.Fatalf("ActivateAccess failed: %v", err)
	}

	if err := b.RevokeToken(ctx, tokens[0].ID); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}
	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("revoked token should not resolve, got %v", err)
	}
	if _, err := b.ResolveProxyToken(ctx, tokens[1].ProxyValue); err != nil {
		t.Errorf("sibling token should survive, got %v", err)
	}
	if err := b.RevokeToken(ctx, "missing"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("expected ErrInvalidOrExpiredToken, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:               "ephemeral-tool",
		AllowedSecrets:     []string{"S"},
		MaxSessionDuration: 30 * time.Millisecond,
		AutoApprove:        true,
	})
	req, _ := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	_, tokens, err := b.ActivateAccess(ctx, req.ID)
	if err != nil {
		t.Fatalf("ActivateAccess failed: %v", err)
	}

	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); err != nil {
		t.Fatalf("resolve before expiry failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("expired token should not resolve, got %v", err)
	}
}

func TestResolveRejectsWrongTokenKey(t *testing.T) {
	b, svc, store := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "tool",
		AllowedSecrets: []string{"S"},
		AutoApprove:    true,
	})
	req, _ := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	_, tokens, err := b.ActivateAccess(ctx, req.ID)
	if err != nil {
		t.Fatalf("ActivateAccess failed: %v", err)
	}

	// A broker with a different token key and a cold cache cannot decrypt
	// the persisted mapping.
	other := New(store, svc, audit.NewSink(store), "some-other-key", Config{
		SweepInterval:          time.Hour,
		PendingRequestTTL:      24 * time.Hour,
		DefaultSessionDuration: time.Hour,
	}, zerolog.Nop())
	if _, err := other.ResolveProxyToken(ctx, tokens[0].ProxyValue); err == nil {
		t.Error("mapping should be unreadable without the token key")
	}
}

func TestWatchRequest(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "watched-tool",
		AllowedSecrets: []string{"S"},
	})
	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	ch, cancel := b.WatchRequest(req.ID)
	defer cancel()
	if _, err := b.ApproveAccessRequest(ctx, req.ID, true, "ok"); err != nil {
		t.Fatalf("ApproveAccessRequest failed: %v", err)
	}

	select {
	case status := <-ch:
		if status != models.RequestApproved {
			t.Errorf("watcher got %s, want approved", status)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher was not notified")
	}
}

func TestActivateAccessSingleUse(t *testing.T) {
	b, svc, store := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:                  "replaying-tool",
		AllowedSecrets:        []string{"S"},
		MaxConcurrentSessions: 1,
		AutoApprove:           true,
	})
	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	if _, _, err := b.ActivateAccess(ctx, req.ID); err != nil {
		t.Fatalf("first activation failed: %v", err)
	}
	got, _ := b.GetAccessRequest(ctx, req.ID)
	if got.Status != models.RequestActivated {
		t.Errorf("request status after activation = %s, want activated", got.Status)
	}

	// Replaying the activation must not mint another session.
	for i := 0; i < 3; i++ {
		if _, _, err := b.ActivateAccess(ctx, req.ID); !errors.Is(err, ErrRequestConsumed) {
			t.Fatalf("replayed activation %d: got %v, want ErrRequestConsumed", i+1, err)
		}
	}
	live, err := store.CountLiveSessions(ctx, tool.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("CountLiveSessions failed: %v", err)
	}
	if live != 1 {
		t.Errorf("live sessions = %d, want 1", live)
	}
}

func TestWatchRequestCancelReleasesSubscription(t *testing.T) {
	b, svc, _ := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	tool := registerTool(t, b, RegisterToolParams{
		Name:           "decided-tool",
		AllowedSecrets: []string{"S"},
		AutoApprove:    true,
	})
	req, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}

	// The request is already decided, so no notification will ever fire;
	// cancel is the only way these subscriptions go away.
	var cancels []func()
	for i := 0; i < 10; i++ {
		_, cancel := b.WatchRequest(req.ID)
		cancels = append(cancels, cancel)
	}
	b.watchMu.Lock()
	registered := len(b.watchers[req.ID])
	b.watchMu.Unlock()
	if registered != 10 {
		t.Fatalf("registered watchers = %d, want 10", registered)
	}

	for _, cancel := range cancels {
		cancel()
	}
	b.watchMu.Lock()
	_, stillThere := b.watchers[req.ID]
	b.watchMu.Unlock()
	if stillThere {
		t.Error("cancelled subscriptions should be removed from the registry")
	}

	// Cancel after a delivered decision is a harmless no-op.
	pending, err := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	if err != nil {
		t.Fatalf("RequestAccess failed: %v", err)
	}
	_, cancel := b.WatchRequest(pending.ID)
	b.notifyWatchers(pending.ID, models.RequestApproved)
	cancel()
	b.watchMu.Lock()
	if len(b.watchers) != 0 {
		t.Errorf("watcher registry not empty: %d entries", len(b.watchers))
	}
	b.watchMu.Unlock()
}

func TestSweep(t *testing.T) {
	b, svc, store := newTestBroker(t)
	ctx := context.Background()
	seedSecret(t, svc, "S", "v")

	// A stale pending request, decided by nobody.
	stale := &models.AccessRequest{
		ID:          "stale-req",
		ToolID:      "t1",
		SecretNames: []string{"S"},
		Environment: models.EnvProduction,
		Status:      models.RequestPending,
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := store.CreateAccessRequest(ctx, stale); err != nil {
		t.Fatalf("CreateAccessRequest failed: %v", err)
	}
	ch, cancel := b.WatchRequest(stale.ID)
	defer cancel()

	// An expired session with a token still attached.
	tool := registerTool(t, b, RegisterToolParams{
		Name:               "expiring-tool",
		AllowedSecrets:     []string{"S"},
		MaxSessionDuration: 10 * time.Millisecond,
		AutoApprove:        true,
	})
	req, _ := b.RequestAccess(ctx, AccessParams{
		ToolID: tool.ID, ProjectID: "proj",
		SecretNames: []string{"S"}, Environment: models.EnvProduction,
	})
	session, tokens, err := b.ActivateAccess(ctx, req.ID)
	if err != nil {
		t.Fatalf("ActivateAccess failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	b.Sweep(ctx)

	got, err := b.GetAccessRequest(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetAccessRequest failed: %v", err)
	}
	if got.Status != models.RequestExpired {
		t.Errorf("stale request status = %s, want expired", got.Status)
	}
	select {
	case status := <-ch:
		if status != models.RequestExpired {
			t.Errorf("watcher got %s, want expired", status)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher was not notified of expiry")
	}

	ended, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if ended.EndedAt == nil {
		t.Error("expired session should be ended by the sweep")
	}
	if _, err := b.ResolveProxyToken(ctx, tokens[0].ProxyValue); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("token should not outlive the swept session, got %v", err)
	}
}

func TestRegisterToolValidation(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.RegisterTool(ctx, RegisterToolParams{}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := b.RegisterTool(ctx, RegisterToolParams{Name: "t", RiskLevel: "extreme"}); err == nil {
		t.Error("expected error for unknown risk level")
	}
	if _, err := b.RegisterTool(ctx, RegisterToolParams{
		Name: "t", AllowedEnvironments: []models.Environment{"qa"},
	}); err == nil {
		t.Error("expected error for unknown environment")
	}

	tool := registerTool(t, b, RegisterToolParams{Name: "defaults"})
	if tool.MaxConcurrentSessions != 1 {
		t.Errorf("default max sessions = %d, want 1", tool.MaxConcurrentSessions)
	}
	if tool.RiskLevel != models.RiskMedium {
		t.Errorf("default risk = %s, want medium", tool.RiskLevel)
	}
	if tool.MaxSessionDuration != time.Hour {
		t.Errorf("default session duration = %v, want the broker default", tool.MaxSessionDuration)
	}
}

func TestSetToolStatus(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	tool := registerTool(t, b, RegisterToolParams{Name: "t"})
	if err := b.SetToolStatus(ctx, tool.ID, models.ToolSuspended); err != nil {
		t.Fatalf("SetToolStatus failed: %v", err)
	}
	if err := b.SetToolStatus(ctx, tool.ID, "weird"); err == nil {
		t.Error("expected error for unknown status")
	}
	if err := b.SetToolStatus(ctx, "missing", models.ToolActive); !errors.Is(err, ErrToolNotRegistered) {
		t.Errorf("expected ErrToolNotRegistered, got %v", err)
	}
}
