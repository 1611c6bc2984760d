package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/secretbroker/pkg/models"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// --- Secrets ---

const secretColumns = `id, name, environment, project_id, encrypted_value, type, status,
	tags, usage_count, last_rotated_at, rotation_days, created_at, updated_at`

func (p *PostgresStore) CreateSecret(ctx context.Context, s *models.Secret) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO secrets (`+secretColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.Name, s.Environment, s.ProjectID, s.EncryptedValue, s.Type, s.Status,
		s.Tags, s.UsageCount, s.LastRotatedAt, s.RotationDays, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetSecret(ctx context.Context, id string) (*models.Secret, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	return scanSecret(row)
}

func (p *PostgresStore) GetSecretByName(ctx context.Context, projectID string, env models.Environment, name string) (*models.Secret, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE project_id = $1 AND environment = $2 AND name = $3`,
		projectID, env, name)
	return scanSecret(row)
}

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	err := row.Scan(&s.ID, &s.Name, &s.Environment, &s.ProjectID, &s.EncryptedValue,
		&s.Type, &s.Status, &s.Tags, &s.UsageCount, &s.LastRotatedAt, &s.RotationDays,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) ListSecrets(ctx context.Context, filter models.SecretFilter) ([]*models.Secret, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + secretColumns + ` FROM secrets WHERE 1=1`)
	args := []any{}
	n := 1
	add := func(clause string, arg any) {
		fmt.Fprintf(&query, clause, n)
		args = append(args, arg)
		n++
	}
	if filter.ProjectID != "" {
		add(` AND project_id = $%d`, filter.ProjectID)
	}
	if filter.Environment != "" {
		add(` AND environment = $%d`, filter.Environment)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, filter.Status)
	}
	if filter.Type != "" {
		add(` AND type = $%d`, filter.Type)
	}
	if filter.Tag != "" {
		add(` AND $%d = ANY(tags)`, filter.Tag)
	}
	if filter.NamePrefix != "" {
		add(` AND name LIKE $%d`, filter.NamePrefix+"%")
	}
	query.WriteString(` ORDER BY project_id, environment, name`)
	if filter.Limit > 0 {
		add(` LIMIT $%d`, filter.Limit)
	}
	if filter.Offset > 0 {
		add(` OFFSET $%d`, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func (p *PostgresStore) UpdateSecretValue(ctx context.Context, id, encryptedValue string, rotatedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET encrypted_value = $1, last_rotated_at = $2, updated_at = NOW()
		 WHERE id = $3`,
		encryptedValue, rotatedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetSecretStatus(ctx context.Context, id string, status models.SecretStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetSecretStatusIf(ctx context.Context, id string, from, to models.SecretStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from status mismatch.
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM secrets WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) IncrementSecretUsage(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE secrets SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Rotation policies ---

func (p *PostgresStore) UpsertRotationPolicy(ctx context.Context, pol *models.RotationPolicy) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rotation_policies
		   (secret_id, frequency_days, overlap_seconds, auto_rotate, cron_expression,
		    notify_targets, include_value, next_rotation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (secret_id) DO UPDATE
		 SET frequency_days = EXCLUDED.frequency_days,
		     overlap_seconds = EXCLUDED.overlap_seconds,
		     auto_rotate = EXCLUDED.auto_rotate,
		     cron_expression = EXCLUDED.cron_expression,
		     notify_targets = EXCLUDED.notify_targets,
		     include_value = EXCLUDED.include_value,
		     next_rotation = EXCLUDED.next_rotation,
		     updated_at = NOW()`,
		pol.SecretID, pol.FrequencyDays, int64(pol.OverlapWindow.Seconds()), pol.AutoRotate,
		pol.CronExpression, pol.NotifyTargets, pol.IncludeValue, pol.NextRotation,
	)
	return err
}

func (p *PostgresStore) GetRotationPolicy(ctx context.Context, secretID string) (*models.RotationPolicy, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT secret_id, frequency_days, overlap_seconds, auto_rotate, cron_expression,
		        notify_targets, include_value, next_rotation, updated_at
		 FROM rotation_policies WHERE secret_id = $1`, secretID)
	var pol models.RotationPolicy
	var overlapSec int64
	err := row.Scan(&pol.SecretID, &pol.FrequencyDays, &overlapSec, &pol.AutoRotate,
		&pol.CronExpression, &pol.NotifyTargets, &pol.IncludeValue, &pol.NextRotation, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	pol.OverlapWindow = time.Duration(overlapSec) * time.Second
	return &pol, nil
}

func (p *PostgresStore) SetNextRotation(ctx context.Context, secretID string, next time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rotation_policies SET next_rotation = $1, updated_at = NOW() WHERE secret_id = $2`,
		next, secretID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DueRotations(ctx context.Context, now time.Time) ([]*models.Secret, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+qualify(secretColumns, "s")+`
		 FROM secrets s
		 JOIN rotation_policies rp ON rp.secret_id = s.id
		 WHERE rp.auto_rotate AND rp.next_rotation <= $1
		   AND s.status IN ('active')
		 ORDER BY rp.next_rotation`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, rows.Err()
}

func qualify(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// --- Tools ---

const toolColumns = `id, name, allowed_secrets, allowed_environments, max_concurrent_sessions,
	max_session_seconds, risk_level, auto_approve, status, created_at, updated_at`

func (p *PostgresStore) CreateTool(ctx context.Context, t *models.ToolConfig) error {
	envs := make([]string, len(t.AllowedEnvironments))
	for i, e := range t.AllowedEnvironments {
		envs[i] = string(e)
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tools (`+toolColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.AllowedSecrets, envs, t.MaxConcurrentSessions,
		int64(t.MaxSessionDuration.Seconds()), t.RiskLevel, t.AutoApprove, t.Status,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetTool(ctx context.Context, id string) (*models.ToolConfig, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	return scanTool(row)
}

func scanTool(row pgx.Row) (*models.ToolConfig, error) {
	var t models.ToolConfig
	var envs []string
	var maxSessionSec int64
	err := row.Scan(&t.ID, &t.Name, &t.AllowedSecrets, &envs, &t.MaxConcurrentSessions,
		&maxSessionSec, &t.RiskLevel, &t.AutoApprove, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.MaxSessionDuration = time.Duration(maxSessionSec) * time.Second
	t.AllowedEnvironments = make([]models.Environment, len(envs))
	for i, e := range envs {
		t.AllowedEnvironments[i] = models.Environment(e)
	}
	return &t, nil
}

func (p *PostgresStore) ListTools(ctx context.Context) ([]*models.ToolConfig, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+toolColumns+` FROM tools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tools []*models.ToolConfig
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (p *PostgresStore) SetToolStatus(ctx context.Context, id string, status models.ToolStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tools SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Access requests ---

const requestColumns = `id, tool_id, project_id, secret_names, environment, justification,
	estimated_seconds, requires_approval, status, decision_notes, decided_at, created_at`

func (p *PostgresStore) CreateAccessRequest(ctx context.Context, r *models.AccessRequest) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO access_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.ToolID, r.ProjectID, r.SecretNames, r.Environment, r.Justification,
		int64(r.EstimatedDuration.Seconds()), r.RequiresApproval, r.Status,
		r.DecisionNotes, r.DecidedAt, r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetAccessRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id)
	var r models.AccessRequest
	var estSec int64
	err := row.Scan(&r.ID, &r.ToolID, &r.ProjectID, &r.SecretNames, &r.Environment, &r.Justification,
		&estSec, &r.RequiresApproval, &r.Status, &r.DecisionNotes, &r.DecidedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.EstimatedDuration = time.Duration(estSec) * time.Second
	return &r, nil
}

func (p *PostgresStore) ListAccessRequests(ctx context.Context, status models.RequestStatus) ([]*models.AccessRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM access_requests`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AccessRequest
	for rows.Next() {
		var r models.AccessRequest
		var estSec int64
		if err := rows.Scan(&r.ID, &r.ToolID, &r.ProjectID, &r.SecretNames, &r.Environment, &r.Justification,
			&estSec, &r.RequiresApproval, &r.Status, &r.DecisionNotes, &r.DecidedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.EstimatedDuration = time.Duration(estSec) * time.Second
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DecideAccessRequest(ctx context.Context, id string, status models.RequestStatus, notes string, decidedAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE access_requests
		 SET status = $1, decision_notes = $2, decided_at = $3
		 WHERE id = $4 AND status = 'pending'`,
		status, notes, decidedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM access_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ConsumeAccessRequest(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE access_requests SET status = 'activated'
		 WHERE id = $1 AND status = 'approved'`,
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM access_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ExpirePendingRequests(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE access_requests SET status = 'expired'
		 WHERE status = 'pending' AND created_at < $1
		 RETURNING id`,
		olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, request_id, tool_id, secret_names, started_at, expires_at, ended_at`

func (p *PostgresStore) CreateSession(ctx context.Context, s *models.ActiveSession) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.RequestID, s.ToolID, s.SecretNames, s.StartedAt, s.ExpiresAt, s.EndedAt,
	)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.ActiveSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*models.ActiveSession, error) {
	var s models.ActiveSession
	err := row.Scan(&s.ID, &s.RequestID, &s.ToolID, &s.SecretNames,
		&s.StartedAt, &s.ExpiresAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) ListToolSessions(ctx context.Context, toolID string) ([]*models.ActiveSession, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tool_id = $1 ORDER BY started_at DESC`,
		toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*models.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) CountLiveSessions(ctx context.Context, toolID string, now time.Time) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions
		 WHERE tool_id = $1 AND ended_at IS NULL AND expires_at > $2`,
		toolID, now).Scan(&count)
	return count, err
}

func (p *PostgresStore) EndSession(ctx context.Context, id string, at time.Time) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET ended_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		at, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		// Already ended; cascade below is idempotent.
	}

	rows, err := tx.Query(ctx,
		`UPDATE proxy_tokens SET revoked_at = $1
		 WHERE session_id = $2 AND revoked_at IS NULL
		 RETURNING id`,
		at, id)
	if err != nil {
		return nil, err
	}
	var tokenIDs []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			rows.Close()
			return nil, err
		}
		tokenIDs = append(tokenIDs, tid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokenIDs, tx.Commit(ctx)
}

func (p *PostgresStore) EndExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE sessions SET ended_at = $1
		 WHERE ended_at IS NULL AND expires_at <= $1
		 RETURNING id`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Proxy tokens ---

const tokenColumns = `id, session_id, tool_id, secret_id, secret_name, proxy_value,
	encrypted_mapping, expires_at, revoked_at, created_at`

func (p *PostgresStore) CreateProxyToken(ctx context.Context, t *models.ProxyToken) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO proxy_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.SessionID, t.ToolID, t.SecretID, t.SecretName, t.ProxyValue,
		t.EncryptedMapping, t.ExpiresAt, t.RevokedAt, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetProxyToken(ctx context.Context, id string) (*models.ProxyToken, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM proxy_tokens WHERE id = $1`, id)
	return scanProxyToken(row)
}

func (p *PostgresStore) GetProxyTokenByValue(ctx context.Context, proxyValue string) (*models.ProxyToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM proxy_tokens WHERE proxy_value = $1`, proxyValue)
	return scanProxyToken(row)
}

func scanProxyToken(row pgx.Row) (*models.ProxyToken, error) {
	var t models.ProxyToken
	err := row.Scan(&t.ID, &t.SessionID, &t.ToolID, &t.SecretID, &t.SecretName,
		&t.ProxyValue, &t.EncryptedMapping, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) RevokeProxyToken(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE proxy_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM proxy_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) RevokeExpiredTokens(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE proxy_tokens SET revoked_at = $1
		 WHERE revoked_at IS NULL AND expires_at <= $1
		 RETURNING id`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Audit ---

func (p *PostgresStore) InsertUsageMetric(ctx context.Context, m *models.UsageMetric) error {
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO usage_metrics (secret_id, tool_id, operation, success, metadata, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.SecretID, m.ToolID, m.Operation, m.Success, metaJSON, m.Timestamp,
	)
	return err
}

func (p *PostgresStore) InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO security_events (secret_id, tool_id, event_type, severity, detail, metadata, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SecretID, e.ToolID, e.EventType, e.Severity, e.Detail, metaJSON, e.Timestamp,
	)
	return err
}

func (p *PostgresStore) QueryUsageMetrics(ctx context.Context, filter models.AuditFilter) ([]*models.UsageMetric, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, secret_id, tool_id, operation, success, metadata, ts
		 FROM usage_metrics WHERE 1=1`)
	args, n := auditWhere(&query, filter, nil, 1)
	query.WriteString(` ORDER BY ts DESC`)
	args = auditPage(&query, filter, args, n)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*models.UsageMetric
	for rows.Next() {
		var m models.UsageMetric
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.SecretID, &m.ToolID, &m.Operation, &m.Success,
			&metaJSON, &m.Timestamp); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &m.Metadata) //nolint:errcheck
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

func (p *PostgresStore) QuerySecurityEvents(ctx context.Context, filter models.AuditFilter) ([]*models.SecurityEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, secret_id, tool_id, event_type, severity, detail, metadata, ts
		 FROM security_events WHERE 1=1`)
	args := []any{}
	n := 1
	args, n = auditWhere(&query, filter, args, n)
	if filter.EventType != "" {
		fmt.Fprintf(&query, ` AND event_type = $%d`, n)
		args = append(args, filter.EventType)
		n++
	}
	if filter.Severity != "" {
		fmt.Fprintf(&query, ` AND severity = $%d`, n)
		args = append(args, filter.Severity)
		n++
	}
	query.WriteString(` ORDER BY ts DESC`)
	args = auditPage(&query, filter, args, n)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var e models.SecurityEvent
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.SecretID, &e.ToolID, &e.EventType, &e.Severity,
			&e.Detail, &metaJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		events = append(events, &e)
	}
	return events, rows.Err()
}

func auditWhere(query *strings.Builder, filter models.AuditFilter, args []any, n int) ([]any, int) {
	if args == nil {
		args = []any{}
	}
	if filter.SecretID != "" {
		fmt.Fprintf(query, ` AND secret_id = $%d`, n)
		args = append(args, filter.SecretID)
		n++
	}
	if filter.ToolID != "" {
		fmt.Fprintf(query, ` AND tool_id = $%d`, n)
		args = append(args, filter.ToolID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(query, ` AND ts >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	return args, n
}

func auditPage(query *strings.Builder, filter models.AuditFilter, args []any, n int) []any {
	if filter.Limit > 0 {
		fmt.Fprintf(query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}
	return args
}

// --- Metrics helpers ---

func (p *PostgresStore) CountSecretsByStatus(ctx context.Context) (map[models.SecretStatus]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM secrets GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[models.SecretStatus]int64{}
	for rows.Next() {
		var status models.SecretStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CountLiveTokens(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proxy_tokens WHERE revoked_at IS NULL AND expires_at > $1`,
		now).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
