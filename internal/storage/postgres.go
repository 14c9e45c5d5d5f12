package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kidstream/internal/models"
)

// PostgresConfig tunes the pgx connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ApplicationName     string
}

// Postgres is the durable Repository backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres opens a Postgres-backed repository and ensures the schema
// exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &Postgres{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS children (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    streaming_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS parent_links (
    parent_user_id TEXT NOT NULL,
    child_id TEXT NOT NULL REFERENCES children(id),
    can_watch BOOLEAN NOT NULL DEFAULT FALSE,
    linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (parent_user_id, child_id)
);
CREATE TABLE IF NOT EXISTS channels (
    id TEXT PRIMARY KEY,
    child_id TEXT NOT NULL UNIQUE,
    stage_arn TEXT NOT NULL DEFAULT '',
    legacy_channel_arn TEXT NOT NULL DEFAULT '',
    legacy_ingest_endpoint TEXT NOT NULL DEFAULT '',
    legacy_stream_key TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'INACTIVE',
    last_live_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL REFERENCES channels(id),
    child_id TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at TIMESTAMPTZ,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_channel_status_idx ON sessions (channel_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_channel_in_progress_key ON sessions (channel_id) WHERE status = 'IN_PROGRESS';
CREATE INDEX IF NOT EXISTS sessions_child_started_idx ON sessions (child_id, started_at DESC);
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_log_resource_idx ON audit_log (resource_id, created_at DESC);
`

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) GetChild(ctx context.Context, childID string) (models.Child, bool, error) {
	var child models.Child
	row := p.pool.QueryRow(ctx,
		`SELECT id, owner_user_id, display_name, streaming_enabled, created_at FROM children WHERE id = $1`,
		childID)
	err := row.Scan(&child.ID, &child.OwnerUserID, &child.DisplayName, &child.StreamingEnabled, &child.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Child{}, false, nil
	}
	if err != nil {
		return models.Child{}, false, fmt.Errorf("get child: %w", err)
	}
	return child, true, nil
}

func (p *Postgres) CanWatch(ctx context.Context, parentUserID, childID string) (bool, error) {
	var canWatch bool
	row := p.pool.QueryRow(ctx,
		`SELECT can_watch FROM parent_links WHERE parent_user_id = $1 AND child_id = $2`,
		parentUserID, childID)
	err := row.Scan(&canWatch)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get parent link: %w", err)
	}
	return canWatch, nil
}

func (p *Postgres) CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error) {
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now
	if channel.Status == "" {
		channel.Status = models.ChannelStatusInactive
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO channels (id, child_id, stage_arn, legacy_channel_arn, legacy_ingest_endpoint, legacy_stream_key, status, last_live_at, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		channel.ID, channel.ChildID, channel.StageArn, channel.LegacyChannelArn,
		channel.LegacyIngestEndpoint, channel.LegacyStreamKey, channel.Status,
		channel.LastLiveAt, channel.CreatedAt, channel.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "channels_child_id_key") {
			return models.Channel{}, ErrChannelExists
		}
		return models.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return channel, nil
}

const channelColumns = `id, child_id, stage_arn, legacy_channel_arn, legacy_ingest_endpoint, legacy_stream_key, status, last_live_at, created_at, updated_at`

func scanChannel(row pgx.Row) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(&channel.ID, &channel.ChildID, &channel.StageArn,
		&channel.LegacyChannelArn, &channel.LegacyIngestEndpoint, &channel.LegacyStreamKey,
		&channel.Status, &channel.LastLiveAt, &channel.CreatedAt, &channel.UpdatedAt)
	return channel, err
}

func (p *Postgres) GetChannel(ctx context.Context, id string) (models.Channel, bool, error) {
	channel, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, false, nil
	}
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("get channel: %w", err)
	}
	return channel, true, nil
}

func (p *Postgres) GetChannelByChild(ctx context.Context, childID string) (models.Channel, bool, error) {
	channel, err := scanChannel(p.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE child_id = $1`, childID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, false, nil
	}
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("get channel by child: %w", err)
	}
	return channel, true, nil
}

func (p *Postgres) UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (models.Channel, error) {
	assignments := []string{"updated_at = now()"}
	args := []interface{}{id}
	appendAssignment := func(column string, value interface{}) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.StageArn != nil {
		appendAssignment("stage_arn", *update.StageArn)
	}
	if update.LegacyChannelArn != nil {
		appendAssignment("legacy_channel_arn", *update.LegacyChannelArn)
	}
	if update.LegacyIngestEndpoint != nil {
		appendAssignment("legacy_ingest_endpoint", *update.LegacyIngestEndpoint)
	}
	if update.LegacyStreamKey != nil {
		appendAssignment("legacy_stream_key", *update.LegacyStreamKey)
	}
	if update.Status != nil {
		appendAssignment("status", *update.Status)
	}
	if update.LastLiveAt != nil {
		appendAssignment("last_live_at", *update.LastLiveAt)
	}
	query := fmt.Sprintf(`UPDATE channels SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(assignments, ", "), channelColumns)
	channel, err := scanChannel(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return channel, nil
}

func (p *Postgres) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusInProgress
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, channel_id, child_id, status, started_at, ended_at, error_message)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.ChannelID, session.ChildID, session.Status,
		session.StartedAt, session.EndedAt, session.ErrorMessage)
	if err != nil {
		if strings.Contains(err.Error(), "sessions_channel_in_progress_key") {
			return models.Session{}, ErrSessionActive
		}
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, channel_id, child_id, status, started_at, ended_at, error_message`

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	err := row.Scan(&session.ID, &session.ChannelID, &session.ChildID,
		&session.Status, &session.StartedAt, &session.EndedAt, &session.ErrorMessage)
	return session, err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	session, err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return session, true, nil
}

func (p *Postgres) CurrentSession(ctx context.Context, channelID string) (models.Session, bool, error) {
	session, err := scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE channel_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		channelID, models.SessionStatusInProgress))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("current session: %w", err)
	}
	return session, true, nil
}

func (p *Postgres) ListInProgressSessions(ctx context.Context, startedBefore time.Time) ([]models.Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND started_at < $2 ORDER BY started_at ASC`,
		models.SessionStatusInProgress, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list in-progress sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list in-progress sessions: %w", err)
	}
	return sessions, nil
}

func (p *Postgres) TransitionSession(ctx context.Context, id string, transition SessionTransition) (models.Session, bool, error) {
	session, err := scanSession(p.pool.QueryRow(ctx,
		`UPDATE sessions
         SET status = $3,
             ended_at = COALESCE($4, ended_at),
             error_message = CASE WHEN $5 <> '' THEN $5 ELSE error_message END
         WHERE id = $1 AND status = $2
         RETURNING `+sessionColumns,
		id, transition.FromStatus, transition.ToStatus, transition.EndedAt, transition.ErrorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		current, found, getErr := p.GetSession(ctx, id)
		if getErr != nil {
			return models.Session{}, false, getErr
		}
		if !found {
			return models.Session{}, false, ErrSessionNotFound
		}
		return current, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("transition session: %w", err)
	}
	return session, true, nil
}

func (p *Postgres) ListCompletedSessions(ctx context.Context, childID string, limit int, cursor string) (SessionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	args := []interface{}{childID, models.SessionStatusCompleted}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE child_id = $1 AND status = $2`
	if cursor != "" {
		args = append(args, cursor)
		query += fmt.Sprintf(` AND (started_at, id) < (SELECT started_at, id FROM sessions WHERE id = $%d)`, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return SessionPage{}, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return SessionPage{}, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return SessionPage{}, fmt.Errorf("list sessions: %w", err)
	}

	page := SessionPage{}
	if len(sessions) > limit {
		page.HasMore = true
		sessions = sessions[:limit]
	}
	page.Sessions = sessions
	if page.HasMore && len(sessions) > 0 {
		page.NextCursor = sessions[len(sessions)-1].ID
	}
	return page, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, resource_type, resource_id, user_id, details, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Action, entry.ResourceType, entry.ResourceID, entry.UserID, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, resourceID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []interface{}{limit}
	query := `SELECT id, action, resource_type, resource_id, user_id, details, created_at FROM audit_log`
	if resourceID != "" {
		args = append(args, resourceID)
		query += ` WHERE resource_id = $2`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.ResourceType, &entry.ResourceID,
			&entry.UserID, &entry.Details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

// SeedChild upserts a child profile, used by bootstrap tooling.
func (p *Postgres) SeedChild(ctx context.Context, child models.Child) error {
	if child.CreatedAt.IsZero() {
		child.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO children (id, owner_user_id, display_name, streaming_enabled, created_at)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (id) DO UPDATE SET owner_user_id = EXCLUDED.owner_user_id,
             display_name = EXCLUDED.display_name,
             streaming_enabled = EXCLUDED.streaming_enabled`,
		child.ID, child.OwnerUserID, child.DisplayName, child.StreamingEnabled, child.CreatedAt)
	if err != nil {
		return fmt.Errorf("seed child: %w", err)
	}
	return nil
}

// SeedParentLink upserts a parent-child relation, used by bootstrap tooling.
func (p *Postgres) SeedParentLink(ctx context.Context, link models.ParentLink) error {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO parent_links (parent_user_id, child_id, can_watch, linked_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (parent_user_id, child_id) DO UPDATE SET can_watch = EXCLUDED.can_watch`,
		link.ParentUserID, link.ChildID, link.CanWatch, link.LinkedAt)
	if err != nil {
		return fmt.Errorf("seed parent link: %w", err)
	}
	return nil
}
