package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cruvz-control/internal/models"
)

// PostgresConfig tunes the connection pool backing the Postgres store.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

// PostgresOption mutates the pool configuration.
type PostgresOption func(*PostgresConfig)

// WithPoolLimits sets the maximum and minimum pooled connections.
func WithPoolLimits(max, min int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnections = max
		cfg.MinConnections = min
	}
}

// WithPoolDurations sets connection lifetime, idle time, and health interval.
func WithPoolDurations(lifetime, idle, healthInterval time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = lifetime
		cfg.MaxConnIdleTime = idle
		cfg.HealthCheckInterval = healthInterval
	}
}

// WithConnectTimeout bounds how long establishing a connection may take.
func WithConnectTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	}
}

// PostgresStore persists the control-plane dataset in Postgres via a pgx
// connection pool. The schema is bootstrapped on open.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed store and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg := PostgresConfig{DSN: strings.TrimSpace(dsn)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
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
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w: %w", ErrUnavailable, err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS stream_sessions (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    protocol         TEXT NOT NULL,
    status           TEXT NOT NULL,
    stream_key       TEXT NOT NULL,
    current_viewers  INTEGER NOT NULL DEFAULT 0,
    peak_viewers     INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS stream_sessions_owner_status_idx
    ON stream_sessions (owner_id, status);

CREATE TABLE IF NOT EXISTS publishing_targets (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    session_id        TEXT,
    name              TEXT NOT NULL,
    url               TEXT NOT NULL,
    stream_key        TEXT NOT NULL DEFAULT '',
    enabled           BOOLEAN NOT NULL DEFAULT TRUE,
    status            TEXT NOT NULL,
    last_error        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL,
    last_connected_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS publishing_targets_owner_idx
    ON publishing_targets (owner_id);
CREATE INDEX IF NOT EXISTS publishing_targets_session_idx
    ON publishing_targets (session_id);
CREATE INDEX IF NOT EXISTS publishing_targets_status_idx
    ON publishing_targets (status);

CREATE TABLE IF NOT EXISTS metric_records (
    id          TEXT PRIMARY KEY,
    category    TEXT NOT NULL,
    metric_type TEXT NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    target      DOUBLE PRECISION NOT NULL,
    sigma_level DOUBLE PRECISION NOT NULL,
    passes      BOOLEAN NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS metric_records_category_time_idx
    ON metric_records (category, recorded_at);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", wrapPgError(err))
	}
	return nil
}

// wrapPgError tags connection-level failures with ErrUnavailable so callers
// can distinguish an unreachable datastore from a domain error.
func wrapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	// pgx does not export a single connection-failure error type.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "closed pool") || strings.Contains(msg, "conn closed") {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (s *PostgresStore) SaveSession(ctx context.Context, session models.StreamSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_sessions
		    (id, owner_id, protocol, status, stream_key, current_viewers, peak_viewers, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status,
		    current_viewers = EXCLUDED.current_viewers,
		    peak_viewers = EXCLUDED.peak_viewers,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at`,
		session.ID, session.OwnerID, string(session.Protocol), string(session.Status), session.StreamKey,
		session.CurrentViewers, session.PeakViewers, session.CreatedAt, session.StartedAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", wrapPgError(err))
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (models.StreamSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, protocol, status, stream_key, current_viewers, peak_viewers, created_at, started_at, ended_at
		FROM stream_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StreamSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return models.StreamSession{}, fmt.Errorf("load session: %w", wrapPgError(err))
	}
	return session, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stream_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", wrapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.StreamSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, protocol, status, stream_key, current_viewers, peak_viewers, created_at, started_at, ended_at
		FROM stream_sessions WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapPgError(err))
	}
	defer rows.Close()
	sessions := make([]models.StreamSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapPgError(err))
	}
	return sessions, nil
}

func (s *PostgresStore) CountActiveSessions(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM stream_sessions WHERE owner_id = $1 AND status = $2`,
		ownerID, string(models.SessionActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", wrapPgError(err))
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.StreamSession, error) {
	var (
		session  models.StreamSession
		protocol string
		status   string
	)
	if err := row.Scan(
		&session.ID, &session.OwnerID, &protocol, &status, &session.StreamKey,
		&session.CurrentViewers, &session.PeakViewers, &session.CreatedAt,
		&session.StartedAt, &session.EndedAt,
	); err != nil {
		return models.StreamSession{}, err
	}
	session.Protocol = models.SessionProtocol(protocol)
	session.Status = models.SessionStatus(status)
	return session, nil
}

func (s *PostgresStore) SaveTarget(ctx context.Context, target models.PublishingTarget) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO publishing_targets
		    (id, owner_id, session_id, name, url, stream_key, enabled, status, last_error, created_at, last_connected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    name = EXCLUDED.name,
		    url = EXCLUDED.url,
		    stream_key = EXCLUDED.stream_key,
		    enabled = EXCLUDED.enabled,
		    status = EXCLUDED.status,
		    last_error = EXCLUDED.last_error,
		    last_connected_at = EXCLUDED.last_connected_at`,
		target.ID, target.OwnerID, target.SessionID, target.Name, target.URL, target.StreamKey,
		target.Enabled, string(target.Status), target.LastError, target.CreatedAt, target.LastConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("save target: %w", wrapPgError(err))
	}
	return nil
}

func (s *PostgresStore) LoadTarget(ctx context.Context, id string) (models.PublishingTarget, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, session_id, name, url, stream_key, enabled, status, last_error, created_at, last_connected_at
		FROM publishing_targets WHERE id = $1`, id)
	target, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PublishingTarget{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
		}
		return models.PublishingTarget{}, fmt.Errorf("load target: %w", wrapPgError(err))
	}
	return target, nil
}

func (s *PostgresStore) DeleteTarget(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM publishing_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", wrapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTargetsByOwner(ctx context.Context, ownerID string) ([]models.PublishingTarget, error) {
	return s.listTargets(ctx, `
		SELECT id, owner_id, session_id, name, url, stream_key, enabled, status, last_error, created_at, last_connected_at
		FROM publishing_targets WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

func (s *PostgresStore) ListTargetsBySession(ctx context.Context, sessionID string) ([]models.PublishingTarget, error) {
	return s.listTargets(ctx, `
		SELECT id, owner_id, session_id, name, url, stream_key, enabled, status, last_error, created_at, last_connected_at
		FROM publishing_targets WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
}

func (s *PostgresStore) ListTargetsByStatus(ctx context.Context, statuses ...models.TargetStatus) ([]models.PublishingTarget, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return s.listTargets(ctx, `
		SELECT id, owner_id, session_id, name, url, stream_key, enabled, status, last_error, created_at, last_connected_at
		FROM publishing_targets WHERE status = ANY($1) ORDER BY created_at DESC`, values)
}

func (s *PostgresStore) listTargets(ctx context.Context, query string, args ...any) ([]models.PublishingTarget, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", wrapPgError(err))
	}
	defer rows.Close()
	targets := make([]models.PublishingTarget, 0)
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list targets: %w", wrapPgError(err))
	}
	return targets, nil
}

func scanTarget(row rowScanner) (models.PublishingTarget, error) {
	var (
		target models.PublishingTarget
		status string
	)
	if err := row.Scan(
		&target.ID, &target.OwnerID, &target.SessionID, &target.Name, &target.URL, &target.StreamKey,
		&target.Enabled, &status, &target.LastError, &target.CreatedAt, &target.LastConnectedAt,
	); err != nil {
		return models.PublishingTarget{}, err
	}
	target.Status = models.TargetStatus(status)
	return target, nil
}

func (s *PostgresStore) AppendMetric(ctx context.Context, record models.MetricRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_records
		    (id, category, metric_type, value, target, sigma_level, passes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, string(record.Category), record.MetricType, record.Value, record.Target,
		record.SigmaLevel, record.Passes, record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append metric: %w", wrapPgError(err))
	}
	return nil
}

func (s *PostgresStore) QueryMetrics(ctx context.Context, query MetricQuery) ([]models.MetricRecord, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if query.Category != nil {
		args = append(args, string(*query.Category))
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	if !query.From.IsZero() {
		args = append(args, query.From)
		clauses = append(clauses, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	if !query.To.IsZero() {
		args = append(args, query.To)
		clauses = append(clauses, fmt.Sprintf("recorded_at <= $%d", len(args)))
	}
	sql := `SELECT id, category, metric_type, value, target, sigma_level, passes, recorded_at FROM metric_records`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY recorded_at ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", wrapPgError(err))
	}
	defer rows.Close()
	records := make([]models.MetricRecord, 0)
	for rows.Next() {
		var (
			record   models.MetricRecord
			category string
		)
		if err := rows.Scan(
			&record.ID, &category, &record.MetricType, &record.Value, &record.Target,
			&record.SigmaLevel, &record.Passes, &record.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		record.Category = models.MetricCategory(category)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query metrics: %w", wrapPgError(err))
	}
	return records, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ Store = (*PostgresStore)(nil)
