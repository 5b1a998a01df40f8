package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lvonguyen/secmon/internal/security"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS security_events (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	severity      TEXT NOT NULL,
	severity_hint TEXT NOT NULL DEFAULT '',
	ts            TIMESTAMPTZ NOT NULL,
	actor_id      TEXT NOT NULL DEFAULT '',
	context       JSONB NOT NULL DEFAULT '{}',
	details       JSONB,
	risk_score    INT NOT NULL DEFAULT 0,
	derived       BOOLEAN NOT NULL DEFAULT FALSE,
	resolved      BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by   TEXT NOT NULL DEFAULT '',
	resolved_at   TIMESTAMPTZ,
	notes         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_events_actor_ts ON security_events (actor_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events (ts DESC);
CREATE TABLE IF NOT EXISTS security_alerts (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	trigger_event_id TEXT NOT NULL,
	type             TEXT NOT NULL,
	severity         TEXT NOT NULL,
	actor_id         TEXT NOT NULL DEFAULT '',
	rule_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS security_blocks (
	actor_id   TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	rule_name  TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	blocked_at TIMESTAMPTZ NOT NULL,
	unblock_at TIMESTAMPTZ NOT NULL,
	active     BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS security_escalations (
	id         TEXT PRIMARY KEY,
	event_id   TEXT NOT NULL,
	rule_name  TEXT NOT NULL,
	actor_id   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	priority   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_escalations_status ON security_escalations (status, created_at DESC);
`

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connString and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *security.Event) (string, error) {
	if err := validateEvent(ev); err != nil {
		return "", err
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return "", fmt.Errorf("failed to marshal context: %w", err)
	}
	var detailsJSON []byte
	if ev.Details != nil {
		detailsJSON, err = json.Marshal(ev.Details)
		if err != nil {
			return "", fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO security_events (id, type, severity, severity_hint, ts, actor_id, context, details,
			risk_score, derived, resolved, resolved_by, resolved_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), string(ev.Severity), string(ev.SeverityHint), ev.Timestamp, ev.ActorID,
		contextJSON, detailsJSON, ev.RiskScore, ev.Derived,
		ev.Resolution.Resolved, ev.Resolution.ResolvedBy, ev.Resolution.ResolvedAt, ev.Resolution.Notes,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return ev.ID, nil
}

func (s *PostgresStore) QueryEvents(ctx context.Context, f EventFilter) ([]*security.Event, error) {
	where := []string{"1=1"}
	args := []any{}
	argPos := 1

	if f.ActorID != "" {
		where = append(where, fmt.Sprintf("actor_id = $%d", argPos))
		args = append(args, f.ActorID)
		argPos++
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, fmt.Sprintf("type = ANY($%d)", argPos))
		args = append(args, types)
		argPos++
	}
	if !f.Start.IsZero() {
		where = append(where, fmt.Sprintf("ts >= $%d", argPos))
		args = append(args, f.Start)
		argPos++
	}
	if !f.End.IsZero() {
		where = append(where, fmt.Sprintf("ts <= $%d", argPos))
		args = append(args, f.End)
		argPos++
	}

	query := fmt.Sprintf(`
		SELECT id, type, severity, severity_hint, ts, actor_id, context, details,
			risk_score, derived, resolved, resolved_by, resolved_at, notes
		FROM security_events
		WHERE %s
		ORDER BY ts DESC`, strings.Join(where, " AND "))
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*security.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(rows pgx.Rows) (*security.Event, error) {
	var (
		ev                       security.Event
		evType, severity, hint   string
		contextJSON, detailsJSON []byte
	)
	err := rows.Scan(
		&ev.ID, &evType, &severity, &hint, &ev.Timestamp, &ev.ActorID, &contextJSON, &detailsJSON,
		&ev.RiskScore, &ev.Derived, &ev.Resolution.Resolved, &ev.Resolution.ResolvedBy,
		&ev.Resolution.ResolvedAt, &ev.Resolution.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Type = security.EventType(evType)
	ev.Severity = security.Severity(severity)
	ev.SeverityHint = security.Severity(hint)

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w", err)
		}
	}
	return &ev, nil
}

func (s *PostgresStore) ResolveEvent(ctx context.Context, id string, res security.Resolution) error {
	query := `
		UPDATE security_events
		SET resolved = $2, resolved_by = $3, resolved_at = $4, notes = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, res.Resolved, res.ResolvedBy, res.ResolvedAt, res.Notes)
	if err != nil {
		return fmt.Errorf("failed to resolve event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, a *security.AlertRecord) error {
	query := `
		INSERT INTO security_alerts (id, event_id, trigger_event_id, type, severity, actor_id, rule_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.EventID, a.TriggerEventID, string(a.Type), string(a.Severity),
		a.ActorID, a.RuleName, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveBlock(ctx context.Context, b *security.BlockRecord) error {
	query := `
		INSERT INTO security_blocks (actor_id, reason, rule_name, event_id, blocked_at, unblock_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (actor_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			rule_name = EXCLUDED.rule_name,
			event_id = EXCLUDED.event_id,
			blocked_at = EXCLUDED.blocked_at,
			unblock_at = EXCLUDED.unblock_at,
			active = EXCLUDED.active
	`
	_, err := s.pool.Exec(ctx, query, b.ActorID, b.Reason, b.RuleName, b.EventID, b.BlockedAt, b.UnblockAt, b.Active)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, actorID string) (*security.BlockRecord, error) {
	query := `
		SELECT actor_id, reason, rule_name, event_id, blocked_at, unblock_at, active
		FROM security_blocks
		WHERE actor_id = $1
	`
	var b security.BlockRecord
	err := s.pool.QueryRow(ctx, query, actorID).Scan(
		&b.ActorID, &b.Reason, &b.RuleName, &b.EventID, &b.BlockedAt, &b.UnblockAt, &b.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) SaveEscalation(ctx context.Context, e *security.EscalationRecord) error {
	query := `
		INSERT INTO security_escalations (id, event_id, rule_name, actor_id, status, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.EventID, e.RuleName, e.ActorID, string(e.Status), string(e.Priority), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEscalations(ctx context.Context, st security.EscalationStatus, limit int) ([]*security.EscalationRecord, error) {
	query := `
		SELECT id, event_id, rule_name, actor_id, status, priority, created_at
		FROM security_escalations
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
	`
	args := []any{string(st)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var out []*security.EscalationRecord
	for rows.Next() {
		var (
			rec              security.EscalationRecord
			status, priority string
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.RuleName, &rec.ActorID, &status, &priority, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		rec.Status = security.EscalationStatus(status)
		rec.Priority = security.EscalationPriority(priority)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
