package upstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adamengleby/grc-ai-platform/internal/metrics"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrNoSession indicates no usable session exists for the id.
var ErrNoSession = errors.New("no upstream session")

// ErrSessionExpired indicates the session exists but has expired and no
// automatic refresh is available; the caller must drive a fresh login.
var ErrSessionExpired = errors.New("upstream session expired: re-authentication required")

// Session is one opaque upstream session record.
type Session struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Username   string    `json:"username"`
	Token      string    `json:"token"`
	BaseURL    string    `json:"baseUrl,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry.
func (s Session) Expired() bool {
	return !s.ExpiresAt.After(time.Now())
}

const schema = `
CREATE TABLE IF NOT EXISTS upstream_sessions (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	username    TEXT NOT NULL,
	token       TEXT NOT NULL,
	base_url    TEXT,
	instance_id TEXT,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upstream_sessions_tenant  ON upstream_sessions (tenant_id);
CREATE INDEX IF NOT EXISTS idx_upstream_sessions_expires ON upstream_sessions (expires_at);
`

// Store persists upstream sessions in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the session database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}

	log.Info().Str("path", path).Msg("Upstream session store opened")
	return &Store{db: db}, nil
}

// Create inserts a new session and returns its generated id.
func (s *Store) Create(ctx context.Context, sess Session) (string, error) {
	if sess.TenantID == "" {
		return "", fmt.Errorf("tenant id is required")
	}
	if sess.Token == "" {
		return "", fmt.Errorf("session token is required")
	}
	if sess.ExpiresAt.IsZero() {
		return "", fmt.Errorf("session expiry is required")
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upstream_sessions (id, tenant_id, username, token, base_url, instance_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sess.TenantID, sess.Username, sess.Token, sess.BaseURL, sess.InstanceID,
		sess.CreatedAt.Format(time.RFC3339Nano),
		sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	s.updateActiveMetric(ctx)
	log.Info().
		Str("session_id", id).
		Str("tenant_id", sess.TenantID).
		Time("expires_at", sess.ExpiresAt).
		Msg("Upstream session created")

	return id, nil
}

// GetValid returns the session when it exists and is not expired;
// otherwise ErrNoSession.
func (s *Store) GetValid(ctx context.Context, id string) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired() {
		return nil, ErrNoSession
	}
	return sess, nil
}

// GetEvenIfExpired returns the session regardless of expiry. An expired
// session comes back with ErrSessionExpired so the caller knows a fresh
// login is required; a session that turns out not to be expired (clock
// skew re-check) is returned as valid.
func (s *Store) GetEvenIfExpired(ctx context.Context, id string) (*Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired() {
		return sess, ErrSessionExpired
	}
	return sess, nil
}

// UpdateToken replaces the session token and expiry after an upstream
// token extension.
func (s *Store) UpdateToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE upstream_sessions SET token = ?, expires_at = ? WHERE id = ?`,
		token, expiresAt.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNoSession
	}
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upstream_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.updateActiveMetric(ctx)
	log.Info().Str("session_id", id).Msg("Upstream session deleted")
	return nil
}

// DeleteExpired removes every session past its expiry and returns how many
// rows went away.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM upstream_sessions WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	if swept > 0 {
		metrics.RecordSessionsSwept(int(swept))
		s.updateActiveMetric(ctx)
	}
	return swept, nil
}

// CountActive returns the number of non-expired sessions.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upstream_sessions WHERE expires_at > ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var createdAt, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, username, token, base_url, instance_id, created_at, expires_at
		FROM upstream_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.TenantID, &sess.Username, &sess.Token, &sess.BaseURL, &sess.InstanceID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on session %s: %w", id, err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("corrupt expires_at on session %s: %w", id, err)
	}

	return &sess, nil
}

func (s *Store) updateActiveMetric(ctx context.Context) {
	if n, err := s.CountActive(ctx); err == nil {
		metrics.SetActiveUpstreamSessions(n)
	}
}
