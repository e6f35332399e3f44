package broker

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/nacl/secretbox"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	tenant_id     TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	sealed        TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (tenant_id, connection_id)
);
`

// SQLiteCredentialStore keeps secrets sealed with nacl/secretbox. The
// plaintext exists only in memory, inside Credential.
type SQLiteCredentialStore struct {
	db  *sql.DB
	key [32]byte
}

// NewSQLiteCredentialStore opens (and migrates) the credential database.
// key is the 32-byte sealing key.
func NewSQLiteCredentialStore(path string, key [32]byte) (*SQLiteCredentialStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	if _, err := db.Exec(credentialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate credential database: %w", err)
	}

	log.Info().Str("path", path).Msg("Credential store opened")
	return &SQLiteCredentialStore{db: db, key: key}, nil
}

// Put seals and stores a secret for the (tenant, connection) pair,
// replacing any previous value.
func (s *SQLiteCredentialStore) Put(ctx context.Context, tenantID, connectionID, secret string) error {
	if tenantID == "" || connectionID == "" {
		return fmt.Errorf("tenant id and connection id are required")
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(secret), &nonce, &s.key)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, connection_id, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, connection_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		tenantID, connectionID,
		base64.StdEncoding.EncodeToString(sealed),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Credential opens the sealed secret for the (tenant, connection) pair.
func (s *SQLiteCredentialStore) Credential(ctx context.Context, tenantID, connectionID string) (string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM credentials WHERE tenant_id = ? AND connection_id = ?`,
		tenantID, connectionID,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("corrupt credential record: %w", err)
	}
	if len(sealed) < 24 {
		return "", fmt.Errorf("corrupt credential record: sealed blob too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("failed to open credential: wrong key or corrupt record")
	}
	return string(plaintext), nil
}

// Delete removes a stored credential.
func (s *SQLiteCredentialStore) Delete(ctx context.Context, tenantID, connectionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tenant_id = ? AND connection_id = ?`,
		tenantID, connectionID,
	); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteCredentialStore) Close() error {
	return s.db.Close()
}
