package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore persists credentials in a single-table SQLite database. The
// credential blob is the only durable state the daemon keeps; device state is
// rebuilt from a fresh snapshot on every start.
type SQLiteStore struct {
	db *sql.DB
}

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	entry_id      TEXT PRIMARY KEY,
	jwt           TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	email         TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    INTEGER NOT NULL,
	environment   TEXT NOT NULL,
	updated_at    INTEGER NOT NULL
);`

// OpenSQLiteStore opens (creating if necessary) the credential database at
// path, with WAL mode and a busy timeout for concurrent access.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("auth: create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: open store: %w", err)
	}
	if _, err := db.Exec(credentialsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: init store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the credential for entryID, reporting whether one exists.
func (s *SQLiteStore) Load(ctx context.Context, entryID string) (Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jwt, user_id, email, access_token, refresh_token, expires_at, environment
		FROM credentials WHERE entry_id = ?`, entryID)

	var cred Credential
	var expiresAt int64
	var env string
	err := row.Scan(&cred.JWT, &cred.UserID, &cred.Email, &cred.AccessToken, &cred.RefreshToken, &expiresAt, &env)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("auth: load credential %s: %w", entryID, err)
	}
	cred.ExpiresAt = time.Unix(expiresAt, 0)
	cred.Environment = Environment(env)
	return cred, true, nil
}

// Save upserts the credential for entryID.
func (s *SQLiteStore) Save(ctx context.Context, entryID string, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (entry_id, jwt, user_id, email, access_token, refresh_token, expires_at, environment, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			jwt = excluded.jwt,
			user_id = excluded.user_id,
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			environment = excluded.environment,
			updated_at = excluded.updated_at`,
		entryID, cred.JWT, cred.UserID, cred.Email, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt.Unix(), string(cred.Environment), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("auth: save credential %s: %w", entryID, err)
	}
	return nil
}

// Delete removes the credential for entryID.
func (s *SQLiteStore) Delete(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("auth: delete credential %s: %w", entryID, err)
	}
	return nil
}
