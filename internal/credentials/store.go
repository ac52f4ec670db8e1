package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no credential exists for a user/platform pair.
var ErrNotFound = errors.New("credentials: not found")

// Credential holds one platform's tokens for one user.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}

// Store persists credentials in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the store, running migrations as needed.
func Open(dataDir string) (*Store, error) {
	db, err := openDB(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the credential for a user/platform pair.
func (s *Store) Put(ctx context.Context, userID, platform string, cred Credential) error {
	if userID == "" || platform == "" {
		return errors.New("credentials: user id and platform are required")
	}
	if cred.AccessToken == "" {
		return errors.New("credentials: access token is required")
	}

	var expires int64
	if !cred.ExpiresAt.IsZero() {
		expires = cred.ExpiresAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, platform, access_token, refresh_token, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		userID, platform, cred.AccessToken, cred.RefreshToken, cred.Scope, expires, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("credentials: put: %w", err)
	}
	return nil
}

// Get returns the credential for a user/platform pair.
func (s *Store) Get(ctx context.Context, userID, platform string) (Credential, error) {
	var cred Credential
	var expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, scope, expires_at
		FROM credentials WHERE user_id = ? AND platform = ?`,
		userID, platform,
	).Scan(&cred.AccessToken, &cred.RefreshToken, &cred.Scope, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("credentials: get: %w", err)
	}
	if expires > 0 {
		cred.ExpiresAt = time.Unix(expires, 0)
	}
	return cred, nil
}

// Delete removes the credential for a user/platform pair. Deleting a
// missing credential is not an error.
func (s *Store) Delete(ctx context.Context, userID, platform string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM credentials WHERE user_id = ? AND platform = ?",
		userID, platform,
	)
	if err != nil {
		return fmt.Errorf("credentials: delete: %w", err)
	}
	return nil
}
