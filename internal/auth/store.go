package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/epiwatch/epiwatch/pkg/plugin"
)

// Migrations returns the schema migrations for the auth subsystem.
// Applied by the server under the "auth" migration namespace.
func Migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create users and refresh_tokens tables",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE auth_users (
						id TEXT PRIMARY KEY,
						username TEXT NOT NULL UNIQUE,
						email TEXT NOT NULL DEFAULT '',
						password_hash TEXT NOT NULL,
						role TEXT NOT NULL,
						created_at DATETIME NOT NULL,
						last_login DATETIME,
						disabled INTEGER NOT NULL DEFAULT 0
					);
					CREATE TABLE auth_refresh_tokens (
						id TEXT PRIMARY KEY,
						user_id TEXT NOT NULL REFERENCES auth_users(id) ON DELETE CASCADE,
						token_hash TEXT NOT NULL UNIQUE,
						expires_at DATETIME NOT NULL,
						revoked INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					);
					CREATE INDEX idx_refresh_tokens_user ON auth_refresh_tokens(user_id);
				`)
				return err
			},
		},
	}
}

// RefreshToken is a stored refresh token record.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
}

// UserStore persists users and refresh tokens.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a UserStore over the shared database.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a new user.
func (s *UserStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_users (id, username, email, password_hash, role, created_at, disabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.CreatedAt, boolToInt(u.Disabled),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername returns a user by username. Returns sql.ErrNoRows if absent.
func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, last_login, disabled
		FROM auth_users WHERE username = ?`, username))
}

// GetUserByID returns a user by ID. Returns sql.ErrNoRows if absent.
func (s *UserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, last_login, disabled
		FROM auth_users WHERE id = ?`, id))
}

// CountUsers returns the total number of user accounts.
func (s *UserStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// UpdateLastLogin sets the last_login timestamp for a user.
func (s *UserStore) UpdateLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_users SET last_login = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// SaveRefreshToken stores a hashed refresh token.
func (s *UserStore) SaveRefreshToken(ctx context.Context, id, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at)
		VALUES (?, ?, ?, ?)`, id, userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks up a refresh token by hash. Returns sql.ErrNoRows if absent.
func (s *UserStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var rt RefreshToken
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked
		FROM auth_refresh_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &revoked)
	if err != nil {
		return nil, err
	}
	rt.Revoked = revoked != 0
	return &rt, nil
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *UserStore) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_refresh_tokens SET revoked = 1 WHERE id = ?`, id)
	return err
}

// RevokeUserRefreshTokens revokes all refresh tokens for a user.
func (s *UserStore) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_refresh_tokens SET revoked = 1 WHERE user_id = ?`, userID)
	return err
}

func (s *UserStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var role string
	var lastLogin sql.NullTime
	var disabled int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &lastLogin, &disabled)
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	u.Disabled = disabled != 0
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
