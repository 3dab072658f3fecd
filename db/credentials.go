package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/oriole-im/oriole/consts"
)

// UserCredentials holds everything the authentication layer needs for one
// user: the bcrypt password hash for plaintext verification and the derived
// SCRAM parameters for challenge-response.
type UserCredentials struct {
	Username        string
	PasswordHash    string
	ScramSalt       []byte
	ScramIterations int
	ScramStoredKey  []byte
	ScramServerKey  []byte
}

// CreateUserRequest carries a new user's precomputed credential material.
// Hashing and SCRAM derivation happen in the caller so this layer never
// sees the plaintext password.
type CreateUserRequest struct {
	Username        string
	PasswordHash    string
	ScramSalt       []byte
	ScramIterations int
	ScramStoredKey  []byte
	ScramServerKey  []byte
}

// CreateUser inserts a new user row. Returns consts.ErrDBUniqueViolation
// when the username is already taken.
func (db *Database) CreateUser(ctx context.Context, req CreateUserRequest) error {
	_, err := db.WritePool.Exec(ctx,
		`INSERT INTO users (username, password, scram_salt, scram_iterations, scram_stored_key, scram_server_key)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.Username, req.PasswordHash, req.ScramSalt, req.ScramIterations,
		req.ScramStoredKey, req.ScramServerKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return consts.ErrDBUniqueViolation
		}
		return fmt.Errorf("failed to create user %s: %w", req.Username, err)
	}
	return nil
}

// GetUserCredentials fetches the stored credential material for a user.
// Returns consts.ErrUserNotFound when the user does not exist.
func (db *Database) GetUserCredentials(ctx context.Context, username string) (*UserCredentials, error) {
	creds := &UserCredentials{Username: username}
	err := db.ReadPool.QueryRow(ctx,
		`SELECT password, scram_salt, scram_iterations, scram_stored_key, scram_server_key
		 FROM users WHERE username = $1`,
		username).Scan(&creds.PasswordHash, &creds.ScramSalt, &creds.ScramIterations,
		&creds.ScramStoredKey, &creds.ScramServerKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load credentials for %s: %w", username, err)
	}
	return creds, nil
}

// VerifyUserPassword checks a plaintext password against the stored bcrypt
// hash. Returns false for unknown users without distinguishing them.
func (db *Database) VerifyUserPassword(ctx context.Context, username, password string) bool {
	creds, err := db.GetUserCredentials(ctx, username)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) == nil
}

// UpdateUserPassword replaces the user's credential material. Returns
// consts.ErrUserNotFound when no row was updated.
func (db *Database) UpdateUserPassword(ctx context.Context, req CreateUserRequest) error {
	tag, err := db.WritePool.Exec(ctx,
		`UPDATE users SET password = $2, scram_salt = $3, scram_iterations = $4,
		 scram_stored_key = $5, scram_server_key = $6, updated_at = now()
		 WHERE username = $1`,
		req.Username, req.PasswordHash, req.ScramSalt, req.ScramIterations,
		req.ScramStoredKey, req.ScramServerKey)
	if err != nil {
		return fmt.Errorf("failed to update password for %s: %w", req.Username, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// DeleteUser removes a user row. Returns consts.ErrUserNotFound when the
// user does not exist.
func (db *Database) DeleteUser(ctx context.Context, username string) error {
	tag, err := db.WritePool.Exec(ctx,
		"DELETE FROM users WHERE username = $1", username)
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// HashPassword produces the bcrypt hash stored in the users table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
