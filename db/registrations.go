package db

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oriole-im/oriole/consts"
)

// GatewayRegistration records a user's account on an external gateway
// component, for example a transport to another messaging network.
type GatewayRegistration struct {
	ID         uuid.UUID
	Username   string
	Gateway    string
	RemoteUser string
	Nickname   string
}

// RegistrationStore persists gateway registrations. Remote credentials are
// encrypted with AES-GCM before they reach the database.
type RegistrationStore struct {
	db  *Database
	key []byte
}

// NewRegistrationStore derives the encryption key from the configured
// secret. The secret may be any length.
func NewRegistrationStore(db *Database, secret string) *RegistrationStore {
	sum := sha256.Sum256([]byte(secret))
	return &RegistrationStore{db: db, key: sum[:]}
}

func (s *RegistrationStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *RegistrationStore) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Create stores a new registration. Returns consts.ErrDBUniqueViolation when
// the user already has a registration with the gateway.
func (s *RegistrationStore) Create(ctx context.Context, reg *GatewayRegistration, remoteSecret string) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}

	var encrypted *string
	if remoteSecret != "" {
		enc, err := s.encrypt(remoteSecret)
		if err != nil {
			return fmt.Errorf("failed to encrypt registration secret: %w", err)
		}
		encrypted = &enc
	}

	_, err := s.db.WritePool.Exec(ctx,
		`INSERT INTO gateway_registrations (id, username, gateway, remote_user, remote_secret, nickname)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reg.ID, reg.Username, reg.Gateway, reg.RemoteUser, encrypted, reg.Nickname)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return consts.ErrDBUniqueViolation
		}
		return fmt.Errorf("failed to create gateway registration: %w", err)
	}
	return nil
}

// Get fetches a user's registration with a gateway along with the decrypted
// remote credential. Returns consts.ErrDBNotFound when none exists.
func (s *RegistrationStore) Get(ctx context.Context, username, gateway string) (*GatewayRegistration, string, error) {
	reg := &GatewayRegistration{}
	var encrypted *string
	var nickname *string
	err := s.db.ReadPool.QueryRow(ctx,
		`SELECT id, username, gateway, remote_user, remote_secret, nickname
		 FROM gateway_registrations WHERE username = $1 AND gateway = $2`,
		username, gateway).Scan(&reg.ID, &reg.Username, &reg.Gateway, &reg.RemoteUser, &encrypted, &nickname)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", consts.ErrDBNotFound
		}
		return nil, "", fmt.Errorf("failed to load gateway registration: %w", err)
	}
	if nickname != nil {
		reg.Nickname = *nickname
	}

	secret := ""
	if encrypted != nil {
		secret, err = s.decrypt(*encrypted)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decrypt registration secret: %w", err)
		}
	}
	return reg, secret, nil
}

// ListByUser returns all registrations held by a user.
func (s *RegistrationStore) ListByUser(ctx context.Context, username string) ([]*GatewayRegistration, error) {
	rows, err := s.db.ReadPool.Query(ctx,
		`SELECT id, username, gateway, remote_user, nickname
		 FROM gateway_registrations WHERE username = $1 ORDER BY gateway`,
		username)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway registrations: %w", err)
	}
	defer rows.Close()

	var regs []*GatewayRegistration
	for rows.Next() {
		reg := &GatewayRegistration{}
		var nickname *string
		if err := rows.Scan(&reg.ID, &reg.Username, &reg.Gateway, &reg.RemoteUser, &nickname); err != nil {
			return nil, err
		}
		if nickname != nil {
			reg.Nickname = *nickname
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Delete removes a user's registration with a gateway.
func (s *RegistrationStore) Delete(ctx context.Context, username, gateway string) error {
	tag, err := s.db.WritePool.Exec(ctx,
		"DELETE FROM gateway_registrations WHERE username = $1 AND gateway = $2",
		username, gateway)
	if err != nil {
		return fmt.Errorf("failed to delete gateway registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}
