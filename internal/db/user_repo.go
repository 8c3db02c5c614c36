package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrUserNotFound is returned when a user row cannot be found.
var ErrUserNotFound = errors.New("user not found")

// CreateUser inserts a new mail user and returns its generated id.
func CreateUser(ctx context.Context, pool *pgxpool.Pool, email string, provider models.Provider) (string, error) {
	id := uuid.NewString()

	_, err := pool.Exec(ctx, `
		INSERT INTO mail_users (
			id, email, imap_host, imap_port, imap_tls, imap_username, auth_kind, encrypted_secret
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		id, email, provider.Host, provider.Port, provider.TLS, provider.Username, string(provider.Kind), provider.EncryptedSecret,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	return id, nil
}

// LoadUser reloads the full, current user record through a single query. The worker
// replaces its in-memory *models.User with this value rather than mutating fields in
// place, so every reload is a clean snapshot — the basis for the race-free
// verifyUidValidity comparison.
func LoadUser(ctx context.Context, pool *pgxpool.Pool, userID string) (*models.User, error) {
	var u models.User
	var port int
	var host, username, authKind string
	var tlsEnabled bool
	var encryptedSecret []byte

	err := pool.QueryRow(ctx, `
		SELECT id, email, imap_host, imap_port, imap_tls, imap_username, auth_kind, encrypted_secret,
		       last_uid, last_uid_validity, last_email_at, last_login_at
		FROM mail_users
		WHERE id = $1
	`, userID).Scan(
		&u.ID, &u.Email, &host, &port, &tlsEnabled, &username, &authKind, &encryptedSecret,
		&u.LastUID, &u.LastUIDValidity, &u.LastEmailAt, &u.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	u.Provider = models.Provider{
		Host:            host,
		Port:            port,
		TLS:             tlsEnabled,
		Username:        username,
		Kind:            models.AuthKind(authKind),
		EncryptedSecret: encryptedSecret,
	}

	return &u, nil
}

// ListUserIDs returns the ids of every user the daemon should spawn a worker for.
func ListUserIDs(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM mail_users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return ids, nil
}

// UpdateLastLoginAt records a successful authentication.
func UpdateLastLoginAt(ctx context.Context, pool *pgxpool.Pool, userID string, at time.Time) error {
	_, err := pool.Exec(ctx, `
		UPDATE mail_users SET last_login_at = $2, updated_at = now() WHERE id = $1
	`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to update last_login_at for user %s: %w", userID, err)
	}
	return nil
}

// UpdateUIDValidity persists a new UIDVALIDITY token and invalidates the UID cursor
// (sets last_uid to NULL) in the same statement, since the two must change atomically:
// a cursor can never outlive the UID space it was computed in.
func UpdateUIDValidity(ctx context.Context, pool *pgxpool.Pool, userID, newValidity string) error {
	_, err := pool.Exec(ctx, `
		UPDATE mail_users SET last_uid_validity = $2, last_uid = NULL, updated_at = now() WHERE id = $1
	`, userID, newValidity)
	if err != nil {
		return fmt.Errorf("failed to update uid_validity for user %s: %w", userID, err)
	}
	return nil
}

// UpdateLastUID advances the UID cursor after a message has been processed.
func UpdateLastUID(ctx context.Context, pool *pgxpool.Pool, userID string, uid int64) error {
	_, err := pool.Exec(ctx, `
		UPDATE mail_users SET last_uid = $2, last_email_at = now(), updated_at = now() WHERE id = $1
	`, userID, uid)
	if err != nil {
		return fmt.Errorf("failed to update last_uid for user %s: %w", userID, err)
	}
	return nil
}

// ClearLastUID nulls the UID cursor, forcing the by-date search strategy on the next
// batch. Used by the stall jumpstart when a mailbox has gone quiet for too long.
func ClearLastUID(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE mail_users SET last_uid = NULL, updated_at = now() WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear last_uid for user %s: %w", userID, err)
	}
	return nil
}
