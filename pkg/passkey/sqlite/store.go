// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sqlite implements the passkey storage interfaces over a single
// SQLite file. One file backs users, credentials, and challenges so every
// deployment artifact is a single database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BLOB PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id              BLOB PRIMARY KEY,
	user_id         BLOB NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	public_key      BLOB NOT NULL,
	sign_count      INTEGER NOT NULL DEFAULT 0,
	device_label    TEXT NOT NULL DEFAULT '',
	aaguid          BLOB,
	transports      TEXT NOT NULL DEFAULT '[]',
	user_present    INTEGER NOT NULL DEFAULT 0,
	user_verified   INTEGER NOT NULL DEFAULT 0,
	backup_eligible INTEGER NOT NULL DEFAULT 0,
	backup_state    INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	last_used_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_credentials_user_id ON credentials(user_id);

CREATE TABLE IF NOT EXISTS challenges (
	id         TEXT PRIMARY KEY,
	user_id    BLOB,
	nonce      BLOB NOT NULL,
	purpose    TEXT NOT NULL,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_challenges_lookup ON challenges(purpose, user_id, issued_at);
CREATE INDEX IF NOT EXISTS idx_challenges_expiry ON challenges(expires_at);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store owns the SQLite database and hands out the per-concern stores.
type Store struct {
	sqlDB       *sql.DB
	users       *UserStore
	challenges  *ChallengeStore
	credentials *CredentialStore
}

// Open opens a passkey SQLite store and creates the schema if needed.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		sqlDB:       sqlDB,
		users:       &UserStore{db: sqlDB},
		challenges:  &ChallengeStore{db: sqlDB},
		credentials: &CredentialStore{db: sqlDB},
	}, nil
}

// Users returns the user store backed by this database.
func (s *Store) Users() *UserStore { return s.users }

// Challenges returns the challenge store backed by this database.
func (s *Store) Challenges() *ChallengeStore { return s.challenges }

// Credentials returns the credential store backed by this database.
func (s *Store) Credentials() *CredentialStore { return s.credentials }

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB { return s.sqlDB }

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// UserStore persists users in SQLite.
type UserStore struct {
	db *sql.DB
}

var _ passkey.UserStore = (*UserStore)(nil)

// GetByID retrieves a user by handle.
func (s *UserStore) GetByID(ctx context.Context, userID []byte) (passkey.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetByEmail retrieves a user by email address.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (passkey.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (passkey.User, error) {
	var id []byte
	var email, displayName string
	if err := row.Scan(&id, &email, &displayName); err != nil {
		if err == sql.ErrNoRows {
			return nil, passkey.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return passkey.NewDefaultUserWithID(id, email, displayName), nil
}

// Create creates a new user with the given email and display name.
func (s *UserStore) Create(ctx context.Context, email, displayName string) (passkey.User, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, created_at) VALUES (?, ?, ?, ?)`,
		id[:], email, displayName, toMillis(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, passkey.ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return passkey.NewDefaultUserWithID(id[:], email, displayName), nil
}

// Delete removes a user along with their credentials and pending challenges.
func (s *UserStore) Delete(ctx context.Context, userID []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return passkey.ErrUserNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user credentials: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user challenges: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

// ChallengeStore persists ceremony challenges in SQLite.
type ChallengeStore struct {
	db *sql.DB
}

var _ passkey.ChallengeStore = (*ChallengeStore)(nil)

// Issue persists a freshly minted challenge.
func (s *ChallengeStore) Issue(ctx context.Context, challenge *passkey.Challenge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (id, user_id, nonce, purpose, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		challenge.ID, challenge.UserID, challenge.Nonce, string(challenge.Purpose),
		toMillis(challenge.IssuedAt), toMillis(challenge.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// FindActive returns the most recently issued non-expired challenge for the
// user and purpose. Latest issued_at wins, ties break on id. A nil userID
// matches only ownerless challenges.
func (s *ChallengeStore) FindActive(ctx context.Context, userID []byte, purpose passkey.ChallengePurpose, now time.Time) (*passkey.Challenge, error) {
	query := `SELECT id, user_id, nonce, purpose, issued_at, expires_at
		FROM challenges
		WHERE purpose = ? AND expires_at > ? AND `
	args := []any{string(purpose), toMillis(now)}
	if userID == nil {
		query += `user_id IS NULL`
	} else {
		query += `user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY issued_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)

	var ch passkey.Challenge
	var purposeStr string
	var issuedAt, expiresAt int64
	if err := row.Scan(&ch.ID, &ch.UserID, &ch.Nonce, &purposeStr, &issuedAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, passkey.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	ch.Purpose = passkey.ChallengePurpose(purposeStr)
	ch.IssuedAt = fromMillis(issuedAt)
	ch.ExpiresAt = fromMillis(expiresAt)
	return &ch, nil
}

// Consume invalidates the challenge. The single DELETE is the atomicity
// guarantee: exactly one caller observes an affected row.
func (s *ChallengeStore) Consume(ctx context.Context, challengeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, challengeID)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return passkey.ErrChallengeNotFound
	}
	return nil
}

// DeleteExpired removes challenges whose expiry has passed.
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// CredentialStore persists public-key credentials in SQLite.
type CredentialStore struct {
	db *sql.DB
}

var _ passkey.CredentialStore = (*CredentialStore)(nil)

const selectCredential = `SELECT id, user_id, public_key, sign_count, device_label,
	aaguid, transports, user_present, user_verified, backup_eligible, backup_state,
	created_at, last_used_at
	FROM credentials`

// Create stores a new credential.
func (s *CredentialStore) Create(ctx context.Context, cred *passkey.Credential) error {
	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return fmt.Errorf("marshal transports: %w", err)
	}

	var lastUsed sql.NullInt64
	if cred.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*cred.LastUsedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (
			id, user_id, public_key, sign_count, device_label, aaguid, transports,
			user_present, user_verified, backup_eligible, backup_state,
			created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.PublicKey, cred.SignCount, cred.DeviceLabel,
		cred.AAGUID, string(transports),
		boolToInt(cred.Flags.UserPresent), boolToInt(cred.Flags.UserVerified),
		boolToInt(cred.Flags.BackupEligible), boolToInt(cred.Flags.BackupState),
		toMillis(cred.CreatedAt), lastUsed)
	if err != nil {
		if isUniqueViolation(err) {
			return passkey.ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetByCredentialID retrieves a credential by its ID.
func (s *CredentialStore) GetByCredentialID(ctx context.Context, credID []byte) (*passkey.Credential, error) {
	row := s.db.QueryRowContext(ctx, selectCredential+` WHERE id = ?`, credID)
	cred, err := scanCredential(row.Scan)
	if err == sql.ErrNoRows {
		return nil, passkey.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return cred, nil
}

// ListForUser retrieves all credentials for a user, oldest first.
func (s *CredentialStore) ListForUser(ctx context.Context, userID []byte) ([]*passkey.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCredential+` WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	creds := make([]*passkey.Credential, 0)
	for rows.Next() {
		cred, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

// UpdateAfterAuthentication advances the sign counter and last-used
// timestamp. The guarded UPDATE is the compare-and-set: a regressed counter
// matches no row. A zero newSignCount only moves the timestamp.
func (s *CredentialStore) UpdateAfterAuthentication(ctx context.Context, credID []byte, newSignCount uint32, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials
		 SET sign_count = CASE WHEN ?1 = 0 THEN sign_count ELSE ?1 END,
		     last_used_at = ?2
		 WHERE id = ?3 AND (?1 = 0 OR sign_count < ?1)`,
		newSignCount, toMillis(usedAt), credID)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row matched: distinguish a missing credential from a regression.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE id = ?`, credID).Scan(&exists)
	if err == sql.ErrNoRows {
		return passkey.ErrCredentialNotFound
	}
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	return passkey.ErrCounterRegression
}

// Delete removes a credential owned by the given user.
func (s *CredentialStore) Delete(ctx context.Context, credID, userID []byte) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE id = ? AND user_id = ?`, credID, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return passkey.ErrCredentialNotFound
	}
	return nil
}

func scanCredential(scan func(dest ...any) error) (*passkey.Credential, error) {
	var cred passkey.Credential
	var transports string
	var up, uv, be, bs int
	var createdAt int64
	var lastUsed sql.NullInt64

	err := scan(&cred.ID, &cred.UserID, &cred.PublicKey, &cred.SignCount,
		&cred.DeviceLabel, &cred.AAGUID, &transports, &up, &uv, &be, &bs,
		&createdAt, &lastUsed)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(transports), &cred.Transport); err != nil {
		return nil, fmt.Errorf("unmarshal transports: %w", err)
	}
	cred.Flags = passkey.CredentialFlags{
		UserPresent:    up != 0,
		UserVerified:   uv != 0,
		BackupEligible: be != 0,
		BackupState:    bs != 0,
	}
	cred.CreatedAt = fromMillis(createdAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		cred.LastUsedAt = &value
	}
	return &cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
