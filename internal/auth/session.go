package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Session validation errors.
var (
	ErrInvalidSession  = errors.New("invalid session")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultSessionTTL is how long an issued session stays valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

// SessionInfo is the opaque authenticated identity attached to a
// request. How the user proved who they are (the OAuth flow) is an
// external collaborator; this engine only cares that a valid session
// exists.
type SessionInfo struct {
	ID        string
	UserName  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Sessions manages session tokens in a SQLite store. Tokens are stored
// peppered and hashed, never in the clear.
type Sessions struct {
	db     *sql.DB
	pepper string
}

// NewSessions opens (or creates) the session database.
func NewSessions(dbPath, pepper string) (*Sessions, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping session db: %w", err)
	}

	s := &Sessions{db: db, pepper: pepper}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init session schema: %w", err)
	}

	return s, nil
}

// Close closes the session database.
func (s *Sessions) Close() error {
	return s.db.Close()
}

func (s *Sessions) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			user_name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_hash ON sessions(token_hash);
	`)
	return err
}

// hashToken computes SHA-256(token + pepper).
func (s *Sessions) hashToken(token string) string {
	h := sha256.Sum256([]byte(token + s.pepper))
	return hex.EncodeToString(h[:])
}

// Issue creates a session for an authenticated user and returns the
// bearer token. Called by the login collaborator after a successful
// identity exchange; the token is the only time the secret leaves the
// store.
func (s *Sessions) Issue(ctx context.Context, userName string, ttl time.Duration) (string, *SessionInfo, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := "wq_sess_" + hex.EncodeToString(b)

	info := &SessionInfo{
		ID:        uuid.New().String(),
		UserName:  userName,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, token_hash, user_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, info.ID, s.hashToken(token), userName,
		info.CreatedAt.Format(time.RFC3339), info.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return "", nil, fmt.Errorf("failed to store session: %w", err)
	}

	return token, info, nil
}

// Validate checks a session token and returns its identity.
func (s *Sessions) Validate(ctx context.Context, token string) (*SessionInfo, error) {
	var (
		info      SessionInfo
		createdAt string
		expiresAt string
		revokedAt sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, created_at, expires_at, revoked_at
		FROM sessions WHERE token_hash = ?
	`, s.hashToken(token)).Scan(&info.ID, &info.UserName, &createdAt, &expiresAt, &revokedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}

	if revokedAt.Valid {
		return nil, ErrSessionRevoked
	}

	info.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	info.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if time.Now().After(info.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	return &info, nil
}

// Revoke invalidates a session by id.
func (s *Sessions) Revoke(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, time.Now().Format(time.RFC3339), sessionID)
	if err != nil {
		return err
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
