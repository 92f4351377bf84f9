// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidSession is returned when a token fails verification, references a
// revoked session row, or has expired.
var ErrInvalidSession = errors.New("invalid or expired session")

// Clock abstracts time.Now so session expiry is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Identity is the authenticated caller extracted from a valid session token.
type Identity struct {
	UserID    string
	DeviceID  string
	SessionID string
}

// sessionClaims is the JWT payload. The jti claim is the id of a Postgres
// session row; a valid signature alone is never enough, the row must exist
// and be unexpired.
type sessionClaims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// SessionStore issues and validates bearer tokens backed by crm.sessions rows.
// Revoking a session deletes its row, which kills the token immediately no
// matter how long the JWT itself remains unexpired.
type SessionStore struct {
	service *SyncService
	secret  []byte
	ttl     time.Duration
	clock   Clock
}

// NewSessionStore creates a session store. ttl bounds how long an issued
// token stays valid without activity-based refresh extending the row.
func NewSessionStore(service *SyncService, secret []byte, ttl time.Duration, clock Clock) (*SessionStore, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &SessionStore{service: service, secret: secret, ttl: ttl, clock: clock}, nil
}

// Create opens a session for the user/device pair and returns a signed token.
func (st *SessionStore) Create(ctx context.Context, userID, deviceID string) (string, time.Time, error) {
	now := st.clock.Now()
	expiresAt := now.Add(st.ttl)
	sessionID := uuid.NewString()

	_, err := st.service.pool.Exec(ctx, `
		INSERT INTO crm.sessions (id, user_id, device_id, created_at, last_active_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)`,
		sessionID, userID, deviceID, now, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert session: %w", err)
	}

	claims := sessionClaims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(st.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}

	st.service.logger.Info("session created", "user_id", userID, "device_id", deviceID, "session_id", sessionID)
	return token, expiresAt, nil
}

// Validate checks signature, session row existence, and expiry, then touches
// last_active_at. Every failure maps to ErrInvalidSession so callers leak
// nothing about which check failed.
func (st *SessionStore) Validate(ctx context.Context, token string) (*Identity, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return st.secret, nil
	}, jwt.WithTimeFunc(st.clock.Now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if claims.ID == "" || claims.UserID == "" {
		return nil, ErrInvalidSession
	}

	now := st.clock.Now()
	var expiresAt time.Time
	err = st.service.pool.QueryRow(ctx,
		`SELECT expires_at FROM crm.sessions WHERE id = $1 AND user_id = $2`,
		claims.ID, claims.UserID).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if now.After(expiresAt) {
		return nil, ErrInvalidSession
	}

	if _, err := st.service.pool.Exec(ctx,
		`UPDATE crm.sessions SET last_active_at = $1 WHERE id = $2`,
		now, claims.ID); err != nil {
		st.service.logger.Warn("failed to touch session", "session_id", claims.ID, "error", err)
	}

	return &Identity{
		UserID:    claims.UserID,
		DeviceID:  claims.DeviceID,
		SessionID: claims.ID,
	}, nil
}

// Revoke deletes the session row, invalidating the token immediately.
func (st *SessionStore) Revoke(ctx context.Context, sessionID string) error {
	if _, err := st.service.pool.Exec(ctx,
		`DELETE FROM crm.sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired removes sessions past their expiry. Intended to run
// periodically from the server main loop.
func (st *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := st.service.pool.Exec(ctx,
		`DELETE FROM crm.sessions WHERE expires_at < $1`, st.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
