// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned by Signup when the username is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned by Signin on unknown user or wrong
	// password; the two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const uniqueViolationCode = "23505"

// UserStore manages account records in Postgres.
type UserStore struct {
	service *SyncService
}

// NewUserStore creates a user store sharing the sync service pool.
func NewUserStore(service *SyncService) *UserStore {
	return &UserStore{service: service}
}

// Signup registers a new account and returns its id. The password is stored
// as a bcrypt hash only.
func (u *UserStore) Signup(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username is required")
	}
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	userID := uuid.NewString()
	_, err = u.service.pool.Exec(ctx, `
		INSERT INTO crm.app_users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, now())`,
		userID, username, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return "", ErrUserExists
		}
		return "", fmt.Errorf("insert user: %w", err)
	}

	u.service.logger.Info("user registered", "user_id", userID, "username", username)
	return userID, nil
}

// Signin verifies credentials and returns the user id.
func (u *UserStore) Signin(ctx context.Context, username, password string) (string, error) {
	var (
		userID string
		hash   string
	)
	err := u.service.pool.QueryRow(ctx,
		`SELECT id, password_hash FROM crm.app_users WHERE username = $1`,
		strings.TrimSpace(username)).Scan(&userID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("query user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return userID, nil
}
