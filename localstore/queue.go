// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Carcadons/RememberMe-2.0/internal/cryptobox"
)

// Mutation actions mirrored onto the wire protocol.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionDelete  = "DELETE"
	ActionRestore = "RESTORE"
)

// Queue statuses. pending and retry are both eligible for the next push;
// failed entries have exhausted their attempts and need operator attention.
const (
	StatusPending = "pending"
	StatusRetry   = "retry"
	StatusFailed  = "failed"
)

// DefaultMaxAttempts bounds how often one mutation is retried before it is
// parked as failed.
const DefaultMaxAttempts = 10

// Mutation is one queued local change awaiting push. Payload is the decrypted
// JSON contact payload (nil for DELETE/RESTORE).
type Mutation struct {
	ID          int64
	LocalID     string
	Action      string
	BaseVersion int64
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
}

// enqueueTx appends a mutation inside an open write transaction, so the
// contact write and its queue entry commit or roll back together.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, localID, action string, baseVersion int64, ciphertext, nonce []byte, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (user_id, local_id, action, base_version, payload, nonce, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		s.userID, localID, action, baseVersion, ciphertext, nonce,
		StatusPending, DefaultMaxAttempts, now.Unix(), now.Unix()); err != nil {
		return fmt.Errorf("enqueue mutation: %w", err)
	}
	return nil
}

// PendingMutations returns queued mutations eligible for push, oldest first.
// limit <= 0 returns everything.
func (s *Store) PendingMutations(ctx context.Context, limit int) ([]*Mutation, error) {
	query := `
		SELECT id, local_id, action, base_version, payload, nonce, status, attempts, max_attempts, created_at
		FROM mutation_queue
		WHERE user_id = ? AND status IN (?, ?)
		ORDER BY id`
	args := []any{s.userID, StatusPending, StatusRetry}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutation queue: %w", err)
	}
	defer rows.Close()

	mutations := []*Mutation{}
	for rows.Next() {
		var (
			m          Mutation
			ciphertext []byte
			nonce      []byte
			createdAt  int64
		)
		if err := rows.Scan(&m.ID, &m.LocalID, &m.Action, &m.BaseVersion,
			&ciphertext, &nonce, &m.Status, &m.Attempts, &m.MaxAttempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		if len(ciphertext) > 0 {
			var payload contactPayload
			if err := cryptobox.Open(ciphertext, nonce, s.key, &payload); err != nil {
				return nil, fmt.Errorf("decrypt mutation %d: %w", m.ID, err)
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode mutation payload: %w", err)
			}
			m.Payload = raw
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutation queue: %w", err)
	}
	return mutations, nil
}

// FailedMutations returns the mutations parked after exhausting retries.
func (s *Store) FailedMutations(ctx context.Context) ([]*Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_id, action, base_version, status, attempts, max_attempts, created_at
		FROM mutation_queue
		WHERE user_id = ? AND status = ?
		ORDER BY id`,
		s.userID, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed mutations: %w", err)
	}
	defer rows.Close()

	mutations := []*Mutation{}
	for rows.Next() {
		var (
			m         Mutation
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.LocalID, &m.Action, &m.BaseVersion,
			&m.Status, &m.Attempts, &m.MaxAttempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan failed mutation: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		mutations = append(mutations, &m)
	}
	return mutations, rows.Err()
}

// AckMutations removes successfully pushed mutations from the queue.
func (s *Store) AckMutations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mutation_queue WHERE user_id = ? AND id = ?`,
			s.userID, id); err != nil {
			return fmt.Errorf("ack mutation %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack transaction: %w", err)
	}
	return nil
}

// FailMutation bumps a mutation's attempt count. It moves to retry while
// attempts remain and is parked as failed once they run out.
func (s *Store) FailMutation(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
		    updated_at = ?
		WHERE user_id = ? AND id = ?`,
		StatusFailed, StatusRetry, time.Now().Unix(), s.userID, id); err != nil {
		return fmt.Errorf("fail mutation %d: %w", id, err)
	}
	return nil
}

// QueueLen reports how many mutations are still eligible for push.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_queue
		WHERE user_id = ? AND status IN (?, ?)`,
		s.userID, StatusPending, StatusRetry).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mutation queue: %w", err)
	}
	return n, nil
}

func (s *Store) hasPendingMutation(ctx context.Context, localID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutation_queue
		WHERE user_id = ? AND local_id = ? AND status IN (?, ?)`,
		s.userID, localID, StatusPending, StatusRetry).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check pending mutation: %w", err)
	}
	return n > 0, nil
}

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode stored salt: %w", err)
	}
	return b, nil
}
