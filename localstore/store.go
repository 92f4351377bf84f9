// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the client-side contact database: an SQLite file with
// encrypted contact payloads and a durable mutation queue. Every local edit
// lands in the queue before the write is acknowledged, so no change is ever
// lost to a crash or a dead network.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Carcadons/RememberMe-2.0/internal/cryptobox"
)

// ErrNotFound is returned when a contact does not exist for the store's user.
var ErrNotFound = errors.New("contact not found")

// Contact is the local representation of one contact.
type Contact struct {
	LocalID    string
	ServerID   string
	Name       string
	Company    string
	Email      string
	Phone      string
	Notes      string
	Tags       []string
	QuickFacts []QuickFact
	Version    int64
	Deleted    bool
	Synced     bool
	UpdatedAt  time.Time
}

// QuickFact is a short labelled note attached to a contact.
type QuickFact struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// contactPayload is the encrypted-at-rest portion of a contact row.
type contactPayload struct {
	Name       string      `json:"name"`
	Company    string      `json:"company,omitempty"`
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	QuickFacts []QuickFact `json:"quickFacts,omitempty"`
}

// Store is the local contact database for one user. All reads and writes are
// scoped to that user; rows belonging to anyone else are invisible, and an
// empty result set is an empty result set, never a cue to widen the query.
type Store struct {
	db      *sql.DB
	userID  string
	key     []byte
	logger  *slog.Logger
	writeMu sync.Mutex // serialize writes to avoid SQLite lock contention
}

// Options configures Open.
type Options struct {
	Passphrase []byte
	Logger     *slog.Logger
}

// Open opens (creating if needed) the local database at path for the given
// user and derives the at-rest encryption key from the passphrase. The salt
// is created on first open and persisted in sync_state.
func Open(path, userID string, opts Options) (*Store, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if len(opts.Passphrase) == 0 {
		return nil, errors.New("passphrase is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize local database: %w", err)
	}

	s := &Store{db: db, userID: userID, logger: logger}
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.key = cryptobox.DeriveKey(opts.Passphrase, salt)

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UserID returns the user this store is scoped to.
func (s *Store) UserID() string {
	return s.userID
}

// Put saves a contact locally and records the mutation in the queue. A brand
// new contact enqueues a CREATE; an existing one enqueues an UPDATE based on
// the last known server version. skipQueue is for writes that originate from
// the server and must not echo back.
func (s *Store) Put(ctx context.Context, c *Contact, skipQueue bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c.LocalID == "" {
		return errors.New("contact local id is required")
	}
	if c.Name == "" {
		return errors.New("contact name is required")
	}

	existing, err := s.get(ctx, c.LocalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	isNew := errors.Is(err, ErrNotFound)

	payload := payloadOf(c)
	ciphertext, nonce, err := cryptobox.Seal(payload, s.key)
	if err != nil {
		return fmt.Errorf("seal contact payload: %w", err)
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if isNew {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (local_id, user_id, server_id, version, payload, nonce, deleted, synced, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			c.LocalID, s.userID, c.ServerID, c.Version, ciphertext, nonce, boolInt(skipQueue), now.Unix()); err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts
			SET payload = ?, nonce = ?, deleted = 0, synced = ?, updated_at = ?
			WHERE user_id = ? AND local_id = ?`,
			ciphertext, nonce, boolInt(skipQueue), now.Unix(), s.userID, c.LocalID); err != nil {
			return fmt.Errorf("update contact: %w", err)
		}
	}

	if !skipQueue {
		action := ActionUpdate
		baseVersion := int64(0)
		if isNew {
			action = ActionCreate
		} else {
			baseVersion = existing.Version
		}
		if err := s.enqueueTx(ctx, tx, c.LocalID, action, baseVersion, ciphertext, nonce, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// Get returns one contact by local id.
func (s *Store) Get(ctx context.Context, localID string) (*Contact, error) {
	return s.get(ctx, localID)
}

func (s *Store) get(ctx context.Context, localID string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, server_id, version, payload, nonce, deleted, synced, updated_at
		FROM contacts
		WHERE user_id = ? AND local_id = ?`,
		s.userID, localID)
	c, err := s.scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetAll returns every live contact for the store's user, newest first.
// Soft-deleted contacts are excluded unless includeDeleted is set.
func (s *Store) GetAll(ctx context.Context, includeDeleted bool) ([]*Contact, error) {
	query := `
		SELECT local_id, server_id, version, payload, nonce, deleted, synced, updated_at
		FROM contacts
		WHERE user_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY updated_at DESC, local_id`

	rows, err := s.db.QueryContext(ctx, query, s.userID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*Contact{}
	for rows.Next() {
		c, err := s.scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	if len(contacts) == 0 {
		s.logger.Debug("no contacts for user", "user_id", s.userID)
	}
	return contacts, nil
}

// Delete soft-deletes a contact locally and enqueues a DELETE mutation.
func (s *Store) Delete(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.get(ctx, localID)
	if err != nil {
		return err
	}
	if existing.Deleted {
		return nil
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET deleted = 1, synced = 0, updated_at = ?
		WHERE user_id = ? AND local_id = ?`,
		now.Unix(), s.userID, localID); err != nil {
		return fmt.Errorf("soft-delete contact: %w", err)
	}
	if err := s.enqueueTx(ctx, tx, localID, ActionDelete, existing.Version, nil, nil, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// Restore undoes a local soft delete and enqueues a RESTORE mutation.
func (s *Store) Restore(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.get(ctx, localID)
	if err != nil {
		return err
	}
	if !existing.Deleted {
		return nil
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET deleted = 0, synced = 0, updated_at = ?
		WHERE user_id = ? AND local_id = ?`,
		now.Unix(), s.userID, localID); err != nil {
		return fmt.Errorf("restore contact: %w", err)
	}
	if err := s.enqueueTx(ctx, tx, localID, ActionRestore, existing.Version, nil, nil, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// ApplyRemote upserts a contact from a server snapshot without touching the
// queue. A pending local mutation for the same contact wins over the snapshot;
// the divergence resolves on the next push. Tombstones remove the local row
// outright.
func (s *Store) ApplyRemote(ctx context.Context, c *Contact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pending, err := s.hasPendingMutation(ctx, c.LocalID)
	if err != nil {
		return err
	}
	if pending {
		s.logger.Debug("skipping snapshot row with pending local mutation", "local_id", c.LocalID)
		return nil
	}

	if c.Deleted {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM contacts WHERE user_id = ? AND local_id = ?`,
			s.userID, c.LocalID); err != nil {
			return fmt.Errorf("apply remote tombstone: %w", err)
		}
		return nil
	}

	ciphertext, nonce, err := cryptobox.Seal(payloadOf(c), s.key)
	if err != nil {
		return fmt.Errorf("seal contact payload: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (local_id, user_id, server_id, version, payload, nonce, deleted, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?)
		ON CONFLICT (user_id, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			version = excluded.version,
			payload = excluded.payload,
			nonce = excluded.nonce,
			deleted = 0,
			synced = 1,
			updated_at = excluded.updated_at`,
		c.LocalID, s.userID, c.ServerID, c.Version, ciphertext, nonce, time.Now().Unix()); err != nil {
		return fmt.Errorf("apply remote contact: %w", err)
	}
	return nil
}

// MarkSynced records the server identity and version after a successful push.
func (s *Store) MarkSynced(ctx context.Context, localID, serverID string, version int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET server_id = ?, version = ?, synced = 1
		WHERE user_id = ? AND local_id = ?`,
		serverID, version, s.userID, localID); err != nil {
		return fmt.Errorf("mark contact synced: %w", err)
	}
	return nil
}

// Remove drops a contact row entirely. Used when the server confirms a delete.
func (s *Store) Remove(ctx context.Context, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE user_id = ? AND local_id = ?`,
		s.userID, localID); err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	return nil
}

// Clear wipes all contacts for the store's user. The mutation queue is left
// alone: callers must drain or inspect it first, which is why initial sync
// pulls before it ever clears.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE user_id = ?`, s.userID); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	return nil
}

// SetState stores one sync-state value for the user (device id, last sync
// time, ...).
func (s *Store) SetState(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value`,
		s.userID, key, value); err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}

// GetState returns one sync-state value, or "" when unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE user_id = ? AND key = ?`,
		s.userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %q: %w", key, err)
	}
	return value, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanContact(row rowScanner) (*Contact, error) {
	var (
		c          Contact
		ciphertext []byte
		nonce      []byte
		deleted    int
		synced     int
		updatedAt  int64
	)
	if err := row.Scan(&c.LocalID, &c.ServerID, &c.Version, &ciphertext, &nonce, &deleted, &synced, &updatedAt); err != nil {
		return nil, err
	}

	var payload contactPayload
	if err := cryptobox.Open(ciphertext, nonce, s.key, &payload); err != nil {
		return nil, fmt.Errorf("decrypt contact %s: %w", c.LocalID, err)
	}
	c.Name = payload.Name
	c.Company = payload.Company
	c.Email = payload.Email
	c.Phone = payload.Phone
	c.Notes = payload.Notes
	c.Tags = payload.Tags
	c.QuickFacts = payload.QuickFacts
	c.Deleted = deleted != 0
	c.Synced = synced != 0
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM sync_state WHERE user_id = ? AND key = 'salt'`,
		s.userID).Scan(&value)
	if err == nil {
		return decodeHex(value)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	salt, err := cryptobox.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO sync_state (user_id, key, value) VALUES (?, 'salt', ?)`,
		s.userID, encodeHex(salt)); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

func payloadOf(c *Contact) contactPayload {
	return contactPayload{
		Name:       c.Name,
		Company:    c.Company,
		Email:      c.Email,
		Phone:      c.Phone,
		Notes:      c.Notes,
		Tags:       c.Tags,
		QuickFacts: c.QuickFacts,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
