// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"database/sql"
	"fmt"
)

// initializeDatabase creates the local tables and applies the pragmas the
// store depends on. Safe to call on every open.
func initializeDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			local_id   TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			server_id  TEXT NOT NULL DEFAULT '',
			version    INTEGER NOT NULL DEFAULT 0,
			payload    BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			synced     INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id)`,

		`CREATE TABLE IF NOT EXISTS mutation_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT NOT NULL,
			local_id     TEXT NOT NULL,
			action       TEXT NOT NULL,
			base_version INTEGER NOT NULL DEFAULT 0,
			payload      BLOB,
			nonce        BLOB,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 10,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_user_status ON mutation_queue(user_id, status, id)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id TEXT NOT NULL,
			key     TEXT NOT NULL,
			value   TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create local schema: %w", err)
		}
	}
	return nil
}
