// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Carcadons/RememberMe-2.0/syncserver/migrations"
)

// RunMigrations applies the embedded schema migrations against the given DSN.
// Uses a separate database/sql connection because goose does not speak the
// pgx native interface.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
