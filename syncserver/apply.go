// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// opOutcome is the per-operation result collected by ProcessBatch.
type opOutcome struct {
	serverID   string
	newVersion int64
	conflict   *ConflictReport
	opErr      *OperationError
}

// contactRow mirrors one crm.contacts row with its child tables loaded.
type contactRow struct {
	ID        string
	LocalID   string
	Name      string
	Company   string
	Email     string
	Phone     string
	Notes     string
	Version   int64
	DeletedAt *time.Time
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	Tags       []string
	QuickFacts []QuickFact
}

func (r *contactRow) data() *ContactData {
	return &ContactData{
		LocalID:    r.LocalID,
		Name:       r.Name,
		Company:    r.Company,
		Email:      r.Email,
		Phone:      r.Phone,
		Notes:      r.Notes,
		Tags:       r.Tags,
		QuickFacts: r.QuickFacts,
	}
}

// rowState is the slice of row state the merge classifier decides on.
type rowState struct {
	found   bool
	deleted bool
	version int64
}

// mergeVerdict is the classifier's decision for one operation.
type mergeVerdict int

const (
	verdictInsert   mergeVerdict = iota // no row yet, create it
	verdictApply                        // fresh base, apply the client data
	verdictReplay                       // already applied, ack without change
	verdictConflict                     // stale divergent base, canonical wins
	verdictNotFound                     // target row missing or deleted
)

// classifyContactOp decides how one operation lands against the current row.
//
// A base version is fresh when it matches the current row version OR the
// version the row had when this batch first touched it. A client that queued
// several offline edits to the same contact stamps all of them with the
// pre-sync version; earlier siblings in the batch advance the row, and
// without the batch-start allowance the client's own later edits would be
// misread as conflicts from another writer.
func classifyContactOp(action string, row rowState, base, batchStart int64, identical bool) mergeVerdict {
	fresh := base == row.version || base == batchStart

	switch action {
	case ActionCreate:
		if !row.found {
			return verdictInsert
		}
		return classifyMerge(fresh, identical)
	case ActionUpdate:
		if !row.found || row.deleted {
			return verdictNotFound
		}
		return classifyMerge(fresh, identical)
	case ActionDelete:
		if !row.found {
			return verdictNotFound
		}
		if row.deleted {
			return verdictReplay
		}
		if fresh {
			return verdictApply
		}
		return verdictConflict
	case ActionRestore:
		if !row.found {
			return verdictNotFound
		}
		if !row.deleted {
			return verdictReplay
		}
		if fresh {
			return verdictApply
		}
		return verdictConflict
	}
	return verdictNotFound
}

func classifyMerge(fresh, identical bool) mergeVerdict {
	if fresh {
		return verdictApply
	}
	if identical {
		return verdictReplay
	}
	return verdictConflict
}

// applyOperation validates and applies one operation inside the batch
// transaction. Business failures come back in opOutcome; a returned error is
// infrastructure-level and aborts the whole batch.
func (s *SyncService) applyOperation(ctx context.Context, tx pgx.Tx, userID, deviceID string, resolver ConflictResolver, idx int, op Operation, bases map[string]int64) (opOutcome, error) {
	if op.EntityType != EntityContact {
		return opOutcome{opErr: &OperationError{
			EntityID: op.EntityID,
			Reason:   ReasonUnknownEntity,
			Message:  fmt.Sprintf("unknown entity type %q", op.EntityType),
		}}, nil
	}
	if op.EntityID == "" {
		return opOutcome{opErr: &OperationError{
			Reason:  ReasonBadPayload,
			Message: "missing entity id",
		}}, nil
	}

	var data *ContactData
	switch op.Action {
	case ActionCreate, ActionUpdate:
		if s.config.MaxPayloadBytes > 0 && len(op.EntityData) > s.config.MaxPayloadBytes {
			return opOutcome{opErr: &OperationError{
				EntityID: op.EntityID,
				Reason:   ReasonBadPayload,
				Message:  fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes),
			}}, nil
		}
		data = &ContactData{}
		if err := json.Unmarshal(op.EntityData, data); err != nil {
			return opOutcome{opErr: &OperationError{
				EntityID: op.EntityID,
				Reason:   ReasonBadPayload,
				Message:  fmt.Sprintf("invalid entity data: %v", err),
			}}, nil
		}
		if data.Name == "" {
			return opOutcome{opErr: &OperationError{
				EntityID: op.EntityID,
				Reason:   ReasonBadPayload,
				Message:  "contact name is required",
			}}, nil
		}
	case ActionDelete, ActionRestore:
		// No payload required.
	default:
		return opOutcome{opErr: &OperationError{
			EntityID: op.EntityID,
			Reason:   ReasonUnknownAction,
			Message:  fmt.Sprintf("unknown action %q", op.Action),
		}}, nil
	}

	// SAVEPOINT per operation: a failure here is converted to a per-op error
	// and rolled back without poisoning sibling operations.
	spName := fmt.Sprintf("op_%d", idx)
	if _, err := tx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
		return opOutcome{}, fmt.Errorf("create savepoint: %w", err)
	}

	outcome, applyErr := s.applyContactOp(ctx, tx, userID, deviceID, resolver, op, data, bases)
	if applyErr != nil {
		if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spName); err != nil {
			return opOutcome{}, fmt.Errorf("rollback savepoint: %w", err)
		}
		s.logger.Error("operation failed", "action", op.Action, "entity_id", op.EntityID, "error", applyErr)
		return opOutcome{opErr: &OperationError{
			EntityID: op.EntityID,
			Reason:   ReasonInternalError,
			Message:  applyErr.Error(),
		}}, nil
	}
	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+spName); err != nil {
		return opOutcome{}, fmt.Errorf("release savepoint: %w", err)
	}
	return outcome, nil
}

func (s *SyncService) applyContactOp(ctx context.Context, tx pgx.Tx, userID, deviceID string, resolver ConflictResolver, op Operation, data *ContactData, bases map[string]int64) (opOutcome, error) {
	serverID := CanonicalContactID(userID, op.EntityID).String()

	row, err := s.lockContact(ctx, tx, userID, serverID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return opOutcome{}, err
	}

	state := rowState{found: err == nil}
	if state.found {
		state.deleted = row.DeletedAt != nil
		state.version = row.Version
	}

	// Record the version the row had when this batch first touched it. Every
	// queued mutation in the client's offline sequence is based on it.
	batchStart, seen := bases[serverID]
	if !seen {
		batchStart = state.version
		bases[serverID] = batchStart
	}

	var res Resolution
	identical := false
	if state.found && data != nil {
		res = resolver.Resolve(data.Fields(), row.data().Fields(), op.BaseVersion, row.Version)
		identical = len(res.DifferingFields) == 0
	}

	switch classifyContactOp(op.Action, state, op.BaseVersion, batchStart, identical) {
	case verdictInsert:
		if err := s.insertContact(ctx, tx, userID, deviceID, serverID, op.EntityID, data); err != nil {
			return opOutcome{}, err
		}
		if err := s.appendAudit(ctx, tx, userID, deviceID, serverID, ActionCreate, 1, nil, data.Fields()); err != nil {
			return opOutcome{}, err
		}
		return opOutcome{serverID: serverID, newVersion: 1}, nil

	case verdictNotFound:
		return opOutcome{opErr: &OperationError{
			EntityID: op.EntityID,
			Reason:   ReasonNotFound,
			Message:  "contact does not exist",
		}}, nil

	case verdictReplay:
		// The change is already reflected in canonical state: ack quietly at
		// the current version, no bump, no audit row.
		return opOutcome{serverID: serverID, newVersion: state.version}, nil

	case verdictConflict:
		return s.reassertCanonical(ctx, tx, userID, deviceID, op, data, res, row, serverID)

	default: // verdictApply
		return s.applyFresh(ctx, tx, userID, deviceID, op, data, row, serverID)
	}
}

// applyFresh applies one fresh-based operation against the locked row. The
// conditional gate on the current row version is the sole serialization point.
func (s *SyncService) applyFresh(ctx context.Context, tx pgx.Tx, userID, deviceID string, op Operation, data *ContactData, row *contactRow, serverID string) (opOutcome, error) {
	newVersion := row.Version + 1

	switch op.Action {
	case ActionDelete:
		tag, err := tx.Exec(ctx, `
			UPDATE crm.contacts
			SET deleted_at = now(), updated_by = $1, updated_at = now(), version = $2
			WHERE id = $3 AND user_id = $4 AND version = $5`,
			deviceID, newVersion, serverID, userID, row.Version)
		if err != nil {
			return opOutcome{}, fmt.Errorf("soft-delete contact: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return opOutcome{}, fmt.Errorf("soft-delete contact: version gate lost for %s", serverID)
		}
		if err := s.appendAudit(ctx, tx, userID, deviceID, serverID, ActionDelete, newVersion, row.data().Fields(), nil); err != nil {
			return opOutcome{}, err
		}

	case ActionRestore:
		tag, err := tx.Exec(ctx, `
			UPDATE crm.contacts
			SET deleted_at = NULL, updated_by = $1, updated_at = now(), version = $2
			WHERE id = $3 AND user_id = $4 AND version = $5`,
			deviceID, newVersion, serverID, userID, row.Version)
		if err != nil {
			return opOutcome{}, fmt.Errorf("restore contact: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return opOutcome{}, fmt.Errorf("restore contact: version gate lost for %s", serverID)
		}
		if err := s.appendAudit(ctx, tx, userID, deviceID, serverID, ActionRestore, newVersion, nil, row.data().Fields()); err != nil {
			return opOutcome{}, err
		}

	default: // UPDATE, or a CREATE landing on the row an earlier sibling made
		tag, err := tx.Exec(ctx, `
			UPDATE crm.contacts
			SET name = $1, company = $2, email = $3, phone = $4, notes = $5,
			    updated_by = $6, updated_at = now(), version = $7
			WHERE id = $8 AND user_id = $9 AND version = $10`,
			data.Name, data.Company, data.Email, data.Phone, data.Notes,
			deviceID, newVersion, serverID, userID, row.Version)
		if err != nil {
			return opOutcome{}, fmt.Errorf("update contact: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return opOutcome{}, fmt.Errorf("update contact: version gate lost for %s", serverID)
		}
		if err := s.replaceChildren(ctx, tx, serverID, data.Tags, data.QuickFacts); err != nil {
			return opOutcome{}, err
		}
		if err := s.appendAudit(ctx, tx, userID, deviceID, serverID, op.Action, newVersion, row.data().Fields(), data.Fields()); err != nil {
			return opOutcome{}, err
		}
	}

	return opOutcome{serverID: serverID, newVersion: newVersion}, nil
}

// reassertCanonical handles a stale divergent submission: the canonical
// values win and are rewritten at version+1 so every replica converges on an
// explicit new version. DELETE and RESTORE carry no data to reassert, so
// they report the conflict without touching the row.
func (s *SyncService) reassertCanonical(ctx context.Context, tx pgx.Tx, userID, deviceID string, op Operation, data *ContactData, res Resolution, row *contactRow, serverID string) (opOutcome, error) {
	report := &ConflictReport{
		EntityID:      op.EntityID,
		ServerID:      serverID,
		ClientVersion: op.BaseVersion,
		ServerVersion: row.Version,
		Fields:        res.DifferingFields,
		Resolution:    ResolutionServerWins,
	}

	if op.Action == ActionDelete || op.Action == ActionRestore {
		return opOutcome{serverID: serverID, newVersion: row.Version, conflict: report}, nil
	}

	newVersion := row.Version + 1
	if _, err := tx.Exec(ctx, `
		UPDATE crm.contacts
		SET updated_by = $1, updated_at = now(), version = $2
		WHERE id = $3 AND user_id = $4`,
		deviceID, newVersion, serverID, userID); err != nil {
		return opOutcome{}, fmt.Errorf("reassert contact: %w", err)
	}
	if err := s.appendAudit(ctx, tx, userID, deviceID, serverID, op.Action+"_CONFLICT", newVersion, data.Fields(), res.ResolvedData); err != nil {
		return opOutcome{}, err
	}

	report.ServerVersion = newVersion
	return opOutcome{serverID: serverID, newVersion: newVersion, conflict: report}, nil
}

// lockContact loads one contact row FOR UPDATE together with its tags and
// quick facts. Returns pgx.ErrNoRows when the row does not exist.
func (s *SyncService) lockContact(ctx context.Context, tx pgx.Tx, userID, serverID string) (*contactRow, error) {
	row := &contactRow{}
	err := tx.QueryRow(ctx, `
		SELECT id, local_id, name, company, email, phone, notes,
		       version, deleted_at, created_by, updated_by, created_at, updated_at
		FROM crm.contacts
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`,
		serverID, userID).Scan(
		&row.ID, &row.LocalID, &row.Name, &row.Company, &row.Email, &row.Phone, &row.Notes,
		&row.Version, &row.DeletedAt, &row.CreatedBy, &row.UpdatedBy, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT tag FROM crm.contact_tags WHERE contact_id = $1 ORDER BY position`, serverID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		row.Tags = append(row.Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	factRows, err := tx.Query(ctx,
		`SELECT label, value FROM crm.quick_facts WHERE contact_id = $1 ORDER BY position`, serverID)
	if err != nil {
		return nil, fmt.Errorf("load quick facts: %w", err)
	}
	defer factRows.Close()
	for factRows.Next() {
		var f QuickFact
		if err := factRows.Scan(&f.Label, &f.Value); err != nil {
			return nil, fmt.Errorf("scan quick fact: %w", err)
		}
		row.QuickFacts = append(row.QuickFacts, f)
	}
	if err := factRows.Err(); err != nil {
		return nil, err
	}

	return row, nil
}

func (s *SyncService) insertContact(ctx context.Context, tx pgx.Tx, userID, deviceID, serverID, localID string, data *ContactData) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO crm.contacts
			(id, user_id, local_id, name, company, email, phone, notes,
			 version, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9, now(), now())`,
		serverID, userID, localID,
		data.Name, data.Company, data.Email, data.Phone, data.Notes,
		deviceID); err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return s.replaceChildren(ctx, tx, serverID, data.Tags, data.QuickFacts)
}

// replaceChildren rewrites the tag and quick-fact sets wholesale. Child rows
// carry no versions of their own; they ride along with the parent version.
func (s *SyncService) replaceChildren(ctx context.Context, tx pgx.Tx, serverID string, tags []string, facts []QuickFact) error {
	if _, err := tx.Exec(ctx, `DELETE FROM crm.contact_tags WHERE contact_id = $1`, serverID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for i, tag := range tags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO crm.contact_tags (contact_id, tag, position) VALUES ($1, $2, $3)`,
			serverID, tag, i); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM crm.quick_facts WHERE contact_id = $1`, serverID); err != nil {
		return fmt.Errorf("clear quick facts: %w", err)
	}
	for i, f := range facts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO crm.quick_facts (contact_id, label, value, position) VALUES ($1, $2, $3, $4)`,
			serverID, f.Label, f.Value, i); err != nil {
			return fmt.Errorf("insert quick fact: %w", err)
		}
	}
	return nil
}

// appendAudit records one applied mutation in the same transaction, so the
// audit trail can never disagree with the canonical state. oldData/newData
// are the field maps before and after the mutation (nil where not applicable).
func (s *SyncService) appendAudit(ctx context.Context, tx pgx.Tx, userID, deviceID, serverID, action string, version int64, oldData, newData map[string]any) error {
	oldJSON, err := encodeAuditData(oldData)
	if err != nil {
		return err
	}
	newJSON, err := encodeAuditData(newData)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO crm.audit_log (user_id, contact_id, action, version, source, old_data, new_data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		userID, serverID, action, version, deviceID, oldJSON, newJSON); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func encodeAuditData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode audit data: %w", err)
	}
	return b, nil
}
