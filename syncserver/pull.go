// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
	"time"
)

// Pull returns the complete canonical snapshot for one user. There is no
// incremental cursor: every pull transfers the full state, and soft-deleted
// rows come back as tombstones so clients get an explicit deletion signal for
// ids they still hold locally.
//
// The query is strictly user-scoped. An empty result for a valid user is an
// empty snapshot, never a reason to look at anyone else's rows.
func (s *SyncService) Pull(ctx context.Context, userID string) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.local_id, c.name, c.company, c.email, c.phone, c.notes,
		       c.version, c.deleted_at, c.created_by, c.updated_by, c.created_at, c.updated_at,
		       COALESCE((SELECT json_agg(t.tag ORDER BY t.position)
		                 FROM crm.contact_tags t WHERE t.contact_id = c.id), '[]'),
		       COALESCE((SELECT json_agg(json_build_object('label', q.label, 'value', q.value) ORDER BY q.position)
		                 FROM crm.quick_facts q WHERE q.contact_id = c.id), '[]')
		FROM crm.contacts c
		WHERE c.user_id = $1
		ORDER BY c.created_at, c.id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query contacts snapshot: %w", err)
	}
	defer rows.Close()

	resp := &PullResponse{Contacts: []ContactRecord{}}
	for rows.Next() {
		var (
			rec       ContactRecord
			deletedAt *time.Time
			tags      []string
			facts     []QuickFact
		)
		if err := rows.Scan(
			&rec.ID, &rec.LocalID, &rec.Name, &rec.Company, &rec.Email, &rec.Phone, &rec.Notes,
			&rec.Version, &deletedAt, &rec.CreatedBy, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt,
			&tags, &facts); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		rec.Tags = tags
		rec.QuickFacts = facts

		if deletedAt != nil {
			// Tombstone: identity and version only, field data withheld.
			rec = ContactRecord{
				ID:        rec.ID,
				LocalID:   rec.LocalID,
				Version:   rec.Version,
				Deleted:   true,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.UpdatedAt,
			}
		}
		resp.Contacts = append(resp.Contacts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts snapshot: %w", err)
	}

	s.logger.Debug("served snapshot", "user_id", userID, "contacts", len(resp.Contacts))
	return resp, nil
}
