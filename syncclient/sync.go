// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Carcadons/RememberMe-2.0/localstore"
	"github.com/Carcadons/RememberMe-2.0/syncserver"
)

// SyncResult summarizes one push/pull cycle.
type SyncResult struct {
	Pushed    int
	Conflicts int
	Failed    int
	Pulled    int
}

// Sync runs a full cycle: push the pending queue, then pull the canonical
// snapshot. Single-flight guarded.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	release, err := c.beginFlight()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{}
	if err := c.pushPending(ctx, result); err != nil {
		return nil, err
	}
	if err := c.pullSnapshot(ctx, result); err != nil {
		return nil, err
	}

	c.logger.Info("sync complete",
		"pushed", result.Pushed, "conflicts", result.Conflicts,
		"failed", result.Failed, "pulled", result.Pulled)
	return result, nil
}

// SyncToServer pushes the pending mutation queue without pulling.
func (c *Client) SyncToServer(ctx context.Context) (*SyncResult, error) {
	release, err := c.beginFlight()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{}
	if err := c.pushPending(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SyncFromServer pulls the canonical snapshot without pushing.
func (c *Client) SyncFromServer(ctx context.Context) (*SyncResult, error) {
	release, err := c.beginFlight()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{}
	if err := c.pullSnapshot(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// InitialSync hydrates a device after authentication. The snapshot is pulled
// and validated BEFORE any local state is cleared: local contacts are
// replaced only by a non-empty authoritative snapshot, and an empty or failed
// pull leaves them untouched. Pending local mutations are pushed afterwards.
func (c *Client) InitialSync(ctx context.Context) (*SyncResult, error) {
	release, err := c.beginFlight()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{}
	if err := c.hydrateFromSnapshot(ctx, result); err != nil {
		return nil, err
	}
	if err := c.pushPending(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Reset rebuilds the local database from the canonical snapshot without
// pushing. Pending local mutations survive the reset; only contact rows are
// replaced.
func (c *Client) Reset(ctx context.Context) (*SyncResult, error) {
	release, err := c.beginFlight()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &SyncResult{}
	if err := c.hydrateFromSnapshot(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// hydrateFromSnapshot fetches the snapshot and, only when it is non-empty,
// clears local contact rows and replaces them wholesale. An empty snapshot
// (new account or transient failure) must never wipe existing local data.
func (c *Client) hydrateFromSnapshot(ctx context.Context, result *SyncResult) error {
	var resp syncserver.PullResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/contacts", nil, &resp); err != nil {
		return err
	}
	if len(resp.Contacts) == 0 {
		c.logger.Warn("snapshot is empty, local state preserved")
		return nil
	}

	if err := c.Store.Clear(ctx); err != nil {
		return err
	}
	for _, rec := range resp.Contacts {
		if err := c.Store.ApplyRemote(ctx, recordToContact(rec)); err != nil {
			return err
		}
		result.Pulled++
	}
	return c.touchLastSync(ctx)
}

// pushPending drains the mutation queue in batches. Each batch is sent whole;
// outcomes are reconciled per mutation in queue order.
func (c *Client) pushPending(ctx context.Context, result *SyncResult) error {
	for {
		mutations, err := c.Store.PendingMutations(ctx, c.config.BatchLimit)
		if err != nil {
			return err
		}
		if len(mutations) == 0 {
			return nil
		}

		if err := c.pushBatch(ctx, mutations, result); err != nil {
			return err
		}

		if len(mutations) < c.config.BatchLimit {
			return nil
		}
	}
}

func (c *Client) pushBatch(ctx context.Context, mutations []*localstore.Mutation, result *SyncResult) error {
	req := syncserver.BatchRequest{Operations: make([]syncserver.Operation, 0, len(mutations))}
	for _, m := range mutations {
		req.Operations = append(req.Operations, syncserver.Operation{
			EntityType:  syncserver.EntityContact,
			Action:      m.Action,
			EntityID:    m.LocalID,
			BaseVersion: m.BaseVersion,
			EntityData:  m.Payload,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode batch request: %w", err)
	}

	var resp syncserver.BatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/batch", bytes.NewReader(body), &resp); err != nil {
		// Transport or auth failure: the queue stays untouched and the whole
		// batch is retried on the next sync.
		return err
	}

	failedIDs := map[string]string{}
	for _, opErr := range resp.Errors {
		failedIDs[opErr.EntityID] = opErr.Reason
	}
	conflicts := map[string]syncserver.ConflictReport{}
	for _, conf := range resp.Conflicts {
		conflicts[conf.EntityID] = conf
	}

	acked := make([]int64, 0, len(mutations))
	for _, m := range mutations {
		if reason, failed := failedIDs[m.LocalID]; failed {
			result.Failed++
			c.logger.Warn("mutation rejected", "local_id", m.LocalID, "action", m.Action, "reason", reason)
			if err := c.Store.FailMutation(ctx, m.ID); err != nil {
				return err
			}
			continue
		}

		acked = append(acked, m.ID)
		result.Pushed++

		if conf, ok := conflicts[m.LocalID]; ok {
			// Canonical values won; record the reasserted version and let the
			// following pull bring the winning field data down.
			result.Conflicts++
			c.logger.Info("conflict resolved by server",
				"local_id", m.LocalID, "client_version", conf.ClientVersion,
				"server_version", conf.ServerVersion, "fields", len(conf.Fields))
			if err := c.Store.MarkSynced(ctx, m.LocalID, conf.ServerID, conf.ServerVersion); err != nil {
				return err
			}
			continue
		}

		serverID := resp.SyncedIDs[m.LocalID]
		switch m.Action {
		case localstore.ActionDelete:
			if err := c.Store.Remove(ctx, m.LocalID); err != nil {
				return err
			}
		default:
			// Record the authoritative post-operation version. Quiet replays
			// keep the server's current version, which may be well past base+1.
			newVersion, ok := resp.NewVersions[m.LocalID]
			if !ok {
				newVersion = m.BaseVersion + 1
			}
			if err := c.Store.MarkSynced(ctx, m.LocalID, serverID, newVersion); err != nil {
				return err
			}
		}
	}

	return c.Store.AckMutations(ctx, acked)
}

// pullSnapshot fetches the full canonical state and applies it locally.
// Tombstones delete local rows; contacts with pending local mutations are
// left alone until the next push settles them.
func (c *Client) pullSnapshot(ctx context.Context, result *SyncResult) error {
	var resp syncserver.PullResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/contacts", nil, &resp); err != nil {
		return err
	}

	for _, rec := range resp.Contacts {
		if err := c.Store.ApplyRemote(ctx, recordToContact(rec)); err != nil {
			return err
		}
		result.Pulled++
	}
	return c.touchLastSync(ctx)
}

// touchLastSync records the time of the last successful pull. Informational
// only; a failure here must not fail the sync.
func (c *Client) touchLastSync(ctx context.Context) error {
	if err := c.Store.SetState(ctx, "last_sync_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		c.logger.Warn("failed to record last sync time", "error", err)
	}
	return nil
}

func recordToContact(rec syncserver.ContactRecord) *localstore.Contact {
	contact := &localstore.Contact{
		LocalID:  rec.LocalID,
		ServerID: rec.ID,
		Name:     rec.Name,
		Company:  rec.Company,
		Email:    rec.Email,
		Phone:    rec.Phone,
		Notes:    rec.Notes,
		Tags:     rec.Tags,
		Version:  rec.Version,
		Deleted:  rec.Deleted,
	}
	for _, f := range rec.QuickFacts {
		contact.QuickFacts = append(contact.QuickFacts, localstore.QuickFact{Label: f.Label, Value: f.Value})
	}
	return contact
}
