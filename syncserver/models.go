// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses.

// BatchRequest represents a batch merge request from a client.
// The authenticated user and device are derived from the bearer token,
// never from the request body.
type BatchRequest struct {
	Operations []Operation `json:"operations"`
}

// Operation represents a single mutation in a batch request.
type Operation struct {
	EntityType  string          `json:"entityType"`           // e.g. "contact"
	Action      string          `json:"action"`               // CREATE, UPDATE, DELETE, RESTORE
	EntityID    string          `json:"entityId"`             // client-local id
	BaseVersion int64           `json:"baseVersion"`          // expected canonical version (0 for CREATE)
	EntityData  json.RawMessage `json:"entityData,omitempty"` // JSON payload (null for DELETE/RESTORE)
}

// BatchResponse represents the server outcome for a batch request.
type BatchResponse struct {
	Success     bool              `json:"success"`     // false only when the whole batch was rejected
	Processed   int               `json:"processed"`   // operations applied (including idempotent replays)
	SyncedIDs   map[string]string `json:"syncedIds"`   // localId -> canonical server id
	NewVersions map[string]int64  `json:"newVersions"` // localId -> canonical version after the operation
	Conflicts   []ConflictReport  `json:"conflicts"`
	Errors      []OperationError  `json:"errors"`
}

// ConflictReport carries both value sets for a version conflict so the
// client can surface what diverged even though the server already resolved it.
type ConflictReport struct {
	EntityID      string      `json:"entityId"` // client-local id
	ServerID      string      `json:"serverId"`
	ClientVersion int64       `json:"clientVersion"`
	ServerVersion int64       `json:"serverVersion"` // version after resolution
	Fields        []FieldDiff `json:"fields"`
	Resolution    string      `json:"resolution"` // e.g. "server"
}

// FieldDiff is a single differing field between client and canonical values.
type FieldDiff struct {
	Field  string `json:"field"`
	Client any    `json:"client"`
	Server any    `json:"server"`
}

// OperationError is a per-operation business failure. It never aborts
// sibling operations in the same batch.
type OperationError struct {
	EntityID string `json:"entityId"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

// PullResponse is the full canonical snapshot for the authenticated user.
// There is no incremental cursor; every pull transfers complete state.
type PullResponse struct {
	Contacts []ContactRecord `json:"contacts"`
}

// ContactRecord is the canonical representation of a contact returned by pull.
// Soft-deleted rows are included as tombstones (Deleted=true, data cleared) so
// clients receive an explicit deletion signal for ids they still hold.
type ContactRecord struct {
	ID         string      `json:"id"` // canonical server id
	LocalID    string      `json:"localId"`
	Name       string      `json:"name"`
	Company    string      `json:"company,omitempty"`
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	QuickFacts []QuickFact `json:"quickFacts,omitempty"`
	Version    int64       `json:"version"`
	Deleted    bool        `json:"deleted,omitempty"`
	CreatedBy  string      `json:"createdBy,omitempty"`
	UpdatedBy  string      `json:"updatedBy,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// ContactData is the client-submitted payload for CREATE/UPDATE operations.
type ContactData struct {
	LocalID    string      `json:"localId,omitempty"`
	Name       string      `json:"name"`
	Company    string      `json:"company,omitempty"`
	Email      string      `json:"email,omitempty"`
	Phone      string      `json:"phone,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	QuickFacts []QuickFact `json:"quickFacts,omitempty"`
}

// QuickFact is a short labelled note attached to a contact
// ("met at", "kids' names", ...).
type QuickFact struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Fields returns the comparable field map used for conflict detection.
// Tags and quick facts are compared as JSON-encoded strings so the diff
// stays flat.
func (d *ContactData) Fields() map[string]any {
	m := map[string]any{
		"name":    d.Name,
		"company": d.Company,
		"email":   d.Email,
		"phone":   d.Phone,
		"notes":   d.Notes,
	}
	if len(d.Tags) > 0 {
		b, _ := json.Marshal(d.Tags)
		m["tags"] = string(b)
	} else {
		m["tags"] = "[]"
	}
	if len(d.QuickFacts) > 0 {
		b, _ := json.Marshal(d.QuickFacts)
		m["quickFacts"] = string(b)
	} else {
		m["quickFacts"] = "[]"
	}
	return m
}

// Data converts a canonical record back to the payload shape, used when the
// resolver needs the server-side field map.
func (r *ContactRecord) Data() *ContactData {
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

// Common response models

// ErrorResponse represents a request-level error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents the service health response.
type StatusResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
}

// TokenResponse is returned by signup/signin.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // seconds
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
}
