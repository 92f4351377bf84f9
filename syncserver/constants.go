// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

// Action constants for batch operations
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionDelete  = "DELETE"
	ActionRestore = "RESTORE"
)

// Entity type constants
const (
	EntityContact = "contact"
)

// Error reason constants for per-operation errors
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownEntity = "unknown_entity"
	ReasonUnknownAction = "unknown_action"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonNotFound      = "not_found"
	ReasonInternalError = "internal_error"
)

// Conflict resolution outcomes reported to the caller
const (
	ResolutionServerWins = "server"
	ResolutionClientWins = "client"
)
