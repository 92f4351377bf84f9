// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"github.com/google/uuid"
)

// contactNamespace is the fixed UUID namespace for contact id derivation.
// Changing it would re-key every canonical id, so it is a constant forever.
var contactNamespace = uuid.MustParse("9c0a8e5e-41d4-4f3a-8f6b-2c7d1b5a9e10")

// DeriveStableID maps (userID, localID) to a stable canonical UUID within the
// given namespace. The derivation is a one-way SHA1 hash (UUID v5), so
// resubmitting the same local mutation always resolves to the same canonical
// row. This is the mechanism that makes batch retries idempotent.
func DeriveStableID(ns uuid.UUID, userID, localID string) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(userID+"/"+localID))
}

// CanonicalContactID returns the canonical server id for a user's local
// contact id.
func CanonicalContactID(userID, localID string) uuid.UUID {
	return DeriveStableID(contactNamespace, userID, localID)
}
