// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"fmt"
	"sort"
)

// Resolution is the outcome of comparing a client submission against the
// canonical row.
type Resolution struct {
	HasConflict     bool
	ResolvedData    map[string]any // field map that should end up canonical
	DifferingFields []FieldDiff
}

// ConflictResolver decides which values win when a client submission is based
// on a stale version. Implementations must be pure: no I/O, no clock, no
// hidden state, so the batch transaction logic never depends on the policy.
type ConflictResolver interface {
	Resolve(clientData, serverData map[string]any, clientVersion, serverVersion int64) Resolution
}

// ServerWinsResolver is the default policy: canonical values supersede
// divergent client submissions, and the differing fields are reported for
// visibility.
type ServerWinsResolver struct{}

func (ServerWinsResolver) Resolve(clientData, serverData map[string]any, clientVersion, serverVersion int64) Resolution {
	diffs := diffFields(clientData, serverData)
	return Resolution{
		HasConflict:     clientVersion != serverVersion && len(diffs) > 0,
		ResolvedData:    serverData,
		DifferingFields: diffs,
	}
}

// diffFields returns the fields whose client and server values differ,
// ordered by field name for deterministic output.
func diffFields(clientData, serverData map[string]any) []FieldDiff {
	keys := make(map[string]struct{}, len(clientData)+len(serverData))
	for k := range clientData {
		keys[k] = struct{}{}
	}
	for k := range serverData {
		keys[k] = struct{}{}
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var diffs []FieldDiff
	for _, k := range names {
		cv, sv := clientData[k], serverData[k]
		if fmt.Sprint(cv) == fmt.Sprint(sv) {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: k, Client: cv, Server: sv})
	}
	return diffs
}
