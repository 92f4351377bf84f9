package syncserver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCanonicalContactID_Deterministic(t *testing.T) {
	a := CanonicalContactID("user-1", "local-abc")
	b := CanonicalContactID("user-1", "local-abc")
	require.Equal(t, a, b, "same inputs must derive the same canonical id")
}

func TestCanonicalContactID_DistinctUsers(t *testing.T) {
	a := CanonicalContactID("user-1", "local-abc")
	b := CanonicalContactID("user-2", "local-abc")
	require.NotEqual(t, a, b, "same local id for different users must not collide")
}

func TestCanonicalContactID_DistinctLocalIDs(t *testing.T) {
	a := CanonicalContactID("user-1", "local-abc")
	b := CanonicalContactID("user-1", "local-abd")
	require.NotEqual(t, a, b)
}

func TestCanonicalContactID_ValidUUID(t *testing.T) {
	id := CanonicalContactID("user-1", "local-abc")
	parsed, err := uuid.Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, uuid.Version(5), parsed.Version(), "derivation must be a v5 (SHA1) UUID")
}
