package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path, userID string) *Store {
	t.Helper()
	store, err := Open(path, userID, Options{Passphrase: []byte("correct horse battery staple")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	contact := &Contact{
		LocalID: "c1",
		Name:    "Ada Lovelace",
		Company: "Analytical Engines",
		Email:   "ada@example.com",
		Tags:    []string{"friend", "mentor"},
		QuickFacts: []QuickFact{
			{Label: "met at", Value: "conference"},
		},
	}
	require.NoError(t, store.Put(ctx, contact, false))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", got.Name)
	require.Equal(t, "Analytical Engines", got.Company)
	require.Equal(t, []string{"friend", "mentor"}, got.Tags)
	require.Len(t, got.QuickFacts, 1)
	require.False(t, got.Synced, "a local edit starts out unsynced")
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UserIsolation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contacts.db")

	alice := openTestStore(t, path, "alice")
	bob := openTestStore(t, path, "bob")

	require.NoError(t, alice.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))

	// Bob sees nothing: an empty result for a valid user is an empty result,
	// never someone else's rows.
	contacts, err := bob.GetAll(ctx, false)
	require.NoError(t, err)
	require.Empty(t, contacts)

	_, err = bob.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	queue, err := bob.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestStore_QueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contacts.db")

	store := openTestStore(t, path, "user-1")
	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))
	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c2", Name: "Grace"}, false))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path, "user-1")
	mutations, err := reopened.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mutations, 2, "queued mutations must survive a process restart")
	require.Equal(t, "c1", mutations[0].LocalID)
	require.Equal(t, "c2", mutations[1].LocalID)

	got, err := reopened.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Name)
}

func TestStore_WrongPassphraseFailsClosed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contacts.db")

	store := openTestStore(t, path, "user-1")
	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))
	require.NoError(t, store.Close())

	wrong, err := Open(path, "user-1", Options{Passphrase: []byte("wrong passphrase")})
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.Get(ctx, "c1")
	require.Error(t, err, "a wrong key must fail authentication, not return garbage")
}

func TestStore_DeleteEnqueuesAndHides(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))
	require.NoError(t, store.Delete(ctx, "c1"))

	contacts, err := store.GetAll(ctx, false)
	require.NoError(t, err)
	require.Empty(t, contacts)

	all, err := store.GetAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Deleted)

	mutations, err := store.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mutations, 2)
	require.Equal(t, ActionDelete, mutations[1].Action)
}

func TestStore_RestoreUndoesDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))
	require.NoError(t, store.Delete(ctx, "c1"))
	require.NoError(t, store.Restore(ctx, "c1"))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, got.Deleted)

	mutations, err := store.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mutations, 3)
	require.Equal(t, ActionRestore, mutations[2].Action)
}

func TestStore_ApplyRemoteSkipsPendingLocalEdits(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada (local edit)"}, false))

	// Snapshot row for the same contact must not clobber the unpushed edit.
	require.NoError(t, store.ApplyRemote(ctx, &Contact{
		LocalID: "c1", ServerID: "srv-1", Name: "Ada (server)", Version: 3,
	}))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada (local edit)", got.Name)
}

func TestStore_ApplyRemoteUpsertsAndTombstones(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	require.NoError(t, store.ApplyRemote(ctx, &Contact{
		LocalID: "c1", ServerID: "srv-1", Name: "Ada", Version: 2,
	}))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Name)
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.Synced, "server-sourced rows arrive synced")

	queue, err := store.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, queue, "server-sourced writes must never echo back")

	// Tombstone removes the row outright.
	require.NoError(t, store.ApplyRemote(ctx, &Contact{LocalID: "c1", Deleted: true}))
	_, err = store.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MarkSynced(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	require.NoError(t, store.Put(ctx, &Contact{LocalID: "c1", Name: "Ada"}, false))
	require.NoError(t, store.MarkSynced(ctx, "c1", "srv-1", 1))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, got.Synced)
	require.Equal(t, "srv-1", got.ServerID)
	require.Equal(t, int64(1), got.Version)
}

func TestStore_SyncState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "contacts.db"), "user-1")

	val, err := store.GetState(ctx, "last_sync")
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, store.SetState(ctx, "last_sync", "2026-08-28T10:00:00Z"))
	require.NoError(t, store.SetState(ctx, "last_sync", "2026-08-28T11:00:00Z"))

	val, err = store.GetState(ctx, "last_sync")
	require.NoError(t, err)
	require.Equal(t, "2026-08-28T11:00:00Z", val)
}
