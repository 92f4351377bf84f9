package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Carcadons/RememberMe-2.0/localstore"
	"github.com/Carcadons/RememberMe-2.0/syncserver"
)

func testStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "contacts.db"), "user-1",
		localstore.Options{Passphrase: []byte("test passphrase")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testClient(t *testing.T, store *localstore.Store, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(store, baseURL,
		func(context.Context) (string, error) { return "test-token", nil }, nil, nil)
	require.NoError(t, err)
	return client
}

func TestSync_PushesPendingCreates(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: id, Name: "Contact " + id}, false))
	}

	var gotBatch syncserver.BatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))

			resp := syncserver.BatchResponse{
				Success:     true,
				Processed:   len(gotBatch.Operations),
				SyncedIDs:   map[string]string{},
				NewVersions: map[string]int64{},
			}
			for _, op := range gotBatch.Operations {
				resp.SyncedIDs[op.EntityID] = "srv-" + op.EntityID
				resp.NewVersions[op.EntityID] = 1
			}
			json.NewEncoder(w).Encode(resp)
		case "/sync/contacts":
			json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.Pushed)
	require.Zero(t, result.Conflicts)
	require.Zero(t, result.Failed)

	require.Len(t, gotBatch.Operations, 3)
	require.Equal(t, syncserver.ActionCreate, gotBatch.Operations[0].Action)
	require.Equal(t, "c1", gotBatch.Operations[0].EntityID)

	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "acked mutations must leave the queue")

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, got.Synced)
	require.Equal(t, "srv-c1", got.ServerID)
	require.Equal(t, int64(1), got.Version)
}

func TestSync_OfflineCreateThenEditKeepsEdit(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	// Create and then edit the same contact before the first sync. Both
	// queued mutations share base 0; the server applies them as one sequence
	// and must not treat the user's own second edit as a conflict.
	require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: "c1", Name: "Ada"}, false))
	edited, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	edited.Email = "ada@example.com"
	require.NoError(t, store.Put(ctx, edited, false))

	var gotBatch syncserver.BatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
			json.NewEncoder(w).Encode(syncserver.BatchResponse{
				Success:     true,
				Processed:   2,
				SyncedIDs:   map[string]string{"c1": "srv-c1"},
				NewVersions: map[string]int64{"c1": 2},
			})
		case "/sync/contacts":
			json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{{
				ID: "srv-c1", LocalID: "c1", Name: "Ada", Email: "ada@example.com", Version: 2,
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Pushed)
	require.Zero(t, result.Conflicts, "a device's own sequential edits are not conflicts")

	require.Len(t, gotBatch.Operations, 2)
	require.Equal(t, syncserver.ActionCreate, gotBatch.Operations[0].Action)
	require.Equal(t, syncserver.ActionUpdate, gotBatch.Operations[1].Action)
	require.Equal(t, int64(0), gotBatch.Operations[0].BaseVersion)
	require.Equal(t, int64(0), gotBatch.Operations[1].BaseVersion)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", got.Email, "the offline edit must survive the sync")
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.Synced)

	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSync_RecordsServerReportedVersion(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.ApplyRemote(ctx, &localstore.Contact{
		LocalID: "c1", ServerID: "srv-c1", Name: "Ada", Version: 1,
	}))
	edited, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	edited.Name = "Ada Lovelace"
	require.NoError(t, store.Put(ctx, edited, false))

	// The server acks a quiet replay at its current version 5, far past the
	// base+1 the client would otherwise assume.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/batch", r.URL.Path)
		json.NewEncoder(w).Encode(syncserver.BatchResponse{
			Success:     true,
			Processed:   1,
			SyncedIDs:   map[string]string{"c1": "srv-c1"},
			NewVersions: map[string]int64{"c1": 5},
		})
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.SyncToServer(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pushed)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Version,
		"the client must record the reported version, not guess base+1")
	require.True(t, got.Synced)
}

func TestSync_SingleFlight(t *testing.T) {
	store := testStore(t)
	client := testClient(t, store, "http://localhost:0")

	release, err := client.beginFlight()
	require.NoError(t, err)
	defer release()
	require.True(t, client.Syncing())

	_, err = client.Sync(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)

	_, err = client.SyncFromServer(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)
}

func TestSync_TransportFailureLeavesQueueUntouched(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: "c1", Name: "Ada"}, false))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(syncserver.ErrorResponse{
			Error: "authentication_failed", Message: "Invalid or expired session",
		})
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	_, err := client.Sync(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication_failed")

	mutations, err := store.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mutations, 1, "a failed transport must not consume the queue")
	require.Equal(t, localstore.StatusPending, mutations[0].Status)
	require.False(t, client.Syncing(), "the flight guard must be released after a failure")
}

func TestSync_RejectedMutationIsRetried(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: "c1", Name: "Ada"}, false))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			json.NewEncoder(w).Encode(syncserver.BatchResponse{
				Success: true,
				Errors: []syncserver.OperationError{
					{EntityID: "c1", Reason: syncserver.ReasonBadPayload, Message: "contact name is required"},
				},
			})
		case "/sync/contacts":
			json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Pushed)

	mutations, err := store.PendingMutations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	require.Equal(t, localstore.StatusRetry, mutations[0].Status)
	require.Equal(t, 1, mutations[0].Attempts)
}

func TestSync_ConflictAppliesServerValues(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	// Simulate a previously synced contact that was edited locally on a stale
	// base while another device already advanced it.
	require.NoError(t, store.ApplyRemote(ctx, &localstore.Contact{
		LocalID: "c1", ServerID: "srv-c1", Name: "Ada", Version: 1,
	}))
	edited, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	edited.Name = "Ada (stale edit)"
	require.NoError(t, store.Put(ctx, edited, false))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			json.NewEncoder(w).Encode(syncserver.BatchResponse{
				Success:   true,
				Processed: 1,
				SyncedIDs: map[string]string{"c1": "srv-c1"},
				Conflicts: []syncserver.ConflictReport{{
					EntityID:      "c1",
					ServerID:      "srv-c1",
					ClientVersion: 1,
					ServerVersion: 3,
					Fields: []syncserver.FieldDiff{
						{Field: "name", Client: "Ada (stale edit)", Server: "Ada Lovelace"},
					},
					Resolution: syncserver.ResolutionServerWins,
				}},
			})
		case "/sync/contacts":
			json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{{
				ID: "srv-c1", LocalID: "c1", Name: "Ada Lovelace", Version: 3,
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pushed)
	require.Equal(t, 1, result.Conflicts)

	// The queue drained and the canonical values won locally.
	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", got.Name)
	require.Equal(t, int64(3), got.Version)
	require.True(t, got.Synced)
}

func TestSync_PullAppliesTombstones(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.ApplyRemote(ctx, &localstore.Contact{
		LocalID: "c1", ServerID: "srv-c1", Name: "Ada", Version: 1,
	}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/contacts", r.URL.Path)
		json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{{
			ID: "srv-c1", LocalID: "c1", Version: 2, Deleted: true,
		}}})
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.SyncFromServer(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pulled)

	_, err = store.Get(ctx, "c1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestReset_EmptySnapshotPreservesLocalState(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: "c1", Name: "Ada"}, false))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{}})
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Reset(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Pulled)

	// The unsynced local contact must still be there.
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Name)
}

func TestReset_FailedPullPreservesLocalState(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.Put(ctx, &localstore.Contact{LocalID: "c1", Name: "Ada"}, false))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	_, err := client.Reset(ctx)
	require.Error(t, err)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Name)
}

func TestReset_ReplacesWithSnapshot(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	// A stale synced row that no longer exists on the server.
	require.NoError(t, store.ApplyRemote(ctx, &localstore.Contact{
		LocalID: "stale", ServerID: "srv-stale", Name: "Old", Version: 1,
	}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{{
			ID: "srv-c1", LocalID: "c1", Name: "Ada", Version: 2,
		}}})
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pulled)

	_, err = store.Get(ctx, "stale")
	require.ErrorIs(t, err, localstore.ErrNotFound)

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got.Name)
}

func TestSync_DeleteAckRemovesLocalRow(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	require.NoError(t, store.ApplyRemote(ctx, &localstore.Contact{
		LocalID: "c1", ServerID: "srv-c1", Name: "Ada", Version: 1,
	}))
	require.NoError(t, store.Delete(ctx, "c1"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			json.NewEncoder(w).Encode(syncserver.BatchResponse{
				Success:   true,
				Processed: 1,
				SyncedIDs: map[string]string{"c1": "srv-c1"},
			})
		case "/sync/contacts":
			// The server keeps a tombstone; the local row is already gone.
			json.NewEncoder(w).Encode(syncserver.PullResponse{Contacts: []syncserver.ContactRecord{{
				ID: "srv-c1", LocalID: "c1", Version: 2, Deleted: true,
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := testClient(t, store, server.URL)
	result, err := client.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Pushed)

	_, err = store.Get(ctx, "c1")
	require.ErrorIs(t, err, localstore.ErrNotFound)

	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
