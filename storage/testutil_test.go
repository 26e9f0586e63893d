package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateIdentity(t *testing.T, store *Store, id, username string) {
	t.Helper()

	err := store.CreateIdentity(Identity{
		ID:        id,
		Username:  username,
		PublicKey: []byte("public-key-" + id),
		KeyPath:   "/keys/" + id + ".box.pem",
		CreatedAt: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("create identity %q: %v", id, err)
	}
}

func mustAddConnection(t *testing.T, store *Store, ownerID, peerID, status string) {
	t.Helper()

	err := store.AddConnection(Connection{
		OwnerID:   ownerID,
		PeerID:    peerID,
		Username:  "user-" + peerID,
		PublicKey: []byte("public-key-" + peerID),
		Status:    status,
		RequestID: "req-" + peerID,
	})
	if err != nil {
		t.Fatalf("add connection %q: %v", peerID, err)
	}
}
