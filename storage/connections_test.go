package storage

import (
	"errors"
	"testing"
)

func TestConnectionLifecycle(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "alice", "alice")
	mustAddConnection(t, store, "alice", "bob", connectionStatusRequestedOutgoing)

	conn, err := store.GetConnection("alice", "bob")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if conn.Status != connectionStatusRequestedOutgoing {
		t.Fatalf("expected requested_outgoing, got %q", conn.Status)
	}
	if conn.ConnectedAt != nil {
		t.Fatalf("expected connected_at to be unset for a pending request")
	}

	byRequest, err := store.GetConnectionByRequestID("alice", "req-bob")
	if err != nil {
		t.Fatalf("GetConnectionByRequestID failed: %v", err)
	}
	if byRequest.PeerID != "bob" {
		t.Fatalf("expected request lookup to find bob, got %q", byRequest.PeerID)
	}

	if err := store.UpdateConnectionStatus("alice", "bob", connectionStatusConnected, 1234); err != nil {
		t.Fatalf("UpdateConnectionStatus connected failed: %v", err)
	}
	conn, err = store.GetConnection("alice", "bob")
	if err != nil {
		t.Fatalf("GetConnection after update failed: %v", err)
	}
	if conn.Status != connectionStatusConnected || conn.ConnectedAt == nil || *conn.ConnectedAt != 1234 {
		t.Fatalf("unexpected connection after accept: %+v", conn)
	}

	err = store.UpdateConnectionStatus("alice", "bob", connectionStatusRequestedOutgoing, 0)
	if !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected ErrStatusRegression, got %v", err)
	}

	if err := store.SetConnectionRequestID("alice", "bob", "req-bob-2"); err != nil {
		t.Fatalf("SetConnectionRequestID failed: %v", err)
	}
	byRequest, err = store.GetConnectionByRequestID("alice", "req-bob-2")
	if err != nil {
		t.Fatalf("GetConnectionByRequestID after re-request failed: %v", err)
	}
	if byRequest.PeerID != "bob" || byRequest.Status != connectionStatusConnected {
		t.Fatalf("unexpected connection after re-request: %+v", byRequest)
	}
	if err := store.SetConnectionRequestID("alice", "carol", "req-carol"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}

	if err := store.DeleteConnection("alice", "bob"); err != nil {
		t.Fatalf("DeleteConnection failed: %v", err)
	}
	if _, err := store.GetConnection("alice", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteConnection("alice", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestAddConnectionRejectsSecondRecordForPeer(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "alice", "alice")
	mustAddConnection(t, store, "alice", "bob", connectionStatusRequestedIncoming)

	err := store.AddConnection(Connection{
		OwnerID:   "alice",
		PeerID:    "bob",
		Username:  "bob",
		PublicKey: []byte("k"),
		Status:    connectionStatusRequestedOutgoing,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestListConnectionsScopedByOwner(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "alice", "alice")
	mustCreateIdentity(t, store, "carol", "carol")
	mustAddConnection(t, store, "alice", "bob", connectionStatusConnected)
	mustAddConnection(t, store, "alice", "dave", connectionStatusRequestedIncoming)
	mustAddConnection(t, store, "carol", "bob", connectionStatusConnected)

	conns, err := store.ListConnections("alice")
	if err != nil {
		t.Fatalf("ListConnections failed: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", len(conns))
	}
	if conns[0].PeerID != "bob" || conns[1].PeerID != "dave" {
		t.Fatalf("unexpected connection order: %q, %q", conns[0].PeerID, conns[1].PeerID)
	}
}
