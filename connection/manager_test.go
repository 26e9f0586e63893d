package connection

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"securepeer/keystore"
	"securepeer/models"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

type testUser struct {
	identity models.Identity
	keys     *keystore.KeyStore
	store    *storage.Store
	client   *relay.Client
	queue    *notify.Queue
	manager  *Manager
	poller   *relay.Poller
}

func newTestRelayURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(relay.NewServer(relay.ServerOptions{}))
	t.Cleanup(server.Close)
	return server.URL
}

func newTestUser(t *testing.T, relayURL, username string) *testUser {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys, err := keystore.New(keystore.Options{Store: store, KeysDir: filepath.Join(dataDir, "keys")})
	if err != nil {
		t.Fatalf("keystore.New failed: %v", err)
	}
	identity, err := keys.GenerateIdentity(username)
	if err != nil {
		t.Fatalf("GenerateIdentity %q failed: %v", username, err)
	}

	client, err := relay.NewClient(relay.ClientOptions{BaseURL: relayURL, MaxRetries: -1})
	if err != nil {
		t.Fatalf("relay.NewClient failed: %v", err)
	}
	if err := client.Register(context.Background(), relay.User{ID: identity.ID, Username: identity.Username, PublicKey: identity.PublicKey}); err != nil {
		t.Fatalf("Register %q failed: %v", username, err)
	}

	queue := notify.New(notify.Options{})
	manager, err := New(Options{Owner: identity, Directory: client, Keys: keys, Store: store, Notifier: queue})
	if err != nil {
		t.Fatalf("New manager failed: %v", err)
	}

	poller, err := relay.NewPoller(relay.PollerOptions{
		Source:  client,
		Store:   store,
		OwnerID: identity.ID,
		Handler: func(ctx context.Context, queue string, env relay.Envelope) {
			if queue == storage.QueueRequest {
				manager.HandleRequest(ctx, env)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}

	return &testUser{identity: identity, keys: keys, store: store, client: client, queue: queue, manager: manager, poller: poller}
}

func (u *testUser) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.poller.PollOnce(ctx); err != nil {
		t.Fatalf("sync %q failed: %v", u.identity.Username, err)
	}
}

func mustStatus(t *testing.T, u *testUser, peerID string, want models.ConnectionStatus) models.Connection {
	t.Helper()
	conn, err := u.manager.Connection(peerID)
	if err != nil {
		t.Fatalf("%s: Connection(%q) failed: %v", u.identity.Username, peerID, err)
	}
	if conn.Status != want {
		t.Fatalf("%s: expected status %q, got %q", u.identity.Username, want, conn.Status)
	}
	return conn
}

func countCategory(q *notify.Queue, category notify.Category) int {
	n := 0
	for _, item := range q.All() {
		if item.Category == category {
			n++
		}
	}
	return n
}

func TestSearchForUnregisteredUserIsEmpty(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")

	candidates, err := alice.manager.SearchUsers(context.Background(), "bob")
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %+v", candidates)
	}
}

func TestRequestAcceptConvergesOnBothSides(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	mustStatus(t, alice, bob.identity.ID, models.ConnectionRequestedOutgoing)

	requests, err := bob.client.PollRequests(ctx, bob.identity.ID)
	if err != nil {
		t.Fatalf("PollRequests failed: %v", err)
	}
	if len(requests) != 1 || requests[0].From != alice.identity.ID {
		t.Fatalf("expected one request from alice, got %+v", requests)
	}

	bob.sync(t)
	pending, err := bob.manager.PendingIncoming()
	if err != nil {
		t.Fatalf("PendingIncoming failed: %v", err)
	}
	if len(pending) != 1 || pending[0].PeerID != alice.identity.ID || pending[0].RequestID != requests[0].ID {
		t.Fatalf("unexpected pending requests %+v", pending)
	}
	if countCategory(bob.queue, notify.CategoryIncomingRequest) != 1 {
		t.Fatalf("expected one incoming-request notification, got %+v", bob.queue.All())
	}

	accepted, err := bob.manager.AcceptConnectionRequest(ctx, pending[0].RequestID)
	if err != nil {
		t.Fatalf("AcceptConnectionRequest failed: %v", err)
	}
	if accepted.Status != models.ConnectionConnected || accepted.ConnectedAt == 0 {
		t.Fatalf("unexpected accepted connection %+v", accepted)
	}
	mustStatus(t, bob, alice.identity.ID, models.ConnectionConnected)

	// Alice has not observed the acceptance yet.
	mustStatus(t, alice, bob.identity.ID, models.ConnectionRequestedOutgoing)

	alice.sync(t)
	conn := mustStatus(t, alice, bob.identity.ID, models.ConnectionConnected)
	if conn.Username != "bob" {
		t.Fatalf("unexpected username %q", conn.Username)
	}
	if countCategory(alice.queue, notify.CategorySuccess) != 1 {
		t.Fatalf("expected one success notification, got %+v", alice.queue.All())
	}

	// Re-polling the append-only relay must not change anything.
	alice.sync(t)
	bob.sync(t)
	if countCategory(alice.queue, notify.CategorySuccess) != 1 || countCategory(bob.queue, notify.CategoryIncomingRequest) != 1 {
		t.Fatalf("expected repeat polls to be idempotent")
	}
}

func TestSendConnectionRequestValidation(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, alice.identity.ID); !errors.Is(err, models.ErrSelfRequest) {
		t.Fatalf("expected ErrSelfRequest, got %v", err)
	}
	if _, err := alice.manager.SendConnectionRequest(ctx, "nobody"); !errors.Is(err, models.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); !errors.Is(err, models.ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	bob.sync(t)
	if _, err := bob.manager.SendConnectionRequest(ctx, alice.identity.ID); !errors.Is(err, models.ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending for incoming request, got %v", err)
	}

	pending, _ := bob.manager.PendingIncoming()
	if _, err := bob.manager.AcceptConnectionRequest(ctx, pending[0].RequestID); err != nil {
		t.Fatalf("AcceptConnectionRequest failed: %v", err)
	}
	if _, err := bob.manager.SendConnectionRequest(ctx, alice.identity.ID); !errors.Is(err, models.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if !errors.Is(models.ErrAlreadyConnected, models.ErrValidation) {
		t.Fatalf("expected relationship errors to be validation errors")
	}
}

func TestSearchExcludesSelfConnectedAndPending(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	_ = newTestUser(t, relayURL, "bobby")
	ctx := context.Background()

	if _, err := alice.manager.SearchUsers(ctx, "  "); !errors.Is(err, models.ErrMalformedQuery) {
		t.Fatalf("expected ErrMalformedQuery, got %v", err)
	}

	candidates, err := alice.manager.SearchUsers(ctx, "b")
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected bob and bobby, got %+v", candidates)
	}

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	candidates, err = alice.manager.SearchUsers(ctx, "b")
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Username != "bobby" {
		t.Fatalf("expected only bobby after requesting bob, got %+v", candidates)
	}

	candidates, err = alice.manager.SearchUsers(ctx, "alice")
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected self to be excluded, got %+v", candidates)
	}
}

func TestRejectDeletesBothRecords(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	bob.sync(t)
	pending, _ := bob.manager.PendingIncoming()
	if len(pending) != 1 {
		t.Fatalf("expected one pending request")
	}

	if err := bob.manager.RejectConnectionRequest(ctx, pending[0].RequestID); err != nil {
		t.Fatalf("RejectConnectionRequest failed: %v", err)
	}
	if _, err := bob.manager.Connection(alice.identity.ID); !errors.Is(err, models.ErrUnknownPeer) {
		t.Fatalf("expected bob's record to be gone, got %v", err)
	}
	if err := bob.manager.RejectConnectionRequest(ctx, pending[0].RequestID); !errors.Is(err, models.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest on second reject, got %v", err)
	}

	alice.sync(t)
	if _, err := alice.manager.Connection(bob.identity.ID); !errors.Is(err, models.ErrUnknownPeer) {
		t.Fatalf("expected alice's request to be deleted, got %v", err)
	}

	// Bob sees alice's old request again on the relay, but it was already consumed.
	bob.sync(t)
	if pending, _ := bob.manager.PendingIncoming(); len(pending) != 0 {
		t.Fatalf("expected consumed request not to reappear, got %+v", pending)
	}
}

func TestCrossingRequestsConverge(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("alice request failed: %v", err)
	}
	if _, err := bob.manager.SendConnectionRequest(ctx, alice.identity.ID); err != nil {
		t.Fatalf("bob request failed: %v", err)
	}

	alice.sync(t)
	bob.sync(t)
	mustStatus(t, alice, bob.identity.ID, models.ConnectionConnected)
	mustStatus(t, bob, alice.identity.ID, models.ConnectionConnected)
}

func TestDuplicateRequestEnvelopeAppliesOnce(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	requests, err := bob.client.PollRequests(ctx, bob.identity.ID)
	if err != nil || len(requests) != 1 {
		t.Fatalf("PollRequests failed: %v %+v", err, requests)
	}

	bob.manager.HandleRequest(ctx, requests[0])
	bob.manager.HandleRequest(ctx, requests[0])

	if got := countCategory(bob.queue, notify.CategoryIncomingRequest); got != 1 {
		t.Fatalf("expected one notification for duplicate delivery, got %d", got)
	}
	all, _ := bob.manager.Connections()
	if len(all) != 1 {
		t.Fatalf("expected a single record, got %+v", all)
	}
}

func TestForgedResponseIsRejected(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	mallory := newTestUser(t, relayURL, "mallory")
	ctx := context.Background()

	sent, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID)
	if err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}

	// Mallory claims to be bob but can only seal with her own key.
	forged, err := relay.NewEnvelope(bob.identity.ID, alice.identity.ID, relay.ConnectionResponsePayload{
		RequestID: sent.RequestID,
		Accepted:  true,
		Username:  "bob",
	}, mallory.keys, alice.identity.PublicKey)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if _, err := mallory.client.SendRequest(ctx, forged); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}

	alice.sync(t)
	mustStatus(t, alice, bob.identity.ID, models.ConnectionRequestedOutgoing)

	events, err := alice.store.GetSecurityEvents(storage.SecurityEventFilter{
		OwnerID:   alice.identity.ID,
		EventType: storage.SecurityEventDecryptionFailure,
	})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one decryption failure event, got %+v", events)
	}
}

func TestRemoveConnectionIsLocalOnly(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	bob.sync(t)
	pending, _ := bob.manager.PendingIncoming()
	if _, err := bob.manager.AcceptConnectionRequest(ctx, pending[0].RequestID); err != nil {
		t.Fatalf("AcceptConnectionRequest failed: %v", err)
	}

	if err := bob.manager.RemoveConnection(alice.identity.ID); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}
	if err := bob.manager.RemoveConnection(alice.identity.ID); !errors.Is(err, models.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer on second remove, got %v", err)
	}

	alice.sync(t)
	mustStatus(t, alice, bob.identity.ID, models.ConnectionConnected)
}

func TestRequestAfterOneSidedRemoveReconverges(t *testing.T) {
	relayURL := newTestRelayURL(t)
	alice := newTestUser(t, relayURL, "alice")
	bob := newTestUser(t, relayURL, "bob")
	ctx := context.Background()

	if _, err := alice.manager.SendConnectionRequest(ctx, bob.identity.ID); err != nil {
		t.Fatalf("SendConnectionRequest failed: %v", err)
	}
	bob.sync(t)
	pending, _ := bob.manager.PendingIncoming()
	if _, err := bob.manager.AcceptConnectionRequest(ctx, pending[0].RequestID); err != nil {
		t.Fatalf("AcceptConnectionRequest failed: %v", err)
	}
	alice.sync(t)
	mustStatus(t, alice, bob.identity.ID, models.ConnectionConnected)

	if err := bob.manager.RemoveConnection(alice.identity.ID); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}
	again, err := bob.manager.SendConnectionRequest(ctx, alice.identity.ID)
	if err != nil {
		t.Fatalf("second SendConnectionRequest failed: %v", err)
	}

	alice.sync(t)
	conn := mustStatus(t, alice, bob.identity.ID, models.ConnectionConnected)
	if conn.RequestID != again.RequestID {
		t.Fatalf("expected alice to record request %q, got %q", again.RequestID, conn.RequestID)
	}
	if got := countCategory(alice.queue, notify.CategoryIncomingRequest); got != 0 {
		t.Fatalf("expected no incoming request notification, got %d", got)
	}

	bob.sync(t)
	mustStatus(t, bob, alice.identity.ID, models.ConnectionConnected)
	if _, err := bob.manager.SendConnectionRequest(ctx, alice.identity.ID); !errors.Is(err, models.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected after reconverging, got %v", err)
	}
}
