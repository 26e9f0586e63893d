package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"securepeer/keystore"
	"securepeer/models"
	"securepeer/network"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
)

// peerBook stands in for the connection manager.
type peerBook struct {
	mu    sync.RWMutex
	conns map[string]models.Connection
}

func (b *peerBook) Connection(peerID string) (models.Connection, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conn, ok := b.conns[peerID]
	if !ok {
		return models.Connection{}, fmt.Errorf("%w: %q", models.ErrUnknownPeer, peerID)
	}
	return conn, nil
}

func (b *peerBook) set(conn models.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn.PeerID] = conn
}

type testOptions struct {
	chunkSize        int
	responseTimeout  time.Duration
	handshakeTimeout time.Duration
	chunkTimeout     time.Duration
}

type testUser struct {
	identity models.Identity
	keys     *keystore.KeyStore
	store    *storage.Store
	client   *relay.Client
	queue    *notify.Queue
	peers    *peerBook
	dialer   network.Dialer
	manager  *Manager
	poller   *relay.Poller
	dir      string
	opts     testOptions
}

func newTestPair(t *testing.T, dialer network.Dialer, opts testOptions) (*testUser, *testUser) {
	t.Helper()

	server := httptest.NewServer(relay.NewServer(relay.ServerOptions{}))
	t.Cleanup(server.Close)

	alice := newTestUser(t, server.URL, "alice", dialer, opts)
	bob := newTestUser(t, server.URL, "bob", dialer, opts)
	connect(alice, bob)
	connect(bob, alice)

	alice.openManager(t)
	bob.openManager(t)
	alice.startPolling(t)
	bob.startPolling(t)
	return alice, bob
}

func newTestUser(t *testing.T, relayURL, username string, dialer network.Dialer, opts testOptions) *testUser {
	t.Helper()

	dir := t.TempDir()
	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keys, err := keystore.New(keystore.Options{Store: store, KeysDir: filepath.Join(dir, "keys")})
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

	return &testUser{
		identity: identity,
		keys:     keys,
		store:    store,
		client:   client,
		queue:    notify.New(notify.Options{}),
		peers:    &peerBook{conns: make(map[string]models.Connection)},
		dialer:   dialer,
		dir:      dir,
		opts:     opts,
	}
}

func connect(u, peer *testUser) {
	u.peers.set(models.Connection{
		PeerID:    peer.identity.ID,
		Username:  peer.identity.Username,
		PublicKey: peer.identity.PublicKey,
		Status:    models.ConnectionConnected,
	})
}

func (u *testUser) filesDir() string { return filepath.Join(u.dir, "files") }
func (u *testUser) tempDir() string  { return filepath.Join(u.dir, "tmp") }

func (u *testUser) options() Options {
	return Options{
		Owner:            u.identity,
		Relay:            u.client,
		Keys:             u.keys,
		Peers:            u.peers,
		Dialer:           u.dialer,
		Store:            u.store,
		Notifier:         u.queue,
		FilesDir:         u.filesDir(),
		TempDir:          u.tempDir(),
		ChunkSize:        u.opts.chunkSize,
		ResponseTimeout:  u.opts.responseTimeout,
		HandshakeTimeout: u.opts.handshakeTimeout,
		ChunkTimeout:     u.opts.chunkTimeout,
	}
}

func (u *testUser) openManager(t *testing.T) {
	t.Helper()
	manager, err := New(u.options())
	if err != nil {
		t.Fatalf("New manager for %s failed: %v", u.identity.Username, err)
	}
	t.Cleanup(manager.Close)
	u.manager = manager
}

func (u *testUser) startPolling(t *testing.T) {
	t.Helper()
	manager := u.manager
	poller, err := relay.NewPoller(relay.PollerOptions{
		Source:   u.client,
		Store:    u.store,
		OwnerID:  u.identity.ID,
		Interval: 10 * time.Millisecond,
		Handler: func(ctx context.Context, queue string, env relay.Envelope) {
			if queue == storage.QueueSignal {
				manager.HandleSignal(ctx, env)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	poller.Start()
	t.Cleanup(poller.Stop)
	u.poller = poller
}

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForSession(t *testing.T, u *testUser, fileID string) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, 5*time.Second, u.identity.Username+" to see "+fileID, func() bool {
		var err error
		snap, err = u.manager.Session(fileID)
		return err == nil
	})
	return snap
}

func waitTerminal(t *testing.T, u *testUser, fileID string, want State) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := u.manager.Wait(ctx, fileID)
	if err != nil {
		t.Fatalf("%s: Wait(%s) failed in state %s: %v", u.identity.Username, fileID, snap.State, err)
	}
	if snap.State != want {
		t.Fatalf("%s: expected state %s, got %s (%s)", u.identity.Username, want, snap.State, snap.Failure)
	}
	return snap
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

func announce(t *testing.T, sender, recipient *testUser, path string) string {
	t.Helper()
	snaps, err := sender.manager.Announce(context.Background(), path, []string{recipient.identity.ID}, models.Expiry24h)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].State != StateAwaitingAcceptance {
		t.Fatalf("expected one session awaiting acceptance, got %+v", snaps)
	}
	return snaps[0].Metadata.ID
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestTransferDeliversFile(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{chunkSize: 1024})
	content := randomBytes(t, 10*1024+17)
	path := writeTestFile(t, alice.dir, "report.pdf", content)

	fileID := announce(t, alice, bob, path)
	incoming := waitForSession(t, bob, fileID)
	if incoming.State != StateAwaitingAcceptance || incoming.Direction != DirectionIncoming {
		t.Fatalf("unexpected incoming session %+v", incoming)
	}
	if incoming.Metadata.SizeBytes != int64(len(content)) || incoming.Metadata.Sender.ID != alice.identity.ID {
		t.Fatalf("unexpected metadata %+v", incoming.Metadata)
	}
	if incoming.Metadata.MimeType != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", incoming.Metadata.MimeType)
	}
	if got := countCategory(bob.queue, notify.CategoryIncomingTransfer); got != 1 {
		t.Fatalf("expected one incoming-transfer notification, got %d", got)
	}

	if err := bob.manager.Accept(context.Background(), fileID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	received := waitTerminal(t, bob, fileID, StateCompleted)
	sent := waitTerminal(t, alice, fileID, StateCompleted)

	if received.Progress() != 1 || sent.Progress() != 1 {
		t.Fatalf("expected full progress, got recipient=%v sender=%v", received.Progress(), sent.Progress())
	}
	if filepath.Dir(received.StoredPath) != bob.filesDir() {
		t.Fatalf("expected stored file under %s, got %s", bob.filesDir(), received.StoredPath)
	}
	got, err := os.ReadFile(received.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("stored file differs from source")
	}
	if names := dirEntries(t, bob.tempDir()); len(names) != 0 {
		t.Fatalf("expected empty temp dir, got %v", names)
	}

	for _, u := range []*testUser{alice, bob} {
		if got := countCategory(u.queue, notify.CategorySuccess); got != 1 {
			t.Fatalf("%s: expected one success notification, got %d", u.identity.Username, got)
		}
		if got := countCategory(u.queue, notify.CategoryInfo); got != 3 {
			t.Fatalf("%s: expected 25/50/75%% progress notifications, got %d", u.identity.Username, got)
		}
		if got := countCategory(u.queue, notify.CategoryError); got != 0 {
			t.Fatalf("%s: expected no error notifications, got %d", u.identity.Username, got)
		}
	}

	history, err := bob.manager.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].State != StateCompleted || history[0].StoredPath != received.StoredPath {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestDeclineCancelsSenderWithoutStreaming(t *testing.T) {
	dialer := network.NewMemoryDialer()
	alice, bob := newTestPair(t, dialer, testOptions{})

	path := filepath.Join(alice.dir, "large.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create large file: %v", err)
	}
	if err := f.Truncate(10 << 20); err != nil {
		t.Fatalf("truncate large file: %v", err)
	}
	_ = f.Close()

	fileID := announce(t, alice, bob, path)
	waitForSession(t, bob, fileID)

	if err := bob.manager.Decline(context.Background(), fileID); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	declined, err := bob.manager.Session(fileID)
	if err != nil || declined.State != StateCancelled {
		t.Fatalf("expected recipient session cancelled, got %+v, %v", declined, err)
	}

	sent := waitTerminal(t, alice, fileID, StateCancelled)
	if sent.BytesTransferred != 0 {
		t.Fatalf("expected no bytes streamed, got %d", sent.BytesTransferred)
	}
	if dialer.Pending() != 0 {
		t.Fatalf("expected no handshake, %d offers pending", dialer.Pending())
	}
	if got := countCategory(alice.queue, notify.CategoryInfo); got != 1 {
		t.Fatalf("expected one decline notification for the sender, got %d", got)
	}
	for _, u := range []*testUser{alice, bob} {
		if got := countCategory(u.queue, notify.CategoryError); got != 0 {
			t.Fatalf("%s: expected no error notifications, got %d", u.identity.Username, got)
		}
	}

	if err := bob.manager.Accept(context.Background(), fileID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition accepting a declined transfer, got %v", err)
	}
}

func TestDuplicateChunkIsIgnored(t *testing.T) {
	dialer := network.NewMemoryDialer()
	dialer.Tamper = func(raw []byte) [][]byte {
		frame, err := network.DecodeFrame(raw)
		if err == nil && frame.Kind == network.FrameChunk && frame.Index == 1 {
			return [][]byte{raw, raw}
		}
		return [][]byte{raw}
	}
	alice, bob := newTestPair(t, dialer, testOptions{chunkSize: 1024})
	content := randomBytes(t, 3000)
	path := writeTestFile(t, alice.dir, "three-chunks.bin", content)

	fileID := announce(t, alice, bob, path)
	waitForSession(t, bob, fileID)
	if err := bob.manager.Accept(context.Background(), fileID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	received := waitTerminal(t, bob, fileID, StateCompleted)
	waitTerminal(t, alice, fileID, StateCompleted)

	got, err := os.ReadFile(received.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if len(got) != 3000 || !bytes.Equal(got, content) {
		t.Fatalf("expected the 3000 source bytes, got %d bytes", len(got))
	}
}

func TestLostChunkFailsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		drop uint32
	}{
		{name: "gap", drop: 1},
		{name: "done before all bytes", drop: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dialer := network.NewMemoryDialer()
			dialer.Tamper = func(raw []byte) [][]byte {
				frame, err := network.DecodeFrame(raw)
				if err == nil && frame.Kind == network.FrameChunk && frame.Index == tc.drop {
					return nil
				}
				return [][]byte{raw}
			}
			alice, bob := newTestPair(t, dialer, testOptions{chunkSize: 1024})
			path := writeTestFile(t, alice.dir, "lossy.bin", randomBytes(t, 3000))

			fileID := announce(t, alice, bob, path)
			waitForSession(t, bob, fileID)
			if err := bob.manager.Accept(context.Background(), fileID); err != nil {
				t.Fatalf("Accept failed: %v", err)
			}

			failed := waitTerminal(t, bob, fileID, StateFailed)
			if !errors.Is(failed.Err, models.ErrIncompleteTransfer) {
				t.Fatalf("expected ErrIncompleteTransfer, got %v", failed.Err)
			}
			waitTerminal(t, alice, fileID, StateFailed)

			if names := dirEntries(t, bob.filesDir()); len(names) != 0 {
				t.Fatalf("expected no delivered file, got %v", names)
			}
			if names := dirEntries(t, bob.tempDir()); len(names) != 0 {
				t.Fatalf("expected part file removed, got %v", names)
			}
			if got := countCategory(bob.queue, notify.CategoryError); got != 1 {
				t.Fatalf("expected exactly one error notification, got %d", got)
			}
		})
	}
}

func TestUnansweredAnnouncementFailsWithNoResponse(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{responseTimeout: 100 * time.Millisecond})
	bob.poller.Stop()

	path := writeTestFile(t, alice.dir, "note.txt", []byte("hello"))
	fileID := announce(t, alice, bob, path)

	failed := waitTerminal(t, alice, fileID, StateFailed)
	if !errors.Is(failed.Err, models.ErrNoResponse) || !errors.Is(failed.Err, models.ErrPeerUnreachable) {
		t.Fatalf("expected ErrNoResponse, got %v", failed.Err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := countCategory(alice.queue, notify.CategoryError); got != 1 {
		t.Fatalf("expected exactly one error notification, got %d", got)
	}
}

func TestDownloadFileRetriesOnceSenderReturns(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{
		chunkSize:        1024,
		handshakeTimeout: 300 * time.Millisecond,
	})
	content := randomBytes(t, 4096)
	path := writeTestFile(t, alice.dir, "retry.bin", content)

	fileID := announce(t, alice, bob, path)
	waitForSession(t, bob, fileID)
	alice.poller.Stop()

	if err := bob.manager.DownloadFile(context.Background(), fileID); err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	failed := waitTerminal(t, bob, fileID, StateFailed)
	if !errors.Is(failed.Err, models.ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable while the sender is away, got %v", failed.Err)
	}

	alice.startPolling(t)
	if err := bob.manager.DownloadFile(context.Background(), fileID); err != nil {
		t.Fatalf("second DownloadFile failed: %v", err)
	}
	received := waitTerminal(t, bob, fileID, StateCompleted)
	waitFor(t, 5*time.Second, "sender to complete", func() bool {
		snap, err := alice.manager.Session(fileID)
		return err == nil && snap.State == StateCompleted
	})

	got, err := os.ReadFile(received.StoredPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("stored file differs from source")
	}

	if err := bob.manager.DownloadFile(context.Background(), fileID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition downloading a completed transfer, got %v", err)
	}
}

func TestCancelMidTransferDiscardsPartialData(t *testing.T) {
	gate := make(chan struct{})
	var release sync.Once
	dialer := network.NewMemoryDialer()
	dialer.Tamper = func(raw []byte) [][]byte {
		frame, err := network.DecodeFrame(raw)
		if err == nil && frame.Kind == network.FrameChunk && frame.Index == 1 {
			<-gate
		}
		return [][]byte{raw}
	}
	alice, bob := newTestPair(t, dialer, testOptions{chunkSize: 1024, chunkTimeout: 5 * time.Second})
	t.Cleanup(func() { release.Do(func() { close(gate) }) })

	path := writeTestFile(t, alice.dir, "slow.bin", randomBytes(t, 8192))
	fileID := announce(t, alice, bob, path)
	waitForSession(t, bob, fileID)
	if err := bob.manager.Accept(context.Background(), fileID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	waitFor(t, 5*time.Second, "first chunk", func() bool {
		snap, err := bob.manager.Session(fileID)
		return err == nil && snap.State == StateTransferring && snap.BytesTransferred > 0
	})

	if err := bob.manager.Cancel(context.Background(), fileID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	release.Do(func() { close(gate) })

	waitTerminal(t, bob, fileID, StateCancelled)
	waitTerminal(t, alice, fileID, StateCancelled)

	if names := dirEntries(t, bob.tempDir()); len(names) != 0 {
		t.Fatalf("expected part file removed, got %v", names)
	}
	if names := dirEntries(t, bob.filesDir()); len(names) != 0 {
		t.Fatalf("expected no delivered file, got %v", names)
	}
	if got := countCategory(bob.queue, notify.CategoryError); got != 0 {
		t.Fatalf("expected no error notification for a local cancel, got %d", got)
	}

	history, err := bob.manager.History()
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].State != StateCancelled {
		t.Fatalf("expected cancelled history entry, got %+v", history)
	}
	if err := bob.manager.Cancel(context.Background(), fileID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling twice, got %v", err)
	}
}

func TestHousekeepExpiresCompletedTransfers(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{})
	path := writeTestFile(t, alice.dir, "short-lived.txt", []byte("gone tomorrow"))

	fileID := announce(t, alice, bob, path)
	waitForSession(t, bob, fileID)
	if err := bob.manager.Accept(context.Background(), fileID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	received := waitTerminal(t, bob, fileID, StateCompleted)
	waitTerminal(t, alice, fileID, StateCompleted)

	if n, err := bob.manager.Housekeep(time.Now().Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("expected nothing to expire yet, got %d, %v", n, err)
	}
	if n, err := bob.manager.Housekeep(time.Now().Add(25 * time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected one expiry, got %d, %v", n, err)
	}
	if _, err := os.Stat(received.StoredPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected expired copy removed, stat err %v", err)
	}
	snap, _ := bob.manager.Session(fileID)
	if snap.State != StateExpired {
		t.Fatalf("expected expired state, got %s", snap.State)
	}

	if n, err := alice.manager.Housekeep(time.Now().Add(25 * time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected sender session to expire, got %d, %v", n, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected sender source untouched: %v", err)
	}
}

func TestAnnounceValidation(t *testing.T) {
	alice, _ := newTestPair(t, network.NewMemoryDialer(), testOptions{})
	ctx := context.Background()
	path := writeTestFile(t, alice.dir, "a.txt", []byte("a"))

	alice.peers.set(models.Connection{PeerID: "pending-peer", Username: "carol", Status: models.ConnectionRequestedOutgoing})

	tests := []struct {
		name       string
		path       string
		recipients []string
		expiry     models.Expiry
		want       error
	}{
		{name: "no recipients", path: path, expiry: models.Expiry24h, want: models.ErrValidation},
		{name: "bad expiry", path: path, recipients: []string{"x"}, expiry: "1y", want: models.ErrValidation},
		{name: "directory", path: alice.dir, recipients: []string{"x"}, expiry: models.Expiry24h, want: models.ErrValidation},
		{name: "missing file", path: filepath.Join(alice.dir, "nope"), recipients: []string{"x"}, expiry: models.Expiry24h, want: models.ErrValidation},
		{name: "self", path: path, recipients: []string{alice.identity.ID}, expiry: models.Expiry24h, want: models.ErrSelfRequest},
		{name: "unknown peer", path: path, recipients: []string{"stranger"}, expiry: models.Expiry24h, want: models.ErrUnknownPeer},
		{name: "pending peer", path: path, recipients: []string{"pending-peer"}, expiry: models.Expiry24h, want: models.ErrNotConnected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := alice.manager.Announce(ctx, tc.path, tc.recipients, tc.expiry)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(alice.manager.Sessions()) != 0 {
		t.Fatalf("rejected announcements must not create sessions")
	}
}

func TestSignalFromUnconnectedPeerIsDropped(t *testing.T) {
	_, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{})

	bob.manager.HandleSignal(context.Background(), relay.Envelope{
		ID:      "env-1",
		From:    "stranger",
		To:      bob.identity.ID,
		Type:    relay.TypeFileMetadata,
		Payload: []byte(`{}`),
	})

	if len(bob.manager.Sessions()) != 0 {
		t.Fatalf("expected no session from a stranger")
	}
	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{OwnerID: bob.identity.ID, EventType: storage.SecurityEventUnknownSender})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one unknown_sender event, got %d", len(events))
	}
}

func TestForgedMetadataIsDropped(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{})

	env, err := relay.NewEnvelope(alice.identity.ID, bob.identity.ID, relay.FileMetadataPayload{Metadata: models.FileMetadata{
		ID:        "0f1c2d3e-4b5a-4c6d-8e9f-a0b1c2d3e4f5",
		Name:      "invoice.pdf",
		SizeBytes: 10,
		Expiry:    models.Expiry24h,
		Sender:    models.Party{ID: "someone-else", Username: "mallory"},
		Recipient: models.Party{ID: bob.identity.ID, Username: "bob"},
	}}, alice.keys, bob.identity.PublicKey)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.ID = "forged-1"
	bob.manager.HandleSignal(context.Background(), env)

	if len(bob.manager.Sessions()) != 0 {
		t.Fatalf("expected forged metadata to be dropped")
	}
	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{OwnerID: bob.identity.ID, EventType: storage.SecurityEventForgedSender})
	if err != nil {
		t.Fatalf("GetSecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one forged_sender event, got %d", len(events))
	}
}

func TestDuplicateMetadataEnvelopeCreatesOneSession(t *testing.T) {
	alice, bob := newTestPair(t, network.NewMemoryDialer(), testOptions{})
	bob.poller.Stop()

	meta := models.FileMetadata{
		ID:        "7d9a2b1c-3e4f-4a5b-9c6d-7e8f9a0b1c2d",
		Name:      "photo.jpg",
		SizeBytes: 42,
		Expiry:    models.Expiry7d,
		Sender:    models.Party{ID: alice.identity.ID, Username: "alice"},
		Recipient: models.Party{ID: bob.identity.ID, Username: "bob"},
	}
	env, err := relay.NewEnvelope(alice.identity.ID, bob.identity.ID, relay.FileMetadataPayload{Metadata: meta}, alice.keys, bob.identity.PublicKey)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.ID = "dup-1"

	bob.manager.HandleSignal(context.Background(), env)
	bob.manager.HandleSignal(context.Background(), env)

	if got := len(bob.manager.Sessions()); got != 1 {
		t.Fatalf("expected one session, got %d", got)
	}
	if got := countCategory(bob.queue, notify.CategoryIncomingTransfer); got != 1 {
		t.Fatalf("expected one incoming-transfer notification, got %d", got)
	}
}

func TestRestartFailsInterruptedSessions(t *testing.T) {
	dialer := network.NewMemoryDialer()
	alice, _ := newTestPair(t, dialer, testOptions{})
	now := time.Now().UnixMilli()

	rows := []storage.Transfer{
		{
			OwnerID: alice.identity.ID, FileID: "interrupted", PeerID: "peer", Direction: storage.DirectionIncoming,
			Name: "a.bin", SizeBytes: 100, CreatedAt: now, Expiry: string(models.Expiry24h),
			SenderID: "peer", RecipientID: alice.identity.ID, State: string(StateTransferring), BytesTransferred: 40, UpdatedAt: now,
		},
		{
			OwnerID: alice.identity.ID, FileID: "waiting", PeerID: "peer", Direction: storage.DirectionIncoming,
			Name: "b.bin", SizeBytes: 100, CreatedAt: now, Expiry: string(models.Expiry24h),
			SenderID: "peer", RecipientID: alice.identity.ID, State: string(StateAwaitingAcceptance), UpdatedAt: now,
		},
	}
	for _, row := range rows {
		if err := alice.store.UpsertTransfer(row); err != nil {
			t.Fatalf("UpsertTransfer failed: %v", err)
		}
	}

	alice.openManager(t)

	interrupted, err := alice.manager.Session("interrupted")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if interrupted.State != StateFailed || !errors.Is(interrupted.Err, models.ErrPeerUnreachable) {
		t.Fatalf("expected interrupted session failed as unreachable, got %+v", interrupted)
	}
	waiting, err := alice.manager.Session("waiting")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if waiting.State != StateAwaitingAcceptance {
		t.Fatalf("expected waiting session untouched, got %s", waiting.State)
	}

	stored, err := alice.store.GetTransfer(alice.identity.ID, "interrupted")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if stored.State != string(StateFailed) {
		t.Fatalf("expected persisted failure, got %s", stored.State)
	}
}

func TestNewRejectsChunksLargerThanOneFrame(t *testing.T) {
	server := httptest.NewServer(relay.NewServer(relay.ServerOptions{}))
	t.Cleanup(server.Close)
	u := newTestUser(t, server.URL, "alice", network.NewMemoryDialer(), testOptions{chunkSize: 128 * 1024})

	if _, err := New(u.options()); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation for a 128 KiB chunk, got %v", err)
	}

	u.opts.chunkSize = network.MaxChunkSize
	manager, err := New(u.options())
	if err != nil {
		t.Fatalf("New with the largest chunk failed: %v", err)
	}
	manager.Close()
}
