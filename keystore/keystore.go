// Package keystore owns the local identity keypairs. Private keys stay inside this
// package: callers seal and open payloads through the KeyStore instead of holding keys.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "securepeer/crypto"
	"securepeer/logging"
	"securepeer/models"
	"securepeer/storage"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// Options configures a KeyStore.
type Options struct {
	Store   *storage.Store
	KeysDir string
	Logger  *logrus.Logger
}

// KeyStore generates, persists and guards identity keypairs. Exactly one identity is
// active at a time.
type KeyStore struct {
	store   *storage.Store
	keysDir string
	logger  *logrus.Logger

	mu      sync.RWMutex
	active  *models.Identity
	private *[appcrypto.KeySize]byte
}

// New creates a KeyStore and restores the previously active identity, if any.
func New(options Options) (*KeyStore, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.KeysDir == "" {
		return nil, errors.New("keys dir is required")
	}
	if err := os.MkdirAll(options.KeysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	ks := &KeyStore{
		store:   options.Store,
		keysDir: options.KeysDir,
		logger:  logging.OrDiscard(options.Logger),
	}

	row, err := options.Store.ActiveIdentity()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ks, nil
		}
		return nil, err
	}
	if err := ks.activate(row); err != nil {
		return nil, err
	}
	return ks, nil
}

// GenerateIdentity creates a new identity for username and makes it active.
func (k *KeyStore) GenerateIdentity(username string) (models.Identity, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return models.Identity{}, fmt.Errorf("%w %q: use 3-32 letters, digits, '.', '_' or '-'", models.ErrInvalidUsername, username)
	}

	taken, err := k.store.HasUsername(username)
	if err != nil {
		return models.Identity{}, err
	}
	if taken {
		return models.Identity{}, fmt.Errorf("%w: %q", models.ErrDuplicateUsername, username)
	}

	pair, err := appcrypto.GenerateBoxKeyPair()
	if err != nil {
		return models.Identity{}, err
	}

	id := uuid.NewString()
	keyPath := filepath.Join(k.keysDir, id+".box.pem")
	if err := appcrypto.SaveBoxPrivateKey(keyPath, pair.Private); err != nil {
		return models.Identity{}, err
	}

	row := storage.Identity{
		ID:        id,
		Username:  username,
		PublicKey: append([]byte(nil), pair.Public[:]...),
		KeyPath:   keyPath,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := k.store.CreateIdentity(row); err != nil {
		_ = os.Remove(keyPath)
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Identity{}, fmt.Errorf("%w: %q", models.ErrDuplicateUsername, username)
		}
		return models.Identity{}, err
	}

	if err := k.switchTo(&row, pair.Private); err != nil {
		return models.Identity{}, err
	}

	k.logger.WithFields(logrus.Fields{
		"identity_id": id,
		"username":    username,
		"fingerprint": appcrypto.KeyFingerprint(pair.Public[:]),
	}).Info("identity generated")

	return identityFromRow(&row), nil
}

// Login makes the existing local identity for username active.
func (k *KeyStore) Login(username string) (models.Identity, error) {
	row, err := k.store.GetIdentityByUsername(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Identity{}, fmt.Errorf("%w: no local identity %q", models.ErrAuthentication, username)
		}
		return models.Identity{}, err
	}

	private, err := loadPrivateKey(row)
	if err != nil {
		return models.Identity{}, err
	}
	if err := k.switchTo(row, private); err != nil {
		return models.Identity{}, err
	}
	return identityFromRow(row), nil
}

// Logout clears the active identity.
func (k *KeyStore) Logout() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.store.SetActiveIdentity(""); err != nil {
		return err
	}
	k.active = nil
	k.private = nil
	return nil
}

// Active returns the active identity or ErrNoActiveIdentity.
func (k *KeyStore) Active() (models.Identity, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active == nil {
		return models.Identity{}, models.ErrNoActiveIdentity
	}
	return *k.active, nil
}

// Identities lists every identity stored on this device.
func (k *KeyStore) Identities() ([]models.Identity, error) {
	rows, err := k.store.ListIdentities()
	if err != nil {
		return nil, err
	}
	out := make([]models.Identity, 0, len(rows))
	for i := range rows {
		out = append(out, identityFromRow(&rows[i]))
	}
	return out, nil
}

// ExportPrivateKey returns the active private key as PEM. The caller must pass the
// active username, re-typed by the user, as confirmation.
func (k *KeyStore) ExportPrivateKey(confirmUsername string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active == nil {
		return nil, models.ErrNoActiveIdentity
	}
	if !strings.EqualFold(strings.TrimSpace(confirmUsername), k.active.Username) {
		return nil, models.ErrExportNotConfirmed
	}

	k.logger.WithField("identity_id", k.active.ID).Warn("private key exported")
	return appcrypto.EncodePrivateKeyPEM(k.private), nil
}

// Seal encrypts plaintext for peerPublicKey, authenticated as the active identity.
func (k *KeyStore) Seal(peerPublicKey []byte, plaintext []byte) (json.RawMessage, error) {
	peer, err := appcrypto.PublicKeyFromBytes(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	k.mu.RLock()
	private := k.private
	k.mu.RUnlock()
	if private == nil {
		return nil, models.ErrNoActiveIdentity
	}

	sealed, err := appcrypto.Seal(plaintext, peer, private)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("marshal sealed payload: %w", err)
	}
	return raw, nil
}

// Open decrypts a payload sealed by peerPublicKey for the active identity. Any failure
// to authenticate is reported as ErrDecryptionFailure.
func (k *KeyStore) Open(peerPublicKey []byte, raw json.RawMessage) ([]byte, error) {
	peer, err := appcrypto.PublicKeyFromBytes(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionFailure, err)
	}

	var sealed appcrypto.Sealed
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("%w: decode sealed payload: %v", models.ErrDecryptionFailure, err)
	}

	k.mu.RLock()
	private := k.private
	k.mu.RUnlock()
	if private == nil {
		return nil, models.ErrNoActiveIdentity
	}

	plaintext, err := appcrypto.Open(sealed, peer, private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// EncryptFor seals plaintext anonymously for publicKey.
func EncryptFor(publicKey []byte, plaintext []byte) ([]byte, error) {
	peer, err := appcrypto.PublicKeyFromBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return appcrypto.SealAnonymous(plaintext, peer)
}

// OpenAnonymous decrypts a box produced by EncryptFor for the active identity.
func (k *KeyStore) OpenAnonymous(sealed []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active == nil {
		return nil, models.ErrNoActiveIdentity
	}
	public, err := appcrypto.PublicKeyFromBytes(k.active.PublicKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := appcrypto.OpenAnonymous(sealed, public, k.private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

func (k *KeyStore) activate(row *storage.Identity) error {
	private, err := loadPrivateKey(row)
	if err != nil {
		return err
	}
	identity := identityFromRow(row)

	k.mu.Lock()
	k.active = &identity
	k.private = private
	k.mu.Unlock()
	return nil
}

// switchTo persists row as the active identity and swaps the in-memory keys under
// one lock so readers never observe a mixed identity.
func (k *KeyStore) switchTo(row *storage.Identity, private *[appcrypto.KeySize]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.store.SetActiveIdentity(row.ID); err != nil {
		return err
	}
	identity := identityFromRow(row)
	k.active = &identity
	k.private = private
	return nil
}

func loadPrivateKey(row *storage.Identity) (*[appcrypto.KeySize]byte, error) {
	private, err := appcrypto.LoadBoxPrivateKey(row.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key for identity %q: %w", row.Username, err)
	}

	public, err := appcrypto.DerivePublicKey(private)
	if err != nil {
		return nil, err
	}
	if string(public[:]) != string(row.PublicKey) {
		return nil, fmt.Errorf("key for identity %q does not match the stored public key", row.Username)
	}
	return private, nil
}

func identityFromRow(row *storage.Identity) models.Identity {
	return models.Identity{
		ID:        row.ID,
		Username:  row.Username,
		PublicKey: append([]byte(nil), row.PublicKey...),
		CreatedAt: row.CreatedAt,
	}
}
