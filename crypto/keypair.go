package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size of X25519 box public and private keys.
	KeySize = 32

	boxPrivatePEMType = "SECUREPEER BOX PRIVATE KEY"
)

// KeyPair is an X25519 keypair for nacl/box.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// GenerateBoxKeyPair creates a fresh X25519 keypair.
func GenerateBoxKeyPair() (KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate box keypair: %w", err)
	}
	return KeyPair{Public: public, Private: private}, nil
}

// DerivePublicKey recomputes the public key matching private.
func DerivePublicKey(private *[KeySize]byte) (*[KeySize]byte, error) {
	var public [KeySize]byte
	derived, err := curve25519Base(private[:])
	if err != nil {
		return nil, err
	}
	copy(public[:], derived)
	return &public, nil
}

// PublicKeyFromBytes validates and converts a raw public key.
func PublicKeyFromBytes(raw []byte) (*[KeySize]byte, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// LoadBoxPrivateKey loads a box private key from a PEM file.
func LoadBoxPrivateKey(path string) (*[KeySize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read box private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode box private PEM: no PEM block")
	}
	if block.Type != boxPrivatePEMType {
		return nil, fmt.Errorf("decode box private PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("decode box private PEM: invalid key size %d", len(block.Bytes))
	}

	var key [KeySize]byte
	copy(key[:], block.Bytes)
	return &key, nil
}

// SaveBoxPrivateKey writes a box private key PEM file with 0600 permissions.
func SaveBoxPrivateKey(path string, key *[KeySize]byte) error {
	if key == nil {
		return errors.New("save box private key: key is required")
	}

	block := &pem.Block{
		Type:  boxPrivatePEMType,
		Bytes: key[:],
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write box private key: %w", err)
	}

	return nil
}

// EncodePrivateKeyPEM returns the PEM encoding used for explicit key export.
func EncodePrivateKeyPEM(key *[KeySize]byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: boxPrivatePEMType, Bytes: key[:]})
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
