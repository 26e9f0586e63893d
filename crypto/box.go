package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

// ErrOpen indicates a sealed box could not be authenticated with the given keys.
var ErrOpen = errors.New("crypto: box authentication failed")

// Sealed is an authenticated box from one keypair to another.
type Sealed struct {
	Nonce []byte `json:"nonce"`
	Box   []byte `json:"box"`
}

// Seal encrypts and authenticates plaintext from senderPrivate to recipientPublic.
func Seal(plaintext []byte, recipientPublic, senderPrivate *[KeySize]byte) (Sealed, error) {
	if recipientPublic == nil || senderPrivate == nil {
		return Sealed{}, errors.New("seal: keys are required")
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := box.Seal(nil, plaintext, &nonce, recipientPublic, senderPrivate)
	return Sealed{Nonce: nonce[:], Box: out}, nil
}

// Open verifies and decrypts a box sealed by senderPublic for recipientPrivate.
func Open(sealed Sealed, senderPublic, recipientPrivate *[KeySize]byte) ([]byte, error) {
	if senderPublic == nil || recipientPrivate == nil {
		return nil, errors.New("open: keys are required")
	}
	if len(sealed.Nonce) != nonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrOpen, len(sealed.Nonce))
	}
	if len(sealed.Box) < box.Overhead {
		return nil, fmt.Errorf("%w: box too short", ErrOpen)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed.Nonce)

	plaintext, ok := box.Open(nil, sealed.Box, &nonce, senderPublic, recipientPrivate)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealAnonymous encrypts plaintext so only the holder of recipientPublic's private key can read it.
func SealAnonymous(plaintext []byte, recipientPublic *[KeySize]byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, plaintext, recipientPublic, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal anonymous: %w", err)
	}
	return out, nil
}

// OpenAnonymous decrypts a SealAnonymous box with the recipient keypair.
func OpenAnonymous(sealed []byte, recipientPublic, recipientPrivate *[KeySize]byte) ([]byte, error) {
	plaintext, ok := box.OpenAnonymous(nil, sealed, recipientPublic, recipientPrivate)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func curve25519Base(private []byte) ([]byte, error) {
	out, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return out, nil
}
