package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeyBox seals and opens provider API keys with NaCl secretbox. The sealed
// form is nonce || ciphertext.
type KeyBox struct {
	key [32]byte
}

// NewKeyBox wraps the master key.
func NewKeyBox(key [32]byte) *KeyBox {
	return &KeyBox{key: key}
}

// Seal encrypts plaintext under a fresh random nonce.
func (b *KeyBox) Seal(plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key), nil
}

// Open decrypts a value produced by Seal.
func (b *KeyBox) Open(sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", errors.New("store: sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return "", errors.New("store: decryption failed")
	}
	return string(plaintext), nil
}
