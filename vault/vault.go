package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryption signals a malformed or tampered blob. It deliberately
// carries no detail about the key, nonce, or failure mode.
var ErrDecryption = errors.New("vault: decryption failed")

// Vault seals and opens credential payloads with a process-wide key loaded
// once at startup. It holds no other state.
type Vault struct {
	key []byte
}

// New validates the key length and returns a ready Vault.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Vault{key: k}, nil
}

// Seal encrypts plaintext with a fresh random nonce. The blob layout is
// nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Any structural or authentication
// failure yields ErrDecryption.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryption
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
