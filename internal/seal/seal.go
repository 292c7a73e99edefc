// Package seal encrypts stored payloads with XChaCha20-Poly1305.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a raw key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrOpen is returned when a sealed payload is truncated, tampered with, or
// was sealed under a different key or associated data.
var ErrOpen = errors.New("seal: cannot open payload")

// Box seals and opens payloads under one key. Safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// ParseKey decodes a base64 (standard or URL alphabet) key of KeySize bytes.
func ParseKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("seal: key is %d bytes, want %d", len(key), KeySize)
		}
		return key, nil
	}
	return nil, errors.New("seal: key is not valid base64")
}

// New returns a Box for key, which must be KeySize bytes.
func New(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad. The random nonce is prepended.
func (b *Box) Seal(plaintext, aad []byte) []byte {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("seal: read nonce: %v", err))
	}
	return b.aead.Seal(nonce, nonce, plaintext, aad)
}

// Open reverses Seal. aad must match the value used to seal.
func (b *Box) Open(sealed, aad []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrOpen
	}
	out, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}
