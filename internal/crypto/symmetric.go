package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrAuthenticationFailed indicates the envelope's tag check failed:
	// the payload was tampered with or decrypted under the wrong key.
	ErrAuthenticationFailed = errors.New("crypto: envelope authentication failed")

	// ErrMalformedEnvelope indicates a structurally invalid envelope.
	ErrMalformedEnvelope = errors.New("crypto: malformed envelope")
)

// KeySize is the size of a conversation key in bytes.
const KeySize = chacha20poly1305.KeySize

// SymmetricKey is an opaque 256-bit conversation key. One exists per
// chat/call relationship and is only ever transported inside a
// SealedEnvelope addressed to the peer's public key.
type SymmetricKey []byte

// Envelope is the canonical symmetric wire unit. The Poly1305 tag is
// appended to Ciphertext by the AEAD seal; Nonce is 96 bits and is drawn
// fresh from the CSPRNG on every Encrypt.
type Envelope struct {
	Nonce      []byte `json:"nonce" cbor:"1,keyasint"`
	Ciphertext []byte `json:"ciphertext" cbor:"2,keyasint"`
}

// GenerateKey generates a fresh 256-bit symmetric key.
func GenerateKey() (SymmetricKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return key, nil
}

// Encrypt seals an arbitrary-length plaintext under key. The nonce is
// sourced from the CSPRNG inside this function, so nonce reuse with the
// same key is prevented by construction.
func Encrypt(plaintext []byte, key SymmetricKey) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	return &Envelope{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope. A structurally invalid envelope fails with
// ErrMalformedEnvelope; a tag mismatch (tampering or wrong key) fails with
// ErrAuthenticationFailed. Garbage plaintext is never returned.
func Decrypt(env *Envelope, key SymmetricKey) ([]byte, error) {
	if env == nil || len(env.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrMalformedEnvelope
	}
	if len(env.Ciphertext) < chacha20poly1305.Overhead {
		return nil, ErrMalformedEnvelope
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
