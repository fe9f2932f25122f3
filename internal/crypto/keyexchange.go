// Package crypto implements the hybrid encryption scheme used for call
// signaling and chat payloads: X25519 key exchange to protect small payloads
// (session keys, handshake blobs) and ChaCha20-Poly1305 for everything else.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrCryptoUnavailable indicates the host could not supply a secure RNG
	// or cipher suite.
	ErrCryptoUnavailable = errors.New("crypto: secure primitives unavailable")

	// ErrDecryptionFailed indicates an integrity or format mismatch while
	// opening an asymmetric envelope. No partial output is ever returned.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// hkdfInfo binds derived keys to this application.
const hkdfInfo = "callrelay-sealed-envelope-v1"

// KeyPair is an X25519 key pair. The public half is shared out-of-band via
// the profile directory; the private half never leaves the owning process.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// SealedEnvelope is the asymmetric wire unit: an ephemeral public key for
// ECDH plus an XChaCha20-Poly1305 box under the derived key.
type SealedEnvelope struct {
	EphemeralPublic []byte `json:"ephemeral_public" cbor:"1,keyasint"`
	Nonce           []byte `json:"nonce" cbor:"2,keyasint"`
	Ciphertext      []byte `json:"ciphertext" cbor:"3,keyasint"`
}

// GenerateKeyPair generates a fresh X25519 key pair, clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	private := make([]byte, 32)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	return &KeyPair{Public: public, Private: private}, nil
}

// EncryptForRecipient seals a small plaintext (a session key or signaling
// blob, not bulk media) under the recipient's public key. An ephemeral key
// pair is generated per call, so two seals of the same plaintext never share
// key material.
func EncryptForRecipient(plaintext, recipientPublic []byte) (*SealedEnvelope, error) {
	if len(recipientPublic) != 32 {
		return nil, fmt.Errorf("%w: recipient public key must be 32 bytes", ErrCryptoUnavailable)
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	key, err := deriveSealKey(ephemeral.Private, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	return &SealedEnvelope{
		EphemeralPublic: ephemeral.Public,
		Nonce:           nonce,
		Ciphertext:      aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// DecryptWithPrivateKey opens a sealed envelope with the recipient's private
// key. Any structural or integrity mismatch fails with ErrDecryptionFailed.
func DecryptWithPrivateKey(sealed *SealedEnvelope, private []byte) ([]byte, error) {
	if sealed == nil || len(sealed.EphemeralPublic) != 32 || len(private) != 32 {
		return nil, ErrDecryptionFailed
	}
	if len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveSealKey(private, sealed.EphemeralPublic)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveSealKey performs X25519 and HKDF-SHA256 to derive the box key.
func deriveSealKey(private, public []byte) ([]byte, error) {
	shared, err := curve25519.X25519(private, public)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
