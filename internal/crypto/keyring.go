package crypto

import (
	"sync"
)

// KeyRing caches per-peer conversation keys for the lifetime of a local
// session. Keys are created lazily on the first secure exchange with a peer
// and are never written to disk by this package.
type KeyRing struct {
	mu   sync.Mutex
	keys map[string]SymmetricKey
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]SymmetricKey)}
}

// SessionKey returns the cached conversation key for peerID, generating and
// caching a fresh one on first use.
func (r *KeyRing) SessionKey(peerID string) (SymmetricKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[peerID]; ok {
		return key, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	r.keys[peerID] = key
	return key, nil
}

// SetSessionKey stores a key received from a peer (decrypted from its
// sealed transport form), replacing any existing key for that peer.
func (r *KeyRing) SetSessionKey(peerID string, key SymmetricKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[peerID] = key
}

// Forget drops the cached key for peerID. Safe to call when absent.
func (r *KeyRing) Forget(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, peerID)
}

// EncryptedKeyMap is an ordered mapping from user identity to the sealed
// transport form of a conversation key. Insertion order is preserved for
// iteration; writes to an existing user are last-write-wins.
type EncryptedKeyMap struct {
	mu      sync.RWMutex
	entries map[string]*SealedEnvelope
	order   []string
}

// NewEncryptedKeyMap creates an empty map.
func NewEncryptedKeyMap() *EncryptedKeyMap {
	return &EncryptedKeyMap{entries: make(map[string]*SealedEnvelope)}
}

// Put inserts or overwrites the sealed key for userID.
func (m *EncryptedKeyMap) Put(userID string, sealed *SealedEnvelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[userID]; !ok {
		m.order = append(m.order, userID)
	}
	m.entries[userID] = sealed
}

// Get returns the sealed key for userID, or nil if absent.
func (m *EncryptedKeyMap) Get(userID string) *SealedEnvelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[userID]
}

// Merge applies every entry of other to m, last-write-wins per user.
func (m *EncryptedKeyMap) Merge(other *EncryptedKeyMap) {
	if other == nil || other == m {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	for _, userID := range other.order {
		m.Put(userID, other.entries[userID])
	}
}

// Users returns user identities in insertion order.
func (m *EncryptedKeyMap) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of entries.
func (m *EncryptedKeyMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a plain map copy for serialization.
func (m *EncryptedKeyMap) Snapshot() map[string]*SealedEnvelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*SealedEnvelope, len(m.entries))
	for userID, sealed := range m.entries {
		out[userID] = sealed
	}
	return out
}

// SealKeyFor seals a conversation key for one recipient.
func SealKeyFor(key SymmetricKey, recipientPublic []byte) (*SealedEnvelope, error) {
	return EncryptForRecipient(key, recipientPublic)
}

// OpenKey recovers a conversation key from its sealed transport form.
func OpenKey(sealed *SealedEnvelope, private []byte) (SymmetricKey, error) {
	plaintext, err := DecryptWithPrivateKey(sealed, private)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != KeySize {
		return nil, ErrDecryptionFailed
	}
	return SymmetricKey(plaintext), nil
}
