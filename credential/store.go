// Package credential holds pairing credentials: the host static key issued
// for a device together with the opaque credential bytes the device handed
// out, keyed by the device's static public key.
//
// During a handshake the device reveals only a masked form of its static
// key. A [Store] recognises a known device by recomputing the mask from
// each stored device key and the session's ephemeral key.
package credential

import (
	"crypto/subtle"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/thp/crypto"
)

// Store is the credential lookup capability consulted once per handshake.
type Store interface {
	// Lookup returns the host private key and credential bytes for the
	// device identified by its ephemeral and masked static keys.
	Lookup(remoteEphemeral, remoteMaskedStatic []byte) (privateKey, credential []byte, ok bool)
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(remoteEphemeral, remoteMaskedStatic []byte) ([]byte, []byte, bool)

// Lookup implements Store.
func (f StoreFunc) Lookup(remoteEphemeral, remoteMaskedStatic []byte) ([]byte, []byte, bool) {
	return f(remoteEphemeral, remoteMaskedStatic)
}

// Credential is one stored pairing.
type Credential struct {
	DeviceStatic []byte `yaml:"device_static"`
	HostPrivate  []byte `yaml:"host_private"`
	Blob         []byte `yaml:"credential"`
}

func (c Credential) clone() Credential {
	return Credential{
		DeviceStatic: append([]byte(nil), c.DeviceStatic...),
		HostPrivate:  append([]byte(nil), c.HostPrivate...),
		Blob:         append([]byte(nil), c.Blob...),
	}
}

// MemoryStore keeps credentials in memory. It is safe for concurrent use.
type MemoryStore struct {
	suite   noise.CipherSuite
	mu      sync.RWMutex
	entries []Credential
}

// NewMemoryStore returns an empty store that masks with suite's hash and DH.
func NewMemoryStore(suite noise.CipherSuite) *MemoryStore {
	return &MemoryStore{suite: suite}
}

// Add stores c, replacing an entry for the same device.
func (s *MemoryStore) Add(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if subtle.ConstantTimeCompare(e.DeviceStatic, c.DeviceStatic) == 1 {
			s.entries[i] = c.clone()
			return
		}
	}
	s.entries = append(s.entries, c.clone())
}

// Len returns the number of stored credentials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns copies of all stored credentials.
func (s *MemoryStore) Entries() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(remoteEphemeral, remoteMaskedStatic []byte) ([]byte, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		masked, err := crypto.MaskStatic(s.suite, e.DeviceStatic, remoteEphemeral)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(masked, remoteMaskedStatic) == 1 {
			c := e.clone()
			return c.HostPrivate, c.Blob, true
		}
	}
	return nil, nil, false
}

// Wipe erases every stored private key and empties the store.
func (s *MemoryStore) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		crypto.ZeroBytes(e.HostPrivate)
	}
	s.entries = nil
}
