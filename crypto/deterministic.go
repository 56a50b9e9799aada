package crypto

import (
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20"
)

// DeterministicReader is a reproducible random stream: the ChaCha20
// keystream under a key derived from a seed. It is meant for tests and
// protocol vectors, never for production keys.
type DeterministicReader struct {
	mu     sync.Mutex
	cipher *chacha20.Cipher
}

// NewDeterministicReader derives a keystream from seed.
func NewDeterministicReader(seed []byte) *DeterministicReader {
	key := blake2s.Sum256(seed)
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		// Key and nonce sizes are fixed above.
		panic(err)
	}
	return &DeterministicReader{cipher: c}
}

// Read fills p with the next keystream bytes. It never fails.
func (r *DeterministicReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(p)
	r.cipher.XORKeyStream(p, p)
	return len(p), nil
}

// NewDeterministicBackend returns the default suite driven by a
// DeterministicReader seeded with seed.
func NewDeterministicBackend(seed []byte, opts ...BackendOption) *StandardBackend {
	opts = append([]BackendOption{WithRandom(NewDeterministicReader(seed))}, opts...)
	return NewBackend(opts...)
}
