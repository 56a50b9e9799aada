package crypto

import (
	"crypto/rand"
	"io"

	"github.com/flynn/noise"
)

// Backend supplies the primitives the protocol core calls through.
type Backend interface {
	// CipherSuite returns the DH function, AEAD cipher and hash.
	CipherSuite() noise.CipherSuite
	// Random returns the source of random bytes for nonces and keys.
	Random() io.Reader
}

// RandomBytes fills dest from the backend's random source.
func RandomBytes(b Backend, dest []byte) error {
	_, err := io.ReadFull(b.Random(), dest)
	return err
}

// TagLen is the authentication tag length of every supported AEAD.
const TagLen = 16

// StandardBackend is a Backend built from flynn/noise primitives.
type StandardBackend struct {
	suite noise.CipherSuite
	rng   io.Reader
}

// BackendOption configures a StandardBackend.
type BackendOption func(*backendConfig)

type backendConfig struct {
	dh     noise.DHFunc
	cipher noise.CipherFunc
	hash   noise.HashFunc
	rng    io.Reader
}

// WithChaChaPoly selects ChaCha20-Poly1305 instead of AES-256-GCM.
func WithChaChaPoly() BackendOption {
	return func(c *backendConfig) { c.cipher = noise.CipherChaChaPoly }
}

// WithBLAKE2s selects BLAKE2s instead of SHA-256.
func WithBLAKE2s() BackendOption {
	return func(c *backendConfig) { c.hash = noise.HashBLAKE2s }
}

// WithRandom replaces the random source.
func WithRandom(r io.Reader) BackendOption {
	return func(c *backendConfig) { c.rng = r }
}

// NewBackend returns the default THP backend: X25519, AES-256-GCM and
// SHA-256 with crypto/rand as the random source.
func NewBackend(opts ...BackendOption) *StandardBackend {
	cfg := backendConfig{
		dh:     noise.DH25519,
		cipher: noise.CipherAESGCM,
		hash:   noise.HashSHA256,
		rng:    rand.Reader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StandardBackend{
		suite: noise.NewCipherSuite(cfg.dh, cfg.cipher, cfg.hash),
		rng:   cfg.rng,
	}
}

// CipherSuite implements Backend.
func (b *StandardBackend) CipherSuite() noise.CipherSuite { return b.suite }

// Random implements Backend.
func (b *StandardBackend) Random() io.Reader { return b.rng }
