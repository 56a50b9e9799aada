package channel

import (
	"github.com/opd-ai/thp/credential"
	"github.com/opd-ai/thp/crypto"
)

// DefaultBufferSize holds the largest handshake message plus headroom for
// the device properties and a short pairing credential.
const DefaultBufferSize = 128

// Options configures a Host.
type Options struct {
	// Backend supplies the cipher suite and randomness. Defaults to
	// crypto.NewBackend().
	Backend crypto.Backend
	// Credentials is consulted once per handshake. Nil means every
	// handshake mints a fresh host identity.
	Credentials credential.Store
	// PairingCredential is presented to devices the store does not know.
	PairingCredential []byte
	// BufferSize is the capacity of the scratch buffer shared by outbound
	// messages and inbound reassembly.
	BufferSize int
}

// Option mutates Options.
type Option func(*Options)

// WithBackend sets the cryptographic backend.
func WithBackend(b crypto.Backend) Option {
	return func(o *Options) { o.Backend = b }
}

// WithCredentialStore sets the credential store.
func WithCredentialStore(s credential.Store) Option {
	return func(o *Options) { o.Credentials = s }
}

// WithPairingCredential sets the credential sent to unknown devices.
func WithPairingCredential(c []byte) Option {
	return func(o *Options) { o.PairingCredential = append([]byte(nil), c...) }
}

// WithBufferSize sets the scratch buffer capacity.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

func newOptions(opts []Option) Options {
	o := Options{BufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Backend == nil {
		o.Backend = crypto.NewBackend()
	}
	return o
}
