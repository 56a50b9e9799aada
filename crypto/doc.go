// Package crypto is the cryptographic backend boundary of the THP host.
//
// The protocol core never implements primitives. Everything it needs, a
// Diffie-Hellman function, an AEAD cipher, a hash and a source of random
// bytes, comes from a [Backend] injected into the channel. A backend is a
// flynn/noise cipher suite plus an io.Reader:
//
//	backend := crypto.NewBackend()                       // X25519, AES-256-GCM, SHA-256
//	backend := crypto.NewBackend(crypto.WithChaChaPoly()) // X25519, ChaCha20-Poly1305, SHA-256
//	backend := crypto.NewDeterministicBackend(seed)       // reproducible randomness for tests
//
// # Key Helpers
//
// [KeyPairFromPrivate] rebuilds a key pair from a stored private key using
// the backend's own key generation, so it works for any DH function that
// derives its private key from the random stream. [HashOfTwo] and
// [MaskStatic] implement the static-key masking rule the device applies
// before revealing its identity, which the credential store needs to
// recognise a previously paired device.
//
// # Logging
//
// [LoggerHelper] builds logrus entries with a consistent "package" and
// "function" key. Key material is only ever logged through
// [LoggerHelper.WithKey], which records a short hex prefix and the length.
package crypto
