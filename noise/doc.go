// Package noise implements the host role of the THP handshake on top of the
// flynn/noise library.
//
// # Message Flow
//
// The exchange follows the Noise XX pattern. Both sides reveal ephemeral
// and static keys; the device properties received during channel
// allocation are mixed in as the prologue, so a man in the middle cannot
// alter them without breaking the handshake:
//
//	Host                                       Device
//	────                                       ──────
//	-> e, [try_to_unlock]
//	                                           <- e, ee, s, es
//	-> s, se, [pairing credential]
//	                                           <- [device state] (encrypted)
//
// The device hides its long-term key behind a per-session mask, so the
// static key the host sees is the masked key. A [CredentialLookup] maps
// (device ephemeral, masked static) to the host key used with that device
// before; a miss makes the host mint a fresh identity.
//
// # State
//
// [HostHandshake] moves through three phases and never goes back:
//
//	PhaseInitial ──StartPairing──▶ PhaseHandshaking ──CompletePairing──▶ PhaseEstablished
//
// Once established, [HostHandshake.Encrypt] and [HostHandshake.Decrypt]
// work in place: the final 16 bytes of a ciphertext are the tag and no
// associated data is used. A failed decrypt is reported as
// thp.ErrInvalidDigest and leaves the phase unchanged; the caller treats
// the channel as unusable.
//
// Example:
//
//	hs := noise.NewHostHandshake(crypto.NewBackend())
//	n, err := hs.StartPairing(deviceProperties, false, buf)
//	// send buf[:n], receive reply ...
//	n, err = hs.CompletePairing(reply, lookup, credential, buf)
//	// send buf[:n], receive encrypted device state ...
//	n, err = hs.Decrypt(state)
package noise
