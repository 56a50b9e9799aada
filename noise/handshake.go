package noise

import (
	"bytes"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/crypto"
)

const domain = "noise"

// Phase is the variant of the handshake/transport state.
type Phase uint8

const (
	// PhaseInitial holds no key material.
	PhaseInitial Phase = iota
	// PhaseHandshaking holds the transcript and the local ephemeral key.
	PhaseHandshaking
	// PhaseEstablished holds the two transport ciphers.
	PhaseEstablished
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// CredentialLookup decides whether the device behind a handshake is already
// known. It receives the device's ephemeral and masked static public keys
// and returns the host static private key used for that device together
// with the credential to present.
type CredentialLookup func(remoteEphemeral, remoteMaskedStatic []byte) (privateKey, credential []byte, ok bool)

// HostHandshake is the host's handshake and transport cryptographic state.
//
// flynn/noise fixes the local static key when a handshake state is created,
// while the host only learns which static key to use after reading the
// device's reply. The engine therefore records the random bytes consumed
// for the ephemeral key, and on completion replays the first two messages
// on a new handshake state that carries the chosen static key. The replay
// is deterministic and reproduces the same transcript.
type HostHandshake struct {
	backend crypto.Backend
	phase   Phase

	// handshaking
	prologue     []byte
	firstPayload []byte
	seed         []byte

	// established
	send         *noise.CipherState
	recv         *noise.CipherState
	hash         []byte
	remoteStatic []byte
	localStatic  noise.DHKey
}

// NewHostHandshake returns an engine in PhaseInitial.
func NewHostHandshake(b crypto.Backend) *HostHandshake {
	return &HostHandshake{backend: b}
}

// Phase returns the current variant.
func (h *HostHandshake) Phase() Phase { return h.phase }

// InitiationResponseLen is the exact size of the device's handshake reply:
// its ephemeral key, its encrypted static key and an empty encrypted payload.
func (h *HostHandshake) InitiationResponseLen() int {
	dh := h.backend.CipherSuite().DHLen()
	return dh + (dh + crypto.TagLen) + crypto.TagLen
}

func (h *HostHandshake) config(rng io.Reader, static noise.DHKey) noise.Config {
	return noise.Config{
		CipherSuite:   h.backend.CipherSuite(),
		Random:        rng,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		Prologue:      h.prologue,
		StaticKeypair: static,
	}
}

// recordingReader remembers every byte read through it.
type recordingReader struct {
	r   io.Reader
	buf bytes.Buffer
}

func (r *recordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.buf.Write(p[:n])
	return n, err
}

// StartPairing writes the first handshake message (the host ephemeral key
// and a one-byte unlock intent) into dest and returns its length.
func (h *HostHandshake) StartPairing(deviceProperties []byte, tryToUnlock bool, dest []byte) (int, error) {
	if h.phase != PhaseInitial {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "start pairing in phase %s", h.phase)
	}
	payload := []byte{0}
	if tryToUnlock {
		payload[0] = 1
	}
	need := h.backend.CipherSuite().DHLen() + len(payload)
	if len(dest) < need {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "initiation request needs %d bytes, have %d", need, len(dest))
	}

	h.prologue = append([]byte(nil), deviceProperties...)
	rec := &recordingReader{r: h.backend.Random()}
	state, err := noise.NewHandshakeState(h.config(rec, noise.DHKey{}))
	if err != nil {
		return 0, thp.Wrap(domain, thp.ErrHandshakeFailed, "create handshake state: %v", err)
	}
	msg, _, _, err := state.WriteMessage(nil, payload)
	if err != nil {
		return 0, thp.Wrap(domain, thp.ErrHandshakeFailed, "write initiation request: %v", err)
	}

	n := copy(dest, msg)
	h.firstPayload = payload
	h.seed = rec.buf.Bytes()
	h.phase = PhaseHandshaking

	crypto.NewLogger(domain, "StartPairing").
		WithField("message_len", n).
		WithField("prologue_len", len(h.prologue)).
		WithField("try_to_unlock", tryToUnlock).
		Debug("Wrote handshake initiation request")
	return n, nil
}

// CompletePairing processes the device's reply, picks the host static key
// and credential through lookup (minting a fresh key and sending credential
// when lookup is nil or misses), and writes the final handshake message into
// dest. On success the engine is established. Length and buffer failures
// leave the engine in PhaseHandshaking.
func (h *HostHandshake) CompletePairing(incoming []byte, lookup CredentialLookup, credential, dest []byte) (int, error) {
	if h.phase != PhaseHandshaking {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "complete pairing in phase %s", h.phase)
	}
	if len(incoming) != h.InitiationResponseLen() {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "initiation response of %d bytes, want %d", len(incoming), h.InitiationResponseLen())
	}

	probe, err := h.replay(noise.DHKey{}, incoming)
	if err != nil {
		crypto.NewLogger(domain, "CompletePairing").
			WithError(err, "replay").
			Error("Initiation response rejected")
		return 0, err
	}
	remoteEphemeral := probe.PeerEphemeral()
	remoteStatic := probe.PeerStatic()
	if len(remoteEphemeral) == 0 || len(remoteStatic) == 0 {
		return 0, thp.Wrap(domain, thp.ErrHandshakeFailed, "device keys missing from initiation response")
	}

	local, credential, known, err := h.pickStatic(lookup, remoteEphemeral, remoteStatic, credential)
	if err != nil {
		return 0, err
	}
	established := false
	defer func() {
		if !established {
			crypto.WipeKeyPair(&local)
		}
	}()
	need := h.backend.CipherSuite().DHLen() + crypto.TagLen + len(credential) + crypto.TagLen
	if len(dest) < need {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "completion request needs %d bytes, have %d", need, len(dest))
	}

	final, err := h.replay(local, incoming)
	if err != nil {
		return 0, err
	}
	msg, send, recv, err := final.WriteMessage(nil, credential)
	if err != nil {
		return 0, thp.Wrap(domain, thp.ErrHandshakeFailed, "write completion request: %v", err)
	}
	if send == nil || recv == nil {
		return 0, thp.Wrap(domain, thp.ErrHandshakeFailed, "handshake did not complete")
	}

	n := copy(dest, msg)
	h.send = send
	h.recv = recv
	h.hash = append([]byte(nil), final.ChannelBinding()...)
	h.remoteStatic = append([]byte(nil), remoteStatic...)
	h.localStatic = local
	established = true
	crypto.ZeroBytes(h.seed)
	h.seed = nil
	h.phase = PhaseEstablished

	crypto.NewLogger(domain, "CompletePairing").
		WithField("message_len", n).
		WithField("known_device", known).
		WithKey("remote_static", h.remoteStatic).
		Debug("Handshake established")
	return n, nil
}

// replay rebuilds the transcript up to and including the device's reply on
// a fresh state carrying static.
func (h *HostHandshake) replay(static noise.DHKey, incoming []byte) (*noise.HandshakeState, error) {
	state, err := noise.NewHandshakeState(h.config(bytes.NewReader(h.seed), static))
	if err != nil {
		return nil, thp.Wrap(domain, thp.ErrHandshakeFailed, "create handshake state: %v", err)
	}
	if _, _, _, err := state.WriteMessage(nil, h.firstPayload); err != nil {
		return nil, thp.Wrap(domain, thp.ErrHandshakeFailed, "replay initiation request: %v", err)
	}
	if _, _, _, err := state.ReadMessage(nil, incoming); err != nil {
		return nil, thp.Wrap(domain, thp.ErrHandshakeFailed, "read initiation response: %v", err)
	}
	return state, nil
}

// pickStatic resumes a stored host key when lookup knows the device and
// otherwise mints one and sends fallback.
func (h *HostHandshake) pickStatic(lookup CredentialLookup, remoteEphemeral, remoteStatic, fallback []byte) (noise.DHKey, []byte, bool, error) {
	if lookup != nil {
		if priv, cred, ok := lookup(remoteEphemeral, remoteStatic); ok {
			kp, err := crypto.KeyPairFromPrivate(h.backend.CipherSuite(), priv)
			if err != nil {
				return noise.DHKey{}, nil, false, thp.Wrap(domain, thp.ErrHandshakeFailed, "stored host key: %v", err)
			}
			return kp, cred, true, nil
		}
	}
	kp, err := crypto.GenerateKeyPair(h.backend)
	if err != nil {
		return noise.DHKey{}, nil, false, thp.Wrap(domain, thp.ErrHandshakeFailed, "mint host key: %v", err)
	}
	return kp, fallback, false, nil
}

// Encrypt seals the first plaintextLen bytes of buf in place and appends the
// authentication tag. It returns the ciphertext length.
func (h *HostHandshake) Encrypt(buf []byte, plaintextLen int) (int, error) {
	if h.phase != PhaseEstablished {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "encrypt in phase %s", h.phase)
	}
	if plaintextLen < 0 || len(buf) < plaintextLen+crypto.TagLen {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "need %d bytes for ciphertext, have %d", plaintextLen+crypto.TagLen, len(buf))
	}
	out, err := h.send.Encrypt(buf[:0], nil, buf[:plaintextLen])
	if err != nil {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "send cipher: %v", err)
	}
	return len(out), nil
}

// Decrypt opens buf in place, treating its last 16 bytes as the tag, and
// returns the plaintext length.
func (h *HostHandshake) Decrypt(buf []byte) (int, error) {
	if h.phase != PhaseEstablished {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "decrypt in phase %s", h.phase)
	}
	if len(buf) < crypto.TagLen {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "ciphertext of %d bytes is shorter than the tag", len(buf))
	}
	out, err := h.recv.Decrypt(buf[:0], nil, buf)
	if err != nil {
		return 0, thp.Wrap(domain, thp.ErrInvalidDigest, "receive cipher: %v", err)
	}
	return len(out), nil
}

// HandshakeHash returns the transcript hash once established.
func (h *HostHandshake) HandshakeHash() []byte {
	return append([]byte(nil), h.hash...)
}

// RemoteStatic returns the device's (masked) static public key once established.
func (h *HostHandshake) RemoteStatic() []byte {
	return append([]byte(nil), h.remoteStatic...)
}

// LocalStatic returns a copy of the host static key pair used in the
// handshake, so a new pairing can be persisted.
func (h *HostHandshake) LocalStatic() noise.DHKey {
	return noise.DHKey{
		Private: append([]byte(nil), h.localStatic.Private...),
		Public:  append([]byte(nil), h.localStatic.Public...),
	}
}
