// Package emulator is a minimal THP device: it allocates channels, answers
// the Noise XX handshake as responder, acknowledges every sequenced message
// and echoes encrypted transport messages back to the host.
//
// It exists to exercise hosts end to end, in tests and from the thp-probe
// command. Pairing and real application messages are not emulated.
package emulator

import (
	"encoding/binary"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/altbit"
	"github.com/opd-ai/thp/crypto"
	"github.com/opd-ai/thp/fragment"
	"github.com/opd-ai/thp/wire"
	"github.com/sirupsen/logrus"
)

const (
	domain = "emulator"

	// reassemblyBufferLen bounds the messages a session accepts.
	reassemblyBufferLen = 4096
	// maxPropertiesLen is the largest device properties blob hosts accept.
	maxPropertiesLen = 64
)

// DefaultProperties is an encoded device properties blob (internal model
// "T3W1", model variant 5, protocol version 2.0).
var DefaultProperties = []byte{0x0a, 0x04, 'T', '3', 'W', '1', 0x10, 0x05, 0x18, 0x02, 0x20, 0x00}

// Device answers host datagrams. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	backend    crypto.Backend
	static     noise.DHKey
	properties []byte
	state      thp.DeviceState
	locked     bool
	packetLen  int
	nextCID    uint16

	sessions    map[uint16]*session
	credentials [][]byte
}

type session struct {
	cid   uint16
	sync  *altbit.Tracker
	reasm *fragment.Reassembler
	buf   []byte

	hs         *noise.HandshakeState
	send       *noise.CipherState
	recv       *noise.CipherState
	hash       []byte
	hostStatic []byte

	lastReply [][]byte
}

// Option configures a Device.
type Option func(*Device)

// WithBackend selects the cipher suite and randomness.
func WithBackend(b crypto.Backend) Option {
	return func(d *Device) { d.backend = b }
}

// WithStaticKey fixes the device identity instead of generating one.
func WithStaticKey(kp noise.DHKey) Option {
	return func(d *Device) { d.static = kp }
}

// WithProperties sets the device properties returned on allocation.
func WithProperties(p []byte) Option {
	return func(d *Device) { d.properties = append([]byte(nil), p...) }
}

// WithState sets the pairing state reported after the handshake.
func WithState(s thp.DeviceState) Option {
	return func(d *Device) { d.state = s }
}

// WithLocked makes the device refuse handshakes that do not ask to unlock.
func WithLocked() Option {
	return func(d *Device) { d.locked = true }
}

// WithPacketLen sets the datagram size of replies.
func WithPacketLen(n int) Option {
	return func(d *Device) { d.packetLen = n }
}

// WithFirstChannelID sets the first channel id handed out.
func WithFirstChannelID(cid uint16) Option {
	return func(d *Device) { d.nextCID = cid }
}

// New creates a device. Without options it reports itself as paired, uses
// the default backend and generates a fresh static key.
func New(opts ...Option) (*Device, error) {
	d := &Device{
		properties: DefaultProperties,
		state:      thp.DevicePaired,
		packetLen:  wire.DefaultPacketLen,
		nextCID:    0x1234,
		sessions:   make(map[uint16]*session),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.backend == nil {
		d.backend = crypto.NewBackend()
	}
	if len(d.properties) > maxPropertiesLen {
		return nil, thp.Wrap(domain, thp.ErrInsufficientBuffer, "device properties of %d bytes exceed %d", len(d.properties), maxPropertiesLen)
	}
	if d.packetLen < wire.MinPacketLen {
		return nil, thp.Wrap(domain, thp.ErrInsufficientBuffer, "packet length %d below minimum %d", d.packetLen, wire.MinPacketLen)
	}
	if d.static.Public == nil {
		kp, err := crypto.GenerateKeyPair(d.backend)
		if err != nil {
			return nil, err
		}
		d.static = kp
	}
	return d, nil
}

// StaticKey returns the device's static public key.
func (d *Device) StaticKey() []byte {
	return append([]byte(nil), d.static.Public...)
}

// Properties returns the device properties blob.
func (d *Device) Properties() []byte {
	return append([]byte(nil), d.properties...)
}

// Credentials returns the pairing credentials hosts presented so far.
func (d *Device) Credentials() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.credentials))
	for i, c := range d.credentials {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// HandshakeHash returns the transcript hash of an established channel.
func (d *Device) HandshakeHash(cid uint16) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[cid]; ok {
		return append([]byte(nil), s.hash...)
	}
	return nil
}

// HostStatic returns the host static key seen on an established channel.
func (d *Device) HostStatic(cid uint16) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[cid]; ok {
		return append([]byte(nil), s.hostStatic...)
	}
	return nil
}

// Handle consumes one datagram and returns the datagrams to send back, in
// order. Datagrams that belong to no known exchange are ignored.
func (d *Device) Handle(datagram []byte) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrl, err := wire.PeekControl(datagram)
	if err != nil {
		return nil, err
	}
	if ctrl.IsContinuation() {
		cid, err := wire.ParseContinuation(datagram)
		if err != nil {
			return nil, err
		}
		s, ok := d.sessions[cid]
		if !ok || s.reasm == nil {
			return nil, nil
		}
		if err := s.reasm.Update(datagram, s.buf); err != nil {
			s.reasm = nil
			return nil, err
		}
		return d.complete(s)
	}

	h, err := wire.ParseHeader(datagram)
	if err != nil {
		return nil, err
	}
	if h.ChannelID == wire.BroadcastChannelID {
		if h.Kind() != wire.KindChannelAllocationRequest {
			return nil, nil
		}
		return d.allocate(datagram)
	}

	s, ok := d.sessions[h.ChannelID]
	if !ok {
		return [][]byte{d.errorReply(h.ChannelID, thp.TransportUnallocatedChannel)}, nil
	}
	if h.IsAck() {
		s.sync.SendMarkDelivered(h.Control.AckBit())
		return nil, nil
	}
	if !h.Kind().IsSequenced() {
		return nil, nil
	}

	if bit := h.Control.SeqBit(); !s.sync.IsNew(bit) {
		s.reasm = nil
		s.sync.Reacknowledge()
		logrus.WithFields(logrus.Fields{
			"function":   "Handle",
			"package":    domain,
			"channel_id": s.cid,
			"sync_bit":   bit,
		}).Debug("Repeating acknowledgment and reply for retransmitted message")
		return append([][]byte{d.ack(s)}, s.lastReply...), nil
	}

	s.reasm, err = fragment.NewReassembler(datagram, s.buf)
	if err != nil {
		return nil, err
	}
	return d.complete(s)
}

func (d *Device) allocate(datagram []byte) ([][]byte, error) {
	var buf [wire.NonceLen + wire.ChecksumLen]byte
	r, err := fragment.NewReassembler(datagram, buf[:])
	if err != nil {
		return nil, err
	}
	n, err := r.Verify(buf[:])
	if err != nil {
		return nil, err
	}
	if n != wire.NonceLen {
		return nil, thp.Wrap(domain, thp.ErrMalformedData, "allocation nonce of %d bytes", n)
	}

	cid := d.nextCID
	d.nextCID++
	if d.nextCID == wire.BroadcastChannelID {
		d.nextCID = 1
	}
	d.sessions[cid] = &session{
		cid:  cid,
		sync: altbit.New(),
		buf:  make([]byte, reassemblyBufferLen),
	}

	payload := make([]byte, wire.NonceLen+2, wire.NonceLen+2+len(d.properties))
	copy(payload, buf[:wire.NonceLen])
	binary.BigEndian.PutUint16(payload[wire.NonceLen:], cid)
	payload = append(payload, d.properties...)

	h, err := wire.NewChannelResponse(len(payload))
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":   "allocate",
		"package":    domain,
		"channel_id": cid,
	}).Debug("Allocated channel")
	return d.fragment(h, 0, payload)
}

func (d *Device) complete(s *session) ([][]byte, error) {
	if !s.reasm.IsDone() {
		return nil, nil
	}
	r := s.reasm
	s.reasm = nil
	n, err := r.Verify(s.buf)
	if err != nil {
		return nil, err
	}

	s.sync.ReceiveStart(r.Header().Control.SeqBit())
	if s.sync.Outstanding() {
		// a new message from the host implies it received our last one
		s.sync.SendMarkDelivered(s.sync.SendBit())
	}
	out := [][]byte{d.ack(s)}

	kind, reply, code := d.respond(s, r.Header().Kind(), s.buf[:n])
	if code != 0 {
		out = append(out, d.errorReply(s.cid, code))
		return out, nil
	}

	bit, err := s.sync.SendStart()
	if err != nil {
		return nil, err
	}
	h, err := wire.NewData(s.cid, kind, len(reply))
	if err != nil {
		return nil, err
	}
	packets, err := d.fragment(h, bit, reply)
	if err != nil {
		return nil, err
	}
	s.sync.SendFinish()
	s.lastReply = packets
	return append(out, packets...), nil
}

// respond produces the reply to a complete message, or a transport error code.
func (d *Device) respond(s *session, kind wire.MessageKind, msg []byte) (wire.MessageKind, []byte, thp.TransportErrorCode) {
	log := logrus.WithFields(logrus.Fields{
		"function":   "respond",
		"package":    domain,
		"channel_id": s.cid,
		"kind":       kind.String(),
	})

	switch kind {
	case wire.KindHandshakeInitiationRequest:
		if s.send != nil {
			return 0, nil, thp.TransportInvalidData
		}
		hs, err := noise.NewHandshakeState(noise.Config{
			CipherSuite:   d.backend.CipherSuite(),
			Random:        d.backend.Random(),
			Pattern:       noise.HandshakeXX,
			Prologue:      d.properties,
			StaticKeypair: d.static,
		})
		if err != nil {
			return 0, nil, thp.TransportInvalidData
		}
		unlock, _, _, err := hs.ReadMessage(nil, msg)
		if err != nil {
			log.WithError(err).Debug("Rejecting handshake initiation")
			return 0, nil, thp.TransportInvalidData
		}
		if d.locked && !(len(unlock) == 1 && unlock[0] == 1) {
			return 0, nil, thp.TransportDeviceLocked
		}
		reply, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return 0, nil, thp.TransportInvalidData
		}
		s.hs = hs
		return wire.KindHandshakeInitiationResponse, reply, 0

	case wire.KindHandshakeCompletionRequest:
		if s.hs == nil {
			return 0, nil, thp.TransportInvalidData
		}
		credential, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
		if err != nil || cs1 == nil {
			log.WithField("error", err).Debug("Rejecting handshake completion")
			return 0, nil, thp.TransportDecryptionFailed
		}
		s.recv, s.send = cs1, cs2
		s.hash = append([]byte(nil), s.hs.ChannelBinding()...)
		s.hostStatic = append([]byte(nil), s.hs.PeerStatic()...)
		s.hs = nil
		d.credentials = append(d.credentials, append([]byte(nil), credential...))

		state, err := s.send.Encrypt(nil, nil, []byte{byte(d.state)})
		if err != nil {
			return 0, nil, thp.TransportInvalidData
		}
		log.WithField("device_state", d.state.String()).Debug("Handshake complete")
		return wire.KindHandshakeCompletionResponse, state, 0

	case wire.KindEncryptedTransport:
		if s.recv == nil {
			return 0, nil, thp.TransportInvalidData
		}
		plain, err := s.recv.Decrypt(nil, nil, msg)
		if err != nil {
			return 0, nil, thp.TransportDecryptionFailed
		}
		echo, err := s.send.Encrypt(nil, nil, plain)
		if err != nil {
			return 0, nil, thp.TransportInvalidData
		}
		return wire.KindEncryptedTransport, echo, 0
	}
	return 0, nil, thp.TransportInvalidData
}

func (d *Device) fragment(h wire.Header, bit uint8, payload []byte) ([][]byte, error) {
	f, err := fragment.NewFragmenter(h, bit, payload)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for !f.IsDone() {
		pkt := make([]byte, d.packetLen)
		if _, err := f.Next(payload, pkt); err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

func (d *Device) ack(s *session) []byte {
	pkt := make([]byte, d.packetLen)
	// packetLen is validated against MinPacketLen in New
	_, _ = fragment.Single(wire.NewAck(s.cid), s.sync.ReceiveAcknowledge(), nil, pkt)
	return pkt
}

func (d *Device) errorReply(cid uint16, code thp.TransportErrorCode) []byte {
	pkt := make([]byte, d.packetLen)
	_, _ = fragment.Single(wire.NewError(cid), 0, []byte{byte(code)}, pkt)
	logrus.WithFields(logrus.Fields{
		"function":   "errorReply",
		"package":    domain,
		"channel_id": cid,
		"code":       code.String(),
	}).Debug("Replying with transport error")
	return pkt
}
