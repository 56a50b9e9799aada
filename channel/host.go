// Package channel implements the host side of a THP channel: allocation,
// the handshake and the encrypted transport, driven through a datagram pump.
//
// A Host performs no I/O. The owner of the transport calls DataOut until it
// returns false, sends the datagrams, and feeds every received datagram to
// DataIn until it returns false. Retransmission and timeouts are the
// owner's business; see package transport for a driver that does both.
//
//	h := channel.NewHost()
//	h.Alloc(false)
//	for !h.HandshakeDone() {
//		for { more, err := h.DataOut(pkt); if !more { break }; send(pkt) }
//		for { more, err := h.DataIn(recv()); if !more { break } }
//	}
//
// A Host must not be used from several goroutines at once.
package channel

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/altbit"
	"github.com/opd-ai/thp/crypto"
	"github.com/opd-ai/thp/fragment"
	thpnoise "github.com/opd-ai/thp/noise"
	"github.com/opd-ai/thp/wire"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

const (
	domain = "channel"

	// MaxDevicePropertiesLen bounds the properties blob of an allocation response.
	MaxDevicePropertiesLen = 64
)

// ErrPairingUnsupported is returned for messages that arrive while the
// channel is in a pairing state. It matches thp.ErrUnexpectedInput.
var ErrPairingUnsupported = fmt.Errorf("%w: pairing is not implemented", thp.ErrUnexpectedInput)

// Host is the host role of a channel.
type Host struct {
	opts  Options
	state HostState
	cid   uint16
	sync  *altbit.Tracker
	hs    *thpnoise.HostHandshake

	// buf holds either the outbound message or the inbound reassembly.
	buf    []byte
	outLen int
	frag   *fragment.Fragmenter
	reasm  *fragment.Reassembler

	nonce       [wire.NonceLen]byte
	tryToUnlock bool
	properties  []byte
	deviceState thp.DeviceState
	inbox       [][]byte
}

var _ Channel = (*Host)(nil)

// NewHost creates an unallocated host channel.
func NewHost(opts ...Option) *Host {
	o := newOptions(opts)
	return &Host{
		opts:  o,
		state: HostUnallocated,
		cid:   wire.BroadcastChannelID,
		sync:  altbit.New(),
		hs:    thpnoise.NewHostHandshake(o.Backend),
		buf:   make([]byte, o.BufferSize),
	}
}

func (h *Host) sealed() {}

// Role implements Channel.
func (h *Host) Role() Role { return RoleHost }

// State returns the protocol state.
func (h *Host) State() HostState { return h.state }

// ChannelID implements Channel.
func (h *Host) ChannelID() uint16 { return h.cid }

// DeviceProperties returns the blob received during allocation.
func (h *Host) DeviceProperties() []byte {
	return append([]byte(nil), h.properties...)
}

// DeviceState returns the pairing state reported by the device.
func (h *Host) DeviceState() thp.DeviceState { return h.deviceState }

// HandshakeHash returns the transcript hash once the handshake completed.
func (h *Host) HandshakeHash() []byte { return h.hs.HandshakeHash() }

// RemoteStatic returns the device's masked static key once the handshake completed.
func (h *Host) RemoteStatic() []byte { return h.hs.RemoteStatic() }

// LocalStatic returns the host static key pair used in the handshake.
func (h *Host) LocalStatic() noise.DHKey { return h.hs.LocalStatic() }

// AwaitingAck reports whether a sent message has not been acknowledged.
func (h *Host) AwaitingAck() bool { return h.sync.Outstanding() }

// HandshakeDone implements Channel. It holds once the handshake states are
// behind the channel, whether or not pairing is still required.
func (h *Host) HandshakeDone() bool {
	return h.state > HostHandshake2 && h.state != HostInvalidated
}

func (h *Host) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":   function,
		"package":    domain,
		"channel_id": h.cid,
		"state":      h.state.String(),
	})
}

// Alloc starts the channel by queueing an allocation request with a fresh
// nonce. tryToUnlock is carried in the first handshake message.
func (h *Host) Alloc(tryToUnlock bool) error {
	if h.state != HostUnallocated {
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "alloc in state %s", h.state)
	}
	if len(h.buf) < wire.NonceLen {
		return thp.Wrap(domain, thp.ErrInsufficientBuffer, "buffer of %d bytes cannot hold the nonce", len(h.buf))
	}
	if err := crypto.RandomBytes(h.opts.Backend, h.nonce[:]); err != nil {
		return oops.In(domain).Wrapf(err, "generate allocation nonce")
	}
	copy(h.buf, h.nonce[:])
	hdr, err := wire.NewChannelRequest(wire.NonceLen)
	if err != nil {
		return err
	}
	frag, err := fragment.NewFragmenter(hdr, 0, h.buf[:wire.NonceLen])
	if err != nil {
		return err
	}
	h.frag = frag
	h.outLen = wire.NonceLen
	h.tryToUnlock = tryToUnlock
	h.state = HostHandshake0
	h.logger("Alloc").Debug("Queued channel allocation request")
	return nil
}

// DataOut implements Channel. An owed acknowledgment goes out before the
// rest of the queued message. Once the message has been fully written,
// DataOut returns false and the channel is idle until the next DataIn.
func (h *Host) DataOut(dest []byte) (bool, error) {
	if h.state == HostInvalidated {
		return false, thp.Wrap(domain, thp.ErrUnexpectedInput, "channel invalidated")
	}
	if h.sync.AckOwed() {
		if len(dest) < wire.MinPacketLen {
			return false, thp.Wrap(domain, thp.ErrInsufficientBuffer, "datagram buffer of %d bytes", len(dest))
		}
		bit := h.sync.ReceiveAcknowledge()
		if _, err := fragment.Single(wire.NewAck(h.cid), bit, nil, dest); err != nil {
			return false, err
		}
		h.logger("DataOut").WithField("sync_bit", bit).Debug("Sending acknowledgment")
		return true, nil
	}
	if h.frag == nil {
		return false, nil
	}
	if h.frag.IsDone() {
		h.finishSend()
		return false, nil
	}
	if _, err := h.frag.Next(h.buf[:h.outLen], dest); err != nil {
		return false, err
	}
	return true, nil
}

// finishSend retires the fragmenter. Sequenced messages become
// transmitted-but-unacknowledged in the sync tracker.
func (h *Host) finishSend() {
	if h.state.hasChannelID() && h.frag.Header().Kind().IsSequenced() {
		h.sync.SendFinish()
	}
	h.frag = nil
}

// DataIn implements Channel. Acknowledgments, duplicates and datagrams for
// other channels are consumed and return true. A transport error datagram
// is returned as *thp.TransportError.
func (h *Host) DataIn(datagram []byte) (bool, error) {
	if h.state == HostInvalidated {
		return false, thp.Wrap(domain, thp.ErrUnexpectedInput, "channel invalidated")
	}
	if h.frag != nil {
		if !h.frag.IsDone() {
			return false, thp.Wrap(domain, thp.ErrUnexpectedInput, "datagram received while a message is being sent")
		}
		h.finishSend()
	}

	ctrl, err := wire.PeekControl(datagram)
	if err != nil {
		return false, err
	}
	if ctrl.IsContinuation() {
		return h.continuation(datagram)
	}

	hdr, err := wire.ParseHeader(datagram)
	if err != nil {
		return false, err
	}
	if !h.addressedToUs(hdr.ChannelID) {
		h.logger("DataIn").WithField("datagram_channel_id", hdr.ChannelID).Debug("Ignoring datagram for another channel")
		return true, nil
	}
	h.reasm = nil

	if hdr.IsAck() || hdr.IsError() {
		return h.control(datagram, hdr)
	}
	if hdr.Kind().IsSequenced() && h.state.hasChannelID() {
		if bit := hdr.Control.SeqBit(); !h.sync.IsNew(bit) {
			h.sync.Reacknowledge()
			h.logger("DataIn").WithField("sync_bit", bit).Warn("Dropping duplicate message")
			return true, nil
		}
	}

	r, err := fragment.NewReassembler(datagram, h.buf)
	if err != nil {
		return false, err
	}
	h.reasm = r
	return h.afterFragment()
}

func (h *Host) addressedToUs(cid uint16) bool {
	if h.state.hasChannelID() {
		return cid == h.cid
	}
	return cid == wire.BroadcastChannelID
}

func (h *Host) continuation(datagram []byte) (bool, error) {
	if h.reasm == nil {
		// idle, or the rest of a dropped duplicate
		return true, nil
	}
	cid, err := wire.ParseContinuation(datagram)
	if err != nil {
		return false, err
	}
	if cid != h.reasm.Header().ChannelID {
		return true, nil
	}
	if err := h.reasm.Update(datagram, h.buf); err != nil {
		h.reasm = nil
		return false, err
	}
	return h.afterFragment()
}

// control handles the single-datagram acknowledgment and error messages.
func (h *Host) control(datagram []byte, hdr wire.Header) (bool, error) {
	var small [1 + wire.ChecksumLen]byte
	r, err := fragment.NewReassembler(datagram, small[:])
	if err != nil {
		return false, thp.Wrap(domain, thp.ErrMalformedData, "%s of %d bytes", hdr.Kind(), hdr.Length)
	}
	n, err := r.Verify(small[:])
	if err != nil {
		return false, err
	}

	if hdr.IsAck() {
		if h.state.hasChannelID() {
			h.sync.SendMarkDelivered(hdr.Control.AckBit())
		}
		return true, nil
	}

	terr, err := thp.ParseTransportError(small[:n])
	if err != nil {
		return false, err
	}
	h.logger("DataIn").WithField("code", terr.Code.String()).Warn("Device reported transport error")
	return false, terr
}

func (h *Host) afterFragment() (bool, error) {
	if !h.reasm.IsDone() {
		return true, nil
	}
	r := h.reasm
	h.reasm = nil
	n, err := r.Verify(h.buf)
	if err != nil {
		return false, err
	}

	hdr := r.Header()
	kind := hdr.Kind()
	if err := h.accepts(kind); err != nil {
		return false, err
	}
	sequenced := kind.IsSequenced() && h.state.hasChannelID()
	if sequenced && h.sync.Outstanding() && h.sync.Transmitted() {
		// the device only answers what it has received
		h.sync.SendMarkDelivered(h.sync.SendBit())
	}
	h.logger("DataIn").
		WithField("kind", kind.String()).
		WithField("payload_len", n).
		Debug("Received message")
	if err := h.dispatch(kind, h.buf[:n]); err != nil {
		// uncommitted, so a retransmission of the real reply is still new
		return false, err
	}
	if sequenced {
		h.sync.ReceiveStart(hdr.Control.SeqBit())
	}
	return false, nil
}

// accepts reports whether a message of kind may be dispatched in the
// current state. A rejected message leaves the sync tracker untouched.
func (h *Host) accepts(kind wire.MessageKind) error {
	var want wire.MessageKind
	switch h.state {
	case HostHandshake0:
		want = wire.KindChannelAllocationResponse
	case HostHandshake1:
		want = wire.KindHandshakeInitiationResponse
	case HostHandshake2:
		want = wire.KindHandshakeCompletionResponse
	case HostEncryptedTransport:
		if kind != wire.KindEncryptedTransport {
			return thp.Wrap(domain, thp.ErrUnexpectedInput, "unsolicited %s in encrypted transport", kind)
		}
		return nil
	default:
		if h.state.IsPairing() {
			return oops.In(domain).Wrapf(ErrPairingUnsupported, "%s in state %s", kind, h.state)
		}
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "%s in state %s", kind, h.state)
	}
	if kind != want {
		return thp.Wrap(domain, thp.ErrMalformedData, "expected %s in state %s, got %s", want, h.state, kind)
	}
	return nil
}

// dispatch interprets a complete message accepted in the current state.
func (h *Host) dispatch(kind wire.MessageKind, payload []byte) error {
	switch h.state {
	case HostHandshake0:
		props, err := h.getChannel(payload)
		if err != nil {
			return err
		}
		if err := h.startHandshake(props); err != nil {
			return h.fail(err)
		}
		h.state = HostHandshake1

	case HostHandshake1:
		if err := h.continueHandshake(payload); err != nil {
			return h.fail(err)
		}
		h.state = HostHandshake2

	case HostHandshake2:
		ds, err := h.finishHandshake(payload)
		if err != nil {
			return h.fail(err)
		}
		h.deviceState = ds
		if ds.IsPaired() {
			h.state = HostEncryptedTransport
		} else {
			h.state = HostPairing0
		}

	case HostEncryptedTransport:
		n, err := h.hs.Decrypt(payload)
		if err != nil {
			return h.fail(err)
		}
		h.inbox = append(h.inbox, append([]byte(nil), payload[:n]...))
		return nil

	default:
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "%s in state %s", kind, h.state)
	}

	h.logger("dispatch").Debug("State advanced")
	return nil
}

// fail invalidates the channel on errors it cannot recover from.
func (h *Host) fail(err error) error {
	if errors.Is(err, thp.ErrHandshakeFailed) || errors.Is(err, thp.ErrInvalidDigest) {
		h.logger("fail").WithField("error", err.Error()).Error("Channel invalidated")
		h.state = HostInvalidated
		h.frag = nil
		h.reasm = nil
	}
	return err
}

// queue starts sending the first n bytes of the buffer under hdr.
func (h *Host) queue(hdr wire.Header, n int) error {
	bit, err := h.sync.SendStart()
	if err != nil {
		return err
	}
	frag, err := fragment.NewFragmenter(hdr, bit, h.buf[:n])
	if err != nil {
		return err
	}
	h.frag = frag
	h.outLen = n
	return nil
}

// Send encrypts payload and queues it as an encrypted transport message.
// The previous message must have been acknowledged.
func (h *Host) Send(payload []byte) error {
	if h.state != HostEncryptedTransport {
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "send in state %s", h.state)
	}
	if h.reasm != nil || (h.frag != nil && !h.frag.IsDone()) {
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "channel busy")
	}
	if h.frag != nil {
		h.finishSend()
	}
	if h.sync.Outstanding() {
		return thp.Wrap(domain, thp.ErrUnexpectedInput, "previous message not acknowledged")
	}
	if need := len(payload) + crypto.TagLen; need > len(h.buf) {
		return thp.Wrap(domain, thp.ErrInsufficientBuffer, "message needs %d bytes, buffer has %d", need, len(h.buf))
	}

	copy(h.buf, payload)
	n, err := h.hs.Encrypt(h.buf, len(payload))
	if err != nil {
		return err
	}
	hdr, err := wire.NewData(h.cid, wire.KindEncryptedTransport, n)
	if err != nil {
		return err
	}
	return h.queue(hdr, n)
}

// Receive returns the oldest decrypted message, if any.
func (h *Host) Receive() ([]byte, bool) {
	if len(h.inbox) == 0 {
		return nil, false
	}
	msg := h.inbox[0]
	h.inbox = h.inbox[1:]
	return msg, true
}

// getChannel checks the allocation response against our nonce, takes the
// channel id and returns the device properties.
func (h *Host) getChannel(payload []byte) ([]byte, error) {
	if len(payload) < wire.NonceLen {
		return nil, thp.Wrap(domain, thp.ErrMalformedData, "allocation response of %d bytes", len(payload))
	}
	if subtle.ConstantTimeCompare(payload[:wire.NonceLen], h.nonce[:]) != 1 {
		return nil, thp.Wrap(domain, thp.ErrMalformedData, "allocation nonce mismatch")
	}
	cid, props, err := wire.ParseU16(payload[wire.NonceLen:])
	if err != nil {
		return nil, err
	}
	if cid == wire.BroadcastChannelID {
		return nil, thp.Wrap(domain, thp.ErrMalformedData, "device assigned the broadcast channel id")
	}
	if len(props) > MaxDevicePropertiesLen {
		return nil, thp.Wrap(domain, thp.ErrMalformedData, "device properties of %d bytes", len(props))
	}
	h.cid = cid
	h.properties = append([]byte(nil), props...)
	return h.properties, nil
}

func (h *Host) startHandshake(props []byte) error {
	n, err := h.hs.StartPairing(props, h.tryToUnlock, h.buf)
	if err != nil {
		return err
	}
	hdr, err := wire.NewHandshake(h.cid, wire.KindHandshakeInitiationRequest, n)
	if err != nil {
		return err
	}
	return h.queue(hdr, n)
}

func (h *Host) continueHandshake(payload []byte) error {
	incoming := append([]byte(nil), payload...)
	clear(h.buf)

	var lookup thpnoise.CredentialLookup
	if h.opts.Credentials != nil {
		lookup = h.opts.Credentials.Lookup
	}
	n, err := h.hs.CompletePairing(incoming, lookup, h.opts.PairingCredential, h.buf)
	if err != nil {
		return err
	}
	hdr, err := wire.NewHandshake(h.cid, wire.KindHandshakeCompletionRequest, n)
	if err != nil {
		return err
	}
	return h.queue(hdr, n)
}

func (h *Host) finishHandshake(payload []byte) (thp.DeviceState, error) {
	n, err := h.hs.Decrypt(payload)
	if err != nil {
		return 0, err
	}
	return thp.ParseDeviceState(payload[:n])
}
