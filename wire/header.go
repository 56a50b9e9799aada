package wire

import (
	"encoding/binary"

	"github.com/opd-ai/thp"
)

const (
	// BroadcastChannelID addresses a device before a channel is allocated.
	BroadcastChannelID uint16 = 0xffff
	// InitHeaderLen is the size of the first-fragment prefix.
	InitHeaderLen = 5
	// ContinuationHeaderLen is the size of the continuation prefix.
	ContinuationHeaderLen = 3
	// ChecksumLen is the size of the trailing CRC-32.
	ChecksumLen = 4
	// NonceLen is the size of the channel allocation nonce.
	NonceLen = 8
	// MaxPayloadLen is the largest payload a single message can declare.
	MaxPayloadLen = 0xffff - ChecksumLen
	// MinPacketLen is the smallest datagram that can carry an empty message.
	MinPacketLen = InitHeaderLen + ChecksumLen
	// DefaultPacketLen matches the USB HID report size used by devices.
	DefaultPacketLen = 64
)

const domain = "wire"

// Header is the per-message metadata carried by the first fragment.
type Header struct {
	Control   ControlByte
	ChannelID uint16
	// Length counts the payload and the trailing checksum.
	Length uint16
}

func newHeader(ctrl ControlByte, cid uint16, payloadLen int) (Header, error) {
	if payloadLen < 0 || payloadLen > MaxPayloadLen {
		return Header{}, thp.Wrap(domain, thp.ErrInsufficientBuffer, "payload of %d bytes does not fit a message", payloadLen)
	}
	return Header{
		Control:   ctrl,
		ChannelID: cid,
		Length:    uint16(payloadLen + ChecksumLen),
	}, nil
}

// NewChannelRequest builds the header of a channel allocation request.
// No channel exists yet, so it is addressed to the broadcast channel.
func NewChannelRequest(payloadLen int) (Header, error) {
	return newHeader(ctrlChannelAllocRequest, BroadcastChannelID, payloadLen)
}

// NewChannelResponse builds the header of a channel allocation response.
func NewChannelResponse(payloadLen int) (Header, error) {
	return newHeader(ctrlChannelAllocResponse, BroadcastChannelID, payloadLen)
}

// NewHandshake builds the header of one of the four handshake messages.
func NewHandshake(cid uint16, kind MessageKind, payloadLen int) (Header, error) {
	switch kind {
	case KindHandshakeInitiationRequest, KindHandshakeInitiationResponse,
		KindHandshakeCompletionRequest, KindHandshakeCompletionResponse:
	default:
		return Header{}, thp.Wrap(domain, thp.ErrUnexpectedInput, "%s is not a handshake message", kind)
	}
	return newHeader(ControlFor(kind), cid, payloadLen)
}

// NewAck builds an acknowledgment header. Acks carry no payload.
func NewAck(cid uint16) Header {
	return Header{Control: ctrlAck, ChannelID: cid, Length: ChecksumLen}
}

// NewError builds the header of a transport error datagram.
func NewError(cid uint16) Header {
	return Header{Control: ctrlError, ChannelID: cid, Length: 1 + ChecksumLen}
}

// NewData builds a header for an arbitrary message kind.
func NewData(cid uint16, kind MessageKind, payloadLen int) (Header, error) {
	if kind == KindUnknown {
		return Header{}, thp.Wrap(domain, thp.ErrUnexpectedInput, "cannot build header for unknown kind")
	}
	return newHeader(ControlFor(kind), cid, payloadLen)
}

// Kind returns the message kind of the header.
func (h Header) Kind() MessageKind { return h.Control.Kind() }

// IsAck reports whether the header belongs to an acknowledgment.
func (h Header) IsAck() bool { return h.Control.IsAck() }

// IsError reports whether the header belongs to a transport error datagram.
func (h Header) IsError() bool { return h.Control.IsError() }

// IsContinuation reports whether the control byte is a continuation.
func (h Header) IsContinuation() bool { return h.Control.IsContinuation() }

// PayloadLen is the declared payload length without the checksum.
func (h Header) PayloadLen() int {
	if h.Length < ChecksumLen {
		return 0
	}
	return int(h.Length) - ChecksumLen
}

// WithSync returns a copy of h stamped with the sync bit. Acks carry the
// bit in the ack position, sequenced messages in the sequence position and
// the remaining kinds ignore it.
func (h Header) WithSync(bit uint8) Header {
	switch {
	case h.IsAck():
		h.Control = h.Control.WithAckBit(bit)
	case h.Kind().IsSequenced():
		h.Control = h.Control.WithSeqBit(bit)
	}
	return h
}

// Encode writes the initiation prefix into dst.
func (h Header) Encode(dst []byte) (int, error) {
	if len(dst) < InitHeaderLen {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "need %d bytes for header, have %d", InitHeaderLen, len(dst))
	}
	dst[0] = byte(h.Control)
	binary.BigEndian.PutUint16(dst[1:3], h.ChannelID)
	binary.BigEndian.PutUint16(dst[3:5], h.Length)
	return InitHeaderLen, nil
}

// EncodeContinuation writes the continuation prefix for this message into dst.
func (h Header) EncodeContinuation(dst []byte) (int, error) {
	if len(dst) < ContinuationHeaderLen {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "need %d bytes for continuation header, have %d", ContinuationHeaderLen, len(dst))
	}
	dst[0] = byte(ctrlContinuation)
	binary.BigEndian.PutUint16(dst[1:3], h.ChannelID)
	return ContinuationHeaderLen, nil
}

// ParseHeader decodes the initiation prefix of a first fragment.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < InitHeaderLen {
		return Header{}, thp.Wrap(domain, thp.ErrMalformedData, "packet of %d bytes is shorter than the header", len(buf))
	}
	ctrl := ControlByte(buf[0])
	if ctrl.IsContinuation() {
		return Header{}, thp.Wrap(domain, thp.ErrMalformedData, "expected initiation packet, got continuation")
	}
	h := Header{
		Control:   ctrl,
		ChannelID: binary.BigEndian.Uint16(buf[1:3]),
		Length:    binary.BigEndian.Uint16(buf[3:5]),
	}
	if h.Length < ChecksumLen {
		return Header{}, thp.Wrap(domain, thp.ErrMalformedData, "declared length %d cannot hold a checksum", h.Length)
	}
	return h, nil
}

// ParseContinuation decodes a continuation prefix and returns its channel id.
func ParseContinuation(buf []byte) (uint16, error) {
	if len(buf) < ContinuationHeaderLen {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "packet of %d bytes is shorter than the continuation header", len(buf))
	}
	if !ControlByte(buf[0]).IsContinuation() {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "expected continuation packet, got control byte %#02x", buf[0])
	}
	return binary.BigEndian.Uint16(buf[1:3]), nil
}

// PeekControl returns the control byte of a datagram.
func PeekControl(buf []byte) (ControlByte, error) {
	if len(buf) < 1 {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "empty packet")
	}
	return ControlByte(buf[0]), nil
}

// ParseU16 splits a big-endian uint16 off the front of buf.
func ParseU16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, thp.Wrap(domain, thp.ErrMalformedData, "need 2 bytes, have %d", len(buf))
	}
	return binary.BigEndian.Uint16(buf[:2]), buf[2:], nil
}
