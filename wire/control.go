// Package wire implements the THP datagram prefix: the control byte, the
// initiation and continuation headers, and the CRC-32 integrity codec used
// on reassembled messages.
//
// Layout of an initiation (first) packet:
//
//	+------+---------+---------+---------------------+
//	| ctrl | cid(2)  | len(2)  | payload ...         |
//	+------+---------+---------+---------------------+
//
// Layout of a continuation packet:
//
//	+------+---------+-------------------------------+
//	| 0x80 | cid(2)  | payload ...                   |
//	+------+---------+-------------------------------+
//
// len covers the payload and the trailing 4-byte checksum. Multi-byte
// fields are big-endian.
package wire

import "fmt"

// ControlByte is the first byte of every datagram.
type ControlByte byte

// Control byte values and masks.
const (
	ctrlContinuation ControlByte = 0x80
	ctrlSeqBit       ControlByte = 0x10
	ctrlAckBit       ControlByte = 0x08

	// dataMask strips the sequence bit from a data message control byte.
	dataMask ControlByte = 0xe7
	// ackMask strips the echoed bit from an acknowledgment control byte.
	ackMask ControlByte = 0xf7

	ctrlHandshakeInitRequest  ControlByte = 0x00
	ctrlHandshakeInitResponse ControlByte = 0x01
	ctrlHandshakeCompRequest  ControlByte = 0x02
	ctrlHandshakeCompResponse ControlByte = 0x03
	ctrlEncryptedTransport    ControlByte = 0x04
	ctrlAck                   ControlByte = 0x20
	ctrlChannelAllocRequest   ControlByte = 0x40
	ctrlChannelAllocResponse  ControlByte = 0x41
	ctrlError                 ControlByte = 0x42
)

// MessageKind is the decoded message-kind tag of an initiation packet.
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindChannelAllocationRequest
	KindChannelAllocationResponse
	KindTransportError
	KindAck
	KindHandshakeInitiationRequest
	KindHandshakeInitiationResponse
	KindHandshakeCompletionRequest
	KindHandshakeCompletionResponse
	KindEncryptedTransport
)

var kindNames = map[MessageKind]string{
	KindUnknown:                     "unknown",
	KindChannelAllocationRequest:    "channel-allocation-request",
	KindChannelAllocationResponse:   "channel-allocation-response",
	KindTransportError:              "transport-error",
	KindAck:                         "ack",
	KindHandshakeInitiationRequest:  "handshake-initiation-request",
	KindHandshakeInitiationResponse: "handshake-initiation-response",
	KindHandshakeCompletionRequest:  "handshake-completion-request",
	KindHandshakeCompletionResponse: "handshake-completion-response",
	KindEncryptedTransport:          "encrypted-transport",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsSequenced reports whether messages of this kind carry a sync bit and
// must be acknowledged by the receiver.
func (k MessageKind) IsSequenced() bool {
	switch k {
	case KindHandshakeInitiationRequest, KindHandshakeInitiationResponse,
		KindHandshakeCompletionRequest, KindHandshakeCompletionResponse,
		KindEncryptedTransport:
		return true
	}
	return false
}

// ControlFor returns the base control byte for a message kind, with the sync
// and ack bits cleared.
func ControlFor(kind MessageKind) ControlByte {
	switch kind {
	case KindChannelAllocationRequest:
		return ctrlChannelAllocRequest
	case KindChannelAllocationResponse:
		return ctrlChannelAllocResponse
	case KindTransportError:
		return ctrlError
	case KindAck:
		return ctrlAck
	case KindHandshakeInitiationRequest:
		return ctrlHandshakeInitRequest
	case KindHandshakeInitiationResponse:
		return ctrlHandshakeInitResponse
	case KindHandshakeCompletionRequest:
		return ctrlHandshakeCompRequest
	case KindHandshakeCompletionResponse:
		return ctrlHandshakeCompResponse
	case KindEncryptedTransport:
		return ctrlEncryptedTransport
	}
	return ctrlError
}

// IsContinuation reports whether the datagram continues a message.
func (c ControlByte) IsContinuation() bool {
	return c&ctrlContinuation != 0
}

// IsAck reports whether the datagram is an acknowledgment.
func (c ControlByte) IsAck() bool {
	return !c.IsContinuation() && c&ackMask == ctrlAck
}

// IsError reports whether the datagram carries a transport error.
func (c ControlByte) IsError() bool {
	return c == ctrlError
}

// Kind decodes the message-kind tag. Continuation bytes decode as KindUnknown.
func (c ControlByte) Kind() MessageKind {
	if c.IsContinuation() {
		return KindUnknown
	}
	switch c {
	case ctrlChannelAllocRequest:
		return KindChannelAllocationRequest
	case ctrlChannelAllocResponse:
		return KindChannelAllocationResponse
	case ctrlError:
		return KindTransportError
	}
	if c&ackMask == ctrlAck {
		return KindAck
	}
	switch c & dataMask {
	case ctrlHandshakeInitRequest:
		return KindHandshakeInitiationRequest
	case ctrlHandshakeInitResponse:
		return KindHandshakeInitiationResponse
	case ctrlHandshakeCompRequest:
		return KindHandshakeCompletionRequest
	case ctrlHandshakeCompResponse:
		return KindHandshakeCompletionResponse
	case ctrlEncryptedTransport:
		return KindEncryptedTransport
	}
	return KindUnknown
}

// SeqBit returns the sync bit stamped on a data message.
func (c ControlByte) SeqBit() uint8 {
	if c&ctrlSeqBit != 0 {
		return 1
	}
	return 0
}

// AckBit returns the bit echoed by an acknowledgment.
func (c ControlByte) AckBit() uint8 {
	if c&ctrlAckBit != 0 {
		return 1
	}
	return 0
}

// WithSeqBit returns c with the sync bit set to bit.
func (c ControlByte) WithSeqBit(bit uint8) ControlByte {
	if bit&1 == 1 {
		return c | ctrlSeqBit
	}
	return c &^ ctrlSeqBit
}

// WithAckBit returns c with the echoed bit set to bit.
func (c ControlByte) WithAckBit(bit uint8) ControlByte {
	if bit&1 == 1 {
		return c | ctrlAckBit
	}
	return c &^ ctrlAckBit
}

// ContinuationControl is the control byte of every continuation packet.
const ContinuationControl = ctrlContinuation
