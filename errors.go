package thp

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

var (
	// ErrUnexpectedInput indicates an operation that is invalid in the current state.
	ErrUnexpectedInput = errors.New("thp: unexpected input")
	// ErrMalformedData indicates structurally invalid input from the peer.
	ErrMalformedData = errors.New("thp: malformed data")
	// ErrInsufficientBuffer indicates a caller-provided buffer is too small.
	ErrInsufficientBuffer = errors.New("thp: insufficient buffer")
	// ErrHandshakeFailed indicates the key exchange did not validate.
	ErrHandshakeFailed = errors.New("thp: handshake failed")
	// ErrInvalidDigest indicates a checksum or AEAD tag mismatch.
	ErrInvalidDigest = errors.New("thp: invalid digest")
	// ErrTransport is the parent of every *TransportError.
	ErrTransport = errors.New("thp: transport error")
)

// Error codes attached with oops so that logs and callers can group
// failures without string matching.
const (
	CodeUnexpectedInput    = "unexpected_input"
	CodeMalformedData      = "malformed_data"
	CodeInsufficientBuffer = "insufficient_buffer"
	CodeHandshakeFailed    = "handshake_failed"
	CodeInvalidDigest      = "invalid_digest"
	CodeTransport          = "transport_error"
)

var codes = map[error]string{
	ErrUnexpectedInput:    CodeUnexpectedInput,
	ErrMalformedData:      CodeMalformedData,
	ErrInsufficientBuffer: CodeInsufficientBuffer,
	ErrHandshakeFailed:    CodeHandshakeFailed,
	ErrInvalidDigest:      CodeInvalidDigest,
	ErrTransport:          CodeTransport,
}

// Wrap attaches the package domain and a message to one of the error kinds
// above. The result still matches the kind with errors.Is.
func Wrap(domain string, kind error, format string, args ...any) error {
	return oops.In(domain).Code(codes[kind]).Wrapf(kind, format, args...)
}

// TransportErrorCode is the code carried by a peer-sent error datagram.
type TransportErrorCode uint8

const (
	TransportBusy               TransportErrorCode = 1
	TransportUnallocatedChannel TransportErrorCode = 2
	TransportDecryptionFailed   TransportErrorCode = 3
	TransportInvalidData        TransportErrorCode = 4
	TransportDeviceLocked       TransportErrorCode = 5
)

// String returns a readable name for the code.
func (c TransportErrorCode) String() string {
	switch c {
	case TransportBusy:
		return "transport busy"
	case TransportUnallocatedChannel:
		return "unallocated channel"
	case TransportDecryptionFailed:
		return "decryption failed"
	case TransportInvalidData:
		return "invalid data"
	case TransportDeviceLocked:
		return "device locked"
	default:
		return fmt.Sprintf("unknown transport error %d", uint8(c))
	}
}

// TransportError is surfaced when the peer reports a failure through an
// error datagram. It is reported, never interpreted by the channel.
type TransportError struct {
	Code TransportErrorCode
}

func (e *TransportError) Error() string {
	return "thp: peer reported " + e.Code.String()
}

// Unwrap makes errors.Is(err, ErrTransport) hold for every TransportError.
func (e *TransportError) Unwrap() error {
	return ErrTransport
}

// ParseTransportError decodes the payload of an error datagram.
func ParseTransportError(payload []byte) (*TransportError, error) {
	if len(payload) < 1 {
		return nil, Wrap("thp", ErrMalformedData, "empty transport error payload")
	}
	code := TransportErrorCode(payload[0])
	if code < TransportBusy || code > TransportDeviceLocked {
		return nil, Wrap("thp", ErrMalformedData, "unknown transport error code %d", payload[0])
	}
	return &TransportError{Code: code}, nil
}
