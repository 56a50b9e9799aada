// Package fragment carves logical THP messages into fixed-size datagrams and
// reassembles them on the way in.
//
// A message on the wire is the payload followed by a CRC-32 trailer. The
// first datagram carries the initiation header, every following datagram a
// continuation header. Unused space at the end of the last datagram is
// zero-filled. Neither type allocates: payloads and reassembly buffers are
// owned by the caller and passed into every call.
package fragment

import (
	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/wire"
)

const domain = "fragment"

// Fragmenter emits one outbound message datagram by datagram.
type Fragmenter struct {
	header  wire.Header
	trailer [wire.ChecksumLen]byte
	offset  int
}

// NewFragmenter prepares payload for transmission under h, stamped with the
// given sync bit. The payload is not retained; pass the same bytes to every
// Next call.
func NewFragmenter(h wire.Header, syncBit uint8, payload []byte) (*Fragmenter, error) {
	if len(payload) != h.PayloadLen() {
		return nil, thp.Wrap(domain, thp.ErrUnexpectedInput, "header declares %d payload bytes, got %d", h.PayloadLen(), len(payload))
	}
	h = h.WithSync(syncBit)
	return &Fragmenter{
		header:  h,
		trailer: wire.ChecksumTrailer(h, payload),
	}, nil
}

// Header returns the header as stamped on the wire.
func (f *Fragmenter) Header() wire.Header { return f.header }

// IsDone reports whether every byte of the message has been emitted.
func (f *Fragmenter) IsDone() bool { return f.offset >= int(f.header.Length) }

// Next writes the next datagram into dest. It returns false without writing
// once the message is complete.
func (f *Fragmenter) Next(payload, dest []byte) (bool, error) {
	if f.IsDone() {
		return false, nil
	}
	if len(dest) < wire.MinPacketLen {
		return false, thp.Wrap(domain, thp.ErrInsufficientBuffer, "datagram buffer of %d bytes is below the minimum of %d", len(dest), wire.MinPacketLen)
	}
	if len(payload) != f.header.PayloadLen() {
		return false, thp.Wrap(domain, thp.ErrUnexpectedInput, "payload changed size during fragmentation")
	}

	var n int
	var err error
	if f.offset == 0 {
		n, err = f.header.Encode(dest)
	} else {
		n, err = f.header.EncodeContinuation(dest)
	}
	if err != nil {
		return false, err
	}

	n += f.copyBody(payload, dest[n:])
	clear(dest[n:])
	return true, nil
}

// copyBody copies the next stretch of payload‖trailer into dst.
func (f *Fragmenter) copyBody(payload, dst []byte) int {
	written := 0
	if f.offset < len(payload) {
		c := copy(dst, payload[f.offset:])
		f.offset += c
		written += c
	}
	if f.offset >= len(payload) && written < len(dst) {
		c := copy(dst[written:], f.trailer[f.offset-len(payload):])
		f.offset += c
		written += c
	}
	return written
}

// Single writes a complete message that must fit into one datagram, such as
// an acknowledgment. It returns the number of meaningful bytes in dest; the
// rest of dest is zero-filled.
func Single(h wire.Header, syncBit uint8, payload, dest []byte) (int, error) {
	need := wire.InitHeaderLen + len(payload) + wire.ChecksumLen
	if len(dest) < need {
		return 0, thp.Wrap(domain, thp.ErrInsufficientBuffer, "single datagram needs %d bytes, have %d", need, len(dest))
	}
	f, err := NewFragmenter(h, syncBit, payload)
	if err != nil {
		return 0, err
	}
	if _, err := f.Next(payload, dest); err != nil {
		return 0, err
	}
	return need, nil
}
