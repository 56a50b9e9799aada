package fragment

import (
	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/wire"
)

// Reassembler accumulates one inbound message into a caller-owned buffer.
type Reassembler struct {
	header  wire.Header
	written int
}

// NewReassembler parses the header of the first datagram and copies its
// body into dest. dest must be able to hold the declared message length;
// an oversized message is rejected rather than truncated.
func NewReassembler(first, dest []byte) (*Reassembler, error) {
	h, err := wire.ParseHeader(first)
	if err != nil {
		return nil, err
	}
	if int(h.Length) > len(dest) {
		return nil, thp.Wrap(domain, thp.ErrInsufficientBuffer, "message of %d bytes exceeds reassembly buffer of %d", h.Length, len(dest))
	}
	r := &Reassembler{header: h}
	r.written = copy(dest[:h.Length], first[wire.InitHeaderLen:])
	return r, nil
}

// Header returns the header parsed from the first datagram.
func (r *Reassembler) Header() wire.Header { return r.header }

// Written returns the number of message bytes accumulated so far.
func (r *Reassembler) Written() int { return r.written }

// IsDone reports whether the declared length has been reached.
func (r *Reassembler) IsDone() bool { return r.written >= int(r.header.Length) }

// Update appends a continuation datagram.
func (r *Reassembler) Update(fragment, dest []byte) error {
	if r.IsDone() {
		return thp.Wrap(domain, thp.ErrMalformedData, "continuation after message of %d bytes completed", r.header.Length)
	}
	cid, err := wire.ParseContinuation(fragment)
	if err != nil {
		return err
	}
	if cid != r.header.ChannelID {
		return thp.Wrap(domain, thp.ErrMalformedData, "continuation for channel %#04x while reassembling %#04x", cid, r.header.ChannelID)
	}
	if len(dest) < int(r.header.Length) {
		return thp.Wrap(domain, thp.ErrInsufficientBuffer, "reassembly buffer shrank below %d bytes", r.header.Length)
	}
	r.written += copy(dest[r.written:r.header.Length], fragment[wire.ContinuationHeaderLen:])
	return nil
}

// Verify checks the trailing checksum of a complete message and returns the
// payload length.
func (r *Reassembler) Verify(dest []byte) (int, error) {
	if !r.IsDone() {
		return 0, thp.Wrap(domain, thp.ErrUnexpectedInput, "message incomplete: %d of %d bytes", r.written, r.header.Length)
	}
	return wire.VerifyChecksum(r.header, dest)
}
