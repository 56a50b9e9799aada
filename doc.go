// Package thp holds the shared vocabulary of the THP host channel: error
// kinds, peer-reported transport errors and the device pairing state.
//
// THP connects a host application to a hardware device over a lossy
// datagram link. A channel is allocated with a nonce-correlated request,
// authenticated with a Noise XX handshake and then carries encrypted
// messages. Every message is split into fixed-size datagrams, protected by
// a CRC-32 and acknowledged with an alternating sync bit, so at most one
// message per direction is in flight.
//
// # Packages
//
//	wire        control byte, datagram header and checksum codec
//	altbit      alternating-bit duplicate detection and acknowledgment
//	fragment    fragmenter and reassembler over the header codec
//	crypto      pluggable cipher-suite backend and key helpers
//	noise       host-role XX handshake engine
//	credential  stores that resume known pairings
//	channel     host state machine and the DataOut/DataIn pump
//	transport   UDP driver with retransmission and pacing
//	emulator    device peer for tests and demos
//	config      YAML and environment settings for cmd/thp-probe
//
// # Errors
//
// Every error returned by these packages matches one of the sentinel kinds
// with errors.Is:
//
//	_, err := host.DataIn(datagram)
//	switch {
//	case errors.Is(err, thp.ErrInvalidDigest):
//	    // corrupted datagram, wait for a retransmission
//	case errors.Is(err, thp.ErrTransport):
//	    var terr *thp.TransportError
//	    errors.As(err, &terr)
//	    log.Printf("device refused: %s", terr.Code)
//	}
//
// Context such as the package domain and channel id is attached with
// github.com/samber/oops and survives unwrapping.
package thp
