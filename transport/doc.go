// Package transport drives a host channel over a datagram connection.
//
// The channel package is a pure state machine: it never touches the network
// and never waits. A Link owns a net.Conn, feeds every received datagram to
// the channel and writes whatever the channel queues. It also carries the
// recovery the channel leaves to its caller: when the device stays silent
// for RetransmitTimeout the last batch of datagrams is written again, up to
// MaxRetransmits times.
//
// # Usage
//
//	host := channel.NewHost(channel.WithCredentialStore(store))
//	link, err := transport.Dial(ctx, "127.0.0.1:21324", host)
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//
//	if err := link.Handshake(ctx, false); err != nil {
//	    return err
//	}
//	reply, err := link.Call(ctx, request)
//
// # Pacing
//
// WithRate limits outbound datagrams through golang.org/x/time/rate. Small
// devices with shallow receive queues drop bursts, so the limiter is applied
// to retransmissions as well.
//
// # Errors
//
// Datagrams that fail their checksum or arrive malformed are logged and
// dropped while the channel is still usable. Errors that invalidate the
// channel, transport errors reported by the device, and timeouts end the
// current operation. Timeouts wrap ErrTimeout.
package transport
