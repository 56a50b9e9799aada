package channel

import "fmt"

// HostState is the protocol state of a host channel. States only move
// forward, except that any state can fall to HostInvalidated.
type HostState uint8

const (
	HostUnallocated HostState = iota
	// HostHandshake0 waits for the allocation response.
	HostHandshake0
	// HostHandshake1 has sent the initiation request.
	HostHandshake1
	// HostHandshake2 has sent the completion request.
	HostHandshake2
	HostPairing0
	HostPairing1
	HostPairing2
	HostPairing3a
	HostPairing3b
	HostPairing4
	HostPairing5
	HostPairing6
	HostPairing7
	HostCredential0
	HostCredential1
	HostEncryptedTransport
	// HostInvalidated is terminal: the channel must be allocated again.
	HostInvalidated
)

var hostStateNames = [...]string{
	HostUnallocated:        "unallocated",
	HostHandshake0:         "HH0",
	HostHandshake1:         "HH1",
	HostHandshake2:         "HH2",
	HostPairing0:           "HP0",
	HostPairing1:           "HP1",
	HostPairing2:           "HP2",
	HostPairing3a:          "HP3a",
	HostPairing3b:          "HP3b",
	HostPairing4:           "HP4",
	HostPairing5:           "HP5",
	HostPairing6:           "HP6",
	HostPairing7:           "HP7",
	HostCredential0:        "HC0",
	HostCredential1:        "HC1",
	HostEncryptedTransport: "encrypted-transport",
	HostInvalidated:        "invalidated",
}

func (s HostState) String() string {
	if int(s) < len(hostStateNames) {
		return hostStateNames[s]
	}
	return fmt.Sprintf("host-state(%d)", uint8(s))
}

// IsPairing reports whether s belongs to the pairing or credential phase.
func (s HostState) IsPairing() bool {
	return s >= HostPairing0 && s <= HostCredential1
}

// hasChannelID reports whether the device has assigned a channel id.
func (s HostState) hasChannelID() bool {
	return s != HostUnallocated && s != HostHandshake0
}

// Role tells the two ends of a channel apart.
type Role uint8

const (
	RoleHost Role = iota
	RoleDevice
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "device"
}

// Channel is the capability set shared by both roles: allocation, the
// handshake and the datagram pump. The set of implementations is closed;
// only this package provides them.
type Channel interface {
	Role() Role
	// ChannelID returns the assigned id, or the broadcast id before
	// allocation completes.
	ChannelID() uint16
	// DataOut fills dest with the next outbound datagram and reports
	// whether it did.
	DataOut(dest []byte) (bool, error)
	// DataIn consumes one inbound datagram. It returns false once a
	// complete message has been processed and true while more datagrams
	// are expected.
	DataIn(datagram []byte) (bool, error)
	HandshakeDone() bool

	sealed()
}
