package channel

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/credential"
	"github.com/opd-ai/thp/crypto"
	"github.com/opd-ai/thp/emulator"
	"github.com/opd-ai/thp/fragment"
	"github.com/opd-ai/thp/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const packetLen = wire.DefaultPacketLen

// drain collects every datagram the host wants to send right now.
func drain(t *testing.T, h *Host) [][]byte {
	t.Helper()
	var out [][]byte
	for i := 0; ; i++ {
		require.Less(t, i, 100, "DataOut never finished")
		pkt := make([]byte, packetLen)
		more, err := h.DataOut(pkt)
		require.NoError(t, err)
		if !more {
			return out
		}
		out = append(out, pkt)
	}
}

// exchange sends the host's pending datagrams to dev and returns the replies.
func exchange(t *testing.T, h *Host, dev *emulator.Device) [][]byte {
	t.Helper()
	var replies [][]byte
	for _, pkt := range drain(t, h) {
		r, err := dev.Handle(pkt)
		require.NoError(t, err)
		replies = append(replies, r...)
	}
	return replies
}

// feed hands datagrams to the host and returns the last pump result.
func feed(t *testing.T, h *Host, datagrams [][]byte) bool {
	t.Helper()
	more := true
	for _, d := range datagrams {
		var err error
		more, err = h.DataIn(d)
		require.NoError(t, err)
	}
	return more
}

func newDevice(t *testing.T, opts ...emulator.Option) *emulator.Device {
	t.Helper()
	opts = append([]emulator.Option{emulator.WithBackend(crypto.NewDeterministicBackend([]byte(t.Name())))}, opts...)
	dev, err := emulator.New(opts...)
	require.NoError(t, err)
	return dev
}

func newHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithBackend(crypto.NewDeterministicBackend([]byte(t.Name() + "-host")))}, opts...)
	return NewHost(opts...)
}

// handshake runs the full exchange and returns the device replies of each round.
func handshake(t *testing.T, h *Host, dev *emulator.Device) [][][]byte {
	t.Helper()
	require.NoError(t, h.Alloc(false))
	var rounds [][][]byte
	for i := 0; !h.HandshakeDone(); i++ {
		require.Less(t, i, 5, "handshake did not converge")
		replies := exchange(t, h, dev)
		rounds = append(rounds, replies)
		assert.False(t, feed(t, h, replies), "each round ends with a complete message")
	}
	assert.Empty(t, exchange(t, h, dev), "final acknowledgment needs no reply")
	return rounds
}

func allocationResponse(t *testing.T, nonce []byte, cid uint16, props []byte) [][]byte {
	t.Helper()
	payload := append([]byte(nil), nonce...)
	payload = binary.BigEndian.AppendUint16(payload, cid)
	payload = append(payload, props...)
	hdr, err := wire.NewChannelResponse(len(payload))
	require.NoError(t, err)
	f, err := fragment.NewFragmenter(hdr, 0, payload)
	require.NoError(t, err)
	var out [][]byte
	for !f.IsDone() {
		pkt := make([]byte, packetLen)
		_, err := f.Next(payload, pkt)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	return out
}

func TestAllocQueuesNonceRequest(t *testing.T) {
	h := newHost(t)
	assert.Equal(t, HostUnallocated, h.State())
	require.NoError(t, h.Alloc(false))
	assert.Equal(t, HostHandshake0, h.State())

	pkts := drain(t, h)
	require.Len(t, pkts, 1)
	hdr, err := wire.ParseHeader(pkts[0])
	require.NoError(t, err)
	assert.Equal(t, wire.KindChannelAllocationRequest, hdr.Kind())
	assert.Equal(t, wire.BroadcastChannelID, hdr.ChannelID)
	assert.Equal(t, wire.NonceLen, hdr.PayloadLen())
	assert.Equal(t, h.nonce[:], pkts[0][wire.InitHeaderLen:wire.InitHeaderLen+wire.NonceLen])

	assert.ErrorIs(t, h.Alloc(false), thp.ErrUnexpectedInput)
}

func TestAllocationResponseStartsHandshake(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	drain(t, h)

	props := []byte("properties")
	assert.False(t, feed(t, h, allocationResponse(t, h.nonce[:], 0x0102, props)))
	assert.Equal(t, HostHandshake1, h.State())
	assert.Equal(t, uint16(0x0102), h.ChannelID())
	assert.Equal(t, props, h.DeviceProperties())
	assert.False(t, h.HandshakeDone())

	pkts := drain(t, h)
	require.Len(t, pkts, 1)
	hdr, err := wire.ParseHeader(pkts[0])
	require.NoError(t, err)
	assert.Equal(t, wire.KindHandshakeInitiationRequest, hdr.Kind())
	assert.Equal(t, uint16(0x0102), hdr.ChannelID)
	assert.Equal(t, 33, hdr.PayloadLen())
	assert.Equal(t, uint8(0), hdr.Control.SeqBit())
	assert.True(t, h.AwaitingAck())
}

func TestAllocationNonceMismatch(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	drain(t, h)

	wrong := append([]byte(nil), h.nonce[:]...)
	wrong[0] ^= 0xff
	pkts := allocationResponse(t, wrong, 0x0102, nil)
	_, err := h.DataIn(pkts[0])
	assert.ErrorIs(t, err, thp.ErrMalformedData)
	assert.Equal(t, HostHandshake0, h.State())
	assert.Equal(t, wire.BroadcastChannelID, h.ChannelID())

	// the matching response still completes the allocation
	assert.False(t, feed(t, h, allocationResponse(t, h.nonce[:], 0x0102, nil)))
	assert.Equal(t, HostHandshake1, h.State())
}

func TestAllocationResponseTruncated(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	drain(t, h)

	hdr, err := wire.NewChannelResponse(wire.NonceLen + 1)
	require.NoError(t, err)
	pkt := make([]byte, packetLen)
	_, err = fragment.Single(hdr, 0, append(h.nonce[:], 0x01), pkt)
	require.NoError(t, err)
	_, err = h.DataIn(pkt)
	assert.ErrorIs(t, err, thp.ErrMalformedData)
	assert.Equal(t, HostHandshake0, h.State())
}

func TestContinuationWhileIdleIsIgnored(t *testing.T) {
	h := newHost(t)
	cont := make([]byte, packetLen)
	cont[0] = byte(wire.ContinuationControl)
	binary.BigEndian.PutUint16(cont[1:3], 0x1234)

	more, err := h.DataIn(cont)
	require.NoError(t, err)
	assert.True(t, more)

	require.NoError(t, h.Alloc(false))
	drain(t, h)
	more, err = h.DataIn(cont)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, HostHandshake0, h.State())
}

func TestDataOutIdle(t *testing.T) {
	h := newHost(t)
	more, err := h.DataOut(make([]byte, packetLen))
	require.NoError(t, err)
	assert.False(t, more)
}

func TestDataInWhileSending(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	_, err := h.DataIn(make([]byte, packetLen))
	assert.ErrorIs(t, err, thp.ErrUnexpectedInput)
}

func TestInsufficientBuffers(t *testing.T) {
	h := newHost(t, WithBufferSize(4))
	assert.ErrorIs(t, h.Alloc(false), thp.ErrInsufficientBuffer)

	h = newHost(t)
	require.NoError(t, h.Alloc(false))
	_, err := h.DataOut(make([]byte, wire.MinPacketLen-1))
	assert.ErrorIs(t, err, thp.ErrInsufficientBuffer)
}

func TestFullHandshakeWithEmulator(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t, WithPairingCredential([]byte("host credential")))

	rounds := handshake(t, h, dev)
	assert.Len(t, rounds, 3)
	assert.Equal(t, HostEncryptedTransport, h.State())
	assert.True(t, h.HandshakeDone())
	assert.Equal(t, thp.DevicePaired, h.DeviceState())
	assert.False(t, h.AwaitingAck())

	assert.Len(t, h.HandshakeHash(), 32)
	assert.Equal(t, dev.HandshakeHash(h.ChannelID()), h.HandshakeHash())
	assert.Equal(t, dev.StaticKey(), h.RemoteStatic())
	assert.Equal(t, dev.HostStatic(h.ChannelID()), h.LocalStatic().Public)
	assert.Equal(t, dev.Properties(), h.DeviceProperties())
	assert.Equal(t, [][]byte{[]byte("host credential")}, dev.Credentials())
}

func TestHandshakeWithKnownCredential(t *testing.T) {
	dev := newDevice(t)
	stored, err := crypto.GenerateKeyPair(crypto.NewDeterministicBackend([]byte("stored")))
	require.NoError(t, err)

	var calls int
	store := credential.StoreFunc(func(re, rs []byte) ([]byte, []byte, bool) {
		calls++
		assert.Equal(t, dev.StaticKey(), rs)
		return stored.Private, []byte("stored blob"), true
	})
	h := newHost(t, WithCredentialStore(store), WithPairingCredential([]byte("unused")))
	handshake(t, h, dev)

	assert.Equal(t, 1, calls)
	assert.Equal(t, stored.Public, h.LocalStatic().Public)
	assert.Equal(t, stored.Public, dev.HostStatic(h.ChannelID()))
	assert.Equal(t, [][]byte{[]byte("stored blob")}, dev.Credentials())
}

func TestUnpairedDeviceEntersPairing(t *testing.T) {
	dev := newDevice(t, emulator.WithState(thp.DeviceUnpaired))
	h := newHost(t)
	handshake(t, h, dev)

	assert.Equal(t, HostPairing0, h.State())
	assert.True(t, h.HandshakeDone())
	assert.ErrorIs(t, h.Send([]byte("x")), thp.ErrUnexpectedInput)

	// the next device message carries sync bit 0
	hdr, err := wire.NewData(h.ChannelID(), wire.KindEncryptedTransport, 3)
	require.NoError(t, err)
	pkt := make([]byte, packetLen)
	_, err = fragment.Single(hdr, 0, []byte{1, 2, 3}, pkt)
	require.NoError(t, err)

	_, err = h.DataIn(pkt)
	assert.ErrorIs(t, err, ErrPairingUnsupported)
	assert.ErrorIs(t, err, thp.ErrUnexpectedInput)
	assert.Equal(t, HostPairing0, h.State())
}

func TestEncryptedTransportEcho(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t, WithBufferSize(512))
	handshake(t, h, dev)

	for _, msg := range [][]byte{[]byte("ping"), make([]byte, 200), []byte("again")} {
		require.NoError(t, h.Send(msg))
		assert.ErrorIs(t, h.Send(msg), thp.ErrUnexpectedInput, "one message in flight")

		replies := exchange(t, h, dev)
		assert.False(t, feed(t, h, replies))
		assert.False(t, h.AwaitingAck())

		got, ok := h.Receive()
		require.True(t, ok)
		assert.Equal(t, msg, got)
		_, ok = h.Receive()
		assert.False(t, ok)
	}
}

func TestSendTooLarge(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	handshake(t, h, dev)
	err := h.Send(make([]byte, DefaultBufferSize))
	assert.ErrorIs(t, err, thp.ErrInsufficientBuffer)
}

func TestDuplicateMessageIsDropped(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	rounds := handshake(t, h, dev)
	completion := rounds[2][len(rounds[2])-1]

	more, err := h.DataIn(completion)
	require.NoError(t, err)
	assert.True(t, more, "duplicate is consumed without completing a message")
	assert.Equal(t, HostEncryptedTransport, h.State())

	pkts := drain(t, h)
	require.Len(t, pkts, 1, "the duplicate is acknowledged again")
	hdr, err := wire.ParseHeader(pkts[0])
	require.NoError(t, err)
	assert.True(t, hdr.IsAck())
	assert.Equal(t, uint8(1), hdr.Control.AckBit())
}

func TestAckIsConsumed(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	require.False(t, feed(t, h, exchange(t, h, dev)))
	replies := exchange(t, h, dev)
	require.True(t, h.AwaitingAck())

	hdr, err := wire.ParseHeader(replies[0])
	require.NoError(t, err)
	require.True(t, hdr.IsAck())
	more, err := h.DataIn(replies[0])
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, h.AwaitingAck())
	assert.Equal(t, HostHandshake1, h.State())
}

func TestTransportErrorSurfaced(t *testing.T) {
	dev := newDevice(t, emulator.WithLocked())
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	require.False(t, feed(t, h, exchange(t, h, dev)))

	replies := exchange(t, h, dev)
	require.Len(t, replies, 2)
	more, err := h.DataIn(replies[0])
	require.NoError(t, err)
	assert.True(t, more)

	_, err = h.DataIn(replies[1])
	var terr *thp.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, thp.TransportDeviceLocked, terr.Code)
	assert.ErrorIs(t, err, thp.ErrTransport)
	assert.Equal(t, HostHandshake1, h.State())

	more, err = h.DataOut(make([]byte, packetLen))
	require.NoError(t, err)
	assert.False(t, more, "no acknowledgment for error datagrams")
}

func TestTamperedCompletionInvalidates(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	require.False(t, feed(t, h, exchange(t, h, dev)))
	require.False(t, feed(t, h, exchange(t, h, dev)))
	require.Equal(t, HostHandshake2, h.State())

	replies := exchange(t, h, dev)
	require.Len(t, replies, 2)
	completion := replies[1]
	hdr, err := wire.ParseHeader(completion)
	require.NoError(t, err)
	end := wire.InitHeaderLen + hdr.PayloadLen()
	completion[wire.InitHeaderLen] ^= 0x01
	trailer := wire.ChecksumTrailer(hdr, completion[wire.InitHeaderLen:end])
	copy(completion[end:], trailer[:])

	feed(t, h, replies[:1])
	_, err = h.DataIn(completion)
	assert.ErrorIs(t, err, thp.ErrInvalidDigest)
	assert.Equal(t, HostInvalidated, h.State())
	assert.False(t, h.HandshakeDone())

	_, err = h.DataOut(make([]byte, packetLen))
	assert.ErrorIs(t, err, thp.ErrUnexpectedInput)
	_, err = h.DataIn(completion)
	assert.ErrorIs(t, err, thp.ErrUnexpectedInput)
}

func TestCorruptedDatagramKeepsChannel(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	replies := exchange(t, h, dev)
	require.Len(t, replies, 1)

	bad := append([]byte(nil), replies[0]...)
	bad[wire.InitHeaderLen] ^= 0xff
	_, err := h.DataIn(bad)
	assert.ErrorIs(t, err, thp.ErrInvalidDigest)
	assert.Equal(t, HostHandshake0, h.State())

	assert.False(t, feed(t, h, replies))
	assert.Equal(t, HostHandshake1, h.State())
}

// stamped builds a single-datagram message carrying the sync bit of next.
func stamped(t *testing.T, next []byte, hdr wire.Header, payload []byte) []byte {
	t.Helper()
	want, err := wire.ParseHeader(next)
	require.NoError(t, err)
	pkt := make([]byte, packetLen)
	_, err = fragment.Single(hdr, want.Control.SeqBit(), payload, pkt)
	require.NoError(t, err)
	return pkt
}

func TestRejectedKindLeavesSyncUntouched(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	require.False(t, feed(t, h, exchange(t, h, dev)))

	replies := exchange(t, h, dev)
	require.Len(t, replies, 2)
	feed(t, h, replies[:1])
	require.Equal(t, HostHandshake1, h.State())

	hdr, err := wire.NewData(h.ChannelID(), wire.KindEncryptedTransport, 3)
	require.NoError(t, err)
	_, err = h.DataIn(stamped(t, replies[1], hdr, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, thp.ErrMalformedData)
	assert.Equal(t, HostHandshake1, h.State())
	assert.Empty(t, drain(t, h), "nothing acknowledged")

	assert.False(t, feed(t, h, replies[1:]), "the real reply is not a duplicate")
	assert.Equal(t, HostHandshake2, h.State())
	for i := 0; !h.HandshakeDone(); i++ {
		require.Less(t, i, 3)
		feed(t, h, exchange(t, h, dev))
	}
	assert.Equal(t, HostEncryptedTransport, h.State())
}

func TestWrongLengthReplyLeavesSyncUntouched(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	require.NoError(t, h.Alloc(false))
	require.False(t, feed(t, h, exchange(t, h, dev)))

	replies := exchange(t, h, dev)
	require.Len(t, replies, 2)
	feed(t, h, replies[:1])

	hdr, err := wire.NewHandshake(h.ChannelID(), wire.KindHandshakeInitiationResponse, 10)
	require.NoError(t, err)
	_, err = h.DataIn(stamped(t, replies[1], hdr, make([]byte, 10)))
	assert.ErrorIs(t, err, thp.ErrMalformedData)
	assert.Equal(t, HostHandshake1, h.State())
	assert.Empty(t, drain(t, h))

	assert.False(t, feed(t, h, replies[1:]))
	assert.Equal(t, HostHandshake2, h.State())
}

func TestNonPositiveBufferSizeUsesDefault(t *testing.T) {
	for _, n := range []int{-1, 0} {
		var h *Host
		assert.NotPanics(t, func() { h = NewHost(WithBufferSize(n)) })
		assert.Len(t, h.buf, DefaultBufferSize)
	}
}

func TestForeignChannelIgnored(t *testing.T) {
	dev := newDevice(t)
	h := newHost(t)
	handshake(t, h, dev)

	hdr, err := wire.NewData(h.ChannelID()+1, wire.KindEncryptedTransport, 1)
	require.NoError(t, err)
	pkt := make([]byte, packetLen)
	_, err = fragment.Single(hdr, 0, []byte{0}, pkt)
	require.NoError(t, err)

	more, err := h.DataIn(pkt)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Empty(t, drain(t, h))
}

func TestHandshakeStepsOutOfPhase(t *testing.T) {
	h := newHost(t)
	assert.ErrorIs(t, h.continueHandshake(make([]byte, 96)), thp.ErrUnexpectedInput)
	_, err := h.finishHandshake(make([]byte, 17))
	assert.ErrorIs(t, err, thp.ErrUnexpectedInput)

	dev := newDevice(t)
	handshake(t, h, dev)
	assert.ErrorIs(t, h.startHandshake(nil), thp.ErrUnexpectedInput)
	assert.ErrorIs(t, h.continueHandshake(make([]byte, 96)), thp.ErrUnexpectedInput)
}

func TestHostStateString(t *testing.T) {
	assert.Equal(t, "HH1", HostHandshake1.String())
	assert.Equal(t, "HP3a", HostPairing3a.String())
	assert.Equal(t, "encrypted-transport", HostEncryptedTransport.String())
	assert.Equal(t, "host-state(99)", HostState(99).String())
	assert.True(t, HostCredential1.IsPairing())
	assert.False(t, HostEncryptedTransport.IsPairing())
	assert.Equal(t, RoleHost, NewHost().Role())
	assert.Equal(t, "host", RoleHost.String())
}
