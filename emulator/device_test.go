package emulator

import (
	"encoding/binary"
	"testing"

	"github.com/opd-ai/thp"
	"github.com/opd-ai/thp/crypto"
	"github.com/opd-ai/thp/fragment"
	"github.com/opd-ai/thp/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocRequest(t *testing.T, nonce []byte) []byte {
	t.Helper()
	hdr, err := wire.NewChannelRequest(len(nonce))
	require.NoError(t, err)
	pkt := make([]byte, wire.DefaultPacketLen)
	_, err = fragment.Single(hdr, 0, nonce, pkt)
	require.NoError(t, err)
	return pkt
}

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	opts = append([]Option{WithBackend(crypto.NewDeterministicBackend([]byte(t.Name())))}, opts...)
	d, err := New(opts...)
	require.NoError(t, err)
	return d
}

func TestAllocateEchoesNonce(t *testing.T) {
	d := newTestDevice(t, WithFirstChannelID(0x0042))
	nonce := []byte("12345678")

	replies, err := d.Handle(allocRequest(t, nonce))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	hdr, err := wire.ParseHeader(replies[0])
	require.NoError(t, err)
	assert.Equal(t, wire.KindChannelAllocationResponse, hdr.Kind())
	assert.Equal(t, wire.BroadcastChannelID, hdr.ChannelID)

	buf := make([]byte, 128)
	r, err := fragment.NewReassembler(replies[0], buf)
	require.NoError(t, err)
	n, err := r.Verify(buf)
	require.NoError(t, err)
	payload := buf[:n]
	assert.Equal(t, nonce, payload[:wire.NonceLen])
	assert.Equal(t, uint16(0x0042), binary.BigEndian.Uint16(payload[wire.NonceLen:]))
	assert.Equal(t, DefaultProperties, payload[wire.NonceLen+2:])

	replies, err = d.Handle(allocRequest(t, nonce))
	require.NoError(t, err)
	r, err = fragment.NewReassembler(replies[0], buf)
	require.NoError(t, err)
	_, err = r.Verify(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0043), binary.BigEndian.Uint16(buf[wire.NonceLen:]), "each allocation gets a new channel")
}

func TestAllocateRejectsBadNonce(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.Handle(allocRequest(t, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, thp.ErrMalformedData)
}

func TestUnknownChannelGetsError(t *testing.T) {
	d := newTestDevice(t)
	hdr, err := wire.NewData(0x0777, wire.KindEncryptedTransport, 1)
	require.NoError(t, err)
	pkt := make([]byte, wire.DefaultPacketLen)
	_, err = fragment.Single(hdr, 0, []byte{0}, pkt)
	require.NoError(t, err)

	replies, err := d.Handle(pkt)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	h, err := wire.ParseHeader(replies[0])
	require.NoError(t, err)
	assert.True(t, h.IsError())
	assert.Equal(t, uint16(0x0777), h.ChannelID)
	assert.Equal(t, byte(thp.TransportUnallocatedChannel), replies[0][wire.InitHeaderLen])
}

func TestIgnoresStrayDatagrams(t *testing.T) {
	d := newTestDevice(t)

	cont := make([]byte, wire.DefaultPacketLen)
	cont[0] = byte(wire.ContinuationControl)
	replies, err := d.Handle(cont)
	require.NoError(t, err)
	assert.Empty(t, replies)

	hdr, err := wire.NewChannelResponse(0)
	require.NoError(t, err)
	pkt := make([]byte, wire.DefaultPacketLen)
	_, err = fragment.Single(hdr, 0, nil, pkt)
	require.NoError(t, err)
	replies, err = d.Handle(pkt)
	require.NoError(t, err)
	assert.Empty(t, replies)

	_, err = d.Handle(nil)
	assert.ErrorIs(t, err, thp.ErrMalformedData)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(WithProperties(make([]byte, maxPropertiesLen+1)))
	assert.ErrorIs(t, err, thp.ErrInsufficientBuffer)
	_, err = New(WithPacketLen(wire.MinPacketLen - 1))
	assert.ErrorIs(t, err, thp.ErrInsufficientBuffer)

	d, err := New()
	require.NoError(t, err)
	assert.Len(t, d.StaticKey(), 32)
	assert.Equal(t, DefaultProperties, d.Properties())
	assert.Empty(t, d.Credentials())
	assert.Nil(t, d.HandshakeHash(1))
}
