package thp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsKind(t *testing.T) {
	kinds := []error{
		ErrUnexpectedInput,
		ErrMalformedData,
		ErrInsufficientBuffer,
		ErrHandshakeFailed,
		ErrInvalidDigest,
	}
	for _, kind := range kinds {
		err := Wrap("test", kind, "context %d", 7)
		assert.ErrorIs(t, err, kind)
		for _, other := range kinds {
			if other != kind {
				assert.NotErrorIs(t, err, other)
			}
		}
	}
}

func TestParseTransportError(t *testing.T) {
	te, err := ParseTransportError([]byte{5})
	require.NoError(t, err)
	assert.Equal(t, TransportDeviceLocked, te.Code)
	assert.True(t, errors.Is(te, ErrTransport))
	assert.Contains(t, te.Error(), "device locked")

	_, err = ParseTransportError(nil)
	assert.ErrorIs(t, err, ErrMalformedData)

	_, err = ParseTransportError([]byte{0x99})
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestTransportErrorCodeString(t *testing.T) {
	assert.Equal(t, "transport busy", TransportBusy.String())
	assert.Equal(t, "unknown transport error 77", TransportErrorCode(77).String())
}

func TestParseDeviceState(t *testing.T) {
	for _, tc := range []struct {
		payload []byte
		want    DeviceState
		paired  bool
	}{
		{[]byte{0}, DeviceUnpaired, false},
		{[]byte{1}, DevicePaired, true},
		{[]byte{2}, DevicePairedAutoconnect, true},
	} {
		got, err := ParseDeviceState(tc.payload)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.paired, got.IsPaired())
	}

	for _, bad := range [][]byte{nil, {3}, {1, 0}} {
		_, err := ParseDeviceState(bad)
		assert.True(t, errors.Is(err, ErrMalformedData), "payload %x", bad)
	}
	assert.Equal(t, "paired-autoconnect", DevicePairedAutoconnect.String())
}
