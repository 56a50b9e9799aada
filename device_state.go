package thp

import "fmt"

// DeviceState is the pairing status a device reports at the end of the
// handshake, inside the encrypted completion response.
type DeviceState uint8

const (
	DeviceUnpaired          DeviceState = 0
	DevicePaired            DeviceState = 1
	DevicePairedAutoconnect DeviceState = 2
)

func (s DeviceState) String() string {
	switch s {
	case DeviceUnpaired:
		return "unpaired"
	case DevicePaired:
		return "paired"
	case DevicePairedAutoconnect:
		return "paired-autoconnect"
	}
	return fmt.Sprintf("device-state(%d)", uint8(s))
}

// IsPaired reports whether the device already trusts this host.
func (s DeviceState) IsPaired() bool {
	return s == DevicePaired || s == DevicePairedAutoconnect
}

// ParseDeviceState decodes the plaintext of a completion response, which is
// exactly one byte.
func ParseDeviceState(payload []byte) (DeviceState, error) {
	if len(payload) != 1 || payload[0] > byte(DevicePairedAutoconnect) {
		return 0, Wrap("thp", ErrMalformedData, "invalid device state payload %x", payload)
	}
	return DeviceState(payload[0]), nil
}
