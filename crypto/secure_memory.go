package crypto

import (
	"crypto/subtle"
	"runtime"

	"github.com/flynn/noise"
)

// ZeroBytes overwrites sensitive data with zeros.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	zeros := make([]byte, len(data))
	// The constant-time compare keeps the compiler from treating the copy
	// below as a dead store.
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
}

// WipeKeyPair erases the private half of a key pair.
func WipeKeyPair(kp *noise.DHKey) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private)
}
