package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/opd-ai/thp"
)

// Checksum computes the CRC-32 of a message: the initiation prefix followed
// by the payload.
func Checksum(h Header, payload []byte) uint32 {
	var prefix [InitHeaderLen]byte
	_, _ = h.Encode(prefix[:])
	crc := crc32.NewIEEE()
	_, _ = crc.Write(prefix[:])
	_, _ = crc.Write(payload)
	return crc.Sum32()
}

// ChecksumTrailer returns the encoded checksum that follows the payload.
func ChecksumTrailer(h Header, payload []byte) [ChecksumLen]byte {
	var out [ChecksumLen]byte
	binary.BigEndian.PutUint32(out[:], Checksum(h, payload))
	return out
}

// VerifyChecksum checks a reassembled message held in buf (payload followed
// by the checksum, h.Length bytes in total) and returns the payload length.
func VerifyChecksum(h Header, buf []byte) (int, error) {
	if h.Length < ChecksumLen || len(buf) < int(h.Length) {
		return 0, thp.Wrap(domain, thp.ErrMalformedData, "message of %d bytes is too short for declared length %d", len(buf), h.Length)
	}
	n := h.PayloadLen()
	want := ChecksumTrailer(h, buf[:n])
	if !bytes.Equal(want[:], buf[n:n+ChecksumLen]) {
		return 0, thp.Wrap(domain, thp.ErrInvalidDigest, "checksum mismatch on %s message", h.Kind())
	}
	return n, nil
}
