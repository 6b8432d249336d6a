package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/grekinsky/lorachain/pkg/crypto"
)

// Frame layout (integers are unsigned varints unless noted):
//
//	version(1) | flags(1) | algorithm(1) | original_size | [dict_id] | [checksum(8)] | payload
//
// The checksum is BLAKE3 of the ORIGINAL payload truncated to 8 bytes, so a
// receiver detects both transport corruption and a bad decompress.
const (
	frameVersion = 1

	flagChecksum   = 0x01
	flagDictionary = 0x02
)

// frameChecksumSize is the truncated BLAKE3 length carried in the header.
const frameChecksumSize = 8

// Frame is a decoded compressed-frame header plus payload.
type Frame struct {
	Algorithm    Algorithm
	OriginalSize uint64
	DictID       uint32 // 0 when absent
	Checksum     []byte // nil when integrity checking is off
	Payload      []byte
}

// EncodeFrame wraps a compressed payload in the frame envelope.
// original is the uncompressed payload (for size and checksum).
func EncodeFrame(algo Algorithm, dictID uint32, original, compressed []byte, integrity bool) []byte {
	var flags byte
	if integrity {
		flags |= flagChecksum
	}
	if dictID != 0 {
		flags |= flagDictionary
	}

	out := make([]byte, 0, len(compressed)+24)
	out = append(out, frameVersion, flags, byte(algo))
	out = binary.AppendUvarint(out, uint64(len(original)))
	if dictID != 0 {
		out = binary.AppendUvarint(out, uint64(dictID))
	}
	if integrity {
		sum := crypto.Hash(original)
		out = append(out, sum[:frameChecksumSize]...)
	}
	out = append(out, compressed...)
	return out
}

// DecodeFrame parses the envelope without decompressing the payload.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(data))
	}
	if data[0] != frameVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadVersion, data[0])
	}
	flags := data[1]
	f := &Frame{Algorithm: Algorithm(data[2])}
	rest := data[3:]

	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: original size varint", ErrBadFrame)
	}
	f.OriginalSize = size
	rest = rest[n:]

	if flags&flagDictionary != 0 {
		id, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: dictionary id varint", ErrBadFrame)
		}
		f.DictID = uint32(id)
		rest = rest[n:]
	}

	if flags&flagChecksum != 0 {
		if len(rest) < frameChecksumSize {
			return nil, fmt.Errorf("%w: truncated checksum", ErrBadFrame)
		}
		f.Checksum = rest[:frameChecksumSize]
		rest = rest[frameChecksumSize:]
	}

	f.Payload = rest
	return f, nil
}

// verifyChecksum checks the decompressed payload against the frame header.
func (f *Frame) verifyChecksum(original []byte) error {
	if f.Checksum == nil {
		return nil
	}
	sum := crypto.Hash(original)
	for i := 0; i < frameChecksumSize; i++ {
		if sum[i] != f.Checksum[i] {
			return ErrChecksumMismatch
		}
	}
	return nil
}
