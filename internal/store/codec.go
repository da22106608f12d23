package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

const (
	// CodecMagic starts every stream header.
	CodecMagic uint32 = 0x3fd76c17
	// FooterMagic starts every stream footer.
	FooterMagic uint32 = ^CodecMagic

	// FooterLength is the size of a checksum footer in bytes:
	// magic (4) + algorithm id (4) + checksum (8).
	FooterLength = 16

	checksumAlgorithmCRC32C uint32 = 1
)

// ErrCorrupt is wrapped by every decoding error that indicates damaged or
// truncated data.
var ErrCorrupt = errors.New("store: corrupt data")

func corruptf(resource string, format string, args ...any) error {
	return fmt.Errorf("%w: %s (resource=%s)", ErrCorrupt, fmt.Sprintf(format, args...), resource)
}

// HeaderLength returns the encoded size of a header for codec.
func HeaderLength(codec string) int {
	return 4 + varintLen(uint64(len(codec))) + len(codec) + 4
}

func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ParseFooter validates the 16-byte footer at the end of b and returns the
// stored checksum together with the CRC32C computed over everything before it.
func ParseFooter(resource string, b []byte) (stored, actual uint32, err error) {
	if len(b) < FooterLength {
		return 0, 0, corruptf(resource, "stream too short for footer: %d bytes", len(b))
	}
	footer := b[len(b)-FooterLength:]
	if magic := binary.LittleEndian.Uint32(footer[0:]); magic != FooterMagic {
		return 0, 0, corruptf(resource, "footer magic mismatch: got %#x want %#x", magic, FooterMagic)
	}
	if algo := binary.LittleEndian.Uint32(footer[4:]); algo != checksumAlgorithmCRC32C {
		return 0, 0, corruptf(resource, "unknown checksum algorithm %d", algo)
	}
	sum := binary.LittleEndian.Uint64(footer[8:])
	if sum>>32 != 0 {
		return 0, 0, corruptf(resource, "illegal checksum value %#x", sum)
	}
	return uint32(sum), crc32c(b[:len(b)-8]), nil
}

// VerifyFooter checks that b ends with a footer whose checksum matches its
// contents.
func VerifyFooter(resource string, b []byte) error {
	stored, actual, err := ParseFooter(resource, b)
	if err != nil {
		return err
	}
	if stored != actual {
		return corruptf(resource, "checksum failed: stored %#x actual %#x", stored, actual)
	}
	return nil
}

// VerifyStreamFooter checks a footer that was read apart from its stream.
// sum must already cover every byte that precedes the footer; it is updated
// with the footer's magic and algorithm id.
func VerifyStreamFooter(resource string, footer []byte, sum hash.Hash32) error {
	if len(footer) != FooterLength {
		return corruptf(resource, "footer has %d bytes, want %d", len(footer), FooterLength)
	}
	if magic := binary.LittleEndian.Uint32(footer[0:]); magic != FooterMagic {
		return corruptf(resource, "footer magic mismatch: got %#x want %#x", magic, FooterMagic)
	}
	if algo := binary.LittleEndian.Uint32(footer[4:]); algo != checksumAlgorithmCRC32C {
		return corruptf(resource, "unknown checksum algorithm %d", algo)
	}
	_, _ = sum.Write(footer[:8])
	stored := binary.LittleEndian.Uint64(footer[8:])
	if actual := uint64(sum.Sum32()); stored != actual {
		return corruptf(resource, "checksum failed: stored %#x actual %#x", stored, actual)
	}
	return nil
}
