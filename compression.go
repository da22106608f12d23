package bkd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how persisted streams are compressed at rest.
type Compression uint8

const (
	// CompressionNone stores streams as written. Local blobs are then read
	// without copying.
	CompressionNone Compression = iota
	// CompressionLZ4 favors decode speed.
	CompressionLZ4
	// CompressionZSTD favors ratio.
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	switch c {
	case CompressionNone, CompressionLZ4, CompressionZSTD:
		return []byte(c.String()), nil
	}
	return nil, fmt.Errorf("bkd: unknown compression %d", uint8(c))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none", "":
		*c = CompressionNone
	case "lz4":
		*c = CompressionLZ4
	case "zstd":
		*c = CompressionZSTD
	default:
		return fmt.Errorf("bkd: unknown compression %q", text)
	}
	return nil
}

// A compressed stream is a sequence of blocks, each
// [uncompressed u32][compressed u32][payload]. compressed == 0 means the
// payload is stored raw.
const (
	compressionBlockSize  = 1 << 20
	blockHeaderSize       = 8
	minCompressionSavings = 0.1
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// appendBlock appends the framed encoding of block to dst.
func appendBlock(dst, block []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(block)))
		n, err := lz4.CompressBlock(block, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		compressed = enc.EncodeAll(block, nil)
		zstdEncoderPool.Put(enc)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(block)))
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(block))*(1-minCompressionSavings) {
		dst = binary.LittleEndian.AppendUint32(dst, 0)
		return append(dst, block...), nil
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(compressed)))
	return append(dst, compressed...), nil
}

// decompressStream decodes a framed stream of size uncompressed bytes.
func decompressStream(resource string, src []byte, c Compression, size int64) ([]byte, error) {
	if size < 0 || size > maxArrayLength {
		return nil, corruptf(resource, "uncompressed size %d out of range", size)
	}
	dst := make([]byte, 0, size)
	var dec *zstd.Decoder
	if c == CompressionZSTD {
		var err error
		if dec, err = getZstdDecoder(); err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
	}

	for len(src) > 0 {
		if len(src) < blockHeaderSize {
			return nil, corruptf(resource, "truncated block header")
		}
		rawLen := int(binary.LittleEndian.Uint32(src))
		storedLen := int(binary.LittleEndian.Uint32(src[4:]))
		src = src[blockHeaderSize:]
		if rawLen > compressionBlockSize || int64(len(dst)+rawLen) > size {
			return nil, corruptf(resource, "block of %d bytes overflows stream of %d bytes", rawLen, size)
		}
		if storedLen == 0 {
			if len(src) < rawLen {
				return nil, corruptf(resource, "truncated raw block")
			}
			dst = append(dst, src[:rawLen]...)
			src = src[rawLen:]
			continue
		}
		if len(src) < storedLen {
			return nil, corruptf(resource, "truncated compressed block")
		}
		block := src[:storedLen]
		src = src[storedLen:]

		start := len(dst)
		switch c {
		case CompressionLZ4:
			dst = dst[:start+rawLen]
			n, err := lz4.UncompressBlock(block, dst[start:])
			if err != nil {
				return nil, &CorruptIndexError{Resource: resource, Msg: "lz4 block", cause: err}
			}
			dst = dst[:start+n]
		case CompressionZSTD:
			var err error
			if dst, err = dec.DecodeAll(block, dst); err != nil {
				return nil, &CorruptIndexError{Resource: resource, Msg: "zstd block", cause: err}
			}
		default:
			return nil, corruptf(resource, "compressed block in stream stored with %s", c)
		}
		if len(dst)-start != rawLen {
			return nil, corruptf(resource, "block decoded to %d bytes, want %d", len(dst)-start, rawLen)
		}
	}
	if int64(len(dst)) != size {
		return nil, corruptf(resource, "stream decoded to %d bytes, want %d", len(dst), size)
	}
	return dst, nil
}
