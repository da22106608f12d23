package store

import (
	"encoding/binary"
	"errors"
	"hash"
	"io"

	ihash "github.com/hupe1980/bkd/internal/hash"
)

const flushThreshold = 64 << 10

func crc32c(b []byte) uint32 { return ihash.CRC32C(b) }

// Output is an append-only stream encoder.
//
// When created with a nil writer it keeps everything in memory, which is how
// scratch buffers for leaves and the packed index are built.
type Output struct {
	name    string
	w       io.Writer
	buf     []byte
	flushed int64
	crc     hash.Hash32
	crcUpto int
	err     error
}

// NewOutput returns an Output that streams to w.
func NewOutput(name string, w io.Writer) *Output {
	return &Output{
		name: name,
		w:    w,
		buf:  make([]byte, 0, flushThreshold),
		crc:  ihash.NewCRC32C(),
	}
}

// NewMemoryOutput returns an Output that buffers everything in memory.
func NewMemoryOutput(name string) *Output {
	return &Output{name: name, crc: ihash.NewCRC32C()}
}

// Name returns the resource name used in error messages.
func (o *Output) Name() string { return o.name }

// FilePointer returns the number of bytes written so far.
func (o *Output) FilePointer() int64 { return o.flushed + int64(len(o.buf)) }

// Err returns the first error encountered.
func (o *Output) Err() error { return o.err }

// WriteByte appends a single byte.
func (o *Output) WriteByte(b byte) error {
	if o.err != nil {
		return o.err
	}
	o.buf = append(o.buf, b)
	o.maybeFlush()
	return o.err
}

// Write implements io.Writer.
func (o *Output) Write(p []byte) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	o.buf = append(o.buf, p...)
	o.maybeFlush()
	if o.err != nil {
		return 0, o.err
	}
	return len(p), nil
}

// WriteBytes appends p.
func (o *Output) WriteBytes(p []byte) {
	_, _ = o.Write(p)
}

// WriteVInt appends v as an unsigned varint of its 32-bit pattern; negative
// values therefore take five bytes.
func (o *Output) WriteVInt(v int32) {
	if o.err != nil {
		return
	}
	o.buf = binary.AppendUvarint(o.buf, uint64(uint32(v)))
	o.maybeFlush()
}

// WriteVLong appends a non-negative v as an unsigned varint.
func (o *Output) WriteVLong(v int64) {
	if o.err != nil {
		return
	}
	if v < 0 {
		o.err = errors.New("store: cannot write negative vlong")
		return
	}
	o.buf = binary.AppendUvarint(o.buf, uint64(v))
	o.maybeFlush()
}

// WriteShort appends v little-endian.
func (o *Output) WriteShort(v int16) {
	if o.err != nil {
		return
	}
	o.buf = binary.LittleEndian.AppendUint16(o.buf, uint16(v))
	o.maybeFlush()
}

// WriteInt appends v little-endian.
func (o *Output) WriteInt(v int32) {
	if o.err != nil {
		return
	}
	o.buf = binary.LittleEndian.AppendUint32(o.buf, uint32(v))
	o.maybeFlush()
}

// writeUint32 appends v little-endian.
func (o *Output) writeUint32(v uint32) {
	if o.err != nil {
		return
	}
	o.buf = binary.LittleEndian.AppendUint32(o.buf, v)
	o.maybeFlush()
}

// WriteLong appends v little-endian.
func (o *Output) WriteLong(v int64) {
	if o.err != nil {
		return
	}
	o.buf = binary.LittleEndian.AppendUint64(o.buf, uint64(v))
	o.maybeFlush()
}

// WriteHeader writes the codec header: magic, codec name and version.
func (o *Output) WriteHeader(codec string, version int) {
	if len(codec) >= 128 {
		o.setErr(errors.New("store: codec name must be shorter than 128 bytes"))
		return
	}
	o.writeUint32(CodecMagic)
	o.WriteVInt(int32(len(codec)))
	o.WriteBytes([]byte(codec))
	o.WriteInt(int32(version))
}

// WriteFooter writes the checksum footer and flushes the stream.
func (o *Output) WriteFooter() error {
	o.writeUint32(FooterMagic)
	o.writeUint32(checksumAlgorithmCRC32C)
	if o.err != nil {
		return o.err
	}
	o.updateCRC()
	o.buf = binary.LittleEndian.AppendUint64(o.buf, uint64(o.crc.Sum32()))
	o.crcUpto = len(o.buf)
	return o.Flush()
}

// Checksum returns the CRC32C over all bytes written so far.
func (o *Output) Checksum() uint32 {
	o.updateCRC()
	return o.crc.Sum32()
}

// Bytes returns the buffered content of an in-memory output.
func (o *Output) Bytes() []byte { return o.buf }

// Reset clears an in-memory output for reuse.
func (o *Output) Reset() {
	o.buf = o.buf[:0]
	o.flushed = 0
	o.crc.Reset()
	o.crcUpto = 0
	o.err = nil
}

// CopyTo appends the buffered content of an in-memory output to dst.
func (o *Output) CopyTo(dst *Output) {
	dst.WriteBytes(o.buf)
}

// Flush writes buffered bytes to the underlying writer, if any.
func (o *Output) Flush() error {
	if o.err != nil || o.w == nil {
		return o.err
	}
	o.updateCRC()
	if len(o.buf) > 0 {
		if _, err := o.w.Write(o.buf); err != nil {
			o.err = err
			return err
		}
	}
	o.flushed += int64(len(o.buf))
	o.buf = o.buf[:0]
	o.crcUpto = 0
	return nil
}

func (o *Output) maybeFlush() {
	if o.w != nil && len(o.buf) >= flushThreshold {
		_ = o.Flush()
	}
}

func (o *Output) updateCRC() {
	if o.crcUpto < len(o.buf) {
		_, _ = o.crc.Write(o.buf[o.crcUpto:])
		o.crcUpto = len(o.buf)
	}
}

func (o *Output) setErr(err error) {
	if o.err == nil {
		o.err = err
	}
}
