package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Input is a random-access decoder over an immutable byte slice.
type Input struct {
	name string
	data []byte
	pos  int
	err  error
}

// NewInput returns an Input positioned at the start of data.
func NewInput(name string, data []byte) *Input {
	return &Input{name: name, data: data}
}

// Name returns the resource name used in error messages.
func (in *Input) Name() string { return in.name }

// Length returns the number of bytes in the input.
func (in *Input) Length() int64 { return int64(len(in.data)) }

// Position returns the current read offset.
func (in *Input) Position() int64 { return int64(in.pos) }

// Err returns the first error encountered.
func (in *Input) Err() error { return in.err }

// Data returns the backing bytes.
func (in *Input) Data() []byte { return in.data }

// Clone returns an independent cursor over the same bytes at the same
// position.
func (in *Input) Clone() *Input {
	return &Input{name: in.name, data: in.data, pos: in.pos, err: in.err}
}

// Slice returns a new Input restricted to [off, off+length).
func (in *Input) Slice(name string, off, length int64) (*Input, error) {
	if off < 0 || length < 0 || off+length > int64(len(in.data)) {
		return nil, corruptf(in.name, "slice [%d,%d) out of bounds (length=%d)", off, off+length, len(in.data))
	}
	return &Input{name: name, data: in.data[off : off+length]}, nil
}

// Seek moves the cursor to pos.
func (in *Input) Seek(pos int64) {
	if in.err != nil {
		return
	}
	if pos < 0 || pos > int64(len(in.data)) {
		in.err = corruptf(in.name, "seek to %d out of bounds (length=%d)", pos, len(in.data))
		return
	}
	in.pos = int(pos)
}

// Skip advances the cursor by n bytes.
func (in *Input) Skip(n int64) {
	in.Seek(int64(in.pos) + n)
}

// ReadByte implements io.ByteReader.
func (in *Input) ReadByte() (byte, error) {
	b := in.Byte()
	return b, in.err
}

// Read implements io.Reader.
func (in *Input) Read(p []byte) (int, error) {
	if in.err != nil {
		return 0, in.err
	}
	if in.pos >= len(in.data) {
		return 0, io.EOF
	}
	n := copy(p, in.data[in.pos:])
	in.pos += n
	return n, nil
}

// Byte reads one byte.
func (in *Input) Byte() byte {
	if !in.ensure(1) {
		return 0
	}
	b := in.data[in.pos]
	in.pos++
	return b
}

// ReadInto fills dst.
func (in *Input) ReadInto(dst []byte) {
	if !in.ensure(len(dst)) {
		return
	}
	copy(dst, in.data[in.pos:])
	in.pos += len(dst)
}

// Next returns the next n bytes without copying. The result aliases the
// backing slice and must not be modified.
func (in *Input) Next(n int) []byte {
	if !in.ensure(n) {
		return nil
	}
	b := in.data[in.pos : in.pos+n]
	in.pos += n
	return b
}

// VInt reads a varint written by Output.WriteVInt.
func (in *Input) VInt() int32 {
	v := in.uvarint()
	if in.err != nil {
		return 0
	}
	if v > math.MaxUint32 {
		in.err = corruptf(in.name, "vint overflow at %d", in.pos)
		return 0
	}
	return int32(uint32(v))
}

// VLong reads a varint written by Output.WriteVLong.
func (in *Input) VLong() int64 {
	v := in.uvarint()
	if in.err != nil {
		return 0
	}
	if v > math.MaxInt64 {
		in.err = corruptf(in.name, "vlong overflow at %d", in.pos)
		return 0
	}
	return int64(v)
}

// Short reads a little-endian int16.
func (in *Input) Short() int16 {
	if !in.ensure(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(in.data[in.pos:])
	in.pos += 2
	return int16(v)
}

// Int reads a little-endian int32.
func (in *Input) Int() int32 {
	if !in.ensure(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(in.data[in.pos:])
	in.pos += 4
	return int32(v)
}

// Long reads a little-endian int64.
func (in *Input) Long() int64 {
	if !in.ensure(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(in.data[in.pos:])
	in.pos += 8
	return int64(v)
}

// CheckHeader reads a codec header and returns its version.
func (in *Input) CheckHeader(codec string, minVersion, maxVersion int) (int, error) {
	magic := uint32(in.Int())
	if in.err != nil {
		return 0, in.err
	}
	if magic != CodecMagic {
		return 0, corruptf(in.name, "codec header mismatch: got %#x want %#x", magic, CodecMagic)
	}
	n := in.VInt()
	name := in.Next(int(n))
	version := int(in.Int())
	if in.err != nil {
		return 0, in.err
	}
	if string(name) != codec {
		return 0, corruptf(in.name, "codec mismatch: got %q want %q", name, codec)
	}
	if version < minVersion || version > maxVersion {
		return 0, fmt.Errorf("%w: format version %d outside supported range [%d,%d] (resource=%s)",
			ErrCorrupt, version, minVersion, maxVersion, in.name)
	}
	return version, nil
}

// VerifyFooter checks the checksum footer at the end of the input.
func (in *Input) VerifyFooter() error {
	return VerifyFooter(in.name, in.data)
}

func (in *Input) uvarint() uint64 {
	if in.err != nil {
		return 0
	}
	v, n := binary.Uvarint(in.data[in.pos:])
	if n <= 0 {
		if n == 0 {
			in.err = in.eof(1)
		} else {
			in.err = corruptf(in.name, "malformed varint at %d", in.pos)
		}
		return 0
	}
	in.pos += n
	return v
}

func (in *Input) ensure(n int) bool {
	if in.err != nil {
		return false
	}
	if n < 0 || in.pos+n > len(in.data) {
		in.err = in.eof(n)
		return false
	}
	return true
}

func (in *Input) eof(n int) error {
	return fmt.Errorf("%w: read past EOF: pos=%d want=%d length=%d (resource=%s): %w",
		ErrCorrupt, in.pos, n, len(in.data), in.name, io.ErrUnexpectedEOF)
}
