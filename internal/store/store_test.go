package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	ihash "github.com/hupe1980/bkd/internal/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputInputRoundTrip(t *testing.T) {
	var sink bytes.Buffer
	out := NewOutput("roundtrip", &sink)

	out.WriteHeader("TEST", 3)
	require.NoError(t, out.WriteByte(0xAB))
	out.WriteVInt(0)
	out.WriteVInt(127)
	out.WriteVInt(128)
	out.WriteVInt(-1)
	out.WriteVLong(1 << 40)
	out.WriteShort(-2)
	out.WriteInt(0x01020304)
	out.WriteLong(-42)
	out.WriteBytes([]byte("payload"))
	fp := out.FilePointer()
	require.NoError(t, out.WriteFooter())
	assert.Equal(t, fp+FooterLength, out.FilePointer())
	assert.Equal(t, int64(sink.Len()), out.FilePointer())

	in := NewInput("roundtrip", sink.Bytes())
	require.NoError(t, in.VerifyFooter())

	version, err := in.CheckHeader("TEST", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Equal(t, byte(0xAB), in.Byte())
	assert.Equal(t, int32(0), in.VInt())
	assert.Equal(t, int32(127), in.VInt())
	assert.Equal(t, int32(128), in.VInt())
	assert.Equal(t, int32(-1), in.VInt())
	assert.Equal(t, int64(1<<40), in.VLong())
	assert.Equal(t, int16(-2), in.Short())
	assert.Equal(t, int32(0x01020304), in.Int())
	assert.Equal(t, int64(-42), in.Long())
	buf := make([]byte, 7)
	in.ReadInto(buf)
	assert.Equal(t, "payload", string(buf))
	require.NoError(t, in.Err())
	assert.Equal(t, fp, in.Position())
}

func TestOutputLargeStreamFlushes(t *testing.T) {
	var sink bytes.Buffer
	out := NewOutput("large", &sink)
	block := bytes.Repeat([]byte{7}, 1000)
	for i := 0; i < 200; i++ {
		out.WriteBytes(block)
	}
	require.NoError(t, out.WriteFooter())
	assert.Equal(t, 200*1000+FooterLength, sink.Len())
	require.NoError(t, VerifyFooter("large", sink.Bytes()))
}

func TestMemoryOutput(t *testing.T) {
	out := NewMemoryOutput("scratch")
	out.WriteVInt(300)
	out.WriteBytes([]byte{1, 2, 3})
	assert.Equal(t, int64(5), out.FilePointer())

	dst := NewMemoryOutput("dst")
	dst.WriteByte(9)
	out.CopyTo(dst)
	assert.Equal(t, []byte{9, 0xAC, 0x02, 1, 2, 3}, dst.Bytes())

	out.Reset()
	assert.Equal(t, int64(0), out.FilePointer())
	assert.Empty(t, out.Bytes())
}

func TestFooterDetectsCorruption(t *testing.T) {
	out := NewMemoryOutput("c")
	out.WriteBytes([]byte("hello world"))
	require.NoError(t, out.WriteFooter())
	data := append([]byte(nil), out.Bytes()...)
	require.NoError(t, VerifyFooter("c", data))

	data[3] ^= 0xFF
	err := VerifyFooter("c", data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))

	err = VerifyFooter("c", []byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestFooterLayout(t *testing.T) {
	out := NewMemoryOutput("footer")
	out.WriteHeader("TEST", 1)
	require.NoError(t, out.WriteFooter())
	data := out.Bytes()

	assert.Equal(t, CodecMagic, binary.LittleEndian.Uint32(data))
	footer := data[len(data)-FooterLength:]
	assert.Equal(t, FooterMagic, binary.LittleEndian.Uint32(footer))
	assert.Equal(t, checksumAlgorithmCRC32C, binary.LittleEndian.Uint32(footer[4:]))
	assert.Equal(t, uint64(ihash.CRC32C(data[:len(data)-8])), binary.LittleEndian.Uint64(footer[8:]))
}

func TestInputStickyEOF(t *testing.T) {
	in := NewInput("short", []byte{1, 2})
	assert.Equal(t, int32(0), in.Int())
	err := in.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	// Further reads keep failing without panicking.
	assert.Equal(t, byte(0), in.Byte())
	assert.Equal(t, err, in.Err())
}

func TestInputCloneAndSlice(t *testing.T) {
	in := NewInput("base", []byte{0, 1, 2, 3, 4, 5, 6, 7})
	in.Seek(2)
	c := in.Clone()
	assert.Equal(t, byte(2), c.Byte())
	assert.Equal(t, int64(2), in.Position(), "clone must not move the original")

	s, err := in.Slice("part", 4, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Length())
	assert.Equal(t, byte(4), s.Byte())

	_, err = in.Slice("bad", 6, 5)
	assert.True(t, errors.Is(err, ErrCorrupt))

	in.Seek(100)
	assert.Error(t, in.Err())
}

func TestCheckHeaderMismatch(t *testing.T) {
	out := NewMemoryOutput("h")
	out.WriteHeader("BKD", 9)

	_, err := NewInput("h", out.Bytes()).CheckHeader("OTHER", 0, 9)
	assert.True(t, errors.Is(err, ErrCorrupt))

	_, err = NewInput("h", out.Bytes()).CheckHeader("BKD", 0, 8)
	assert.True(t, errors.Is(err, ErrCorrupt))

	assert.Equal(t, HeaderLength("BKD"), len(out.Bytes()))
}

func TestVerifyStreamFooter(t *testing.T) {
	out := NewMemoryOutput("s")
	out.WriteBytes(bytes.Repeat([]byte("points"), 100))
	require.NoError(t, out.WriteFooter())
	data := out.Bytes()
	body, footer := data[:len(data)-FooterLength], data[len(data)-FooterLength:]

	sum := ihash.NewCRC32C()
	_, _ = sum.Write(body)
	require.NoError(t, VerifyStreamFooter("s", footer, sum))

	sum.Reset()
	_, _ = sum.Write(body[1:])
	assert.ErrorIs(t, VerifyStreamFooter("s", footer, sum), ErrCorrupt)
	assert.ErrorIs(t, VerifyStreamFooter("s", footer[:4], ihash.NewCRC32C()), ErrCorrupt)
}
