package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CStreamingMatchesOneShot(t *testing.T) {
	data := []byte("block k-d tree leaf payload")

	h := NewCRC32C()
	_, _ = h.Write(data[:10])
	_, _ = h.Write(data[10:])
	assert.Equal(t, CRC32C(data), h.Sum32())

	assert.Equal(t, CRC32C(data), UpdateCRC32C(CRC32C(data[:5]), data[5:]))
	// Known CRC32C check value for "123456789".
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}
