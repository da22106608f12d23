package sorter

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keys [][]byte

func (s keys) Swap(i, j int)        { s[i], s[j] = s[j], s[i] }
func (s keys) ByteAt(i, k int) byte { return s[i][k] }

func (s keys) clone() keys {
	c := make(keys, len(s))
	copy(c, s)
	return c
}

func (s keys) sorted() keys {
	c := s.clone()
	sort.Slice(c, func(i, j int) bool { return bytes.Compare(c[i], c[j]) < 0 })
	return c
}

func randomKeys(rnd *rand.Rand, n, width, alphabet int) keys {
	out := make(keys, n)
	for i := range out {
		out[i] = make([]byte, width)
		for k := range out[i] {
			out[i][k] = byte(rnd.Intn(alphabet))
		}
	}
	return out
}

func TestSort(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 2, 50, 65, 1000, 5000} {
		for _, alphabet := range []int{1, 3, 256} {
			in := randomKeys(rnd, n, 6, alphabet)
			want := in.sorted()
			Sort(in, 0, len(in), 0, 6)
			assert.Equal(t, want, in, "n=%d alphabet=%d", n, alphabet)
		}
	}
}

func TestSortSubrangeAndOffset(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	in := randomKeys(rnd, 500, 4, 256)
	for i := range in {
		in[i][0] = 9
	}
	before := in.clone()

	Sort(in, 100, 400, 1, 4)

	assert.Equal(t, before[:100], in[:100])
	assert.Equal(t, before[400:], in[400:])
	assert.True(t, sort.SliceIsSorted(in[100:400], func(i, j int) bool {
		return bytes.Compare(in[100+i], in[100+j]) < 0
	}))
}

func TestSelect(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for _, n := range []int{1, 10, 200, 3000} {
		for _, alphabet := range []int{2, 256} {
			in := randomKeys(rnd, n, 5, alphabet)
			want := in.sorted()
			target := rnd.Intn(n)

			Select(in, 0, n, target, 0, 5)

			require.Equal(t, want[target], in[target], "n=%d", n)
			for i := 0; i < target; i++ {
				assert.LessOrEqual(t, bytes.Compare(in[i], in[target]), 0)
			}
			for i := target + 1; i < n; i++ {
				assert.GreaterOrEqual(t, bytes.Compare(in[i], in[target]), 0)
			}
		}
	}
}

func TestSelectSmallRanges(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	for n := 1; n <= fallbackThreshold; n++ {
		for _, alphabet := range []int{1, 2, 256} {
			in := randomKeys(rnd, n, 3, alphabet)
			for i := range in {
				in[i][0] = 7
			}
			want := in.sorted()
			target := rnd.Intn(n)

			Select(in, 0, n, target, 1, 3)

			require.Equal(t, want[target], in[target], "n=%d alphabet=%d", n, alphabet)
			for i := 0; i < target; i++ {
				assert.LessOrEqual(t, bytes.Compare(in[i], in[target]), 0)
			}
			for i := target + 1; i < n; i++ {
				assert.GreaterOrEqual(t, bytes.Compare(in[i], in[target]), 0)
			}
		}
	}
}

func TestSelectSmallRangeIsPartial(t *testing.T) {
	n := fallbackThreshold
	in := make(keys, n)
	for i := range in {
		in[i] = []byte{byte(n - i)}
	}
	Select(in, 0, n, 0, 0, 1)

	assert.Equal(t, []byte{1}, in[0])
	assert.False(t, sort.SliceIsSorted(in, func(i, j int) bool { return bytes.Compare(in[i], in[j]) < 0 }))
}

func TestSelectPanicsOutOfRange(t *testing.T) {
	assert.Panics(t, func() { Select(keys{{1}}, 0, 1, 1, 0, 1) })
}
