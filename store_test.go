package bkd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd/blobstore"
	"github.com/hupe1980/bkd/internal/cache"
	"github.com/hupe1980/bkd/resource"
)

// addBuild returns a BuildFunc that adds pts through a fresh Writer.
func addBuild(t *testing.T, cfg Config, pts []testPoint) (BuildFunc, *Writer) {
	t.Helper()
	w, err := NewWriter(cfg, int64(len(pts)), WithTempDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return func(meta, index, data *Output) (func() error, error) {
		for _, p := range pts {
			if err := w.Add(p.value, p.docID); err != nil {
				return nil, err
			}
		}
		return w.Finish(meta, index, data)
	}, w
}

func TestWriteTree_OpenTree(t *testing.T) {
	stores := map[string]func(t *testing.T) blobstore.BlobStore{
		"memory": func(*testing.T) blobstore.BlobStore { return blobstore.NewMemoryStore() },
		"local":  func(t *testing.T) blobstore.BlobStore { return blobstore.NewLocalStore(t.TempDir()) },
		"cached": func(t *testing.T) blobstore.BlobStore {
			return blobstore.NewCachingStore(blobstore.NewLocalStore(t.TempDir()), cache.NewShardedLRUBlockCache(1<<20, nil), 1024)
		},
	}
	compressions := []Compression{CompressionNone, CompressionLZ4, CompressionZSTD}
	cfg := MustConfig(2, 2, 4, 32)
	rng := rand.New(rand.NewPCG(40, 40))
	pts := randomPoints(rng, cfg, 3000, 64)

	for storeName, newStore := range stores {
		for _, c := range compressions {
			t.Run(storeName+"/"+c.String(), func(t *testing.T) {
				ctx := context.Background()
				bs := newStore(t)
				build, w := addBuild(t, cfg, pts)
				require.NoError(t, WriteTree(ctx, bs, "points", build, WithCompression(c), WithBuildID(w.BuildID())))

				tree, err := OpenTree(ctx, bs, "points")
				require.NoError(t, err)
				defer func() { require.NoError(t, tree.Close()) }()

				desc := tree.Descriptor()
				assert.Equal(t, "points", tree.Name())
				assert.Equal(t, w.BuildID().String(), desc.BuildID)
				assert.Equal(t, c, desc.Compression)
				assert.Equal(t, VersionCurrent, desc.TreeVersion)
				assert.Equal(t, int64(len(pts)), desc.PointCount)
				assert.Equal(t, len(pts), desc.DocCount)
				assert.Equal(t, tree.NumLeaves(), desc.NumLeaves)
				assert.Equal(t, DescriptorConfig{NumDims: 2, NumIndexDims: 2, BytesPerDim: 4, MaxPointsInLeafNode: 32}, desc.Config)
				assert.True(t, strings.HasPrefix(desc.Data.Blob, "points."+w.BuildID().String()))
				if c == CompressionZSTD {
					assert.Less(t, desc.Data.StoredSize, desc.Data.Size)
				}

				for i := 0; i < 10; i++ {
					lower, upper := randomBox(rng, cfg, 64)
					assert.Equal(t, bruteForce(cfg, pts, lower, upper), query(t, tree.Reader, lower, upper))
				}
			})
		}
	}
}

func TestWriteTree_Exists(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	cfg := MustConfig(1, 1, 4, 16)
	pts := randomPoints(rand.New(rand.NewPCG(41, 41)), cfg, 100, 100)

	build, _ := addBuild(t, cfg, pts)
	require.NoError(t, WriteTree(ctx, bs, "a", build))
	before, err := bs.List(ctx, "")
	require.NoError(t, err)

	build, _ = addBuild(t, cfg, pts)
	err = WriteTree(ctx, bs, "a", build)
	assert.ErrorIs(t, err, ErrTreeExists)

	after, err := bs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteTree_LosesCommitRace(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	cfg := MustConfig(1, 1, 4, 16)
	pts := randomPoints(rand.New(rand.NewPCG(42, 42)), cfg, 100, 100)

	inner, _ := addBuild(t, cfg, pts)
	build := func(meta, index, data *Output) (func() error, error) {
		// Another writer commits while this one builds.
		other, _ := addBuild(t, cfg, pts)
		require.NoError(t, WriteTree(ctx, bs, "a", other))
		return inner(meta, index, data)
	}
	assert.ErrorIs(t, WriteTree(ctx, bs, "a", build), ErrTreeExists)

	tree, err := OpenTree(ctx, bs, "a")
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, int64(100), tree.Size())

	blobs, err := bs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, blobs, 4)
}

func TestWriteTree_Failures(t *testing.T) {
	ctx := context.Background()
	cfg := MustConfig(1, 1, 4, 16)

	t.Run("empty", func(t *testing.T) {
		bs := blobstore.NewMemoryStore()
		build, _ := addBuild(t, cfg, nil)
		assert.ErrorIs(t, WriteTree(ctx, bs, "empty", build), ErrEmptyTree)
		blobs, err := bs.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, blobs)
	})

	t.Run("build error", func(t *testing.T) {
		bs := blobstore.NewLocalStore(t.TempDir())
		boom := errors.New("boom")
		err := WriteTree(ctx, bs, "broken", func(_, _, data *Output) (func() error, error) {
			data.WriteBytes(make([]byte, 1000))
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		blobs, err := bs.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, blobs)
	})

	t.Run("bad name", func(t *testing.T) {
		bs := blobstore.NewMemoryStore()
		build, _ := addBuild(t, cfg, nil)
		assert.ErrorIs(t, WriteTree(ctx, bs, "a/b", build), ErrInvalidArgument)
		assert.ErrorIs(t, WriteTree(ctx, bs, "", build), ErrInvalidArgument)
	})
}

func TestOpenTree_Corruption(t *testing.T) {
	ctx := context.Background()
	cfg := MustConfig(2, 2, 4, 16)
	pts := randomPoints(rand.New(rand.NewPCG(43, 43)), cfg, 500, 1000)

	setup := func(t *testing.T) (*blobstore.MemoryStore, TreeDescriptor) {
		bs := blobstore.NewMemoryStore()
		build, _ := addBuild(t, cfg, pts)
		require.NoError(t, WriteTree(ctx, bs, "t", build))
		desc, err := readDescriptor(ctx, bs, "t")
		require.NoError(t, err)
		return bs, desc
	}
	flip := func(t *testing.T, bs *blobstore.MemoryStore, name string, off int) {
		b, err := bs.Open(ctx, name)
		require.NoError(t, err)
		shared, err := blobstore.ReadAll(ctx, b)
		require.NoError(t, err)
		raw := bytes.Clone(shared)
		raw[off] ^= 0xff
		require.NoError(t, bs.Put(ctx, name, raw))
	}

	t.Run("not found", func(t *testing.T) {
		_, err := OpenTree(ctx, blobstore.NewMemoryStore(), "missing")
		assert.ErrorIs(t, err, ErrTreeNotFound)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		bs, desc := setup(t)
		flip(t, bs, desc.Data.Blob, int(desc.Data.StoredSize/2))
		_, err := OpenTree(ctx, bs, "t")
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("checksum without digests", func(t *testing.T) {
		bs, desc := setup(t)
		flip(t, bs, desc.Meta.Blob, int(desc.Meta.StoredSize/2))
		_, err := OpenTree(ctx, bs, "t", WithVerifyDigests(false))
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("index checksum without digests", func(t *testing.T) {
		bs, desc := setup(t)
		flip(t, bs, desc.Index.Blob, int(desc.Index.StoredSize/2))
		_, err := OpenTree(ctx, bs, "t", WithVerifyDigests(false))
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("missing blob", func(t *testing.T) {
		bs, desc := setup(t)
		require.NoError(t, bs.Delete(ctx, desc.Index.Blob))
		_, err := OpenTree(ctx, bs, "t")
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})

	t.Run("malformed descriptor", func(t *testing.T) {
		bs, _ := setup(t)
		require.NoError(t, bs.Put(ctx, descriptorName("t"), []byte("{not yaml")))
		_, err := OpenTree(ctx, bs, "t")
		assert.ErrorIs(t, err, ErrCorruptIndex)
	})
}

func TestDeleteTree_ListTrees(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	cfg := MustConfig(1, 1, 4, 16)
	var logs bytes.Buffer
	logger := NewLogger(slog.NewJSONHandler(&logs, nil))

	for _, name := range []string{"b", "a", "c"} {
		build, _ := addBuild(t, cfg, randomPoints(rand.New(rand.NewPCG(44, 44)), cfg, 50, 50))
		require.NoError(t, WriteTree(ctx, bs, name, build, WithStoreLogger(logger)))
	}
	names, err := ListTrees(ctx, bs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Contains(t, logs.String(), "bkd tree committed")

	require.NoError(t, DeleteTree(ctx, bs, "b", WithStoreLogger(logger)))
	assert.Contains(t, logs.String(), "bkd tree deleted")
	names, err = ListTrees(ctx, bs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names)

	blobs, err := bs.List(ctx, "b.")
	require.NoError(t, err)
	assert.Empty(t, blobs)

	assert.ErrorIs(t, DeleteTree(ctx, bs, "b"), ErrTreeNotFound)
}

func TestWriteTree_Throttled(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	cfg := MustConfig(2, 2, 4, 16)
	pts := randomPoints(rand.New(rand.NewPCG(45, 45)), cfg, 400, 400)
	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 64 << 20})

	build, _ := addBuild(t, cfg, pts)
	require.NoError(t, WriteTree(ctx, bs, "t", build, WithStoreResourceController(rc), WithCompression(CompressionLZ4)))

	metrics := &BasicMetricsCollector{}
	tree, err := OpenTree(ctx, bs, "t", WithStoreResourceController(rc), WithReaderOptions(WithReaderMetrics(metrics)))
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, int64(1), metrics.GetStats().TreesOpened)
}

func TestWriteTree_BuildIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	cfg := MustConfig(1, 1, 4, 16)
	pts := randomPoints(rand.New(rand.NewPCG(46, 46)), cfg, 20, 20)

	build, _ := addBuild(t, cfg, pts)
	require.NoError(t, WriteTree(ctx, bs, "x", build, WithBuildID(uuid.New())))
	require.NoError(t, DeleteTree(ctx, bs, "x"))
	build, _ = addBuild(t, cfg, pts)
	require.NoError(t, WriteTree(ctx, bs, "x", build, WithBuildID(uuid.New())))

	blobs, err := bs.List(ctx, "x.")
	require.NoError(t, err)
	assert.Len(t, blobs, 4)
}
