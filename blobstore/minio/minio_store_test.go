package minio

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bkd"
	"github.com/hupe1980/bkd/blobstore"
)

func TestStore_KeyMapping(t *testing.T) {
	tests := []struct {
		prefix, name, key string
	}{
		{"", "cities.bkd.yaml", "cities.bkd.yaml"},
		{"geo/", "cities.kdd", "geo/cities.kdd"},
		{"geo", "a/b.kdi", "geo/a/b.kdi"},
	}
	for _, tt := range tests {
		s := NewStore(nil, "bucket", tt.prefix)
		assert.Equal(t, tt.key, s.key(tt.name))
		assert.Equal(t, tt.name, s.name(tt.key))
	}
}

// newTestStore connects to the MinIO at BKD_MINIO_ENDPOINT and returns a
// store under a fresh prefix. The test is skipped when none is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("BKD_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("BKD_MINIO_ENDPOINT not set")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(envOr("BKD_MINIO_ACCESS_KEY", "minioadmin"), envOr("BKD_MINIO_SECRET_KEY", "minioadmin"), ""),
	})
	require.NoError(t, err)

	ctx := context.Background()
	bucket := envOr("BKD_MINIO_BUCKET", "bkd-test")
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		t.Skipf("MinIO not reachable: %v", err)
	}
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}
	return NewStore(client, bucket, "run-"+uuid.NewString())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestStore_Blobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "leaf.kdd", []byte("packed leaf blocks")))
	b, err := s.Open(ctx, "leaf.kdd")
	require.NoError(t, err)
	assert.Equal(t, int64(18), b.Size())

	rc, err := b.ReadRange(ctx, 7, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "leaf", string(got))
	require.NoError(t, rc.Close())

	all, err := blobstore.ReadAll(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "packed leaf blocks", string(all))
	require.NoError(t, b.Close())

	require.NoError(t, s.PutIfAbsent(ctx, "t.bkd.yaml", []byte("v1")))
	assert.ErrorIs(t, s.PutIfAbsent(ctx, "t.bkd.yaml", []byte("v2")), blobstore.ErrConflict)

	w, err := s.Create(ctx, "aborted.kdi")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, blobstore.Abort(w))

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf.kdd", "t.bkd.yaml"}, names)

	for _, name := range names {
		require.NoError(t, s.Delete(ctx, name))
	}
	_, err = s.Open(ctx, "leaf.kdd")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "leaf.kdd"))
}

func TestStore_TreeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := bkd.MustConfig(1, 1, 4, bkd.DefaultMaxPointsInLeafNode)
	w, err := bkd.NewWriter(cfg, 5000, bkd.WithTempDir(t.TempDir()))
	require.NoError(t, err)
	defer w.Close()
	for i := range 5000 {
		require.NoError(t, w.Add(binary.BigEndian.AppendUint32(nil, uint32(i)), i))
	}
	require.NoError(t, bkd.WriteTree(ctx, s, "ids", w.Finish, bkd.WithCompression(bkd.CompressionLZ4)))

	tree, err := bkd.OpenTree(ctx, s, "ids")
	require.NoError(t, err)
	docs, err := tree.CollectDocIDs(binary.BigEndian.AppendUint32(nil, 100), binary.BigEndian.AppendUint32(nil, 199))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), docs.GetCardinality())
	require.NoError(t, tree.Close())

	require.NoError(t, bkd.DeleteTree(ctx, s, "ids"))
	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
