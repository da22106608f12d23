package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spill")
	lfs := LocalFS{}
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "bkd_points_0.tmp")
	f, err := lfs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	require.NoError(t, err)

	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	buf := make([]byte, 3)
	_, err = f.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(buf))
	require.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, lfs.Remove(path))
	_, err = lfs.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFaultyFSWriteLimit(t *testing.T) {
	ffs := NewFaultyFS(nil)
	boom := errors.New("disk full")
	ffs.AddRule("points", Fault{FailAfterBytes: 4, FailAfterReadBytes: -1, Err: boom})

	dir := t.TempDir()
	f, err := ffs.OpenFile(filepath.Join(dir, "bkd_points_1.tmp"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = f.Write([]byte("de"))
	assert.ErrorIs(t, err, boom)

	other, err := ffs.OpenFile(filepath.Join(dir, "other.tmp"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = other.Write([]byte("unaffected"))
	require.NoError(t, err)
	require.NoError(t, other.Close())

	assert.Len(t, ffs.Opened(), 2)
}

func TestFaultyFSReadOpenSyncClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "read.tmp")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("read", Fault{FailAfterBytes: -1, FailAfterReadBytes: 6, FailOnSync: true, FailOnClose: true})
	ffs.AddRule("never", Fault{FailOnOpen: true})

	f, err := ffs.OpenFile(path, os.O_RDONLY, 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(f, buf)
	require.NoError(t, err)
	_, err = f.Read(buf)
	assert.ErrorIs(t, err, ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, f.Close(), ErrInjected)

	_, err = ffs.OpenFile(filepath.Join(dir, "never.tmp"), os.O_CREATE|os.O_RDWR, 0o600)
	assert.ErrorIs(t, err, ErrInjected)

	require.NoError(t, ffs.Remove(path))
	assert.Equal(t, []string{path}, ffs.Removed())
}
