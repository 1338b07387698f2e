package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS_Positional(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	require.NoError(t, Default.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "blocks-000000.dat")
	f, err := Default.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	// Two blocks written out of order.
	_, err = f.WriteAt([]byte("second"), 512)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("first"), 0)
	require.NoError(t, err)
	require.NoError(t, Fdatasync(f))

	buf := make([]byte, 6)
	_, err = f.ReadAt(buf, 512)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf))

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(518), info.Size())
	require.NoError(t, f.Close())

	require.NoError(t, Default.Truncate(path, 512))
	info, err = Default.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(512), info.Size())

	next := filepath.Join(dir, "blocks-000001.dat")
	require.NoError(t, Default.Rename(path, next))
	entries, err := Default.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "blocks-000001.dat", entries[0].Name())

	require.NoError(t, Default.Remove(next))
	_, err = Default.Stat(next)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFaultyFS_GlobalLimit(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.SetLimit(8)

	f, err := ffs.OpenFile(filepath.Join(t.TempDir(), "wal-0.log"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("record01"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// The next frame does not fit and nothing of it is written.
	n, err = f.WriteAt([]byte("r"), 8)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Zero(t, n)
	assert.Equal(t, int64(8), ffs.GetWritten())

	ffs.SetLimit(-1)
	_, err = f.WriteAt([]byte("r"), 8)
	assert.NoError(t, err)
	assert.Equal(t, int64(9), ffs.GetWritten())
}

func TestFaultyFS_PerFileBudget(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("MANIFEST-", Fault{FailAfterBytes: 4})

	m, err := ffs.OpenFile(filepath.Join(dir, "MANIFEST-000001.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer m.Close()
	b, err := ffs.OpenFile(filepath.Join(dir, "blocks-000000.dat"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer b.Close()

	_, err = m.Write([]byte("head"))
	require.NoError(t, err)
	_, err = m.Write([]byte("!"))
	assert.ErrorIs(t, err, ErrInjected)

	// Other files are not affected.
	_, err = b.Write([]byte("payload"))
	assert.NoError(t, err)

	require.NoError(t, ffs.MkdirAll(filepath.Join(dir, "wal"), 0o755))
	entries, err := ffs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestFaultyFS_Rules(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)

	fpath := filepath.Join(tmp, "blocks-000001.dat")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("abcd"), 0)
	require.NoError(t, err)

	// Rules added after open still apply.
	ffs.AddRule("blocks-", Fault{FailAfterBytes: -1, FailOnRead: true, FailOnSync: true})

	buf := make([]byte, 4)
	_, err = f.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, Fdatasync(f), ErrInjected)

	ffs.RemoveRule("blocks-")
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf))

	custom := errors.New("disk on fire")
	ffs.AddRule("blocks-", Fault{FailAfterBytes: -1, FailOnWrite: true, Err: custom})
	_, err = f.WriteAt([]byte("x"), 4)
	assert.ErrorIs(t, err, custom)

	ffs.ClearRules()
	_, err = f.WriteAt([]byte("x"), 4)
	assert.NoError(t, err)
}

func TestFaultyFS_CountedRule(t *testing.T) {
	ffs := NewFaultyFS(nil)
	f, err := ffs.OpenFile(filepath.Join(t.TempDir(), "blocks-000000.dat"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	ffs.AddRule("blocks-", Fault{FailAfterBytes: -1, FailOnWrite: true, Times: 2})
	_, err = f.WriteAt([]byte("a"), 0)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = f.WriteAt([]byte("a"), 0)
	assert.ErrorIs(t, err, ErrInjected)

	// The rule is spent.
	_, err = f.WriteAt([]byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ffs.GetWritten())
}

func TestFdatasync(t *testing.T) {
	f, err := Default.OpenFile(filepath.Join(t.TempDir(), "data"), os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, Fdatasync(f))
}

func TestSyncDir(t *testing.T) {
	assert.NoError(t, SyncDir(Default, t.TempDir()))
}
