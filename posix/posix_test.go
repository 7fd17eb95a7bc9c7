package posix

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/pmutil/clock"
	"github.com/pmemgo/pmemfile/vinode"
)

// testLoader bridges pathres.Resolver directly to the pool for tests that
// exercise Openat, which resolves through a Resolver rather than a bare
// dirent.Lookup.
type testLoader struct{ pool *objstore.Pool }

func (l testLoader) Stat(inode layout.Ref) (typ layout.InodeType, mode uint32, uid, gid uint32) {
	typ, mode, uid, gid, _, _ = Stat(l.pool, inode)
	return
}

func (l testLoader) ReadSymlink(inode layout.Ref) string {
	target, _ := Readlinkat(l.pool, inode)
	return target
}

func (l testLoader) LookupChild(dirInode layout.Ref, name string) (layout.Ref, error) {
	ref, err := dirent.Lookup(l.pool, dirInode, name)
	if err != nil {
		return layout.Null, perrors.ENOENT
	}
	return ref, nil
}

func newTestPool(t *testing.T) *objstore.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := objstore.Create(path, 16<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newDirInode(t *testing.T, pool *objstore.Pool, clk clock.Clock) layout.Ref {
	t.Helper()
	ctx := context.Background()
	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	ref, err := CreateInode(pool, tx, clk, layout.InodeTypeDirectory, 0o755, cred.Cred{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return ref
}

var owner = cred.Cred{FSUID: 0, FSGID: 0, UID: 0, GID: 0}

func TestMkdiratThenRmdiratRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	vm := vinode.New(nil)
	ctx := context.Background()

	root := newDirInode(t, pool, clk)
	rootV := &vinode.Vinode{Inode: root}
	d := Deps{Pool: pool, VM: vm, Clock: clk}

	child, err := Mkdirat(ctx, d, rootV, "sub", 0o755, owner)
	require.NoError(t, err)
	vm.Unref(child, nil)

	_, _, _, _, _, nlink := Stat(pool, root)
	require.Equal(t, uint32(3), nlink, "parent gains one Nlink from the subdirectory's ..")

	require.NoError(t, Rmdirat(ctx, d, rootV, "sub", owner))
	_, _, _, _, _, nlink = Stat(pool, root)
	require.Equal(t, uint32(2), nlink)
}

func TestPwritePreadRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	ctx := context.Background()

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	fileRef, err := CreateInode(pool, tx, clk, layout.InodeTypeRegular, 0o644, owner)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	d := Deps{Pool: pool, Clock: clk}
	idx := &block.Index{}

	n, err := Pwrite(ctx, d, idx, fileRef, 0, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)

	buf := make([]byte, 32)
	n = Pread(pool, idx, fileRef, 0, buf)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestFallocatePunchHoleThenRead(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	ctx := context.Background()

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	fileRef, err := CreateInode(pool, tx, clk, layout.InodeTypeRegular, 0o644, owner)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	d := Deps{Pool: pool, Clock: clk}
	idx := &block.Index{}

	_, err = Pwrite(ctx, d, idx, fileRef, 0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, Fallocate(ctx, d, idx, fileRef, FallocKeepSize|FallocPunchHole, 2, 4))

	buf := make([]byte, 10)
	n := Pread(pool, idx, fileRef, 0, buf)
	require.Equal(t, "01\x00\x00\x00\x006789", string(buf[:n]))
}

func TestFallocateRejectsUnsupportedModes(t *testing.T) {
	require.ErrorIs(t, CheckSupportedMode(FallocZeroRange), perrors.ENOTSUP)
}

func TestGetdents64RoundTrip(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	ctx := context.Background()

	root := newDirInode(t, pool, clk)

	for _, name := range []string{"one", "two", "three"} {
		tx, err := objstore.Begin(ctx, pool)
		require.NoError(t, err)
		ref, err := CreateInode(pool, tx, clk, layout.InodeTypeRegular, 0o644, owner)
		require.NoError(t, err)
		require.NoError(t, dirent.Insert(pool, tx, clk, root, name, ref))
		require.NoError(t, tx.Commit())
	}

	var cur dirent.Cursor
	buf := make([]byte, 4096)
	seen := map[string]bool{}
	for {
		n, next := Getdents64(pool, root, cur, buf)
		if n == 0 {
			break
		}
		off := 0
		for off < n {
			reclen := int(buf[off+16]) | int(buf[off+17])<<8
			nameEnd := off + 19
			for buf[nameEnd] != 0 {
				nameEnd++
			}
			seen[string(buf[off+19:nameEnd])] = true
			off += reclen
		}
		cur = next
	}

	require.True(t, seen["one"] && seen["two"] && seen["three"])
}

func TestOpenatCreatesWhenMissing(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	vm := vinode.New(nil)
	ctx := context.Background()

	root := newDirInode(t, pool, clk)
	rootV := &vinode.Vinode{Inode: root}
	resolver := &pathres.Resolver{Pool: pool, VM: vm, Loader: testLoader{pool: pool}, RootDir: rootV}
	d := Deps{Pool: pool, VM: vm, Clock: clk, Resolver: resolver}

	v, created, err := Openat(ctx, d, rootV, "new.txt", OCreat, 0o644, owner)
	require.NoError(t, err)
	require.True(t, created)
	vm.Unref(v, nil)

	ref, err := dirent.Lookup(pool, root, "new.txt")
	require.NoError(t, err)
	typ, _, _, _, _, _ := Stat(pool, ref)
	require.Equal(t, layout.InodeTypeRegular, typ)
}

func TestChownChmodUpdateInode(t *testing.T) {
	pool := newTestPool(t)
	clk := clock.Real{}
	ctx := context.Background()

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	fileRef, err := CreateInode(pool, tx, clk, layout.InodeTypeRegular, 0o644, owner)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = objstore.Begin(ctx, pool)
	require.NoError(t, err)
	Chmod(pool, tx, clk, fileRef, 0o600)
	Chown(pool, tx, clk, fileRef, 7, 8)
	require.NoError(t, tx.Commit())

	_, mode, uid, gid, _, _ := Stat(pool, fileRef)
	require.Equal(t, uint32(0o600), mode)
	require.Equal(t, uint32(7), uid)
	require.Equal(t, uint32(8), gid)
}
