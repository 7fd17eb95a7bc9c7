package pmemfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/posix"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := Create(path, 16<<20, "PMEMFILE_TEST")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

var root = cred.Cred{FSUID: 0, FSGID: 0, UID: 0, GID: 0}

func TestCreateFormatsRootDirectory(t *testing.T) {
	p := newTestPool(t)
	st, err := p.Stat(context.Background(), "/", root, true)
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.Nlink, "root should start with Nlink 2 from its own . and its .. self-reference")
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Create(ctx, "/hello.txt", 0o644, root)
	require.NoError(t, err)

	n, err := f.Write(ctx, []byte("hello, pool"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	_, err = f.Lseek(0, SeekSet)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello, pool", string(buf[:n]))
	require.NoError(t, f.Close(ctx))
}

func TestMkdirAndLookupNested(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/sub", 0o755, root))
	f, err := p.Create(ctx, "/sub/leaf.txt", 0o644, root)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	st, err := p.Stat(ctx, "/sub/leaf.txt", root, true)
	require.NoError(t, err)
	require.Equal(t, uint32(1), st.Nlink)
}

func TestUnlinkFreesAfterLastClose(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Create(ctx, "/doomed.txt", 0o644, root)
	require.NoError(t, err)
	_, err = f.Write(ctx, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, p.Unlink(ctx, "/doomed.txt", root))

	_, err = p.Stat(ctx, "/doomed.txt", root, true)
	require.Error(t, err, "name should be gone immediately even with an open handle")

	require.NoError(t, f.Close(ctx))
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/a", 0o755, root))
	require.NoError(t, p.Mkdir(ctx, "/b", 0o755, root))
	f, err := p.Create(ctx, "/a/file.txt", 0o644, root)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	require.NoError(t, p.Rename(ctx, "/a/file.txt", "/b/file.txt", 0, root))

	_, err = p.Stat(ctx, "/a/file.txt", root, true)
	require.Error(t, err)
	_, err = p.Stat(ctx, "/b/file.txt", root, true)
	require.NoError(t, err)
}

func TestSymlinkResolvesToTarget(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Create(ctx, "/real.txt", 0o644, root)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	require.NoError(t, p.Symlink(ctx, "/real.txt", "/link.txt", root))
	target, err := p.Readlink(ctx, "/link.txt", root)
	require.NoError(t, err)
	require.Equal(t, "/real.txt", target)

	st, err := p.Stat(ctx, "/link.txt", root, true)
	require.NoError(t, err)
	require.Equal(t, uint32(1), st.Nlink)
}

func TestOpenTmpfileThenLink(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Open(ctx, "/", posix.OTmpfile, 0o644, root)
	require.NoError(t, err)
	_, err = f.Write(ctx, []byte("anonymous"))
	require.NoError(t, err)

	require.NoError(t, p.LinkFile(ctx, f, "/named.txt", root))
	require.NoError(t, f.Close(ctx))

	st, err := p.Stat(ctx, "/named.txt", root, true)
	require.NoError(t, err)
	require.Equal(t, uint64(9), st.Size)
}

func TestGetdentsListsEntries(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/dir", 0o755, root))
	for _, name := range []string{"/dir/a", "/dir/b", "/dir/c"} {
		f, err := p.Create(ctx, name, 0o644, root)
		require.NoError(t, err)
		require.NoError(t, f.Close(ctx))
	}

	dir, err := p.Open(ctx, "/dir", 0, 0, root)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	names := map[string]bool{}
	for {
		n := dir.Getdents64(buf)
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
			names[string(buf[off+19:nameEnd])] = true
			off += reclen
		}
	}

	require.True(t, names["a"] && names["b"] && names["c"])
	require.True(t, names["."] && names[".."])
	require.NoError(t, dir.Close(ctx))
}

func TestFallocateThenTruncateShrinks(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Create(ctx, "/big.txt", 0o644, root)
	require.NoError(t, err)

	require.NoError(t, f.Fallocate(ctx, posix.FallocKeepSize, 0, 1<<20))
	require.NoError(t, f.Ftruncate(ctx, 100))

	st := f.Fstat()
	require.Equal(t, uint64(100), st.Size)
	require.NoError(t, f.Close(ctx))
}

func TestChdirAffectsRelativeResolution(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/work", 0o755, root))
	require.NoError(t, p.Chdir("/work", root))
	require.Equal(t, "/work", p.Getcwd())

	f, err := p.Open(ctx, "relative.txt", posix.OCreat, 0o644, root)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	_, err = p.Stat(ctx, "/work/relative.txt", root, true)
	require.NoError(t, err)
}

func TestAccessDeniesWithoutPermissionBits(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	f, err := p.Create(ctx, "/secret.txt", 0o600, root)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	other := cred.Cred{FSUID: 42, FSGID: 42, UID: 42, GID: 42}
	err = p.Access("/secret.txt", cred.ModeRead, other, cred.Effective)
	require.Error(t, err)
}
