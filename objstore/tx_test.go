package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/layout"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := Create(path, 1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCreateStampsSuperblock(t *testing.T) {
	p := newTestPool(t)
	sb := p.Superblock()
	require.Equal(t, layout.TagSuperblock, sb.Tag)
	require.Equal(t, layout.Null, sb.RootInode)
}

func TestAllocPageThenFreeRecyclesSlot(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	tx, err := Begin(ctx, p)
	require.NoError(t, err)
	ref1, _, err := p.AllocPage(tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := Begin(ctx, p)
	require.NoError(t, err)
	p.FreePage(tx2, ref1)
	require.NoError(t, tx2.Commit())

	tx3, err := Begin(ctx, p)
	require.NoError(t, err)
	ref2, _, err := p.AllocPage(tx3)
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())

	require.Equal(t, ref1, ref2, "freed page should be recycled before bumping")
}

func TestAbortRestoresSnapshottedBytes(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	tx, err := Begin(ctx, p)
	require.NoError(t, err)
	ref, b, err := p.AllocPage(tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := Begin(ctx, p)
	require.NoError(t, err)
	tx2.AddRange(ref, b)
	b[0] = 0xFF
	tx2.Abort()

	require.Equal(t, byte(0), b[0], "abort must undo the snapshot")
}

func TestNestedTxAbortPropagatesToParent(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	tx, err := Begin(ctx, p)
	require.NoError(t, err)
	ref, b, err := p.AllocPage(tx)
	require.NoError(t, err)
	tx.Commit()

	outer, err := Begin(ctx, p)
	require.NoError(t, err)
	outer.AddRange(ref, b)
	b[0] = 1

	inner := BeginNested(outer)
	inner.AddRange(ref, b)
	b[1] = 2
	inner.Abort()

	require.Equal(t, byte(0), b[0])
	require.Equal(t, byte(0), b[1])
}

func TestOpenRejectsBadTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pmem")
	require.NoError(t, os.WriteFile(path, make([]byte, layout.PageSize*4), 0o644))

	_, err := Open(path, nil)
	require.Error(t, err)
}
