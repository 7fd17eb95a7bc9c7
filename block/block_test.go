package block

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pmutil/config"
)

func newTestPool(t *testing.T) *objstore.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := objstore.Create(path, 8<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestInode(t *testing.T, pool *objstore.Pool) layout.Ref {
	t.Helper()
	tx, err := objstore.Begin(context.Background(), pool)
	require.NoError(t, err)
	ref, b, err := pool.AllocPage(tx)
	require.NoError(t, err)
	in := layout.AsInode(b)
	in.Tag = layout.TagInode
	in.Type = layout.InodeTypeRegular
	require.NoError(t, tx.Commit())
	return ref
}

func TestAllocateAndReadWriteRoundTrip(t *testing.T) {
	pool := newTestPool(t)
	inodeRef := newTestInode(t, pool)
	idx := &Index{}

	ctx := context.Background()
	opts := config.Options{OverallocateOnAppend: false}

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, AllocateInterval(pool, tx, idx, opts, inodeRef, 0, 4096, true))
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	WriteAt(pool, tx, idx, inodeRef, 0, payload)
	require.NoError(t, tx.Commit())

	out := make([]byte, 4096)
	n := ReadAt(pool, idx, inodeRef, 4096, 0, out)
	require.Equal(t, 4096, n)
	require.Equal(t, payload, out)
}

func TestReadHoleReturnsZeros(t *testing.T) {
	pool := newTestPool(t)
	inodeRef := newTestInode(t, pool)
	idx := &Index{}

	ctx := context.Background()
	opts := config.Options{}

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, AllocateInterval(pool, tx, idx, opts, inodeRef, 8192, 4096, true))
	WriteAt(pool, tx, idx, inodeRef, 8192, make([]byte, 4096))
	require.NoError(t, tx.Commit())

	out := make([]byte, 4096)
	n := ReadAt(pool, idx, inodeRef, 12288, 0, out)
	require.Equal(t, 4096, n)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestRemoveIntervalShrinksExtent(t *testing.T) {
	pool := newTestPool(t)
	inodeRef := newTestInode(t, pool)
	idx := &Index{}

	ctx := context.Background()
	opts := config.Options{OverallocateOnAppend: false}

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, AllocateInterval(pool, tx, idx, opts, inodeRef, 0, 8192, true))
	RemoveInterval(pool, tx, idx, inodeRef, 4096, 4096)
	require.NoError(t, tx.Commit())

	extents := idx.Snapshot(pool, inodeRef)
	require.Len(t, extents, 1)
	require.Equal(t, uint32(4096), extents[0].Size)
}

func TestSizeForAppendUsesOverallocationTable(t *testing.T) {
	opts := config.Options{OverallocateOnAppend: true}
	require.Equal(t, uint64(16<<10), SizeForAppend(opts, 100))
	require.Equal(t, uint64(256<<10), SizeForAppend(opts, 5<<10))
	require.Equal(t, uint64(4<<20), SizeForAppend(opts, 100<<10))
	require.Equal(t, uint64(64<<20), SizeForAppend(opts, 2<<20))
}
