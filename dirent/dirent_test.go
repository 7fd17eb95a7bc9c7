package dirent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pmutil/clock"
)

func newTestDir(t *testing.T) (*objstore.Pool, layout.Ref) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	pool, err := objstore.Create(path, 8<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	tx, err := objstore.Begin(context.Background(), pool)
	require.NoError(t, err)
	ref, b, err := pool.AllocPage(tx)
	require.NoError(t, err)
	in := layout.AsInode(b)
	in.Tag = layout.TagInode
	in.Type = layout.InodeTypeDirectory
	require.NoError(t, tx.Commit())
	return pool, ref
}

func TestInsertLookupRemove(t *testing.T) {
	pool, dir := newTestDir(t)
	clk := clock.NewSimulated(time.Unix(0, 0))

	ctx := context.Background()
	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, Insert(pool, tx, clk, dir, "foo", 4096))
	require.NoError(t, tx.Commit())

	got, err := Lookup(pool, dir, "foo")
	require.NoError(t, err)
	require.Equal(t, layout.Ref(4096), got)

	tx2, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, Remove(pool, tx2, clk, dir, "foo"))
	require.NoError(t, tx2.Commit())

	_, err = Lookup(pool, dir, "foo")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRejectsDuplicate(t *testing.T) {
	pool, dir := newTestDir(t)
	clk := clock.NewSimulated(time.Unix(0, 0))
	ctx := context.Background()

	tx, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, Insert(pool, tx, clk, dir, "foo", 4096))
	require.NoError(t, tx.Commit())

	tx2, err := objstore.Begin(ctx, pool)
	require.NoError(t, err)
	err = Insert(pool, tx2, clk, dir, "foo", 8192)
	require.ErrorIs(t, err, ErrExists)
	tx2.Abort()
}

func TestInsertOverflowsToNewPage(t *testing.T) {
	pool, dir := newTestDir(t)
	clk := clock.NewSimulated(time.Unix(0, 0))
	ctx := context.Background()

	in := layout.AsInode(pool.Bytes(dir, layout.PageSize))
	inlineSlots := len(in.DirData().Entries)

	for i := 0; i < inlineSlots+5; i++ {
		tx, err := objstore.Begin(ctx, pool)
		require.NoError(t, err)
		require.NoError(t, Insert(pool, tx, clk, dir, name(i), layout.Ref((i+2)*layout.PageSize)))
		require.NoError(t, tx.Commit())
	}

	for i := 0; i < inlineSlots+5; i++ {
		got, err := Lookup(pool, dir, name(i))
		require.NoError(t, err)
		require.Equal(t, layout.Ref((i+2)*layout.PageSize), got)
	}
}

func TestNextWalksEveryEntry(t *testing.T) {
	pool, dir := newTestDir(t)
	clk := clock.NewSimulated(time.Unix(0, 0))
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		tx, err := objstore.Begin(ctx, pool)
		require.NoError(t, err)
		require.NoError(t, Insert(pool, tx, clk, dir, name(i), layout.Ref((i+2)*layout.PageSize)))
		require.NoError(t, tx.Commit())
	}

	seen := map[string]bool{}
	cur := Cursor{}
	for {
		n, _, next, ok := Next(pool, dir, cur)
		if !ok {
			break
		}
		seen[n] = true
		cur = next
	}
	require.Len(t, seen, n)
}

func name(i int) string {
	return "entry-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
