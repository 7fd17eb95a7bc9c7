package posix

import (
	"context"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/perrors"
)

// MaxFileSize bounds a single file's size to what the block allocator can
// address, matching block.MaxBlockSize's role as the largest single
// extent; a file is free to exceed one extent, but we still cap total size
// there to keep st_size and fallocate arithmetic comfortably inside
// int64/uint64 without special-casing overflow everywhere.
const MaxFileSize = uint64(1) << 48

// Pread reads up to len(buf) bytes from inode at offset into buf, returning
// the number of bytes actually read (which may be less than len(buf) at
// end-of-file).
func Pread(pool *objstore.Pool, idx *block.Index, inode layout.Ref, offset uint64, buf []byte) int {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))
	return block.ReadAt(pool, idx, inode, in.Size, offset, buf)
}

// SeekDataOrHole is lseek(2)'s SEEK_DATA/SEEK_HOLE, delegated to the block
// index that already tracks which regions of inode are covered by extents.
func SeekDataOrHole(pool *objstore.Pool, idx *block.Index, inode layout.Ref, fileSize, offset uint64, findHole bool) (uint64, error) {
	return block.SeekDataOrHole(pool, idx, inode, fileSize, offset, findHole)
}

// Pwrite writes buf to inode at offset, allocating any extents the write
// needs first, and extends the inode's recorded Size if the write reaches
// past it.
func Pwrite(ctx context.Context, d Deps, idx *block.Index, inode layout.Ref, offset uint64, buf []byte) (int, error) {
	if offset+uint64(len(buf)) > MaxFileSize {
		return 0, perrors.EFBIG
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return 0, err
	}

	b := d.Pool.Bytes(inode, layout.PageSize)
	in := layout.AsInode(b)
	atEOF := offset+uint64(len(buf)) > in.Size

	if err := block.AllocateInterval(d.Pool, tx, idx, d.Options, inode, offset, uint64(len(buf)), atEOF); err != nil {
		tx.Abort()
		return 0, err
	}

	block.WriteAt(d.Pool, tx, idx, inode, offset, buf)

	tx.AddRange(inode, b)
	if end := offset + uint64(len(buf)); end > in.Size {
		in.Size = end
		in.AllocatedSpace = in.Size
	}
	in.MtimeNsec = d.Clock.Now().UnixNano()
	in.CtimeNsec = in.MtimeNsec

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Truncate sets inode's size to length, freeing any extents past the new
// end or, when growing, leaving the extended range an unallocated hole
// (sparse growth), matching ftruncate(2).
func Truncate(ctx context.Context, d Deps, idx *block.Index, inode layout.Ref, length uint64) error {
	if length > MaxFileSize {
		return perrors.EFBIG
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	b := d.Pool.Bytes(inode, layout.PageSize)
	in := layout.AsInode(b)

	if length < in.Size {
		block.RemoveInterval(d.Pool, tx, idx, inode, length, in.Size-length)
	}

	tx.AddRange(inode, b)
	in.Size = length
	now := d.Clock.Now().UnixNano()
	in.MtimeNsec = now
	in.CtimeNsec = now

	return tx.Commit()
}
