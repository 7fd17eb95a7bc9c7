package posix

import (
	"context"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/perrors"
)

// FallocMode mirrors fallocate(2)'s mode bits that this filesystem
// supports. COLLAPSE_RANGE, ZERO_RANGE, and INSERT_RANGE are explicitly
// not implemented and rejected with ENOTSUP, matching the specification's
// Non-goals.
type FallocMode uint32

const (
	FallocKeepSize  FallocMode = 1 << 0
	FallocPunchHole FallocMode = 1 << 1
)

// Fallocate reserves [offset, offset+length) as real (non-sparse) storage,
// or — with FallocPunchHole (which requires FallocKeepSize) — deallocates
// it back to a hole, per posix_fallocate/fallocate(2).
func Fallocate(ctx context.Context, d Deps, idx *block.Index, inode layout.Ref, mode FallocMode, offset, length uint64) error {
	if length == 0 {
		return perrors.EINVAL
	}

	if mode&FallocPunchHole != 0 {
		if mode&FallocKeepSize == 0 {
			return perrors.EINVAL // PUNCH_HOLE always requires KEEP_SIZE
		}
		return punchHole(ctx, d, idx, inode, offset, length)
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	if err := block.AllocateInterval(d.Pool, tx, idx, d.Options, inode, offset, length, false); err != nil {
		tx.Abort()
		return err
	}

	if mode&FallocKeepSize == 0 {
		b := d.Pool.Bytes(inode, layout.PageSize)
		in := layout.AsInode(b)
		if end := offset + length; end > in.Size {
			tx.AddRange(inode, b)
			in.Size = end
		}
	}

	return tx.Commit()
}

func punchHole(ctx context.Context, d Deps, idx *block.Index, inode layout.Ref, offset, length uint64) error {
	b := d.Pool.Bytes(inode, layout.PageSize)
	in := layout.AsInode(b)
	if offset+length > in.Size {
		length = in.Size - offset
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}
	block.RemoveInterval(d.Pool, tx, idx, inode, offset, length)
	return tx.Commit()
}

// These are the fallocate modes this filesystem explicitly
// does not implement (§ Non-goals): COLLAPSE_RANGE, ZERO_RANGE, and
// INSERT_RANGE all require shifting every extent past the target range,
// which the specification excludes from scope.
const (
	FallocCollapseRange FallocMode = 1 << 3
	FallocZeroRange     FallocMode = 1 << 4
	FallocInsertRange   FallocMode = 1 << 5
)

func CheckSupportedMode(mode FallocMode) error {
	if mode&(FallocCollapseRange|FallocZeroRange|FallocInsertRange) != 0 {
		return perrors.ENOTSUP
	}
	return nil
}
