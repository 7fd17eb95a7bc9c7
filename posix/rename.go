package posix

import (
	"context"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/vinode"
)

// RenameFlags mirrors renameat2(2)'s flag bits.
type RenameFlags uint32

const (
	RenameNoReplace RenameFlags = 1 << iota
	RenameExchange
)

// Renameat2 moves srcName from srcDir to dstName in dstDir, honoring
// RENAME_NOREPLACE and RENAME_EXCHANGE and rejecting any rename that would
// make a directory its own descendant.
func Renameat2(ctx context.Context, d Deps, srcDir *vinode.Vinode, srcName string, dstDir *vinode.Vinode, dstName string, flags RenameFlags, c cred.Cred) error {
	if flags&RenameNoReplace != 0 && flags&RenameExchange != 0 {
		return perrors.EINVAL
	}

	srcRef, err := dirent.Lookup(d.Pool, srcDir.Inode, srcName)
	if err != nil {
		return perrors.ENOENT
	}
	dstRef, dstErr := dirent.Lookup(d.Pool, dstDir.Inode, dstName)
	dstExists := dstErr == nil

	if flags&RenameNoReplace != 0 && dstExists {
		return perrors.EEXIST
	}
	if flags&RenameExchange != 0 && !dstExists {
		return perrors.ENOENT
	}

	srcTyp, _, _, _, _, _ := Stat(d.Pool, srcRef)
	if srcTyp == layout.InodeTypeDirectory {
		if err := rejectCycle(d.Pool, srcRef, dstDir.Inode); err != nil {
			return err
		}
	}

	for _, dirV := range []*vinode.Vinode{srcDir, dstDir} {
		mode, uid, gid := statMode(d.Pool, dirV.Inode)
		if !cred.Access(c, uid, gid, mode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
			return perrors.EACCES
		}
	}

	srcChild := d.VM.LookupOrCreateExisting(srcRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: srcRef} })
	defer d.VM.Unref(srcChild, nil)

	var dstChild *vinode.Vinode
	if dstExists {
		dstChild = d.VM.LookupOrCreateExisting(dstRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: dstRef} })
		defer d.VM.Unref(dstChild, nil)
	}

	// Cross-directory renames serialize on both directories' locks in
	// canonical order; same-directory renames only need the one.
	unlock := pathres.LockParentsAndChildren(srcDir, dstDir, srcChild, dstChild)
	defer unlock()

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	if flags&RenameExchange != 0 {
		if err := dirent.Remove(d.Pool, tx, d.Clock, srcDir.Inode, srcName); err != nil {
			tx.Abort()
			return translateDirentErr(err)
		}
		if err := dirent.Remove(d.Pool, tx, d.Clock, dstDir.Inode, dstName); err != nil {
			tx.Abort()
			return translateDirentErr(err)
		}
		if err := dirent.Insert(d.Pool, tx, d.Clock, srcDir.Inode, srcName, dstRef); err != nil {
			tx.Abort()
			return translateDirentErr(err)
		}
		if err := dirent.Insert(d.Pool, tx, d.Clock, dstDir.Inode, dstName, srcRef); err != nil {
			tx.Abort()
			return translateDirentErr(err)
		}
		return tx.Commit()
	}

	if dstExists {
		dstTyp, _, _, _, _, dstNlink := Stat(d.Pool, dstRef)
		if dstTyp == layout.InodeTypeDirectory && dstNlink > 2 {
			tx.Abort()
			return perrors.ENOTEMPTY
		}
		if err := dirent.Remove(d.Pool, tx, d.Clock, dstDir.Inode, dstName); err != nil {
			tx.Abort()
			return translateDirentErr(err)
		}
		remaining := DropLink(d.Pool, tx, dstRef)
		if remaining == 0 {
			if dstChild.Ref() <= 1 {
				FreeInodeStorage(d.Pool, tx, dstRef, nil)
			} else if err := vinode.AddOrphan(d.Pool, tx, dstRef); err != nil {
				tx.Abort()
				return err
			}
		}
	}

	if err := dirent.Remove(d.Pool, tx, d.Clock, srcDir.Inode, srcName); err != nil {
		tx.Abort()
		return translateDirentErr(err)
	}
	if err := dirent.Insert(d.Pool, tx, d.Clock, dstDir.Inode, dstName, srcRef); err != nil {
		tx.Abort()
		return translateDirentErr(err)
	}

	if srcTyp == layout.InodeTypeDirectory && srcDir.Inode != dstDir.Inode {
		DropLink(d.Pool, tx, srcDir.Inode)
		AddLink(d.Pool, tx, dstDir.Inode)
	}

	return tx.Commit()
}

// rejectCycle walks up from dstDirInode toward the pool root, returning
// EINVAL if it encounters movingInode — renaming a directory into one of
// its own descendants would disconnect the tree.
func rejectCycle(pool *objstore.Pool, movingInode, dstDirInode layout.Ref) error {
	for cur := dstDirInode; ; {
		if cur == movingInode {
			return perrors.EINVAL
		}
		in := layout.AsInode(pool.Bytes(cur, layout.PageSize))
		parent, err := dirent.Lookup(pool, cur, "..")
		if err != nil || parent == cur {
			_ = in
			return nil
		}
		cur = parent
	}
}
