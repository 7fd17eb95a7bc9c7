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

// Mkdirat creates a directory named name inside dir, which must already be
// resolved and write-locked by the caller.
func Mkdirat(ctx context.Context, d Deps, dir *vinode.Vinode, name string, mode uint32, c cred.Cred) (*vinode.Vinode, error) {
	if len(name) == 0 || len(name) > layout.MaxNameLen {
		return nil, perrors.ENAMETOOLONG
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, dir.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return nil, perrors.EACCES
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return nil, err
	}

	childRef, err := CreateInode(d.Pool, tx, d.Clock, layout.InodeTypeDirectory, mode, c)
	if err != nil {
		tx.Abort()
		return nil, err
	}

	child := d.VM.LookupOrCreateNewInTx(tx, childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	child.Parent = dir.Inode

	if err := dirent.Insert(d.Pool, tx, d.Clock, dir.Inode, name, childRef); err != nil {
		tx.Abort()
		return nil, translateDirentErr(err)
	}
	if err := dirent.Insert(d.Pool, tx, d.Clock, childRef, ".", childRef); err != nil {
		tx.Abort()
		return nil, translateDirentErr(err)
	}
	if err := dirent.Insert(d.Pool, tx, d.Clock, childRef, "..", dir.Inode); err != nil {
		tx.Abort()
		return nil, translateDirentErr(err)
	}
	AddLink(d.Pool, tx, dir.Inode) // the new subdir's ".." contributes to the parent's Nlink

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return child, nil
}

// Rmdirat removes an empty directory named name from dir.
func Rmdirat(ctx context.Context, d Deps, dir *vinode.Vinode, name string, c cred.Cred) error {
	childRef, err := dirent.Lookup(d.Pool, dir.Inode, name)
	if err != nil {
		return perrors.ENOENT
	}

	typ, _, _, _, _, nlink := Stat(d.Pool, childRef)
	if typ != layout.InodeTypeDirectory {
		return perrors.ENOTDIR
	}
	if nlink > 2 {
		return perrors.ENOTEMPTY
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, dir.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return perrors.EACCES
	}

	child := d.VM.LookupOrCreateExisting(childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	defer d.VM.Unref(child, nil)

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	if err := dirent.Remove(d.Pool, tx, d.Clock, dir.Inode, name); err != nil {
		tx.Abort()
		return translateDirentErr(err)
	}
	DropLink(d.Pool, tx, dir.Inode) // the removed subdir's ".." no longer counts
	remaining := DropLink(d.Pool, tx, childRef)

	if remaining == 0 && child.Ref() <= 1 { // only this call's transient reference remains
		FreeInodeStorage(d.Pool, tx, childRef, nil)
	} else if remaining == 0 {
		if err := vinode.AddOrphan(d.Pool, tx, childRef); err != nil {
			tx.Abort()
			return err
		}
	}

	return tx.Commit()
}

// Unlinkat removes a non-directory entry named name from dir, freeing the
// target's storage once both Nlink and the vinode ref count reach zero.
func Unlinkat(ctx context.Context, d Deps, dir *vinode.Vinode, name string, c cred.Cred) error {
	childRef, err := dirent.Lookup(d.Pool, dir.Inode, name)
	if err != nil {
		return perrors.ENOENT
	}

	typ, _, _, _, _, _ := Stat(d.Pool, childRef)
	if typ == layout.InodeTypeDirectory {
		return perrors.EISDIR
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, dir.Inode)
	if dirMode&0o1000 != 0 { // sticky bit
		_, _, entryUID, _ := statOwner(d.Pool, childRef)
		if !cred.CanStickyUnlink(c, dirUID, entryUID) {
			return perrors.EACCES
		}
	}
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return perrors.EACCES
	}

	child := d.VM.LookupOrCreateExisting(childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	defer d.VM.Unref(child, nil)

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	if err := dirent.Remove(d.Pool, tx, d.Clock, dir.Inode, name); err != nil {
		tx.Abort()
		return translateDirentErr(err)
	}
	remaining := DropLink(d.Pool, tx, childRef)

	if remaining == 0 {
		if child.Ref() <= 1 {
			FreeInodeStorage(d.Pool, tx, childRef, nil)
		} else if err := vinode.AddOrphan(d.Pool, tx, childRef); err != nil {
			tx.Abort()
			return err
		}
	}

	return tx.Commit()
}

// Linkat creates a new name in dstDir pointing at the same inode as src, a
// hard link. src must not be a directory.
func Linkat(ctx context.Context, d Deps, src *vinode.Vinode, dstDir *vinode.Vinode, name string, c cred.Cred) error {
	typ, _, _, _, _, _ := Stat(d.Pool, src.Inode)
	if typ == layout.InodeTypeDirectory {
		return perrors.EPERM
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, dstDir.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return perrors.EACCES
	}

	unlock := pathres.LockParentAndChild(dstDir, src, true)
	defer unlock()

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return err
	}

	if err := dirent.Insert(d.Pool, tx, d.Clock, dstDir.Inode, name, src.Inode); err != nil {
		tx.Abort()
		return translateDirentErr(err)
	}
	AddLink(d.Pool, tx, src.Inode)

	return tx.Commit()
}

// Symlinkat creates a symlink named name inside dir with the given target
// string (never validated or resolved at creation time, matching
// symlink(2)).
func Symlinkat(ctx context.Context, d Deps, dir *vinode.Vinode, name, target string, c cred.Cred) (*vinode.Vinode, error) {
	if len(target) > int(layout.PageSize)-200 {
		return nil, perrors.ENAMETOOLONG
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, dir.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return nil, perrors.EACCES
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return nil, err
	}

	childRef, err := CreateInode(d.Pool, tx, d.Clock, layout.InodeTypeSymlink, 0o777, c)
	if err != nil {
		tx.Abort()
		return nil, err
	}

	child := d.VM.LookupOrCreateNewInTx(tx, childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	child.Parent = dir.Inode

	b := d.Pool.Bytes(childRef, layout.PageSize)
	tx.AddRange(childRef, b)
	in := layout.AsInode(b)
	in.SymlinkData().SetTarget(target)
	in.Size = uint64(len(target))

	if err := dirent.Insert(d.Pool, tx, d.Clock, dir.Inode, name, childRef); err != nil {
		tx.Abort()
		return nil, translateDirentErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return child, nil
}

// Readlinkat returns a symlink inode's target string.
func Readlinkat(pool *objstore.Pool, inode layout.Ref) (string, error) {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))
	if in.Type != layout.InodeTypeSymlink {
		return "", perrors.EINVAL
	}
	return in.SymlinkData().TargetString(), nil
}

func statMode(pool *objstore.Pool, inode layout.Ref) (mode, uid, gid uint32) {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))
	return in.Mode, in.Uid, in.Gid
}

func statOwner(pool *objstore.Pool, inode layout.Ref) (typ layout.InodeType, mode, uid, gid uint32) {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))
	return in.Type, in.Mode, in.Uid, in.Gid
}

func translateDirentErr(err error) error {
	switch err {
	case dirent.ErrExists:
		return perrors.EEXIST
	case dirent.ErrNotFound:
		return perrors.ENOENT
	case dirent.ErrNameTooLong:
		return perrors.ENAMETOOLONG
	default:
		return err
	}
}
