package posix

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/vinode"
)

// OpenFlags mirrors the subset of open(2)'s O_* flags this filesystem
// understands; values are taken directly from golang.org/x/sys/unix so
// callers can pass flags straight through from a real open(2) call site.
type OpenFlags uint32

const (
	OCreat     = OpenFlags(unix.O_CREAT)
	OExcl      = OpenFlags(unix.O_EXCL)
	OTrunc     = OpenFlags(unix.O_TRUNC)
	OAppend    = OpenFlags(unix.O_APPEND)
	ONoFollow  = OpenFlags(unix.O_NOFOLLOW)
	ODirectory = OpenFlags(unix.O_DIRECTORY)
	OTmpfile   = OpenFlags(unix.O_TMPFILE)
	OPath      = OpenFlags(unix.O_PATH)
	OAccmode   = OpenFlags(unix.O_ACCMODE)
)

// Openat resolves path relative to dir (pass r.RootDir for an absolute
// path, handled by Resolve itself) and returns the vinode to operate on,
// creating it first if O_CREAT is set and it doesn't exist.
//
// O_PATH is rejected with EINVAL: this filesystem has no notion of a
// descriptor that names a path without conferring read/write access to
// its content, so a caller asking for one almost certainly wants a plain
// open instead.
func Openat(ctx context.Context, d Deps, dir *vinode.Vinode, path string, flags OpenFlags, mode uint32, c cred.Cred) (v *vinode.Vinode, created bool, err error) {
	if flags&OPath != 0 {
		return nil, false, perrors.EINVAL
	}

	if flags&OTmpfile != 0 {
		return openTmpfile(ctx, d, dir, mode, c)
	}

	followLast := flags&ONoFollow == 0
	opts := pathres.Options{FollowFinalSymlink: followLast, Flavor: cred.Effective}

	v, err = d.Resolver.Resolve(dir, path, c, opts)
	if err == nil {
		if flags&OExcl != 0 && flags&OCreat != 0 {
			return nil, false, perrors.EEXIST
		}
		if flags&ODirectory != 0 {
			typ, _, _, _, _, _ := Stat(d.Pool, v.Inode)
			if typ != layout.InodeTypeDirectory {
				return nil, false, perrors.ENOTDIR
			}
		}
		if flags&OTrunc != 0 {
			if err := Truncate(ctx, d, &block.Index{}, v.Inode, 0); err != nil {
				return nil, false, err
			}
		}
		return v, false, nil
	}

	if err != perrors.ENOENT || flags&OCreat == 0 {
		return nil, false, err
	}

	parent, name, perr := d.Resolver.ResolveParent(dir, path, c, cred.Effective)
	if perr != nil {
		return nil, false, perr
	}

	dirMode, dirUID, dirGID := statMode(d.Pool, parent.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return nil, false, perrors.EACCES
	}

	tx, terr := objstore.Begin(ctx, d.Pool)
	if terr != nil {
		return nil, false, terr
	}

	childRef, cerr := CreateInode(d.Pool, tx, d.Clock, layout.InodeTypeRegular, mode, c)
	if cerr != nil {
		tx.Abort()
		return nil, false, cerr
	}

	child := d.VM.LookupOrCreateNewInTx(tx, childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	child.Parent = parent.Inode

	if ierr := dirent.Insert(d.Pool, tx, d.Clock, parent.Inode, name, childRef); ierr != nil {
		tx.Abort()
		return nil, false, translateDirentErr(ierr)
	}

	if cerr := tx.Commit(); cerr != nil {
		return nil, false, cerr
	}

	return child, true, nil
}

// openTmpfile implements O_TMPFILE: an unnamed regular file created inside
// dir with no dirent ever pointing at it, linkable later via
// linkat(..., AT_EMPTY_PATH) (Linkat in this package accepts any src
// vinode regardless of whether a name currently resolves to it, so no
// special-casing is needed there).
func openTmpfile(ctx context.Context, d Deps, dir *vinode.Vinode, mode uint32, c cred.Cred) (*vinode.Vinode, bool, error) {
	dirMode, dirUID, dirGID := statMode(d.Pool, dir.Inode)
	if !cred.Access(c, dirUID, dirGID, dirMode, cred.ModeWrite|cred.ModeExec, cred.Effective) {
		return nil, false, perrors.EACCES
	}

	tx, err := objstore.Begin(ctx, d.Pool)
	if err != nil {
		return nil, false, err
	}

	childRef, err := CreateInode(d.Pool, tx, d.Clock, layout.InodeTypeRegular, mode, c)
	if err != nil {
		tx.Abort()
		return nil, false, err
	}

	child := d.VM.LookupOrCreateNewInTx(tx, childRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: childRef} })
	child.Parent = dir.Inode

	// Nlink starts at 1 for a regular file but nothing references it by
	// name; drop it to 0 and place it on the orphan list immediately so a
	// crash before the caller either links or closes it still cleans it up.
	DropLink(d.Pool, tx, childRef)
	if err := vinode.AddOrphan(d.Pool, tx, childRef); err != nil {
		tx.Abort()
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return child, true, nil
}
