package pmemfile

import (
	"context"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/posix"
	"github.com/pmemgo/pmemfile/vinode"
)

func objstoreBegin(ctx context.Context, p *Pool) (*objstore.Tx, error) {
	return objstore.Begin(ctx, p.store)
}

func resolveOptsFor(followSymlink bool) pathres.Options {
	return pathres.Options{FollowFinalSymlink: followSymlink, Flavor: cred.Effective}
}

// Mkdir creates a directory at path relative to the pool's current
// directory.
func (p *Pool) Mkdir(ctx context.Context, path string, mode uint32, c cred.Cred) error {
	parent, name, err := p.resolver.ResolveParent(p.currentDir(), path, c, cred.Effective)
	if err != nil {
		return err
	}
	v, err := posix.Mkdirat(ctx, p.deps(), parent, name, mode, c)
	if err != nil {
		return err
	}
	p.vm.Unref(v, nil)
	return nil
}

// Rmdir removes the empty directory at path.
func (p *Pool) Rmdir(ctx context.Context, path string, c cred.Cred) error {
	parent, name, err := p.resolver.ResolveParent(p.currentDir(), path, c, cred.Effective)
	if err != nil {
		return err
	}
	return posix.Rmdirat(ctx, p.deps(), parent, name, c)
}

// Unlink removes the directory entry at path.
func (p *Pool) Unlink(ctx context.Context, path string, c cred.Cred) error {
	parent, name, err := p.resolver.ResolveParent(p.currentDir(), path, c, cred.Effective)
	if err != nil {
		return err
	}
	return posix.Unlinkat(ctx, p.deps(), parent, name, c)
}

// Link creates a new name for an existing file, matching link(2). Both
// paths resolve relative to the pool's current directory.
func (p *Pool) Link(ctx context.Context, oldPath, newPath string, c cred.Cred) error {
	src, err := p.resolve(oldPath, c, false)
	if err != nil {
		return err
	}
	dstDir, name, err := p.resolver.ResolveParent(p.currentDir(), newPath, c, cred.Effective)
	if err != nil {
		return err
	}
	return posix.Linkat(ctx, p.deps(), src, dstDir, name, c)
}

// LinkFile links an already-open handle (typically one opened with
// O_TMPFILE) to a name, matching linkat(..., AT_EMPTY_PATH).
func (p *Pool) LinkFile(ctx context.Context, f *File, newPath string, c cred.Cred) error {
	dstDir, name, err := p.resolver.ResolveParent(p.currentDir(), newPath, c, cred.Effective)
	if err != nil {
		return err
	}
	return posix.Linkat(ctx, p.deps(), f.vnode, dstDir, name, c)
}

// Rename moves/renames oldPath to newPath, matching renameat2(2) with the
// given flags (pass 0 for plain rename(2) semantics).
func (p *Pool) Rename(ctx context.Context, oldPath, newPath string, flags posix.RenameFlags, c cred.Cred) error {
	srcDir, srcName, err := p.resolver.ResolveParent(p.currentDir(), oldPath, c, cred.Effective)
	if err != nil {
		return err
	}
	dstDir, dstName, err := p.resolver.ResolveParent(p.currentDir(), newPath, c, cred.Effective)
	if err != nil {
		return err
	}
	return posix.Renameat2(ctx, p.deps(), srcDir, srcName, dstDir, dstName, flags, c)
}

// Symlink creates a symbolic link at linkPath pointing at target.
func (p *Pool) Symlink(ctx context.Context, target, linkPath string, c cred.Cred) error {
	dir, name, err := p.resolver.ResolveParent(p.currentDir(), linkPath, c, cred.Effective)
	if err != nil {
		return err
	}
	v, err := posix.Symlinkat(ctx, p.deps(), dir, name, target, c)
	if err != nil {
		return err
	}
	p.vm.Unref(v, nil)
	return nil
}

// Readlink returns the target of the symbolic link at path.
func (p *Pool) Readlink(ctx context.Context, path string, c cred.Cred) (string, error) {
	v, err := p.resolve(path, c, false)
	if err != nil {
		return "", err
	}
	return posix.Readlinkat(p.store, v.Inode)
}

// Access checks path against want (an OR of cred.ModeRead/Write/Exec) for
// c, matching access(2)/faccessat(2).
func (p *Pool) Access(path string, want uint32, c cred.Cred, flavor cred.Flavor) error {
	v, err := p.resolve(path, c, true)
	if err != nil {
		return err
	}
	_, fmode, uid, gid, _, _ := posix.Stat(p.store, v.Inode)
	if !cred.Access(c, uid, gid, fmode, want, flavor) {
		return perrors.EACCES
	}
	return nil
}

// Euidaccess is Access against the effective-id flavor, matching
// euidaccess(2)'s "could the effective caller, not the real one, do this"
// check.
func (p *Pool) Euidaccess(path string, want uint32, c cred.Cred) error {
	return p.Access(path, want, c, cred.Effective)
}

// Faccessat is Access resolved relative to dir instead of the pool's
// current directory.
func (p *Pool) Faccessat(dir *File, path string, want uint32, c cred.Cred, flavor cred.Flavor) error {
	v, err := p.resolver.Resolve(p.dirVinode(dir), path, c, resolveOptsFor(true))
	if err != nil {
		return err
	}
	_, fmode, uid, gid, _, _ := posix.Stat(p.store, v.Inode)
	if !cred.Access(c, uid, gid, fmode, want, flavor) {
		return perrors.EACCES
	}
	return nil
}

// Utimensat sets atime/mtime on the file at path, each either a UnixNano
// value, posix.UtimeOmit, or posix.UtimeNow (the caller resolves
// UTIME_NOW against its own clock before calling).
func (p *Pool) Utimensat(ctx context.Context, dir *File, path string, atimeNsec, mtimeNsec int64, c cred.Cred, followSymlink bool) error {
	v, err := p.resolver.Resolve(p.dirVinode(dir), path, c, resolveOptsFor(followSymlink))
	if err != nil {
		return err
	}
	return p.setTimes(ctx, v, atimeNsec, mtimeNsec)
}

// Futimens sets atime/mtime on an already-open handle, matching
// futimens(2).
func (f *File) Futimens(ctx context.Context, atimeNsec, mtimeNsec int64) error {
	return f.pool.setTimes(ctx, f.vnode, atimeNsec, mtimeNsec)
}

// Utime sets atime/mtime at path from whole-second values, matching the
// legacy utime(2) (a thin second-resolution predecessor of utimensat).
func (p *Pool) Utime(ctx context.Context, path string, atimeSec, mtimeSec int64, c cred.Cred) error {
	v, err := p.resolve(path, c, true)
	if err != nil {
		return err
	}
	return p.setTimes(ctx, v, atimeSec*1e9, mtimeSec*1e9)
}

// Utimes sets atime/mtime at path from microsecond values, matching
// utimes(2).
func (p *Pool) Utimes(ctx context.Context, path string, atimeUsec, mtimeUsec int64, c cred.Cred) error {
	v, err := p.resolve(path, c, true)
	if err != nil {
		return err
	}
	return p.setTimes(ctx, v, atimeUsec*1e3, mtimeUsec*1e3)
}

// Futimes is Utimes against an already-open handle, matching futimes(2).
func (f *File) Futimes(ctx context.Context, atimeUsec, mtimeUsec int64) error {
	return f.pool.setTimes(ctx, f.vnode, atimeUsec*1e3, mtimeUsec*1e3)
}

// OpenParent opens the directory handle's parent, matching this library's
// pmemfile_open_parent extension: a caller walking back up a tree it holds
// open handles on doesn't need to re-resolve from the pool root.
func (p *Pool) OpenParent(ctx context.Context, f *File) (*File, error) {
	parentRef := f.vnode.Parent
	v := p.vm.LookupOrCreateExisting(parentRef, func() *vinode.Vinode { return &vinode.Vinode{Inode: parentRef} })
	return p.newFile(v, 0), nil
}

// Errormsg returns the message most recently recorded for token with
// perrors.SetLastError, or "" if there is none, matching errormsg(3)'s
// per-caller last-error buffer. No call in this package records one.
func Errormsg(token interface{}) string {
	return perrors.LastError(token)
}

func (p *Pool) setTimes(ctx context.Context, v *vinode.Vinode, atimeNsec, mtimeNsec int64) error {
	v.RWMutex.Lock()
	defer v.RWMutex.Unlock()
	tx, err := objstoreBegin(ctx, p)
	if err != nil {
		return err
	}
	posix.SetTimes(p.store, tx, v.Inode, atimeNsec, mtimeNsec)
	return tx.Commit()
}

// GetDirPath returns the handle's vinode DebugPath, the same advisory
// bookkeeping Pool.Getcwd uses — not a from-scratch reconstruction via
// parent pointers. Only the pool root's vinode carries one ("/"); for any
// other directory the result is the empty string.
func (f *File) GetDirPath() string {
	return f.vnode.DebugPath
}

// Getdents reads directory entries from dir starting at the handle's saved
// cursor, in the legacy linux_dirent format, advancing the cursor.
func (f *File) Getdents(buf []byte) int {
	f.vnode.RWMutex.RLock()
	defer f.vnode.RWMutex.RUnlock()
	n, next := posix.Getdents(f.pool.store, f.vnode.Inode, f.cur, buf)
	f.cur = next
	return n
}

// Getdents64 is Getdents in the linux_dirent64 format.
func (f *File) Getdents64(buf []byte) int {
	f.vnode.RWMutex.RLock()
	defer f.vnode.RWMutex.RUnlock()
	n, next := posix.Getdents64(f.pool.store, f.vnode.Inode, f.cur, buf)
	f.cur = next
	return n
}

// RewindDir resets a directory handle's getdents cursor to the start.
func (f *File) RewindDir() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = dirent.Cursor{}
}

// SeekDir sets a directory handle's getdents cursor to a previously
// returned d_off value, matching seekdir(3).
func (f *File) SeekDir(off uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = posix.UnpackCursor(off)
}

// TelldirOffset packs a directory handle's current cursor the way
// telldir(3) would, for later replay via SeekDir.
func (f *File) TelldirOffset() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return posix.PackCursor(f.cur)
}
