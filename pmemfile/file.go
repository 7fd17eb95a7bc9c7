package pmemfile

import (
	"context"
	"sync"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/pmutil/log"
	"github.com/pmemgo/pmemfile/posix"
	"github.com/pmemgo/pmemfile/vinode"
)

// File is one open handle into a Pool: a reference-counted Vinode plus the
// byte offset, open flags, and per-handle block/dirent cursors a real file
// descriptor needs on top of the shared inode state.
type File struct {
	pool  *Pool
	vnode *vinode.Vinode

	mu     sync.Mutex
	offset uint64
	flags  posix.OpenFlags

	idx *block.Index
	cur dirent.Cursor

	closed bool
}

// OpenAt opens path relative to dir (pass nil for the pool's current
// directory, or an absolute path).
func (p *Pool) OpenAt(ctx context.Context, dir *File, path string, flags posix.OpenFlags, mode uint32, c cred.Cred) (*File, error) {
	base := p.dirVinode(dir)
	v, _, err := posix.Openat(ctx, p.deps(), base, path, flags, mode, c)
	if err != nil {
		return nil, err
	}
	return p.newFile(v, flags), nil
}

// Open opens path relative to the pool's current directory.
func (p *Pool) Open(ctx context.Context, path string, flags posix.OpenFlags, mode uint32, c cred.Cred) (*File, error) {
	return p.OpenAt(ctx, nil, path, flags, mode, c)
}

// Create is shorthand for Open with O_CREAT|O_TRUNC, matching creat(2)
// except that no write-only access mode is passed (Open does not act on
// the access mode bits).
func (p *Pool) Create(ctx context.Context, path string, mode uint32, c cred.Cred) (*File, error) {
	return p.Open(ctx, path, posix.OCreat|posix.OTrunc, mode, c)
}

func (p *Pool) dirVinode(dir *File) *vinode.Vinode {
	if dir != nil {
		return dir.vnode
	}
	return p.currentDir()
}

func (p *Pool) newFile(v *vinode.Vinode, flags posix.OpenFlags) *File {
	return &File{pool: p, vnode: v, idx: &block.Index{}, flags: flags}
}

// Close drops this handle's reference to its vinode. If the ref count
// reaches zero and the inode's Nlink is also zero, the inode's storage is
// freed and it is removed from the orphan list, matching how a real
// filesystem only reclaims an unlinked-but-open file once the last
// descriptor on it closes. Unlink, rmdir and rename free an inode directly
// when no other reference holds it, and pool open frees what the orphan
// list still names.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	f.pool.vm.Unref(f.vnode, func() {
		_, _, _, _, _, nlink := posix.Stat(f.pool.store, f.vnode.Inode)
		if nlink != 0 {
			return
		}
		tx, err := objstoreBegin(ctx, f.pool)
		if err != nil {
			log.Errorf("pmemfile: failed to begin free-on-close transaction: %v", err)
			return
		}
		posix.FreeInodeStorage(f.pool.store, tx, f.vnode.Inode, f.idx)
		vinode.RemoveOrphan(f.pool.store, tx, f.vnode.Inode)
		if err := tx.Commit(); err != nil {
			log.Errorf("pmemfile: failed to commit free-on-close transaction: %v", err)
		}
	})
	return nil
}

// Pread reads from offset without disturbing the handle's file position,
// matching pread(2).
func (f *File) Pread(offset uint64, buf []byte) (int, error) {
	f.vnode.RWMutex.RLock()
	defer f.vnode.RWMutex.RUnlock()
	n := posix.Pread(f.pool.store, f.idx, f.vnode.Inode, offset, buf)
	return n, nil
}

// Read reads into buf starting at the handle's current offset and advances
// it by the number of bytes read.
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	f.vnode.RWMutex.RLock()
	n := posix.Pread(f.pool.store, f.idx, f.vnode.Inode, off, buf)
	f.vnode.RWMutex.RUnlock()

	f.mu.Lock()
	f.offset += uint64(n)
	f.mu.Unlock()
	return n, nil
}

// Pwrite writes to offset without disturbing the handle's file position,
// matching pwrite(2).
func (f *File) Pwrite(ctx context.Context, offset uint64, buf []byte) (int, error) {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	return posix.Pwrite(ctx, f.pool.deps(), f.idx, f.vnode.Inode, offset, buf)
}

// Write writes buf at the handle's current offset (or at end-of-file if
// opened with O_APPEND) and advances the offset by the number of bytes
// written.
func (f *File) Write(ctx context.Context, buf []byte) (int, error) {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()

	off := f.writeOffset(len(buf), f.flags&posix.OAppend != 0)
	n, err := posix.Pwrite(ctx, f.pool.deps(), f.idx, f.vnode.Inode, off, buf)
	if err != nil {
		return n, err
	}

	f.mu.Lock()
	f.offset = off + uint64(n)
	f.mu.Unlock()
	return n, nil
}

func (f *File) writeOffset(n int, append bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if append {
		_, _, _, _, size, _ := posix.Stat(f.pool.store, f.vnode.Inode)
		f.offset = size
	}
	return f.offset
}

// Seek variants, matching lseek(2)'s whence values.
const (
	SeekSet  = 0
	SeekCur  = 1
	SeekEnd  = 2
	SeekData = 3
	SeekHole = 4
)

func (f *File) Lseek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if whence == SeekData || whence == SeekHole {
		if offset < 0 {
			return 0, perrors.EINVAL
		}
		_, _, _, _, size, _ := posix.Stat(f.pool.store, f.vnode.Inode)
		newOff, err := posix.SeekDataOrHole(f.pool.store, f.idx, f.vnode.Inode, size, uint64(offset), whence == SeekHole)
		if err != nil {
			return 0, err
		}
		f.offset = newOff
		return int64(newOff), nil
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.offset)
	case SeekEnd:
		_, _, _, _, size, _ := posix.Stat(f.pool.store, f.vnode.Inode)
		base = int64(size)
	default:
		return 0, perrors.EINVAL
	}

	newOff := base + offset
	if newOff < 0 {
		return 0, perrors.EINVAL
	}
	f.offset = uint64(newOff)
	return newOff, nil
}

func (f *File) Ftruncate(ctx context.Context, length uint64) error {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	return posix.Truncate(ctx, f.pool.deps(), f.idx, f.vnode.Inode, length)
}

func (f *File) Fallocate(ctx context.Context, mode posix.FallocMode, offset, length uint64) error {
	if err := posix.CheckSupportedMode(mode); err != nil {
		return err
	}
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	return posix.Fallocate(ctx, f.pool.deps(), f.idx, f.vnode.Inode, mode, offset, length)
}

// Stat holds the subset of struct stat this filesystem populates.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Type    layout.InodeType
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Nlink   uint32
	Blocks  uint64
	Blksize uint32
}

func statFromInodeStat(s posix.InodeStat) Stat {
	return Stat{
		Dev: s.Dev, Ino: s.Ino,
		Type: s.Type, Mode: s.Mode, UID: s.UID, GID: s.GID, Size: s.Size, Nlink: s.Nlink,
		Blocks: s.Blocks, Blksize: s.Blksize,
	}
}

func (f *File) Fstat() Stat {
	f.vnode.RWMutex.RLock()
	defer f.vnode.RWMutex.RUnlock()
	return statFromInodeStat(posix.StatFull(f.pool.store, f.idx, f.vnode.Inode, f.pool.devID()))
}

func (p *Pool) Stat(ctx context.Context, path string, c cred.Cred, followSymlink bool) (Stat, error) {
	v, err := p.resolve(path, c, followSymlink)
	if err != nil {
		return Stat{}, err
	}
	return statFromInodeStat(posix.StatFull(p.store, nil, v.Inode, p.devID())), nil
}

func (f *File) Fchmod(ctx context.Context, mode uint32) error {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	tx, err := objstoreBegin(ctx, f.pool)
	if err != nil {
		return err
	}
	posix.Chmod(f.pool.store, tx, f.pool.clock, f.vnode.Inode, mode)
	return tx.Commit()
}

func (f *File) Fchown(ctx context.Context, uid, gid uint32) error {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	tx, err := objstoreBegin(ctx, f.pool)
	if err != nil {
		return err
	}
	posix.Chown(f.pool.store, tx, f.pool.clock, f.vnode.Inode, uid, gid)
	return tx.Commit()
}

// Chmod changes permission bits at path, following a trailing symlink,
// matching chmod(2).
func (p *Pool) Chmod(ctx context.Context, path string, mode uint32, c cred.Cred) error {
	v, err := p.resolve(path, c, true)
	if err != nil {
		return err
	}
	return chmodVinode(ctx, p, v, mode)
}

// Fchmodat is Chmod resolved relative to dir, with followSymlink matching
// the AT_SYMLINK_NOFOLLOW flag's absence/presence.
func (p *Pool) Fchmodat(ctx context.Context, dir *File, path string, mode uint32, c cred.Cred, followSymlink bool) error {
	v, err := p.resolver.Resolve(p.dirVinode(dir), path, c, resolveOptsFor(followSymlink))
	if err != nil {
		return err
	}
	return chmodVinode(ctx, p, v, mode)
}

func chmodVinode(ctx context.Context, p *Pool, v *vinode.Vinode, mode uint32) error {
	v.RWMutex.Lock()
	defer v.RWMutex.Unlock()
	tx, err := objstoreBegin(ctx, p)
	if err != nil {
		return err
	}
	posix.Chmod(p.store, tx, p.clock, v.Inode, mode)
	return tx.Commit()
}

// Chown changes ownership at path, following a trailing symlink, matching
// chown(2). Pass ^uint32(0) for either uid or gid to leave it unchanged.
func (p *Pool) Chown(ctx context.Context, path string, uid, gid uint32, c cred.Cred) error {
	v, err := p.resolve(path, c, true)
	if err != nil {
		return err
	}
	return chownVinode(ctx, p, v, uid, gid)
}

// Lchown is Chown without following a trailing symlink, matching lchown(2).
func (p *Pool) Lchown(ctx context.Context, path string, uid, gid uint32, c cred.Cred) error {
	v, err := p.resolve(path, c, false)
	if err != nil {
		return err
	}
	return chownVinode(ctx, p, v, uid, gid)
}

// Fchownat is Chown/Lchown resolved relative to dir, matching fchownat(2).
func (p *Pool) Fchownat(ctx context.Context, dir *File, path string, uid, gid uint32, c cred.Cred, followSymlink bool) error {
	v, err := p.resolver.Resolve(p.dirVinode(dir), path, c, resolveOptsFor(followSymlink))
	if err != nil {
		return err
	}
	return chownVinode(ctx, p, v, uid, gid)
}

func chownVinode(ctx context.Context, p *Pool, v *vinode.Vinode, uid, gid uint32) error {
	v.RWMutex.Lock()
	defer v.RWMutex.Unlock()
	tx, err := objstoreBegin(ctx, p)
	if err != nil {
		return err
	}
	posix.Chown(p.store, tx, p.clock, v.Inode, uid, gid)
	return tx.Commit()
}

// Fstatat is Stat resolved relative to dir, matching fstatat(2).
func (p *Pool) Fstatat(dir *File, path string, c cred.Cred, followSymlink bool) (Stat, error) {
	v, err := p.resolver.Resolve(p.dirVinode(dir), path, c, resolveOptsFor(followSymlink))
	if err != nil {
		return Stat{}, err
	}
	return statFromInodeStat(posix.StatFull(p.store, nil, v.Inode, p.devID())), nil
}

// PosixFallocate reserves [offset, offset+length) as real storage and
// extends the file's size to cover it, matching posix_fallocate(3)'s fixed
// (no KEEP_SIZE/PUNCH_HOLE) behavior — unlike Fallocate, callers don't pick
// a mode.
func (f *File) PosixFallocate(ctx context.Context, offset, length uint64) error {
	f.vnode.RWMutex.Lock()
	defer f.vnode.RWMutex.Unlock()
	return posix.Fallocate(ctx, f.pool.deps(), f.idx, f.vnode.Inode, 0, offset, length)
}

// Readv reads into each buffer in bufs in order, starting at the handle's
// current offset, matching readv(2)'s semantics of one logical stream split
// across multiple buffers.
func (f *File) Readv(bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := f.Read(buf)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(buf) {
			break // short read: end of file reached partway through this buffer
		}
	}
	return total, nil
}

// Preadv is Readv at a fixed offset, not disturbing the handle's position,
// matching preadv(2).
func (f *File) Preadv(offset uint64, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		f.vnode.RWMutex.RLock()
		n := posix.Pread(f.pool.store, f.idx, f.vnode.Inode, offset, buf)
		f.vnode.RWMutex.RUnlock()
		total += n
		offset += uint64(n)
		if n < len(buf) {
			break
		}
	}
	return total, nil
}

// Writev writes each buffer in bufs in order at the handle's current
// offset (or end-of-file under O_APPEND), matching writev(2).
func (f *File) Writev(ctx context.Context, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := f.Write(ctx, buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Pwritev is Writev at a fixed offset, not disturbing the handle's
// position, matching pwritev(2).
func (f *File) Pwritev(ctx context.Context, offset uint64, bufs [][]byte) (int, error) {
	total := 0
	for _, buf := range bufs {
		n, err := f.Pwrite(ctx, offset, buf)
		total += n
		if err != nil {
			return total, err
		}
		offset += uint64(n)
	}
	return total, nil
}

func (p *Pool) resolve(path string, c cred.Cred, followSymlink bool) (*vinode.Vinode, error) {
	return p.resolver.Resolve(p.currentDir(), path, c, resolveOptsFor(followSymlink))
}
