// Package posix implements the POSIX filesystem operations (open, link,
// rename, truncate, fallocate, stat, chmod/chown, getdents, and friends)
// on top of objstore, vinode, block, dirent, pathres, and cred. Each
// function here mirrors one syscall's semantics; pmemfile wraps them into
// the library's public File/Pool API and does the file-descriptor-like
// bookkeeping (offsets, open flags) these functions leave to the caller.
package posix

import (
	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/pmutil/clock"
)

// Stat reads an inode's type, permission bits, ownership, size, and link
// count directly from the pool, with no locking of its own — callers hold
// whatever vinode lock the operation already requires.
func Stat(pool *objstore.Pool, inode layout.Ref) (typ layout.InodeType, mode uint32, uid, gid uint32, size uint64, nlink uint32) {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))
	return in.Type, in.Mode, in.Uid, in.Gid, in.Size, in.Nlink
}

// InodeStat is the full stat(2)-shaped view of one inode, adding the
// identity and allocation fields Stat leaves out.
type InodeStat struct {
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

// StatFull extends Stat with st_dev (the pool identity, folded from the
// pool's UUID), st_ino (the inode's own Ref, which is already a stable
// pool-relative handle), st_blksize (the pool's page size), and st_blocks
// (allocated extent bytes rounded up to 512-byte units, stat(2)'s fixed
// block-count unit regardless of st_blksize). idx may be nil, in which
// case a throwaway Index is built just for this call instead of reusing a
// handle's cached one; directories and symlinks report zero blocks, since
// neither stores its content in the regular-file extent chain.
func StatFull(pool *objstore.Pool, idx *block.Index, inode layout.Ref, dev uint64) InodeStat {
	typ, mode, uid, gid, size, nlink := Stat(pool, inode)
	s := InodeStat{
		Dev: dev, Ino: uint64(inode),
		Type: typ, Mode: mode, UID: uid, GID: gid, Size: size, Nlink: nlink,
		Blksize: layout.PageSize,
	}
	if typ == layout.InodeTypeRegular {
		if idx == nil {
			idx = &block.Index{}
		}
		var allocated uint64
		for _, e := range idx.Snapshot(pool, inode) {
			allocated += uint64(e.Size)
		}
		s.Blocks = (allocated + 511) / 512
	}
	return s
}

// CreateInode allocates and initializes a new inode of the given type,
// owned by c, with the requested permission bits.
func CreateInode(pool *objstore.Pool, tx *objstore.Tx, clk clock.Clock, typ layout.InodeType, mode uint32, c cred.Cred) (layout.Ref, error) {
	ref, b, err := pool.AllocPage(tx)
	if err != nil {
		return layout.Null, perrors.ENOSPC
	}

	in := layout.AsInode(b)
	in.Tag = layout.TagInode
	in.Type = typ
	in.Mode = mode & 0o7777
	in.Uid = c.FSUID
	in.Gid = c.FSGID
	now := clk.Now().UnixNano()
	in.AtimeNsec, in.MtimeNsec, in.CtimeNsec = now, now, now

	switch typ {
	case layout.InodeTypeDirectory:
		in.Nlink = 2 // "." and the parent's entry; the parent's Nlink gains the subdir's ".." separately
	default:
		in.Nlink = 1
	}

	return ref, nil
}

// AddLink increments an inode's Nlink, snapshotting it into tx first.
func AddLink(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref) {
	b := pool.Bytes(inode, layout.PageSize)
	tx.AddRange(inode, b)
	layout.AsInode(b).Nlink++
}

// DropLink decrements an inode's Nlink and returns the new count; when it
// is zero, the caller (posix.Unlink/Rmdir) is responsible for orphaning or
// freeing the inode's storage when it has.
func DropLink(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref) uint32 {
	b := pool.Bytes(inode, layout.PageSize)
	tx.AddRange(inode, b)
	in := layout.AsInode(b)
	in.Nlink--
	return in.Nlink
}

// FreeInodeStorage releases every data extent and overflow page a regular
// file or directory inode owns, then frees the inode record itself. Called
// once Nlink has reached zero and no vinode reference remains.
func FreeInodeStorage(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref, idx *block.Index) {
	in := layout.AsInode(pool.Bytes(inode, layout.PageSize))

	switch in.Type {
	case layout.InodeTypeRegular:
		if idx == nil {
			idx = &block.Index{}
		}
		block.RemoveInterval(pool, tx, idx, inode, 0, in.Size)
		for next := in.FileData().Next; next != layout.Null; {
			page := layout.AsBlockArrayPage(pool.Bytes(next, layout.PageSize))
			n := page.Next
			pool.FreePage(tx, next)
			next = n
		}
	case layout.InodeTypeDirectory:
		for next := in.DirData().Next; next != layout.Null; {
			page := layout.AsDirPage(pool.Bytes(next, layout.PageSize))
			n := page.Next
			pool.FreePage(tx, next)
			next = n
		}
	}

	pool.FreePage(tx, inode)
}

// Chmod updates an inode's permission bits (and, per POSIX, clears the
// setgid bit if the caller isn't in the file's group and isn't root — a
// detail the caller resolves before calling, since it needs the calling
// cred's group list).
func Chmod(pool *objstore.Pool, tx *objstore.Tx, clk clock.Clock, inode layout.Ref, mode uint32) {
	b := pool.Bytes(inode, layout.PageSize)
	tx.AddRange(inode, b)
	in := layout.AsInode(b)
	in.Mode = mode & 0o7777
	in.CtimeNsec = clk.Now().UnixNano()
}

// Chown updates an inode's owning uid/gid. Passing ^uint32(0) for either
// leaves it unchanged, matching chown(2)'s -1 sentinel.
func Chown(pool *objstore.Pool, tx *objstore.Tx, clk clock.Clock, inode layout.Ref, uid, gid uint32) {
	b := pool.Bytes(inode, layout.PageSize)
	tx.AddRange(inode, b)
	in := layout.AsInode(b)
	if uid != ^uint32(0) {
		in.Uid = uid
	}
	if gid != ^uint32(0) {
		in.Gid = gid
	}
	in.CtimeNsec = clk.Now().UnixNano()
}
