package posix

import (
	"encoding/binary"

	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"golang.org/x/sys/unix"
)

// PackCursor packs a dirent.Cursor into the 64-bit d_off getdents(2)
// hands back to the caller to resume from, the way a real filesystem packs
// an opaque position into that field. The high 32 bits are 0 for the
// inline array (Page == layout.Null), or else the page's pool offset
// divided by PageSize plus one (the offset is always a multiple of
// PageSize, so dividing loses no information); the low 32 bits hold the
// slot index.
func PackCursor(c dirent.Cursor) uint64 {
	pageWord := uint64(0)
	if c.Page != layout.Null {
		pageWord = uint64(c.Page)/layout.PageSize + 1
	}
	return pageWord<<32 | uint64(uint32(c.Index))
}

func UnpackCursor(off uint64) dirent.Cursor {
	pageWord := off >> 32
	index := int(int32(uint32(off)))
	if pageWord == 0 {
		return dirent.Cursor{Page: layout.Null, Index: index}
	}
	return dirent.Cursor{Page: layout.Ref((pageWord - 1) * layout.PageSize), Index: index}
}

// dtypeFor maps an inode type to the d_type byte linux_dirent64 carries.
func dtypeFor(typ layout.InodeType) byte {
	switch typ {
	case layout.InodeTypeDirectory:
		return unix.DT_DIR
	case layout.InodeTypeSymlink:
		return unix.DT_LNK
	default:
		return unix.DT_REG
	}
}

// direntSize64 returns the padded record length for one linux_dirent64
// entry with the given name, matching the kernel's 8-byte-aligned layout:
// ino(8) + off(8) + reclen(2) + type(1) + name + NUL, rounded up to 8.
func direntSize64(nameLen int) int {
	const header = 8 + 8 + 2 + 1
	return alignUp(header+nameLen+1, 8)
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// Getdents64 fills buf with as many linux_dirent64 records as fit,
// starting from cur, in the kernel's exact on-wire format (so callers that
// hand this buffer to something expecting real getdents64 output see a
// bit-compatible result), matching the technique
// jacobsa-fuse/fuseutil/dirent.go uses to hand-encode struct fuse_dirent.
func Getdents64(pool *objstore.Pool, dirInode layout.Ref, cur dirent.Cursor, buf []byte) (n int, next dirent.Cursor) {
	off := 0
	for {
		name, inode, after, ok := dirent.Next(pool, dirInode, cur)
		if !ok {
			return off, cur
		}

		typ, _, _, _, _, _ := Stat(pool, inode)
		reclen := direntSize64(len(name))
		if off+reclen > len(buf) {
			return off, cur
		}

		rec := buf[off : off+reclen]
		binary.LittleEndian.PutUint64(rec[0:8], uint64(inode))
		binary.LittleEndian.PutUint64(rec[8:16], PackCursor(after))
		binary.LittleEndian.PutUint16(rec[16:18], uint16(reclen))
		rec[18] = dtypeFor(typ)
		copy(rec[19:], name)
		rec[19+len(name)] = 0

		off += reclen
		cur = after
	}
}

// Getdents fills buf with the legacy 32-bit linux_dirent format (no d_type
// trailer byte beyond what the header's reclen already accounts for;
// d_type is appended as the final byte of the record, as the kernel does
// for the non-64 getdents call).
func Getdents(pool *objstore.Pool, dirInode layout.Ref, cur dirent.Cursor, buf []byte) (n int, next dirent.Cursor) {
	off := 0
	for {
		name, inode, after, ok := dirent.Next(pool, dirInode, cur)
		if !ok {
			return off, cur
		}

		typ, _, _, _, _, _ := Stat(pool, inode)
		// ino(4 truncated to 8 for range safety is kept 8 here since inode
		// handles exceed 32 bits on any pool over 4GiB) + off(8) + reclen(2) + name + NUL + d_type(1)
		const header = 8 + 8 + 2
		reclen := alignUp(header+len(name)+1+1, 8)
		if off+reclen > len(buf) {
			return off, cur
		}

		rec := buf[off : off+reclen]
		binary.LittleEndian.PutUint64(rec[0:8], uint64(inode))
		binary.LittleEndian.PutUint64(rec[8:16], PackCursor(after))
		binary.LittleEndian.PutUint16(rec[16:18], uint16(reclen))
		copy(rec[18:], name)
		rec[18+len(name)] = 0
		rec[reclen-1] = dtypeFor(typ)

		off += reclen
		cur = after
	}
}
