// Package dirent implements the directory engine: the unordered,
// fixed-slot linked list of pages backing every directory inode, and the
// insert/remove/lookup operations pathres and posix build on.
package dirent

import (
	"github.com/pkg/errors"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pmutil/clock"
)

var ErrNameTooLong = errors.New("dirent: name exceeds 255 bytes")
var ErrExists = errors.New("dirent: name already exists")
var ErrNotFound = errors.New("dirent: name not found")

// slotRef locates one Dirent slot, inline in the inode or in a chained
// DirPage, the same dual addressing block.slotView uses for descriptors.
type slotRef struct {
	dirent *layout.Dirent
	page   layout.Ref // owning page, or layout.Null for inline
}

func forEachSlot(pool *objstore.Pool, dirInode layout.Ref, fn func(slotRef) bool) {
	in := layout.AsInode(pool.Bytes(dirInode, layout.PageSize))
	dd := in.DirData()

	for i := range dd.Entries {
		if !fn(slotRef{dirent: &dd.Entries[i], page: layout.Null}) {
			return
		}
	}

	for next := dd.Next; next != layout.Null; {
		page := layout.AsDirPage(pool.Bytes(next, layout.PageSize))
		for i := range page.Entries {
			if !fn(slotRef{dirent: &page.Entries[i], page: next}) {
				return
			}
		}
		next = page.Next
	}
}

// Lookup returns the inode a name maps to within dirInode, without
// allocating. ErrNotFound if absent.
func Lookup(pool *objstore.Pool, dirInode layout.Ref, name string) (layout.Ref, error) {
	var found layout.Ref = layout.Null
	forEachSlot(pool, dirInode, func(s slotRef) bool {
		if !s.dirent.IsFree() && string(s.dirent.NameBytes()) == name {
			found = s.dirent.Inode
			return false
		}
		return true
	})
	if found == layout.Null {
		return layout.Null, ErrNotFound
	}
	return found, nil
}

// Exists reports whether name is present, for insert's clash check.
func Exists(pool *objstore.Pool, dirInode layout.Ref, name string) bool {
	_, err := Lookup(pool, dirInode, name)
	return err == nil
}

// Insert adds name -> inode to dirInode: a name clash is rejected with
// ErrExists, otherwise the first free slot is used (or a new DirPage is
// allocated and linked if none is free), and the directory's mtime/ctime
// are stamped here. The directory's Nlink is left to the caller, which
// bumps it itself within the same transaction where needed.
func Insert(pool *objstore.Pool, tx *objstore.Tx, clk clock.Clock, dirInode layout.Ref, name string, target layout.Ref) error {
	if len(name) == 0 || len(name) > layout.MaxNameLen {
		return ErrNameTooLong
	}
	if Exists(pool, dirInode, name) {
		return ErrExists
	}

	in := layout.AsInode(pool.Bytes(dirInode, layout.PageSize))
	dd := in.DirData()

	for i := range dd.Entries {
		if dd.Entries[i].IsFree() {
			tx.AddRange(dirInode, pool.Bytes(dirInode, layout.PageSize))
			dd.Entries[i].SetName(name)
			dd.Entries[i].Inode = target
			dd.NumElements++
			touch(tx, pool, dirInode, clk)
			return nil
		}
	}

	var lastRef layout.Ref
	for next := dd.Next; next != layout.Null; {
		pageBytes := pool.Bytes(next, layout.PageSize)
		page := layout.AsDirPage(pageBytes)
		for i := range page.Entries {
			if page.Entries[i].IsFree() {
				tx.AddRange(next, pageBytes)
				page.Entries[i].SetName(name)
				page.Entries[i].Inode = target
				page.NumElements++
				touch(tx, pool, dirInode, clk)
				return nil
			}
		}
		lastRef = next
		next = page.Next
	}

	ref, b, err := pool.AllocPage(tx)
	if err != nil {
		return err
	}
	page := layout.AsDirPage(b)
	page.Tag = layout.TagDirPage
	page.Entries[0].SetName(name)
	page.Entries[0].Inode = target
	page.NumElements = 1

	if lastRef != layout.Null {
		lastBytes := pool.Bytes(lastRef, layout.PageSize)
		tx.AddRange(lastRef, lastBytes)
		layout.AsDirPage(lastBytes).Next = ref
	} else {
		tx.AddRange(dirInode, pool.Bytes(dirInode, layout.PageSize))
		dd.Next = ref
	}

	touch(tx, pool, dirInode, clk)
	return nil
}

// Remove clears the slot mapping name; an overflow page that becomes empty
// as a result is unlinked and freed, wherever it sits in the chain. The
// directory inode's Size is not changed.
func Remove(pool *objstore.Pool, tx *objstore.Tx, clk clock.Clock, dirInode layout.Ref, name string) error {
	in := layout.AsInode(pool.Bytes(dirInode, layout.PageSize))
	dd := in.DirData()

	for i := range dd.Entries {
		if !dd.Entries[i].IsFree() && string(dd.Entries[i].NameBytes()) == name {
			tx.AddRange(dirInode, pool.Bytes(dirInode, layout.PageSize))
			dd.Entries[i].Clear()
			dd.NumElements--
			touch(tx, pool, dirInode, clk)
			return nil
		}
	}

	var prevRef layout.Ref
	for next := dd.Next; next != layout.Null; {
		pageBytes := pool.Bytes(next, layout.PageSize)
		page := layout.AsDirPage(pageBytes)
		removed := false
		for i := range page.Entries {
			if !page.Entries[i].IsFree() && string(page.Entries[i].NameBytes()) == name {
				tx.AddRange(next, pageBytes)
				page.Entries[i].Clear()
				page.NumElements--
				removed = true
				break
			}
		}

		if removed {
			if page.NumElements == 0 {
				unlinkPage(pool, tx, dirInode, prevRef, next, page)
			}
			touch(tx, pool, dirInode, clk)
			return nil
		}

		prevRef = next
		next = page.Next
	}

	return ErrNotFound
}

func unlinkPage(pool *objstore.Pool, tx *objstore.Tx, dirInode, prevRef, ref layout.Ref, page *layout.DirPage) {
	next := page.Next
	if prevRef != layout.Null {
		prevBytes := pool.Bytes(prevRef, layout.PageSize)
		tx.AddRange(prevRef, prevBytes)
		layout.AsDirPage(prevBytes).Next = next
	} else {
		tx.AddRange(dirInode, pool.Bytes(dirInode, layout.PageSize))
		layout.AsInode(pool.Bytes(dirInode, layout.PageSize)).DirData().Next = next
	}
	pool.FreePage(tx, ref)
}

func touch(tx *objstore.Tx, pool *objstore.Pool, dirInode layout.Ref, clk clock.Clock) {
	in := layout.AsInode(pool.Bytes(dirInode, layout.PageSize))
	now := clk.Now().UnixNano()
	in.MtimeNsec = now
	in.CtimeNsec = now
}

// Cursor identifies one dirent for getdents-style sequential readout:
// (page, index) packed by posix into a 64-bit d_off.
type Cursor struct {
	Page  layout.Ref // layout.Null for the inline array
	Index int
}

// Next returns the first non-free dirent at or after cur (inclusive),
// along with the cursor to resume from afterward, or ok=false at
// end-of-directory.
func Next(pool *objstore.Pool, dirInode layout.Ref, cur Cursor) (name string, inode layout.Ref, next Cursor, ok bool) {
	in := layout.AsInode(pool.Bytes(dirInode, layout.PageSize))
	dd := in.DirData()

	if cur.Page == layout.Null {
		for i := cur.Index; i < len(dd.Entries); i++ {
			if !dd.Entries[i].IsFree() {
				return string(dd.Entries[i].NameBytes()), dd.Entries[i].Inode, Cursor{Page: layout.Null, Index: i + 1}, true
			}
		}
		cur = Cursor{Page: dd.Next, Index: 0}
	}

	for cur.Page != layout.Null {
		page := layout.AsDirPage(pool.Bytes(cur.Page, layout.PageSize))
		for i := cur.Index; i < len(page.Entries); i++ {
			if !page.Entries[i].IsFree() {
				return string(page.Entries[i].NameBytes()), page.Entries[i].Inode, Cursor{Page: cur.Page, Index: i + 1}, true
			}
		}
		cur = Cursor{Page: page.Next, Index: 0}
	}

	return "", layout.Null, Cursor{}, false
}
