package vinode

import (
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
)

// AddOrphan records inode on the pool's orphan list: an inode whose Nlink
// has dropped to zero but which still has open vinode references must
// survive a crash so a replay can finish deleting it, exactly as an unlinked
// but still-open file on a crashed ext4 mount is recovered through its
// orphan inode list.
func AddOrphan(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref) error {
	sb := pool.Superblock()

	if sb.OrphanTail != layout.Null {
		tailBytes := pool.Bytes(sb.OrphanTail, layout.PageSize)
		tail := layout.AsInodeArrayPage(tailBytes)
		if int(tail.Used) < layout.InodeArraySlots {
			tx.AddRange(sb.OrphanTail, tailBytes)
			for i := range tail.Slots {
				if tail.Slots[i] == layout.Null {
					tail.Slots[i] = inode
					tail.Used++
					return nil
				}
			}
		}
	}

	ref, b, err := pool.AllocPage(tx)
	if err != nil {
		return err
	}
	page := layout.AsInodeArrayPage(b)
	page.Tag = layout.TagInodeArray
	page.Slots[0] = inode
	page.Used = 1
	page.Prev = sb.OrphanTail

	tx.AddRange(layout.Null, pool.Bytes(0, layout.PageSize))
	if sb.OrphanTail != layout.Null {
		prevBytes := pool.Bytes(sb.OrphanTail, layout.PageSize)
		tx.AddRange(sb.OrphanTail, prevBytes)
		layout.AsInodeArrayPage(prevBytes).Next = ref
	} else {
		sb.OrphanHead = ref
	}
	sb.OrphanTail = ref

	return nil
}

// RemoveOrphan clears inode from wherever it sits on the orphan list, and
// unlinks and frees a page that becomes empty as a result (unless it is the
// sole remaining page, which is left allocated and empty for reuse).
func RemoveOrphan(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref) {
	sb := pool.Superblock()

	for ref := sb.OrphanHead; ref != layout.Null; {
		b := pool.Bytes(ref, layout.PageSize)
		page := layout.AsInodeArrayPage(b)
		next := page.Next

		found := false
		for i := range page.Slots {
			if page.Slots[i] == inode {
				tx.AddRange(ref, b)
				page.Slots[i] = layout.Null
				page.Used--
				found = true
				break
			}
		}

		if found {
			if page.Used == 0 && (page.Prev != layout.Null || page.Next != layout.Null) {
				unlinkOrphanPage(pool, tx, ref, page)
			}
			return
		}

		ref = next
	}
}

func unlinkOrphanPage(pool *objstore.Pool, tx *objstore.Tx, ref layout.Ref, page *layout.InodeArrayPage) {
	sb := pool.Superblock()
	tx.AddRange(layout.Null, pool.Bytes(0, layout.PageSize))

	if page.Prev != layout.Null {
		prevBytes := pool.Bytes(page.Prev, layout.PageSize)
		tx.AddRange(page.Prev, prevBytes)
		layout.AsInodeArrayPage(prevBytes).Next = page.Next
	} else {
		sb.OrphanHead = page.Next
	}

	if page.Next != layout.Null {
		nextBytes := pool.Bytes(page.Next, layout.PageSize)
		tx.AddRange(page.Next, nextBytes)
		layout.AsInodeArrayPage(nextBytes).Prev = page.Prev
	} else {
		sb.OrphanTail = page.Prev
	}

	pool.FreePage(tx, ref)
}

// ReplayOrphans returns every inode handle still on the orphan list, in
// list order, for Pool.Open to finish deleting after an unclean shutdown
// (§ supplemented features: orphan-list replay).
func ReplayOrphans(pool *objstore.Pool) []layout.Ref {
	sb := pool.Superblock()
	var out []layout.Ref
	for ref := sb.OrphanHead; ref != layout.Null; {
		page := layout.AsInodeArrayPage(pool.Bytes(ref, layout.PageSize))
		for _, slot := range page.Slots {
			if slot != layout.Null {
				out = append(out, slot)
			}
		}
		ref = page.Next
	}
	return out
}

// Count returns the number of inodes currently on the orphan list, for
// Metrics.SetOrphans.
func Count(pool *objstore.Pool) int {
	return len(ReplayOrphans(pool))
}
