package block

import (
	"github.com/pkg/errors"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pmutil/config"
)

var errPoolExhausted = errors.New("block: pool exhausted allocating a descriptor slot")

// slotView is a descriptor slot addressable either inline in the inode or
// in a chained BlockArrayPage, so allocate can return either uniformly.
type slotView struct {
	desc *layout.BlockDescriptor
	ref  layout.Ref // ref of the owning page, or layout.Null for inline
}

// findFreeSlot returns the first slot with Size == 0, allocating and
// linking a new BlockArrayPage if every existing slot is occupied.
func findFreeSlot(pool *objstore.Pool, tx *objstore.Tx, inodeRef layout.Ref) slotView {
	in := layout.AsInode(pool.Bytes(inodeRef, layout.PageSize))
	fd := in.FileData()

	for i := range fd.Descriptors {
		if fd.Descriptors[i].Size == 0 {
			tx.AddRange(inodeRef, pool.Bytes(inodeRef, layout.PageSize))
			return slotView{desc: &fd.Descriptors[i], ref: layout.Null}
		}
	}

	var lastRef layout.Ref
	for next := fd.Next; next != layout.Null; {
		pageBytes := pool.Bytes(next, layout.PageSize)
		page := layout.AsBlockArrayPage(pageBytes)
		for i := range page.Descriptors {
			if page.Descriptors[i].Size == 0 {
				tx.AddRange(next, pageBytes)
				return slotView{desc: &page.Descriptors[i], ref: next}
			}
		}
		lastRef = next
		next = page.Next
	}

	ref, b, err := pool.AllocPage(tx)
	if err != nil {
		return slotView{}
	}
	page := layout.AsBlockArrayPage(b)
	page.Tag = layout.TagBlockArray

	if lastRef != layout.Null {
		lastBytes := pool.Bytes(lastRef, layout.PageSize)
		tx.AddRange(lastRef, lastBytes)
		layout.AsBlockArrayPage(lastBytes).Next = ref
	} else {
		tx.AddRange(inodeRef, pool.Bytes(inodeRef, layout.PageSize))
		fd.Next = ref
	}

	return slotView{desc: &page.Descriptors[0], ref: ref}
}

// AllocateInterval ensures [offset, offset+length) is backed by one or more
// extents, allocating new ones for any gap and leaving existing coverage
// untouched. atEOF tells SizeForAppend/SizeForInterior which over-rounding
// rule applies.
func AllocateInterval(pool *objstore.Pool, tx *objstore.Tx, idx *Index, opts config.Options, inodeRef layout.Ref, offset, length uint64, atEOF bool) error {
	extents := idx.Snapshot(pool, inodeRef)
	want := offset + length

	cursor := offset
	for cursor < want {
		nextStart := ^uint64(0)
		inside := false
		for _, e := range extents {
			if e.Offset <= cursor && cursor < e.End() {
				cursor = e.End()
				inside = true
				break
			}
			if e.Offset > cursor && e.Offset < nextStart {
				nextStart = e.Offset
			}
		}
		if inside {
			continue
		}
		gapEnd := nextStart
		if gapEnd > want {
			gapEnd = want
		}

		need := gapEnd - cursor
		var size uint64
		if atEOF {
			size = SizeForAppend(opts, need)
		} else {
			size = SizeForInterior(need)
		}
		if cursor+size > nextStart {
			size = nextStart - cursor
		}

		dataRef, _, err := pool.AllocData(tx, size)
		if err != nil {
			return err
		}

		slot := findFreeSlot(pool, tx, inodeRef)
		if slot.desc == nil {
			return errPoolExhausted
		}
		*slot.desc = layout.BlockDescriptor{
			Data:   dataRef,
			Size:   uint32(size),
			Offset: cursor,
			Flags:  layout.BlockInitialized,
		}

		cursor += size
	}

	idx.Invalidate()
	return nil
}

// RemoveInterval clears coverage over [offset, offset+length): extents
// entirely inside the range are freed outright, extents straddling one
// edge are shrunk, and an extent straddling both edges (a punched hole in
// the interior of one block) is kept whole, with the hole's bytes zeroed in
// place if the extent is initialized — mirroring the four-way case split the specification
// describes for allocate/remove_interval.
func RemoveInterval(pool *objstore.Pool, tx *objstore.Tx, idx *Index, inodeRef layout.Ref, offset, length uint64) {
	end := offset + length
	extents := idx.Snapshot(pool, inodeRef)

	for _, e := range extents {
		switch {
		case e.End() <= offset || e.Offset >= end:
			// untouched

		case e.Offset >= offset && e.End() <= end:
			clearSlot(pool, tx, inodeRef, e)

		case e.Offset < offset && e.End() <= end:
			shrinkSlotTail(pool, tx, inodeRef, e, offset)

		case e.Offset >= offset && e.End() > end:
			shrinkSlotHead(pool, tx, inodeRef, e, end)

		default: // e.Offset < offset && e.End() > end: hole in the interior, zeroed in place
			if e.Initialized() {
				start := e.Data + layout.Ref(offset-e.Offset)
				hole := pool.Bytes(start, length)
				tx.AddRange(start, hole)
				for i := range hole {
					hole[i] = 0
				}
			}
		}
	}

	idx.Invalidate()
}

// descriptorAt re-locates the BlockDescriptor an Extent was snapshotted
// from: inline descriptors live in the inode record itself, overflow-page
// descriptors in the page at e.Ref; both are found by offset+data match
// since neither carries an independent slot index.
func descriptorAt(pool *objstore.Pool, inodeRef layout.Ref, e Extent) (desc *layout.BlockDescriptor, ownerRef layout.Ref, ownerBytes []byte) {
	if e.Ref == layout.Null {
		b := pool.Bytes(inodeRef, layout.PageSize)
		fd := layout.AsInode(b).FileData()
		for i := range fd.Descriptors {
			if fd.Descriptors[i].Offset == e.Offset && fd.Descriptors[i].Data == e.Data {
				return &fd.Descriptors[i], inodeRef, b
			}
		}
		return nil, inodeRef, b
	}

	b := pool.Bytes(e.Ref, layout.PageSize)
	page := layout.AsBlockArrayPage(b)
	for i := range page.Descriptors {
		if page.Descriptors[i].Offset == e.Offset && page.Descriptors[i].Data == e.Data {
			return &page.Descriptors[i], e.Ref, b
		}
	}
	return nil, e.Ref, b
}

func clearSlot(pool *objstore.Pool, tx *objstore.Tx, inodeRef layout.Ref, e Extent) {
	d, ref, b := descriptorAt(pool, inodeRef, e)
	if d == nil {
		return
	}
	tx.AddRange(ref, b)
	*d = layout.BlockDescriptor{}
}

func shrinkSlotTail(pool *objstore.Pool, tx *objstore.Tx, inodeRef layout.Ref, e Extent, newEnd uint64) {
	d, ref, b := descriptorAt(pool, inodeRef, e)
	if d == nil {
		return
	}
	tx.AddRange(ref, b)
	d.Size = uint32(newEnd - e.Offset)
}

func shrinkSlotHead(pool *objstore.Pool, tx *objstore.Tx, inodeRef layout.Ref, e Extent, newStart uint64) {
	d, ref, b := descriptorAt(pool, inodeRef, e)
	if d == nil {
		return
	}
	tx.AddRange(ref, b)
	shift := newStart - e.Offset
	d.Offset = newStart
	d.Size -= uint32(shift)
	d.Data += layout.Ref(shift)
}
