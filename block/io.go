package block

import (
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/perrors"
)

// ReadAt copies min(len(buf), fileSize-offset) bytes starting at offset
// into buf, returning the number of bytes copied. Any portion of the
// requested range that falls in a hole (no covering extent, or an extent
// whose BlockInitialized bit is clear) reads back as zeros, per the
// sparse-file read semantics.
func ReadAt(pool *objstore.Pool, idx *Index, inodeRef layout.Ref, fileSize, offset uint64, buf []byte) int {
	if offset >= fileSize {
		return 0
	}
	want := uint64(len(buf))
	if offset+want > fileSize {
		want = fileSize - offset
	}

	extents := idx.Snapshot(pool, inodeRef)

	cursor := offset
	end := offset + want
	for cursor < end {
		e, ok := coveringExtent(extents, cursor)
		if !ok {
			holeEnd := nextExtentStart(extents, cursor, end)
			n := holeEnd - cursor
			dst := buf[cursor-offset : cursor-offset+n]
			for i := range dst {
				dst[i] = 0
			}
			cursor = holeEnd
			continue
		}

		if !e.Initialized() {
			n := minU64(e.End(), end) - cursor
			dst := buf[cursor-offset : cursor-offset+n]
			for i := range dst {
				dst[i] = 0
			}
			cursor += n
			continue
		}

		n := minU64(e.End(), end) - cursor
		src := pool.Bytes(e.Data+layout.Ref(cursor-e.Offset), n)
		copy(buf[cursor-offset:cursor-offset+n], src)
		cursor += n
	}

	return int(want)
}

// WriteAt writes buf at offset; it leaves the inode's Size alone (posix.Pwrite
// updates it). The caller is responsible for having already called AllocateInterval
// over [offset, offset+len(buf)) within the same transaction so every byte
// written here lands on an initialized extent.
func WriteAt(pool *objstore.Pool, tx *objstore.Tx, idx *Index, inodeRef layout.Ref, offset uint64, buf []byte) {
	extents := idx.Snapshot(pool, inodeRef)

	cursor := offset
	end := offset + uint64(len(buf))
	for cursor < end {
		e, ok := coveringExtent(extents, cursor)
		if !ok {
			panic("block: WriteAt called without a prior AllocateInterval covering the range")
		}

		n := minU64(e.End(), end) - cursor
		dst := pool.Bytes(e.Data+layout.Ref(cursor-e.Offset), n)
		tx.AddRange(e.Data+layout.Ref(cursor-e.Offset), dst)
		copy(dst, buf[cursor-offset:cursor-offset+n])

		markInitialized(pool, tx, inodeRef, e)

		cursor += n
	}
}

func markInitialized(pool *objstore.Pool, tx *objstore.Tx, inodeRef layout.Ref, e Extent) {
	if e.Initialized() {
		return
	}
	d, ref, b := descriptorAt(pool, inodeRef, e)
	if d == nil {
		return
	}
	tx.AddRange(ref, b)
	d.Flags |= layout.BlockInitialized
}

// SeekDataOrHole implements lseek(2)'s SEEK_DATA/SEEK_HOLE: the offset of
// the next data byte (findHole false) or hole byte (findHole true) at or
// after offset, up to fileSize. An extent whose BlockInitialized bit is
// clear counts as a hole, matching ReadAt's sparse-read semantics, since it
// reads back as zeros even though storage is allocated for it. SEEK_DATA
// past the last data byte (or in an entirely sparse file) fails with
// ENXIO; SEEK_HOLE never fails this way, since EOF itself is a hole and
// the search returns fileSize when nothing short of it qualifies.
func SeekDataOrHole(pool *objstore.Pool, idx *Index, inodeRef layout.Ref, fileSize, offset uint64, findHole bool) (uint64, error) {
	if offset >= fileSize {
		if findHole {
			return fileSize, nil
		}
		return 0, perrors.ENXIO
	}

	extents := idx.Snapshot(pool, inodeRef)
	cursor := offset
	for cursor < fileSize {
		e, ok := coveringExtent(extents, cursor)
		isData := ok && e.Initialized()
		if isData != findHole {
			return cursor, nil
		}
		if ok {
			cursor = e.End()
		} else {
			cursor = nextExtentStart(extents, cursor, fileSize)
		}
	}

	if findHole {
		return fileSize, nil
	}
	return 0, perrors.ENXIO
}

func coveringExtent(extents []Extent, offset uint64) (Extent, bool) {
	for _, e := range extents {
		if e.Offset <= offset && offset < e.End() {
			return e, true
		}
	}
	return Extent{}, false
}

// nextExtentStart returns the offset of the next extent beginning after
// cursor, capped at limit, for sizing a hole's zero-fill run.
func nextExtentStart(extents []Extent, cursor, limit uint64) uint64 {
	best := limit
	for _, e := range extents {
		if e.Offset > cursor && e.Offset < best {
			best = e.Offset
		}
	}
	return best
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
