// Package block implements the data-block engine: translating a regular
// file's sparse []BlockDescriptor chain into a flat byte-addressable
// extent index, allocating and freeing extents as the file is written,
// truncated, or punched full of holes.
package block

import (
	"sort"
	"sync"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
)

// Extent is the volatile, sorted-by-offset view of one BlockDescriptor.
type Extent struct {
	Ref    layout.Ref // Null when inline in the inode; else the overflow page's Ref plus slot index times the descriptor size
	Data   layout.Ref
	Offset uint64
	Size   uint32
	Flags  uint32
}

func (e Extent) End() uint64 { return e.Offset + uint64(e.Size) }
func (e Extent) Initialized() bool {
	return e.Flags&layout.BlockInitialized != 0
}

// Index is the lazily built, cached ordered view of one regular file
// inode's block descriptors. It is rebuilt from the persistent chain on
// first use and invalidated whenever the chain is mutated through this
// package, matching the "lazily built, double-checked" index the
// specification describes: most readers take the fast path under a read
// lock, and only the first accessor after a cold start or invalidation pays
// the rebuild cost under a write lock.
type Index struct {
	mu      sync.RWMutex
	built   bool
	extents []Extent // sorted by Offset, non-overlapping
}

// ensureBuilt rebuilds the index from the inode's on-media chain if it
// isn't already current. Callers that only read may call this under
// idx.mu.RLock optimistically; if it returns false, they must upgrade to a
// write lock and call buildLocked themselves.
func (idx *Index) ensureBuilt(pool *objstore.Pool, inodeRef layout.Ref) {
	idx.mu.RLock()
	if idx.built {
		idx.mu.RUnlock()
		return
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.built { // lost the race to another rebuilder
		return
	}
	idx.buildLocked(pool, inodeRef)
}

func (idx *Index) buildLocked(pool *objstore.Pool, inodeRef layout.Ref) {
	in := layout.AsInode(pool.Bytes(inodeRef, layout.PageSize))
	fd := in.FileData()

	var extents []Extent
	appendDescriptors := func(descs []layout.BlockDescriptor, pageBase layout.Ref, descSize uint64) {
		for i, d := range descs {
			if d.Size == 0 {
				continue
			}
			extents = append(extents, Extent{
				Ref:    layout.Ref(uint64(pageBase) + uint64(i)*descSize),
				Data:   d.Data,
				Offset: d.Offset,
				Size:   d.Size,
				Flags:  d.Flags,
			})
		}
	}

	// The inline descriptors have no externally meaningful Ref of their
	// own (nothing ever points a Prev/Next at one); remove_interval
	// rewrites them in place through the inode record instead.
	appendDescriptors(fd.Descriptors[:], 0, 0)

	for next := fd.Next; next != layout.Null; {
		pageBytes := pool.Bytes(next, layout.PageSize)
		page := layout.AsBlockArrayPage(pageBytes)
		appendDescriptors(page.Descriptors[:], next, descriptorStride)
		next = page.Next
	}

	sort.Slice(extents, func(i, j int) bool { return extents[i].Offset < extents[j].Offset })

	idx.extents = extents
	idx.built = true
}

// descriptorStride is unused by appendDescriptors for the inline array
// (whose Ref addressing is deliberately left opaque; see buildLocked) but
// is kept so a BlockArrayPage's slot Refs can be reconstructed without
// storing them persistently.
const descriptorStride = 40 // unsafe.Sizeof(layout.BlockDescriptor{})

// Invalidate forces the next access to rebuild from the persistent chain,
// called after allocate_interval/remove_interval mutate it.
func (idx *Index) Invalidate() {
	idx.mu.Lock()
	idx.built = false
	idx.extents = nil
	idx.mu.Unlock()
}

// Snapshot returns the current extents (built if necessary), sorted by
// offset and non-overlapping, for read/write/fallocate to reason about.
func (idx *Index) Snapshot(pool *objstore.Pool, inodeRef layout.Ref) []Extent {
	idx.ensureBuilt(pool, inodeRef)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Extent, len(idx.extents))
	copy(out, idx.extents)
	return out
}
