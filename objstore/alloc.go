package objstore

import (
	"github.com/pkg/errors"

	"github.com/pmemgo/pmemfile/layout"
)

// superblockBytes returns the raw bytes backing the superblock record, for
// AddRange snapshots taken before the allocator mutates it.
func (p *Pool) superblockBytes() []byte {
	return p.data[:layout.PageSize]
}

// AllocPage reserves one zeroed PageSize-sized record inside tx, first
// trying the page free list before extending the pool's high-water mark.
// The caller casts the returned Ref/bytes via the appropriate layout.As*
// function.
func (p *Pool) AllocPage(tx *Tx) (layout.Ref, []byte, error) {
	sb := p.Superblock()

	p.mu.Lock()
	defer p.mu.Unlock()

	tx.AddRange(layout.Null, p.superblockBytes())

	if sb.FreeListHeads[0] != layout.Null {
		ref := sb.FreeListHeads[0]
		b := p.data[ref : uint64(ref)+layout.PageSize]
		next := layout.Ref(leU64(b))
		sb.FreeListHeads[0] = next

		tx.AddRange(ref, b)
		zero(b)
		return ref, b, nil
	}

	ref, b, err := p.bump(layout.PageSize)
	if err != nil {
		return layout.Null, nil, err
	}
	return ref, b, nil
}

// AllocData reserves n bytes of data-block storage. n is never rounded
// here; the block package's allocation policy (§4.3) decides the requested
// size before calling in. Freed data extents are never recycled (see
// Superblock.FreeListHeads's doc comment), so this always bumps the
// high-water mark.
func (p *Pool) AllocData(tx *Tx, n uint64) (layout.Ref, []byte, error) {
	if n == 0 {
		return layout.Null, nil, errors.New("objstore: zero-length allocation")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx.AddRange(layout.Null, p.superblockBytes())
	return p.bump(n)
}

// bump requires p.mu held and the superblock already snapshotted by the
// caller.
func (p *Pool) bump(n uint64) (layout.Ref, []byte, error) {
	sb := p.Superblock()
	if sb.BumpOffset+n > uint64(len(p.data)) {
		return layout.Null, nil, errors.New("objstore: pool exhausted")
	}

	ref := layout.Ref(sb.BumpOffset)
	sb.BumpOffset += n
	b := p.data[ref : uint64(ref)+n]
	zero(b)
	return ref, b, nil
}

// FreePage returns a PageSize-sized record to the free list, threading it
// onto FreeListHeads[0].
func (p *Pool) FreePage(tx *Tx, ref layout.Ref) {
	sb := p.Superblock()

	p.mu.Lock()
	defer p.mu.Unlock()

	tx.AddRange(layout.Null, p.superblockBytes())

	b := p.data[ref : uint64(ref)+layout.PageSize]
	tx.AddRange(ref, b)
	zero(b)
	putU64(b, uint64(sb.FreeListHeads[0]))
	sb.FreeListHeads[0] = ref
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
