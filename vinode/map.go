// Package vinode maintains the volatile cache mapping a persistent inode
// handle to the single in-process object representing it: every open file
// descriptor, dentry, and cwd reference for a given inode shares one
// *Vinode, so a write through one handle is immediately visible through
// another, exactly as POSIX requires of two descriptors on the same file.
//
// The cache is a concurrent open-addressing hash map with two-slot buckets
// and universal hashing, the same design the specification's object store
// uses for its own allocator metadata; it is reimplemented here rather than
// shared because the key/value types differ (inode Ref -> *Vinode instead
// of size class -> free list).
package vinode

import (
	"crypto/rand"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pmutil/metrics"
)

// hashPrime is a prime comfortably larger than any real bucket count, used
// as the modulus for universal hashing (Carter-Wegman).
const hashPrime = (1 << 61) - 1

const maxCoefficientRetries = 2

const initialBuckets = 16

// Vinode is the cached, ref-counted, lockable object standing in for one
// on-media inode while it is in use.
type Vinode struct {
	Inode layout.Ref

	refCount int32

	// RWMutex is the per-vinode lock pathres/posix take to serialize
	// concurrent operations on this file or directory; canonical lock
	// ordering elsewhere is expressed by comparing *Vinode pointer
	// addresses, so this field must never be copied.
	RWMutex sync.RWMutex

	// Parent caches the directory this vinode was last reached through,
	// used to step to the parent (pathres's ".." handling, Pool.OpenParent)
	// without a path search. It is
	// advisory: a hard-linked file may have several parents, and only the
	// most recently traversed one is remembered here.
	Parent layout.Ref

	// OrphanPage and OrphanIdx name a position in the orphan list
	// (InodeArrayPage ref, slot index); (layout.Null, 0) means "not
	// orphaned". Nothing in this module sets them, so they stay
	// (layout.Null, 0); RemoveOrphan finds an inode by searching the list.
	OrphanPage Ref
	OrphanIdx  int

	// DebugPath, when non-empty, is a path this vinode is known by. Only the
	// pool root's vinode is given one ("/"); Pool.Chdir, Pool.Getcwd and
	// File.GetDirPath report it, and path resolution never consults it.
	DebugPath string
}

// Ref re-exports layout.Ref for readability in this package's exported
// surface (OrphanPage is a page Ref, not an inode Ref, but both are the
// same underlying type).
type Ref = layout.Ref

func (v *Vinode) Ref() int32 { return atomic.LoadInt32(&v.refCount) }

type bucket struct {
	mu   sync.Mutex
	keys [2]layout.Ref
	vals [2]*Vinode
}

// Map is the inode -> *Vinode cache for one pool.
type Map struct {
	mu sync.RWMutex // guards buckets/a/b during a rehash

	buckets []bucket
	a, b    uint64

	metrics *metrics.Metrics
}

func New(m *metrics.Metrics) *Map {
	vm := &Map{
		buckets: make([]bucket, initialBuckets),
		metrics: m,
	}
	vm.randomizeCoefficients()
	return vm
}

func (vm *Map) randomizeCoefficients() {
	vm.a = randUint64Odd()
	vm.b = randUint64()
}

func randUint64() uint64 {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(hashPrime))
	if err != nil {
		return 0x9E3779B97F4A7C15 // fallback golden-ratio constant, never exercised outside /dev/urandom exhaustion
	}
	return n.Uint64()
}

func randUint64Odd() uint64 {
	v := randUint64()
	return v | 1
}

func (vm *Map) hash(key layout.Ref, numBuckets int) int {
	h := (vm.a*uint64(key) + vm.b) % hashPrime
	return int(h % uint64(numBuckets))
}

// LookupOrCreateExisting returns the cached Vinode for ref, incrementing its
// ref count, or constructs and inserts a fresh one via newFn if ref is not
// cached. Concurrent callers racing to insert the same ref converge on a
// single Vinode: newFn runs under the bucket lock only after the lookup
// misses, so only the first caller constructs one.
func (vm *Map) LookupOrCreateExisting(ref layout.Ref, newFn func() *Vinode) *Vinode {
	for {
		vm.mu.RLock()
		idx := vm.hash(ref, len(vm.buckets))
		bkt := &vm.buckets[idx]
		bkt.mu.Lock()

		for i := 0; i < 2; i++ {
			if bkt.vals[i] != nil && bkt.keys[i] == ref {
				v := bkt.vals[i]
				atomic.AddInt32(&v.refCount, 1)
				bkt.mu.Unlock()
				vm.mu.RUnlock()
				return v
			}
		}

		for i := 0; i < 2; i++ {
			if bkt.vals[i] == nil {
				v := newFn()
				v.refCount = 1
				bkt.keys[i] = ref
				bkt.vals[i] = v
				bkt.mu.Unlock()
				vm.mu.RUnlock()
				return v
			}
		}

		bkt.mu.Unlock()
		vm.mu.RUnlock()

		if !vm.growOrRetry() {
			continue // coefficients changed without a resize; retry the lookup
		}
	}
}

// LookupOrCreateNewInTx registers the vinode for a just-created ref while
// tx is still in flight, rather than waiting for tx to durably commit: a
// second goroutine resolving the same ref (a racing lookup on the name the
// creating call just inserted) sees the vinode immediately instead of
// missing the cache and racing to construct its own. Registration is
// undone automatically if tx ultimately aborts, so a rolled-back creation
// never leaves an orphaned cache entry behind: the rollback hazard the
// commit-then-register pattern sidesteps by registering late, this avoids
// by unregistering on the abort path instead.
func (vm *Map) LookupOrCreateNewInTx(tx *objstore.Tx, ref layout.Ref, newFn func() *Vinode) *Vinode {
	v := vm.LookupOrCreateExisting(ref, newFn)
	tx.OnAbort(func() {
		vm.Unref(v, nil)
	})
	return v
}

// growOrRetry re-randomizes the hash coefficients up to maxCoefficientRetries
// times, then doubles the bucket count and rehashes every live entry. It
// returns true once it has performed a resize (so the caller should retry
// its own operation against the new table), false if it only changed
// coefficients (the caller retries against the same-sized table).
func (vm *Map) growOrRetry() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	entries := vm.snapshotEntries()

	for attempt := 0; attempt < maxCoefficientRetries; attempt++ {
		vm.randomizeCoefficients()
		vm.metrics.CoefficientRetry()
		if fresh, ok := vm.tryPlace(entries, len(vm.buckets)); ok {
			vm.buckets = fresh
			return false
		}
	}

	newSize := len(vm.buckets) * 2
	for {
		vm.randomizeCoefficients()
		if fresh, ok := vm.tryPlace(entries, newSize); ok {
			vm.buckets = fresh
			vm.metrics.Rehash()
			return true
		}
		// No coefficient pair placed every entry at this size; widen
		// further rather than loop forever on an adversarial key set.
		newSize *= 2
	}
}

type mapEntry struct {
	key layout.Ref
	val *Vinode
}

// snapshotEntries requires vm.mu held and collects every live entry across
// the current table.
func (vm *Map) snapshotEntries() []mapEntry {
	var entries []mapEntry
	for i := range vm.buckets {
		for j := 0; j < 2; j++ {
			if vm.buckets[i].vals[j] != nil {
				entries = append(entries, mapEntry{vm.buckets[i].keys[j], vm.buckets[i].vals[j]})
			}
		}
	}
	return entries
}

// tryPlace attempts to place every entry into a table of size numBuckets
// under the map's current coefficients, two slots per bucket. It returns
// the populated table and true on success, or (nil, false) if some bucket
// overflowed.
func (vm *Map) tryPlace(entries []mapEntry, numBuckets int) ([]bucket, bool) {
	fresh := make([]bucket, numBuckets)
	for _, e := range entries {
		h := vm.hash(e.key, numBuckets)
		placed := false
		for j := 0; j < 2; j++ {
			if fresh[h].vals[j] == nil {
				fresh[h].keys[j] = e.key
				fresh[h].vals[j] = e.val
				placed = true
				break
			}
		}
		if !placed {
			return nil, false
		}
	}
	return fresh, true
}

// Unref decrements v's ref count. If it reaches zero, onZero is invoked
// (while the map entry is removed) so the caller can decide the inode's
// fate — durably free it if Nlink is also zero, or simply drop the cache
// entry otherwise.
func (vm *Map) Unref(v *Vinode, onZero func()) {
	if atomic.AddInt32(&v.refCount, -1) != 0 {
		return
	}

	vm.mu.RLock()
	idx := vm.hash(v.Inode, len(vm.buckets))
	bkt := &vm.buckets[idx]
	bkt.mu.Lock()
	for i := 0; i < 2; i++ {
		if bkt.vals[i] == v {
			bkt.keys[i] = layout.Null
			bkt.vals[i] = nil
			break
		}
	}
	bkt.mu.Unlock()
	vm.mu.RUnlock()

	if onZero != nil {
		onZero()
	}
}

// Len returns the number of live cached vinodes, for tests and diagnostics.
func (vm *Map) Len() int {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	n := 0
	for i := range vm.buckets {
		for j := 0; j < 2; j++ {
			if vm.buckets[i].vals[j] != nil {
				n++
			}
		}
	}
	return n
}
