// Package objstore adapts a flat, memory-mapped file into the transactional
// object store the rest of this module is built on: typed allocation,
// undo-logged mutation, and pool-scoped locks with commit/abort-ordered
// release. It is the Go analogue of libpmemobj, scaled down to what this
// filesystem actually needs.
package objstore

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/pmutil/log"
	"github.com/pmemgo/pmemfile/pmutil/metrics"
)

// Pool is a memory-mapped object store: one contiguous byte mapping backing
// every layout record the filesystem persists. It plays the role the
// teacher's bucket handle plays for GCS objects, except the "objects" here
// are byte ranges of a single local mapping rather than remote blobs.
type Pool struct {
	path string
	file *os.File
	data []byte // the entire mmap'd region; offset 0 is the superblock

	mu sync.Mutex // guards allocator state and the lock registry below

	locks map[layout.Ref]*lockEntry

	txSem *txLimiter

	Metrics *metrics.Metrics
}

// lockEntry is the in-process stand-in for a pool-persistent mutex/rwlock:
// real PMDK mutexes reinitialize themselves on every pool open because
// futex/condvar state can't outlive a process, so keeping the equivalent
// state in ordinary Go sync primitives, keyed by the Ref the lock is
// "stored at", is a faithful adaptation rather than a simplification of
// behavior observable across a clean open/close cycle.
type lockEntry struct {
	rw sync.RWMutex
}

// Create initializes a brand-new pool file of the given size and returns it
// opened. size is rounded up to a page.
func Create(path string, size uint64, m *metrics.Metrics) (*Pool, error) {
	if size < layout.PageSize*4 {
		size = layout.PageSize * 4
	}
	size = (size + layout.PageSize - 1) / layout.PageSize * layout.PageSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "objstore: create pool file")
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "objstore: truncate pool file")
	}

	p, err := openMapped(path, f, m)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	sb := layout.AsSuperblock(p.data[:layout.PageSize])
	sb.Tag = layout.TagSuperblock
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "objstore: generate pool uuid")
	}
	copy(sb.UUID[:], id[:])
	sb.BumpOffset = layout.PageSize // reserve the superblock's own page
	sb.RootInode = layout.Null
	sb.OrphanHead = layout.Null
	sb.OrphanTail = layout.Null

	if err := p.msync(); err != nil {
		return nil, err
	}

	log.Infof("objstore: created pool %s size=%d uuid=%s", path, size, id)
	return p, nil
}

// Open maps an existing pool file and validates its superblock tag.
func Open(path string, m *metrics.Metrics) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "objstore: open pool file")
	}

	p, err := openMapped(path, f, m)
	if err != nil {
		return nil, err
	}

	sb := layout.AsSuperblock(p.data[:layout.PageSize])
	if sb.Tag != layout.TagSuperblock {
		p.Close()
		return nil, errors.Errorf("objstore: %s is not a pmemfile pool (bad superblock tag)", path)
	}

	return p, nil
}

func openMapped(path string, f *os.File, m *metrics.Metrics) (*Pool, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "objstore: stat pool file")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "objstore: mmap pool file")
	}

	return &Pool{
		path:    path,
		file:    f,
		data:    data,
		locks:   make(map[layout.Ref]*lockEntry),
		txSem:   newTxLimiter(maxConcurrentTx),
		Metrics: m,
	}, nil
}

// Close unmaps and closes the pool file.
func (p *Pool) Close() error {
	if err := p.msync(); err != nil {
		return err
	}
	if err := unix.Munmap(p.data); err != nil {
		return errors.Wrap(err, "objstore: munmap")
	}
	return p.file.Close()
}

func (p *Pool) msync() error {
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "objstore: msync")
	}
	return nil
}

// Superblock returns the pool's root record.
func (p *Pool) Superblock() *layout.Superblock {
	return layout.AsSuperblock(p.data[:layout.PageSize])
}

// Bytes returns the byte range [ref, ref+n) of the pool's mapping. Callers
// reinterpret it via the layout package's As* casts.
func (p *Pool) Bytes(ref layout.Ref, n uint64) []byte {
	return p.data[ref : uint64(ref)+n]
}

// RefOf returns the Ref (byte offset) of a pointer previously obtained from
// p.Bytes, for storing back-references (block descriptor Prev/Next, dirent
// Inode, and so on).
func (p *Pool) RefOf(b []byte) layout.Ref {
	if len(b) == 0 {
		return layout.Null
	}
	base := uintptr(unsafe.Pointer(&p.data[0]))
	sub := uintptr(unsafe.Pointer(&b[0]))
	return layout.Ref(sub - base)
}

func (p *Pool) String() string {
	return fmt.Sprintf("objstore.Pool{%s}", p.path)
}

const maxConcurrentTx = 64
