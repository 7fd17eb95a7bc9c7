// Package pmemfile is the library's public surface: Pool (an open object
// store plus its inode cache and path resolver) and File (an open handle
// into it), implementing the POSIX-shaped operations the posix package
// defines against the bookkeeping — offsets, flags, per-handle caches — a
// real file descriptor needs on top of them.
package pmemfile

import (
	"context"
	"encoding/binary"
	"path"
	"strings"
	"sync"

	"github.com/pmemgo/pmemfile/block"
	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/dirent"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/pmutil/clock"
	"github.com/pmemgo/pmemfile/pmutil/config"
	"github.com/pmemgo/pmemfile/pmutil/log"
	"github.com/pmemgo/pmemfile/pmutil/metrics"
	"github.com/pmemgo/pmemfile/posix"
	"github.com/pmemgo/pmemfile/vinode"
)

// Pool is one open filesystem: a memory-mapped object store, its volatile
// inode cache, and the path resolver built on top of them.
type Pool struct {
	store *objstore.Pool
	vm    *vinode.Map
	clock clock.Clock
	opts  config.Options

	mu      sync.RWMutex
	cwd     *vinode.Vinode // per-Pool cwd, matching a single-process daemon's one current directory
	cwdPath string

	root *vinode.Vinode

	resolver *pathres.Resolver
}

// inodeLoader bridges pathres.InodeLoader to the real layout/dirent
// packages, keeping pathres free of a direct dependency on either.
type inodeLoader struct {
	pool *objstore.Pool
}

func (l inodeLoader) Stat(inode layout.Ref) (layout.InodeType, uint32, uint32, uint32) {
	typ, mode, uid, gid, _, _ := posix.Stat(l.pool, inode)
	return typ, mode, uid, gid
}

func (l inodeLoader) ReadSymlink(inode layout.Ref) string {
	s, _ := posix.Readlinkat(l.pool, inode)
	return s
}

func (l inodeLoader) LookupChild(dir layout.Ref, name string) (layout.Ref, error) {
	ref, err := dirent.Lookup(l.pool, dir, name)
	if err != nil {
		return layout.Null, perrors.ENOENT
	}
	return ref, nil
}

// Create initializes a brand-new pool file, formats its root directory,
// and opens it.
func Create(path string, size uint64, prefix string) (*Pool, error) {
	opts, err := config.Load(prefix)
	if err != nil {
		return nil, err
	}

	m := metrics.New(nil)
	store, err := objstore.Create(path, size, m)
	if err != nil {
		return nil, err
	}

	p := newPool(store, m, opts)

	ctx := context.Background()
	tx, err := objstore.Begin(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	rootRef, err := posix.CreateInode(store, tx, p.clock, layout.InodeTypeDirectory, 0o755, cred.Cred{})
	if err != nil {
		tx.Abort()
		store.Close()
		return nil, err
	}
	if err := dirent.Insert(store, tx, p.clock, rootRef, ".", rootRef); err != nil {
		tx.Abort()
		store.Close()
		return nil, err
	}
	if err := dirent.Insert(store, tx, p.clock, rootRef, "..", rootRef); err != nil {
		tx.Abort()
		store.Close()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		store.Close()
		return nil, err
	}

	sbTx, err := objstore.Begin(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	sb := store.Superblock()
	sbTx.AddRange(layout.Null, store.Bytes(0, layout.PageSize))
	sb.RootInode = rootRef
	if err := sbTx.Commit(); err != nil {
		store.Close()
		return nil, err
	}

	p.attachRoot(rootRef)
	log.Infof("pmemfile: created pool at %s", path)
	return p, nil
}

// Open opens an existing pool file, replaying any pending orphan deletions
// left by an unclean shutdown.
func Open(path string, prefix string) (*Pool, error) {
	opts, err := config.Load(prefix)
	if err != nil {
		return nil, err
	}

	m := metrics.New(nil)
	store, err := objstore.Open(path, m)
	if err != nil {
		return nil, err
	}

	p := newPool(store, m, opts)
	p.attachRoot(store.Superblock().RootInode)

	if err := p.replayOrphans(); err != nil {
		store.Close()
		return nil, err
	}

	return p, nil
}

func newPool(store *objstore.Pool, m *metrics.Metrics, opts config.Options) *Pool {
	return &Pool{
		store: store,
		vm:    vinode.New(m),
		clock: clock.Real{},
		opts:  opts,
	}
}

func (p *Pool) attachRoot(rootRef layout.Ref) {
	p.root = p.vm.LookupOrCreateExisting(rootRef, func() *vinode.Vinode {
		return &vinode.Vinode{Inode: rootRef, DebugPath: "/"}
	})
	p.root.Parent = rootRef
	p.cwd = p.root
	p.cwdPath = "/"

	p.resolver = &pathres.Resolver{
		Pool:    p.store,
		VM:      p.vm,
		Loader:  inodeLoader{pool: p.store},
		RootDir: p.root,
	}
}

func (p *Pool) replayOrphans() error {
	ctx := context.Background()
	for _, inodeRef := range vinode.ReplayOrphans(p.store) {
		tx, err := objstore.Begin(ctx, p.store)
		if err != nil {
			return err
		}
		posix.FreeInodeStorage(p.store, tx, inodeRef, nil)
		vinode.RemoveOrphan(p.store, tx, inodeRef)
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Warnf("pmemfile: reclaimed orphan inode at offset %d during open", inodeRef)
	}
	return nil
}

func (p *Pool) deps() posix.Deps {
	return posix.Deps{Pool: p.store, VM: p.vm, Resolver: p.resolver, Clock: p.clock, Options: p.opts}
}

// Close flushes and unmaps the pool.
func (p *Pool) Close() error {
	return p.store.Close()
}

// Chdir changes the pool's current working directory.
func (p *Pool) Chdir(dir string, c cred.Cred) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.resolver.Resolve(p.cwd, dir, c, pathres.Options{FollowFinalSymlink: true, MustBeDirectory: true, Flavor: cred.Effective})
	if err != nil {
		return err
	}
	p.cwd = v
	p.cwdPath = joinCwdPath(p.cwdPath, dir)
	return nil
}

// Fchdir changes the pool's current working directory to an already-open
// directory handle, matching fchdir(2). The handle's last-resolved path
// (DebugPath) becomes the new advisory Getcwd value.
func (p *Pool) Fchdir(f *File) error {
	typ, _, _, _, _, _ := posix.Stat(p.store, f.vnode.Inode)
	if typ != layout.InodeTypeDirectory {
		return perrors.ENOTDIR
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cwd = f.vnode
	if f.vnode.DebugPath != "" {
		p.cwdPath = f.vnode.DebugPath
	}
	return nil
}

func joinCwdPath(cur, target string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(target)
	}
	return path.Clean(path.Join(cur, target))
}

// Getcwd returns the pool's idea of the current directory's path. It is
// advisory bookkeeping (the last Chdir target, or "/"), not a
// reconstruction from parent pointers.
func (p *Pool) Getcwd() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cwdPath
}

// devID folds the pool's on-media UUID into the uint64 st_dev value Stat
// reports, so every inode in the same pool reports the same device.
func (p *Pool) devID() uint64 {
	uuid := p.store.Superblock().UUID
	return binary.LittleEndian.Uint64(uuid[:8])
}

func (p *Pool) currentDir() *vinode.Vinode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cwd
}

var _ = block.MaxBlockSize // keep block imported for the File type in file.go
