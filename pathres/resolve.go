// Package pathres resolves slash-separated paths to vinodes, one component
// at a time, applying permission checks and symlink expansion the way the
// kernel's own path_lookup does, and provides the canonical-order locking
// helpers every multi-inode POSIX operation (rename, link, unlink) needs to
// avoid deadlocking against a concurrent resolution of the reverse path.
package pathres

import (
	"strings"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/perrors"
	"github.com/pmemgo/pmemfile/vinode"
)

// maxSymlinkDepth is the ELOOP cap, matching Linux's MAXSYMLINKS.
const maxSymlinkDepth = 40

// InodeLoader loads an inode record's type/mode/owner and, for a symlink,
// its target, and for a directory, a dirent lookup — supplied by the
// pmemfile package so this package doesn't need to know about block/dirent
// directly. Kept as an interface so pathres can be tested against a fake
// pool of in-memory directories.
type InodeLoader interface {
	// Stat returns the inode's type, mode bits, and owning uid/gid.
	Stat(inode layout.Ref) (typ layout.InodeType, mode uint32, uid, gid uint32)
	// ReadSymlink returns a symlink inode's target.
	ReadSymlink(inode layout.Ref) string
	// LookupChild resolves name within a directory inode, or
	// perrors.ENOENT.
	LookupChild(dirInode layout.Ref, name string) (layout.Ref, error)
}

// Resolver ties a pool's object store and vinode cache together for
// component-by-component resolution.
type Resolver struct {
	Pool    *objstore.Pool
	VM      *vinode.Map
	Loader  InodeLoader
	RootDir *vinode.Vinode // the pool's root directory, never climbed past
}

func (r *Resolver) vinodeFor(inode layout.Ref) *vinode.Vinode {
	return r.VM.LookupOrCreateExisting(inode, func() *vinode.Vinode {
		return &vinode.Vinode{Inode: inode}
	})
}

// Options controls how the final path component is treated.
type Options struct {
	FollowFinalSymlink bool
	MustBeDirectory    bool
	Flavor             cred.Flavor
}

// Resolve walks path starting at start (the current working directory, or
// r.RootDir for an absolute path), returning the vinode it names.
func (r *Resolver) Resolve(start *vinode.Vinode, path string, c cred.Cred, opts Options) (*vinode.Vinode, error) {
	cur := start
	if strings.HasPrefix(path, "/") {
		cur = r.RootDir
	}

	return r.resolveComponents(cur, splitComponents(path), c, opts, 0)
}

func splitComponents(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" && c != "." {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) resolveComponents(dir *vinode.Vinode, comps []string, c cred.Cred, opts Options, depth int) (*vinode.Vinode, error) {
	if len(comps) == 0 {
		return dir, nil
	}

	name := comps[0]
	last := len(comps) == 1

	if name == ".." {
		if dir == r.RootDir {
			return nil, perrors.EXDEV // "stop at root": climbing past the pool root is rejected
		}
		parentRef := dir.Parent
		parent := r.vinodeFor(parentRef)
		return r.resolveComponents(parent, comps[1:], c, opts, depth)
	}

	typ, mode, uid, gid := r.Loader.Stat(dir.Inode)
	if typ != layout.InodeTypeDirectory {
		return nil, perrors.ENOTDIR
	}
	if !cred.Access(c, uid, gid, mode, cred.ModeExec, opts.Flavor) {
		return nil, perrors.EACCES
	}

	childRef, err := r.Loader.LookupChild(dir.Inode, name)
	if err != nil {
		return nil, err
	}

	childTyp, _, _, _ := r.Loader.Stat(childRef)

	if childTyp == layout.InodeTypeSymlink && (!last || opts.FollowFinalSymlink) {
		if depth >= maxSymlinkDepth {
			return nil, perrors.ELOOP
		}
		target := r.Loader.ReadSymlink(childRef)
		var base *vinode.Vinode
		var rest []string
		if strings.HasPrefix(target, "/") {
			base = r.RootDir
			rest = splitComponents(target)
		} else {
			base = dir
			rest = splitComponents(target)
		}
		rest = append(rest, comps[1:]...)
		return r.resolveComponents(base, rest, c, opts, depth+1)
	}

	child := r.vinodeFor(childRef)
	child.Parent = dir.Inode

	if last {
		if opts.MustBeDirectory && childTyp != layout.InodeTypeDirectory {
			return nil, perrors.ENOTDIR
		}
		return child, nil
	}

	return r.resolveComponents(child, comps[1:], c, opts, depth)
}

// ResolveParent resolves every component but the last, returning the parent
// directory vinode and the final component's name, for operations (create,
// unlink, rename) that need to act on a not-yet-looked-up name within a
// directory.
func (r *Resolver) ResolveParent(start *vinode.Vinode, path string, c cred.Cred, flavor cred.Flavor) (*vinode.Vinode, string, error) {
	if path == "" {
		return nil, "", perrors.ENOENT
	}
	comps := splitComponents(path)
	if len(comps) == 0 {
		return nil, "", perrors.EINVAL // path was "/" or all-dot, no final component to create/remove
	}

	cur := start
	if strings.HasPrefix(path, "/") {
		cur = r.RootDir
	}

	parent, err := r.resolveComponents(cur, comps[:len(comps)-1], c, Options{FollowFinalSymlink: true, MustBeDirectory: true, Flavor: flavor}, 0)
	if err != nil {
		return nil, "", err
	}
	return parent, comps[len(comps)-1], nil
}
