package pathres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/vinode"
)

// fakeLoader implements InodeLoader over an in-memory tree, so pathres's
// walking/symlink/permission logic can be tested without a real pool.
type fakeLoader struct {
	typ     map[layout.Ref]layout.InodeType
	mode    map[layout.Ref]uint32
	owner   map[layout.Ref][2]uint32
	entries map[layout.Ref]map[string]layout.Ref
	symlink map[layout.Ref]string
}

func (f *fakeLoader) Stat(inode layout.Ref) (layout.InodeType, uint32, uint32, uint32) {
	o := f.owner[inode]
	return f.typ[inode], f.mode[inode], o[0], o[1]
}

func (f *fakeLoader) ReadSymlink(inode layout.Ref) string { return f.symlink[inode] }

func (f *fakeLoader) LookupChild(dir layout.Ref, name string) (layout.Ref, error) {
	if e, ok := f.entries[dir][name]; ok {
		return e, nil
	}
	return layout.Null, errNotFound{}
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func newFixture() (*Resolver, *fakeLoader) {
	root := layout.Ref(4096)
	sub := layout.Ref(8192)
	file := layout.Ref(12288)
	link := layout.Ref(16384)

	f := &fakeLoader{
		typ: map[layout.Ref]layout.InodeType{
			root: layout.InodeTypeDirectory,
			sub:  layout.InodeTypeDirectory,
			file: layout.InodeTypeRegular,
			link: layout.InodeTypeSymlink,
		},
		mode: map[layout.Ref]uint32{
			root: 0o755, sub: 0o755, file: 0o644, link: 0o777,
		},
		owner: map[layout.Ref][2]uint32{
			root: {0, 0}, sub: {0, 0}, file: {0, 0}, link: {0, 0},
		},
		entries: map[layout.Ref]map[string]layout.Ref{
			root: {"sub": sub, "link": link},
			sub:  {"file": file},
		},
		symlink: map[layout.Ref]string{link: "sub/file"},
	}

	vm := vinode.New(nil)
	rootV := &vinode.Vinode{Inode: root}

	r := &Resolver{VM: vm, Loader: f, RootDir: rootV}
	return r, f
}

func TestResolveNestedPath(t *testing.T) {
	r, _ := newFixture()
	c := cred.Cred{FSUID: 0, FSGID: 0}

	v, err := r.Resolve(r.RootDir, "/sub/file", c, Options{})
	require.NoError(t, err)
	require.Equal(t, layout.Ref(12288), v.Inode)
}

func TestResolveFollowsSymlink(t *testing.T) {
	r, _ := newFixture()
	c := cred.Cred{FSUID: 0, FSGID: 0}

	v, err := r.Resolve(r.RootDir, "/link", c, Options{FollowFinalSymlink: true})
	require.NoError(t, err)
	require.Equal(t, layout.Ref(12288), v.Inode)
}

func TestResolveParentSplitsFinalComponent(t *testing.T) {
	r, _ := newFixture()
	c := cred.Cred{FSUID: 0, FSGID: 0}

	parent, name, err := r.ResolveParent(r.RootDir, "/sub/newfile", c, cred.Effective)
	require.NoError(t, err)
	require.Equal(t, "newfile", name)
	require.Equal(t, layout.Ref(8192), parent.Inode)
}

func TestResolveRejectsClimbingPastRoot(t *testing.T) {
	r, _ := newFixture()
	c := cred.Cred{FSUID: 0, FSGID: 0}

	_, err := r.Resolve(r.RootDir, "../escape", c, Options{})
	require.Error(t, err)
}
