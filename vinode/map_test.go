package vinode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemgo/pmemfile/layout"
)

func TestLookupOrCreateExistingShares(t *testing.T) {
	vm := New(nil)

	created := 0
	newFn := func() *Vinode {
		created++
		return &Vinode{Inode: 4096}
	}

	v1 := vm.LookupOrCreateExisting(4096, newFn)
	v2 := vm.LookupOrCreateExisting(4096, newFn)

	require.Same(t, v1, v2)
	require.Equal(t, 1, created)
	require.Equal(t, int32(2), v1.Ref())
}

func TestUnrefRemovesAtZero(t *testing.T) {
	vm := New(nil)
	v := vm.LookupOrCreateExisting(8192, func() *Vinode { return &Vinode{Inode: 8192} })
	require.Equal(t, 1, vm.Len())

	zeroed := false
	vm.Unref(v, func() { zeroed = true })

	require.True(t, zeroed)
	require.Equal(t, 0, vm.Len())
}

func TestMapGrowsUnderManyEntries(t *testing.T) {
	vm := New(nil)
	const n = 5000

	for i := 0; i < n; i++ {
		ref := layout.Ref(uint64(i+1) * layout.PageSize)
		vm.LookupOrCreateExisting(ref, func() *Vinode { return &Vinode{Inode: ref} })
	}

	require.Equal(t, n, vm.Len())
	require.GreaterOrEqual(t, len(vm.buckets), initialBuckets)
}

func TestConcurrentLookupOrCreateConverges(t *testing.T) {
	vm := New(nil)
	const goroutines = 32
	ref := layout.Ref(4096)

	var wg sync.WaitGroup
	results := make([]*Vinode, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = vm.LookupOrCreateExisting(ref, func() *Vinode { return &Vinode{Inode: ref} })
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, int32(goroutines), results[0].Ref())
}
