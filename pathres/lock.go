package pathres

import (
	"reflect"

	"github.com/pmemgo/pmemfile/vinode"
)

// lockOrder returns a and b in the canonical order used for any operation
// that must hold two vinode locks at once: compared by pointer address, the
// lower address first. Every multi-inode operation in this module takes
// locks in this order, so two operations racing over the same pair of
// inodes from opposite directions (e.g. rename(a,b) and rename(b,a)) can
// never deadlock.
func lockOrder(a, b *vinode.Vinode) (first, second *vinode.Vinode, swapped bool) {
	pa := reflect.ValueOf(a).Pointer()
	pb := reflect.ValueOf(b).Pointer()
	if pa <= pb {
		return a, b, false
	}
	return b, a, true
}

// LockParentAndChild locks parent then child (or child then parent,
// whichever is canonical), returning an unlock function. Because the child
// may be looked up again after releasing intermediate locks during
// resolution, callers should re-verify that child is still parent's child
// under these locks before proceeding (the caller's race to check, not
// this function's).
func LockParentAndChild(parent, child *vinode.Vinode, write bool) (unlock func()) {
	first, second, _ := lockOrder(parent, child)
	if first == second {
		// parent == child only happens for "." self-references; one lock
		// suffices.
		lockOne(first, write)
		return func() { unlockOne(first, write) }
	}

	lockOne(first, write)
	lockOne(second, write)
	return func() {
		unlockOne(second, write)
		unlockOne(first, write)
	}
}

// LockParentsAndChildren locks up to four distinct vinodes (rename's
// src-parent, src-child, dst-parent, dst-child, any of which may coincide)
// in canonical pointer order, deduplicating repeats so the same *Vinode is
// never locked twice.
func LockParentsAndChildren(vs ...*vinode.Vinode) (unlock func()) {
	unique := dedupe(vs)
	sortByAddress(unique)

	for _, v := range unique {
		v.RWMutex.Lock()
	}
	return func() {
		for i := len(unique) - 1; i >= 0; i-- {
			unique[i].RWMutex.Unlock()
		}
	}
}

func lockOne(v *vinode.Vinode, write bool) {
	if write {
		v.RWMutex.Lock()
	} else {
		v.RWMutex.RLock()
	}
}

func unlockOne(v *vinode.Vinode, write bool) {
	if write {
		v.RWMutex.Unlock()
	} else {
		v.RWMutex.RUnlock()
	}
}

func dedupe(vs []*vinode.Vinode) []*vinode.Vinode {
	seen := make(map[*vinode.Vinode]bool, len(vs))
	var out []*vinode.Vinode
	for _, v := range vs {
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func sortByAddress(vs []*vinode.Vinode) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && addr(vs[j]) < addr(vs[j-1]); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

func addr(v *vinode.Vinode) uintptr {
	return reflect.ValueOf(v).Pointer()
}
