// Package cred models the calling thread's credentials — fsuid/fsgid,
// supplementary groups, and the handful of capabilities the filesystem
// layer cares about — and the owner/group/other permission check every
// path resolution and open performs against them.
package cred

// Capability is one of the Linux capabilities this filesystem consults.
// Four are modeled, each one bypassing a POSIX permission check; anything
// broader belongs to a real capability-aware kernel, not this library.
type Capability uint8

const (
	CapFOwner Capability = iota // bypasses owner-only checks (chmod/chown/sticky-unlink) regardless of uid
	CapChown                    // bypasses chown's "only root changes ownership" rule
	CapDACOverride
	CapDACReadSearch
)

// Cred is one call's effective identity, analogous to struct cred in the
// Linux kernel or pmemfile_cred in the original implementation.
type Cred struct {
	FSUID uint32
	FSGID uint32

	// UID/GID back the "real" flavor of access checks (euidaccess vs.
	// access), matching POSIX's distinction between access(2) (real ids)
	// and actually opening a file (fs ids).
	UID uint32
	GID uint32

	Groups []uint32

	Caps map[Capability]bool
}

func (c Cred) Has(cap Capability) bool { return c.Caps != nil && c.Caps[cap] }

func (c Cred) inGroup(gid uint32, useReal bool) bool {
	want := c.FSGID
	if useReal {
		want = c.GID
	}
	if want == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// Flavor selects which identity a call checks against: Effective uses
// fsuid/fsgid (what the kernel actually uses to decide file access),
// Real uses uid/gid (what access(2) checks so a setuid program can ask
// "could the real caller do this").
type Flavor int

const (
	Effective Flavor = iota
	Real
)

// Mode bits, matching the low 9 bits of st_mode.
const (
	ModeRead  = 0o4
	ModeWrite = 0o2
	ModeExec  = 0o1
)

// Access reports whether c may access an inode owned by (ownerUID,
// ownerGID) with the given permission bits, for the requested bits `want`
// (an OR of ModeRead/ModeWrite/ModeExec), using flavor to pick fs vs. real
// identity.
func Access(c Cred, ownerUID, ownerGID uint32, mode uint32, want uint32, flavor Flavor) bool {
	uid := c.FSUID
	if flavor == Real {
		uid = c.UID
	}

	if uid == 0 {
		if want&ModeExec != 0 && mode&0o111 == 0 {
			return false // root still needs *some* x bit set to execute/traverse
		}
		return true
	}

	var granted uint32
	switch {
	case uid == ownerUID:
		granted = (mode >> 6) & 0o7
	case c.inGroup(ownerGID, flavor == Real):
		granted = (mode >> 3) & 0o7
	default:
		granted = mode & 0o7
	}

	if granted&want == want {
		return true
	}

	if want&(ModeRead|ModeWrite) == want && c.Has(CapDACOverride) {
		return true
	}
	if want == ModeExec && mode&0o111 != 0 && c.Has(CapDACOverride) {
		return true
	}
	if want == ModeRead && c.Has(CapDACReadSearch) {
		return true
	}

	return false
}

// CanChangeOwner reports whether c may chown an inode it doesn't own,
// which POSIX reserves to CAP_CHOWN (or the file's existing owner changing
// its group to one they belong to, handled by the caller before this).
func CanChangeOwner(c Cred) bool {
	return c.FSUID == 0 || c.Has(CapChown)
}

// CanChangeMode reports whether c may chmod an inode with the given owner,
// per POSIX's "only the owner or CAP_FOWNER".
func CanChangeMode(c Cred, ownerUID uint32) bool {
	return c.FSUID == ownerUID || c.FSUID == 0 || c.Has(CapFOwner)
}

// CanStickyUnlink reports whether c may remove/rename an entry inside a
// sticky (mode & 01000) directory whose owning entry belongs to
// entryOwnerUID, per the classic /tmp sticky-bit rule.
func CanStickyUnlink(c Cred, dirOwnerUID, entryOwnerUID uint32) bool {
	if c.FSUID == 0 || c.Has(CapFOwner) {
		return true
	}
	return c.FSUID == dirOwnerUID || c.FSUID == entryOwnerUID
}
