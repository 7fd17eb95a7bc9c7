package cred

import "github.com/pmemgo/pmemfile/perrors"

// This file covers the credential-mutation half of the API: setreuid,
// setregid, setuid, setgid, seteuid, setegid, setfsuid, setfsgid,
// getgroups, and setgroups. The original calls operate on a per-thread
// struct protected by a kernel lock; callers here hold their own Cred
// value (there is no implicit per-thread credential slot in this
// library), so each function takes the current Cred and returns the
// transitioned one, the same shape context.WithValue gives callers for
// per-call state instead of a hidden global.
//
// Only root (uid 0) may set either id to a value other than the current
// real/effective/saved id, matching setreuid(2)'s unprivileged-process
// restriction; this library has no saved-id field, so the "unprivileged
// process may swap real and effective" exception is the full extent of
// what's permitted without CAP_SETUID.

// noChange is setreuid/setregid's -1 sentinel: leave this id alone.
const noChange = ^uint32(0)

// SetReuid implements setreuid(2): ruid and euid of noChange leave the
// corresponding id unchanged. An unprivileged caller (neither UID nor FSUID is 0)
// may only set each id to its own current real or effective id; root may
// set either to anything.
func SetReuid(c Cred, ruid, euid uint32) (Cred, error) {
	privileged := c.UID == 0 || c.FSUID == 0
	next := c

	if ruid != noChange {
		if !privileged && ruid != c.UID && ruid != c.FSUID {
			return c, perrors.EPERM
		}
		next.UID = ruid
	}
	if euid != noChange {
		if !privileged && euid != c.UID && euid != c.FSUID {
			return c, perrors.EPERM
		}
		next.FSUID = euid
	}
	return next, nil
}

// SetRegid implements setregid(2), the group analogue of SetReuid.
func SetRegid(c Cred, rgid, egid uint32) (Cred, error) {
	privileged := c.UID == 0 || c.FSUID == 0
	next := c

	if rgid != noChange {
		if !privileged && rgid != c.GID && rgid != c.FSGID {
			return c, perrors.EPERM
		}
		next.GID = rgid
	}
	if egid != noChange {
		if !privileged && egid != c.GID && egid != c.FSGID {
			return c, perrors.EPERM
		}
		next.FSGID = egid
	}
	return next, nil
}

// SetUid implements setuid(2): for a privileged caller this sets real and
// effective uid together; for an unprivileged caller it only sets the
// effective id (there being no saved-id to also check here).
func SetUid(c Cred, uid uint32) (Cred, error) {
	if c.UID == 0 || c.FSUID == 0 {
		c.UID, c.FSUID = uid, uid
		return c, nil
	}
	return SetReuid(c, noChange, uid)
}

// SetGid is SetUid's group analogue.
func SetGid(c Cred, gid uint32) (Cred, error) {
	if c.UID == 0 || c.FSUID == 0 {
		c.GID, c.FSGID = gid, gid
		return c, nil
	}
	return SetRegid(c, noChange, gid)
}

// SetEuid implements seteuid(2).
func SetEuid(c Cred, euid uint32) (Cred, error) {
	return SetReuid(c, noChange, euid)
}

// SetEgid implements setegid(2).
func SetEgid(c Cred, egid uint32) (Cred, error) {
	return SetRegid(c, noChange, egid)
}

// SetFsuid implements setfsuid(2): always succeeds, returning the
// previous fsuid, and silently leaves it unchanged if the caller isn't
// privileged and doesn't already hold one of uid/euid/fsuid as the
// requested value — setfsuid has no error return, only the "did it
// actually change" signal carried in the returned previous value.
func SetFsuid(c Cred, fsuid uint32) (next Cred, previous uint32) {
	previous = c.FSUID
	if c.UID == 0 || fsuid == c.UID || fsuid == c.FSUID {
		c.FSUID = fsuid
	}
	return c, previous
}

// SetFsgid is SetFsuid's group analogue.
func SetFsgid(c Cred, fsgid uint32) (next Cred, previous uint32) {
	previous = c.FSGID
	if c.UID == 0 || fsgid == c.GID || fsgid == c.FSGID {
		c.FSGID = fsgid
	}
	return c, previous
}

// GetGroups returns c's supplementary group list, matching getgroups(2).
func GetGroups(c Cred) []uint32 {
	out := make([]uint32, len(c.Groups))
	copy(out, c.Groups)
	return out
}

// SetGroups replaces c's supplementary group list, matching setgroups(2);
// only root may call it.
func SetGroups(c Cred, groups []uint32) (Cred, error) {
	if c.UID != 0 && c.FSUID != 0 {
		return c, perrors.EPERM
	}
	c.Groups = append([]uint32(nil), groups...)
	return c, nil
}
