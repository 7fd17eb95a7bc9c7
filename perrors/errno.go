// Package perrors defines the stable errno-based error kinds used across the
// pool, and the thread-local last-error buffer exposed through Errormsg.
package perrors

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Errno is the cross-platform error type for every filesystem call in this
// module. It wraps a syscall.Errno so every public entry point can return
// plain "-1 with errno set" POSIX semantics.
type Errno syscall.Errno

// Errors corresponding to kernel error numbers, grouped the way §7 of the
// specification groups them. Callers should compare with errors.Is against
// these values, not against raw syscall.Errno, since Errno has its own
// Error() string.
const (
	// PathResolution
	ENOENT       = Errno(syscall.ENOENT)
	ENOTDIR      = Errno(syscall.ENOTDIR)
	ELOOP        = Errno(syscall.ELOOP)
	EXDEV        = Errno(syscall.EXDEV)
	ENAMETOOLONG = Errno(syscall.ENAMETOOLONG)

	// Permission
	EACCES = Errno(syscall.EACCES)
	EPERM  = Errno(syscall.EPERM)

	// Existence
	EEXIST = Errno(syscall.EEXIST)

	// Type
	EISDIR = Errno(syscall.EISDIR)
	EINVAL = Errno(syscall.EINVAL)

	// Resource
	ENOSPC = Errno(syscall.ENOSPC)
	EFBIG  = Errno(syscall.EFBIG)
	EMFILE = Errno(syscall.EMFILE)

	// Mode
	EBADF = Errno(syscall.EBADF)

	// Unsupported
	ENOTSUP   = Errno(syscall.ENOTSUP)
	EOPNOTSUP = Errno(syscall.EOPNOTSUPP)

	// Misc used throughout the POSIX layer
	ENOTEMPTY = Errno(syscall.ENOTEMPTY)
	EBUSY     = Errno(syscall.EBUSY)
	ENXIO     = Errno(syscall.ENXIO)
	EIO       = Errno(syscall.EIO)
	ERANGE    = Errno(syscall.ERANGE)

	// eRace never crosses a public API boundary; lock_parent_and_child and
	// friends (§4.6) use it to signal "retry me".
	eRace = Errno(0x7fff0001)
)

// ErrRace is returned internally by the locking helpers in pathres to signal
// that a concurrent mutation invalidated an assumption and the caller should
// retry. It must never be surfaced from a public API.
var ErrRace = Errno(eRace)

func (e Errno) Error() string {
	if e == eRace {
		return "internal: race detected, retry"
	}
	return syscall.Errno(e).Error()
}

// Syscall returns the underlying syscall.Errno, for callers that need to
// hand it to a syscall-interception layer.
func (e Errno) Syscall() syscall.Errno {
	return syscall.Errno(e)
}

// Is lets errors.Is(err, ENOENT) match an Errno found anywhere in a wrapped
// error chain.
func (e Errno) Is(target error) bool {
	if o, ok := target.(Errno); ok {
		return e == o
	}
	return false
}

// Fatal marks an error as one that should abort the process: failing to
// release a lock, or discovering a corrupted on-media invariant (§7). It
// captures a stack trace via github.com/pkg/errors so the log line
// preceding the abort is actionable.
func Fatal(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf(format, args...))
}

// IsRace reports whether err is the internal race-retry signal.
func IsRace(err error) bool {
	e, ok := err.(Errno)
	return ok && e == eRace
}
