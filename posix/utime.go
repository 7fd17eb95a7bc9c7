package posix

import (
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/objstore"
)

// UtimeOmit and UtimeNow mirror utimensat(2)'s UTIME_OMIT/UTIME_NOW
// sentinel nanosecond values: a timespec tv_nsec of one of these means
// "leave this timestamp alone" or "set it to the call's current time"
// rather than an actual nanosecond offset.
const (
	UtimeOmit = int64(-1)
	UtimeNow  = int64(-2)
)

// SetTimes implements the timestamp-setting half of utimensat(2)/futimens(2):
// atimeNsec and mtimeNsec are each either a UnixNano value, UtimeOmit, or
// UtimeNow (resolved by the caller against its clock before calling, so this
// function never reads a clock itself).
func SetTimes(pool *objstore.Pool, tx *objstore.Tx, inode layout.Ref, atimeNsec, mtimeNsec int64) {
	b := pool.Bytes(inode, layout.PageSize)
	tx.AddRange(inode, b)
	in := layout.AsInode(b)
	if atimeNsec != UtimeOmit {
		in.AtimeNsec = atimeNsec
	}
	if mtimeNsec != UtimeOmit {
		in.MtimeNsec = mtimeNsec
	}
}
