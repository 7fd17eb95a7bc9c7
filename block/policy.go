package block

import "github.com/pmemgo/pmemfile/pmutil/config"

// MaxBlockSize is the hard ceiling from §6: 2^32 - 4096.
const MaxBlockSize = uint64(1<<32 - 4096)

const pageSize = 4096

// overallocStep is one row of the over-rounding table applied to the
// request size when a write extends a file past its current end and
// OverallocateOnAppend is enabled (§4.3): requests at or below upTo are
// rounded up to roundTo.
type overallocStep struct {
	upTo    uint64
	roundTo uint64
}

var overallocTable = []overallocStep{
	{upTo: 4 << 10, roundTo: 16 << 10},
	{upTo: 64 << 10, roundTo: 256 << 10},
	{upTo: 1 << 20, roundTo: 4 << 20},
	{upTo: 64 << 20, roundTo: 64 << 20},
}

// SizeForAppend decides how many bytes to actually allocate for a write of
// need bytes that extends the file past its current end, applying the
// configured fixed block size or the over-rounding table.
func SizeForAppend(opts config.Options, need uint64) uint64 {
	if opts.BlockSize != 0 {
		return roundUp(need, uint64(opts.BlockSize))
	}
	if !opts.OverallocateOnAppend {
		return roundUp(need, pageSize)
	}
	for _, step := range overallocTable {
		if need <= step.upTo {
			return step.roundTo
		}
	}
	return roundUp(need, pageSize) // above the table's top row: no over-rounding
}

// SizeForInterior decides the extent size for a write that lands entirely
// within the file's existing end (a "hole fill" or overwrite of a gap):
// the specification's over-rounding table only applies to appends, so this
// always allocates exactly what is needed, page-rounded.
func SizeForInterior(need uint64) uint64 {
	return roundUp(need, pageSize)
}

func roundUp(n, multiple uint64) uint64 {
	if multiple == 0 {
		return n
	}
	r := (n + multiple - 1) / multiple * multiple
	if r > MaxBlockSize {
		r = MaxBlockSize
	}
	return r
}
