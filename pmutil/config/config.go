// Package config parses the environment variables §6 of the specification
// names (PMEMFILE_BLOCK_SIZE, PMEMFILE_OVERALLOCATE_ON_APPEND), the way the
// teacher's cmd package layers github.com/spf13/viper's automatic
// environment binding underneath pflag-declared defaults.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	maxBlockSize = uint32(1<<32 - 4096)
	pageSize     = uint32(4096)
)

// Options are the pool-wide knobs resolved when a pool is created or opened.
type Options struct {
	// BlockSize, if nonzero, forces every newly allocated block to exactly
	// this size (§4.3 Allocation policy). Zero means "size each block to
	// the remaining request, capped at MAX_BLOCK_SIZE".
	BlockSize uint32

	// OverallocateOnAppend enables the over-rounding table in §4.3 when
	// writing past end-of-file. Defaults to true when BlockSize is unset,
	// matching the documented default.
	OverallocateOnAppend bool
}

// Load resolves Options from the process environment. prefix lets tests
// isolate viper instances; production callers pass "PMEMFILE".
func Load(prefix string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("block_size")
	_ = v.BindEnv("overallocate_on_append")

	opts := Options{}

	if raw := v.GetString("block_size"); raw != "" {
		n := v.GetUint32("block_size")
		opts.BlockSize = roundAndCapBlockSize(n)
	}

	if v.IsSet("overallocate_on_append") {
		opts.OverallocateOnAppend = v.GetBool("overallocate_on_append")
	} else {
		opts.OverallocateOnAppend = opts.BlockSize == 0
	}

	return opts, nil
}

// roundAndCapBlockSize rounds n up to a page and caps it at MAX_BLOCK_SIZE,
// per §4.3 ("Block size is constrained to a multiple of 4096 and at most
// 2^32-4096").
func roundAndCapBlockSize(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	rounded := (n + pageSize - 1) / pageSize * pageSize
	if rounded > maxBlockSize {
		rounded = maxBlockSize
	}
	return rounded
}
