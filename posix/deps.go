package posix

import (
	"github.com/pmemgo/pmemfile/objstore"
	"github.com/pmemgo/pmemfile/pathres"
	"github.com/pmemgo/pmemfile/pmutil/clock"
	"github.com/pmemgo/pmemfile/pmutil/config"
	"github.com/pmemgo/pmemfile/vinode"
)

// Deps bundles the collaborators every multi-step POSIX operation needs,
// so call sites don't thread five parameters through each function
// individually.
type Deps struct {
	Pool     *objstore.Pool
	VM       *vinode.Map
	Resolver *pathres.Resolver
	Clock    clock.Clock
	Options  config.Options
}
