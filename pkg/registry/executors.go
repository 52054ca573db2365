package registry

import (
	"github.com/dukex/aether/pkg/executors/gnops"
	"github.com/dukex/aether/pkg/executors/nodetree"
	"github.com/dukex/aether/pkg/executors/python"
)

// RegisterDefaultExecutors registers the built-in step executors.
func (r *Registry) RegisterDefaultExecutors() {
	r.Register(nodetree.NewFactory())
	r.Register(gnops.NewFactory())
	r.Register(python.NewFactory())
}
