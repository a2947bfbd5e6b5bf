// Package targetmap implements the analysis engine proper: it consumes
// configured targets, orchestrates rule lookup, field evaluation and
// dependency requests under config transitions, and assembles analysed
// targets, deduplicated through the result registry.
package targetmap

import (
	"github.com/qiao-bo/justbuild/internal/expression"
)

// ConfiguredTarget is the key of the analysis map: an entity name together
// with the configuration it is analysed under.
type ConfiguredTarget struct {
	Target expression.EntityName
	Config expression.Configuration
}

// ID returns the canonical key form: the target's serialised name plus the
// configuration hash.
func (ct ConfiguredTarget) ID() string {
	return ct.Target.String() + "#" + ct.Config.ID()
}

func (ct ConfiguredTarget) String() string { return ct.ID() }
