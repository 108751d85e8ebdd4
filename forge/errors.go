package forge

import (
	"fmt"

	"github.com/forgeworks/forge/engineerr"
)

var errEmptyOutputs = engineerr.Invariant("action-non-empty-outputs", errNoOutputs{})

type errNoOutputs struct{}

func (errNoOutputs) Error() string { return "action must declare at least one output" }

// errUndeclaredDiscoveredInput reports a discovered-input path that does not
// correspond to any artifact the action graph already knows about: an
// action may only discover inputs among artifacts some other action already
// produces or the workspace already contains.
func errUndeclaredDiscoveredInput(execPath string) error {
	return engineerr.Wrap(engineerr.User, fmt.Errorf("discovered input %q is not a known artifact", execPath))
}
