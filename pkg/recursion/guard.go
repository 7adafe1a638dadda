// Package recursion prevents runbooks from invoking themselves and caps the
// nesting depth of runbook-calls-runbook chains.
package recursion

import (
	"fmt"
	"strings"
)

// Check inspects the inbound execution chain before the runbook identified
// by id runs. A cycle (id already in the chain) denies with priority over
// depth exhaustion; a chain already at maxDepth denies regardless of
// membership. On success the returned chain is the inbound chain plus id,
// to be propagated to any nested invocation the script triggers. A nil
// chain is a top-level invocation.
func Check(chain []string, id string, maxDepth int) ([]string, error) {
	for _, entry := range chain {
		if entry == id {
			return nil, fmt.Errorf("Recursion detected: runbook %q is already executing (chain: %s)",
				id, strings.Join(chain, " -> "))
		}
	}

	if len(chain) >= maxDepth {
		return nil, fmt.Errorf("Maximum recursion depth %d exceeded (chain: %s)",
			maxDepth, strings.Join(chain, " -> "))
	}

	next := make([]string, 0, len(chain)+1)
	next = append(next, chain...)
	next = append(next, id)

	return next, nil
}
