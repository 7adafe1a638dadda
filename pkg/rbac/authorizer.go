// Package rbac matches caller claims against a runbook's required claims.
package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stage0-ops/runbook-api/pkg/types"
)

// DenialError reports an authorization failure. It enumerates every missing
// or mismatched claim, not just the first, so a caller can fix their access
// request in one round trip.
type DenialError struct {
	Operation string
	UserID    string
	Missing   []string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("RBAC check failed for %s. Missing or invalid claims: %s",
		e.Operation, strings.Join(e.Missing, ", "))
}

// Authorize checks the caller's claims against the runbook's required claims
// for the named operation. No required claims means authentication alone is
// sufficient. Otherwise every required claim must match: the caller's value
// (string or list) is normalized to a list and at least one element must be
// in the allowed set. All claims are required (logical AND); widening the
// caller's claim set can only turn a denial into an approval.
func Authorize(identity types.Identity, required map[string][]string, operation string) error {
	if len(required) == 0 {
		return nil
	}

	// Deterministic denial messages regardless of map order.
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string

	for _, name := range names {
		allowed := required[name]

		value, present := identity.Claims[name]
		if !present {
			missing = append(missing, fmt.Sprintf("%s (not present)", name))

			continue
		}

		if !anyMember(value, allowed) {
			missing = append(missing, fmt.Sprintf("%s=%s (required: %s)",
				name, strings.Join(value, ", "), strings.Join(allowed, ", ")))
		}
	}

	if len(missing) > 0 {
		return &DenialError{Operation: operation, UserID: identity.UserID, Missing: missing}
	}

	return nil
}

// anyMember reports whether any caller value is in the allowed set.
func anyMember(values types.ClaimValue, allowed []string) bool {
	for _, v := range values {
		for _, a := range allowed {
			if v == a {
				return true
			}
		}
	}

	return false
}
