package rbac_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stage0-ops/runbook-api/pkg/rbac"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

func identityWith(claims map[string]types.ClaimValue) types.Identity {
	return types.Identity{UserID: "alice", Claims: claims}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name     string
		claims   map[string]types.ClaimValue
		required map[string][]string
		denied   bool
	}{
		{
			name:     "no required claims",
			claims:   nil,
			required: nil,
			denied:   false,
		},
		{
			name:     "empty required claims",
			claims:   nil,
			required: map[string][]string{},
			denied:   false,
		},
		{
			name:     "single matching claim",
			claims:   map[string]types.ClaimValue{"roles": {"operator"}},
			required: map[string][]string{"roles": {"operator", "admin"}},
			denied:   false,
		},
		{
			name:     "list claim with one match suffices",
			claims:   map[string]types.ClaimValue{"roles": {"viewer", "admin"}},
			required: map[string][]string{"roles": {"admin"}},
			denied:   false,
		},
		{
			name:     "claim not present",
			claims:   map[string]types.ClaimValue{"team": {"infra"}},
			required: map[string][]string{"roles": {"admin"}},
			denied:   true,
		},
		{
			name:     "claim value mismatch",
			claims:   map[string]types.ClaimValue{"roles": {"viewer"}},
			required: map[string][]string{"roles": {"admin"}},
			denied:   true,
		},
		{
			name: "all required claims must match",
			claims: map[string]types.ClaimValue{
				"roles": {"admin"},
				"team":  {"frontend"},
			},
			required: map[string][]string{
				"roles": {"admin"},
				"team":  {"infra"},
			},
			denied: true,
		},
		{
			name: "conjunction satisfied",
			claims: map[string]types.ClaimValue{
				"roles": {"admin"},
				"team":  {"infra"},
			},
			required: map[string][]string{
				"roles": {"admin"},
				"team":  {"infra", "platform"},
			},
			denied: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rbac.Authorize(identityWith(tt.claims), tt.required, "execute")

			if tt.denied {
				require.Error(t, err)

				var denial *rbac.DenialError
				require.ErrorAs(t, err, &denial)
				require.Equal(t, "execute", denial.Operation)
				require.Equal(t, "alice", denial.UserID)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAuthorizeDenialMessage(t *testing.T) {
	t.Run("enumerates every failing claim", func(t *testing.T) {
		err := rbac.Authorize(
			identityWith(map[string]types.ClaimValue{"roles": {"viewer"}}),
			map[string][]string{
				"roles": {"admin"},
				"team":  {"infra"},
			},
			"validate",
		)
		require.Error(t, err)
		require.Contains(t, err.Error(), "RBAC check failed for validate. Missing or invalid claims:")
		require.Contains(t, err.Error(), "roles=viewer (required: admin)")
		require.Contains(t, err.Error(), "team (not present)")
	})

	t.Run("message is deterministic", func(t *testing.T) {
		required := map[string][]string{"b": {"1"}, "a": {"2"}, "c": {"3"}}

		first := rbac.Authorize(identityWith(nil), required, "execute").Error()
		for i := 0; i < 10; i++ {
			require.Equal(t, first, rbac.Authorize(identityWith(nil), required, "execute").Error())
		}
	})
}

// Adding claims to an identity can only turn a denial into an approval,
// never the reverse.
func TestAuthorizeWideningIsMonotonic(t *testing.T) {
	required := map[string][]string{
		"roles": {"admin"},
		"team":  {"infra"},
	}

	narrow := map[string]types.ClaimValue{"roles": {"admin"}}
	wide := map[string]types.ClaimValue{
		"roles": {"admin"},
		"team":  {"infra"},
		"extra": {"anything"},
	}

	require.Error(t, rbac.Authorize(identityWith(narrow), required, "execute"))
	require.NoError(t, rbac.Authorize(identityWith(wide), required, "execute"))
}
