package recursion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stage0-ops/runbook-api/pkg/recursion"
)

func TestCheck(t *testing.T) {
	t.Run("top-level invocation starts a chain", func(t *testing.T) {
		chain, err := recursion.Check(nil, "a.md", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"a.md"}, chain)
	})

	t.Run("nested invocation extends the chain", func(t *testing.T) {
		chain, err := recursion.Check([]string{"a.md", "b.md"}, "c.md", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"a.md", "b.md", "c.md"}, chain)
	})

	t.Run("does not mutate the inbound chain", func(t *testing.T) {
		inbound := []string{"a.md", "b.md"}

		_, err := recursion.Check(inbound, "c.md", 5)
		require.NoError(t, err)
		require.Equal(t, []string{"a.md", "b.md"}, inbound)
	})

	t.Run("direct self-invocation denied", func(t *testing.T) {
		chain, err := recursion.Check([]string{"a.md"}, "a.md", 5)
		require.Error(t, err)
		require.Nil(t, chain)
		require.Contains(t, err.Error(), "Recursion detected")
		require.Contains(t, err.Error(), `"a.md"`)
	})

	t.Run("indirect cycle denied", func(t *testing.T) {
		_, err := recursion.Check([]string{"a.md", "b.md", "c.md"}, "a.md", 5)
		require.Error(t, err)
		require.Contains(t, err.Error(), "Recursion detected")
		require.Contains(t, err.Error(), "a.md -> b.md -> c.md")
	})

	t.Run("depth limit denied", func(t *testing.T) {
		_, err := recursion.Check([]string{"a.md", "b.md", "c.md"}, "d.md", 3)
		require.Error(t, err)
		require.Contains(t, err.Error(), "Maximum recursion depth 3 exceeded")
	})

	t.Run("cycle takes priority over depth", func(t *testing.T) {
		_, err := recursion.Check([]string{"a.md", "b.md", "c.md"}, "b.md", 3)
		require.Error(t, err)
		require.Contains(t, err.Error(), "Recursion detected")
	})

	t.Run("chain one below the limit is allowed", func(t *testing.T) {
		chain, err := recursion.Check([]string{"a.md", "b.md"}, "c.md", 3)
		require.NoError(t, err)
		require.Len(t, chain, 3)
	})
}
