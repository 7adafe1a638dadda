package validator_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stage0-ops/runbook-api/pkg/validator"
)

func validContent() string {
	return `# Check

# Environment Requirements

` + "```yaml" + `
CHECK_TARGET: What to check
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input:
  - seed.txt
Output: []
` + "```" + `

# Script

` + "```sh" + `
echo "checking ${CHECK_TARGET}"
` + "```" + `

# History
`
}

func writeRunbookDir(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Check.md"), []byte(content), 0o644))

	return filepath.Join(dir, "Check.md")
}

func TestValidate(t *testing.T) {
	t.Run("valid runbook with env override", func(t *testing.T) {
		path := writeRunbookDir(t, validContent())

		ok, errs, warnings := validator.Validate(path, validContent(), map[string]string{"CHECK_TARGET": "disk"})
		require.True(t, ok, "errors: %v", errs)
		require.Empty(t, errs)
		require.Empty(t, warnings)
	})

	t.Run("validation is repeatable", func(t *testing.T) {
		path := writeRunbookDir(t, validContent())
		overrides := map[string]string{"CHECK_TARGET": "disk"}

		ok1, errs1, _ := validator.Validate(path, validContent(), overrides)
		ok2, errs2, _ := validator.Validate(path, validContent(), overrides)
		require.Equal(t, ok1, ok2)
		require.Equal(t, errs1, errs2)
	})

	t.Run("missing environment variable", func(t *testing.T) {
		path := writeRunbookDir(t, validContent())

		ok, errs, _ := validator.Validate(path, validContent(), nil)
		require.False(t, ok)
		require.Contains(t, errs, "Required environment variable not set: CHECK_TARGET")
	})

	t.Run("env var satisfied by process environment", func(t *testing.T) {
		path := writeRunbookDir(t, validContent())
		t.Setenv("CHECK_TARGET", "memory")

		ok, errs, _ := validator.Validate(path, validContent(), nil)
		require.True(t, ok, "errors: %v", errs)
	})

	t.Run("empty content", func(t *testing.T) {
		ok, errs, _ := validator.Validate("x.md", "", nil)
		require.False(t, ok)
		require.Equal(t, []string{"Runbook content is empty"}, errs)
	})

	t.Run("all missing sections reported in one pass", func(t *testing.T) {
		ok, errs, _ := validator.Validate("x.md", "# Bare\n\nprose\n", nil)
		require.False(t, ok)
		require.Contains(t, errs, "Missing required section: Environment Requirements")
		require.Contains(t, errs, "Missing required section: File System Requirements")
		require.Contains(t, errs, "Missing required section: Script")
		require.Contains(t, errs, "Missing required section: History")
	})

	t.Run("empty history section is allowed", func(t *testing.T) {
		path := writeRunbookDir(t, validContent())

		ok, errs, _ := validator.Validate(path, validContent(), map[string]string{"CHECK_TARGET": "x"})
		require.True(t, ok, "errors: %v", errs)
	})

	t.Run("missing input file", func(t *testing.T) {
		content := validContent()
		path := writeRunbookDir(t, content)
		require.NoError(t, os.Remove(filepath.Join(filepath.Dir(path), "seed.txt")))

		ok, errs, _ := validator.Validate(path, content, map[string]string{"CHECK_TARGET": "x"})
		require.False(t, ok)
		require.Contains(t, errs, "Required input file does not exist: seed.txt")
	})

	t.Run("environment section without yaml block", func(t *testing.T) {
		content := `# Check

# Environment Requirements

no block here

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Script

` + "```sh" + `
true
` + "```" + `

# History
`
		ok, errs, _ := validator.Validate("Check.md", content, nil)
		require.False(t, ok)
		require.Contains(t, errs, "Environment Requirements section must contain a yaml code block")
	})

	t.Run("malformed environment yaml", func(t *testing.T) {
		content := `# Check

# Environment Requirements

` + "```yaml" + `
- broken
map: x
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Script

` + "```sh" + `
true
` + "```" + `

# History
`
		ok, errs, _ := validator.Validate("Check.md", content, nil)
		require.False(t, ok)

		found := false
		for _, e := range errs {
			if strings.Contains(e, "malformed") {
				found = true
			}
		}
		require.True(t, found, "expected malformed yaml error, got: %v", errs)
	})

	t.Run("script section without sh block", func(t *testing.T) {
		content := `# Check

# Environment Requirements

` + "```yaml" + `
` + "```" + `

# File System Requirements

` + "```yaml" + `
Input: []
Output: []
` + "```" + `

# Script

just prose

# History
`
		ok, errs, _ := validator.Validate("Check.md", content, nil)
		require.False(t, ok)
		require.Contains(t, errs, "Script section must contain a sh code block")
	})
}
