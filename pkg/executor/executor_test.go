package executor_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/executor"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newExecutor(t *testing.T, cfg config.ScriptConfig) *executor.Executor {
	t.Helper()

	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = config.DefaultMaxOutputBytes
	}

	return executor.New(testLogger(), cfg)
}

func TestRun(t *testing.T) {
	t.Run("captures stdout and exit code", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script: "echo hello\necho oops >&2\nexit 3\n",
		})
		require.Equal(t, 3, res.ReturnCode)
		require.Equal(t, "hello\n", res.Stdout)
		require.Equal(t, "oops\n", res.Stderr)
	})

	t.Run("caller env vars reach the script", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:  `echo "target=${TARGET}"`,
			EnvVars: map[string]string{"TARGET": "staging"},
		})
		require.Equal(t, 0, res.ReturnCode)
		require.Equal(t, "target=staging\n", res.Stdout)
	})

	t.Run("invalid env var name fails before execution", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:  "echo should-not-run > marker",
			EnvVars: map[string]string{"BAD-NAME": "x"},
		})
		require.Equal(t, 1, res.ReturnCode)
		require.Contains(t, res.Stderr, "Invalid environment variable name: BAD-NAME")
		require.Empty(t, res.Stdout)
	})

	t.Run("system-managed vars cannot be overridden", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:  `echo "corr=${RUNBOOK_CORRELATION_ID}"`,
			EnvVars: map[string]string{executor.EnvCorrelationID: "spoofed"},
			System:  executor.SystemContext{CorrelationID: "real-id"},
		})
		require.Equal(t, 0, res.ReturnCode)
		require.Equal(t, "corr=real-id\n", res.Stdout)
	})

	t.Run("control bytes stripped from values", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:  `printf '%s' "$PAYLOAD"`,
			EnvVars: map[string]string{"PAYLOAD": "a\x00b\x1bc\td"},
		})
		require.Equal(t, 0, res.ReturnCode)
		require.Equal(t, "abc\td", res.Stdout)
	})

	t.Run("system context injects callback environment", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script: `echo "$RUNBOOK_URL"; echo "$RUNBOOK_H_AUTH"; echo "$RUNBOOK_RECURSION_STACK"`,
			System: executor.SystemContext{
				Token:          "tok123",
				CorrelationID:  "corr",
				APIURL:         "http://localhost:8083/",
				RecursionStack: []string{"a.md"},
			},
		})
		require.Equal(t, 0, res.ReturnCode)

		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		require.Len(t, lines, 3)
		require.Equal(t, "http://localhost:8083/api/runbooks", lines[0])
		require.Equal(t, "Authorization: Bearer tok123", lines[1])
		require.Equal(t, `["a.md"]`, lines[2])
	})

	t.Run("timeout kills the script", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{TimeoutSeconds: 1})

		res := e.Run(context.Background(), executor.Request{
			Script: "sleep 30\necho survived\n",
		})
		require.Equal(t, 1, res.ReturnCode)
		require.Contains(t, res.Stderr, "Script execution timed out after 1 seconds")
		require.NotContains(t, res.Stdout, "survived")
	})

	t.Run("output truncated at the byte limit", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{MaxOutputBytes: 64})

		res := e.Run(context.Background(), executor.Request{
			Script: `i=0; while [ $i -lt 100 ]; do echo "0123456789"; i=$((i+1)); done`,
		})
		require.Equal(t, 0, res.ReturnCode)
		require.LessOrEqual(t, len(res.Stdout), 64)
		require.True(t, utf8.ValidString(res.Stdout))
		require.Contains(t, res.Stderr, "[WARNING: Output truncated due to size limit (64 bytes)]")
	})

	t.Run("input files staged into working directory", func(t *testing.T) {
		src := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(src, "data.txt"), []byte("payload"), 0o644))

		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:     "cat data.txt",
			InputPaths: []string{"data.txt"},
			SourceDir:  src,
		})
		require.Equal(t, 0, res.ReturnCode)
		require.Equal(t, "payload", res.Stdout)
	})

	t.Run("input path escaping the source dir is rejected", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:     "true",
			InputPaths: []string{"../../etc/passwd"},
			SourceDir:  t.TempDir(),
		})
		require.Equal(t, 1, res.ReturnCode)
		require.Contains(t, res.Stderr, "escapes the runbook directory")
	})

	t.Run("missing input file is rejected", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{
			Script:     "true",
			InputPaths: []string{"absent.txt"},
			SourceDir:  t.TempDir(),
		})
		require.Equal(t, 1, res.ReturnCode)
		require.Contains(t, res.Stderr, "input file does not exist: absent.txt")
	})

	t.Run("cancelled context terminates the run", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{TimeoutSeconds: 30})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := e.Run(ctx, executor.Request{Script: "sleep 30"})
		require.Equal(t, 1, res.ReturnCode)
	})

	t.Run("working directory is removed after the run", func(t *testing.T) {
		e := newExecutor(t, config.ScriptConfig{})

		res := e.Run(context.Background(), executor.Request{Script: "pwd"})
		require.Equal(t, 0, res.ReturnCode)

		workDir := strings.TrimSpace(res.Stdout)
		_, err := os.Stat(workDir)
		require.True(t, os.IsNotExist(err))
	})
}
