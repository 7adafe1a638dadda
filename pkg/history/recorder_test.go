package history_test

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/history"
	"github.com/stage0-ops/runbook-api/pkg/parser"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func writeRunbook(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Job.md")
	content := "# Job\n\n# Script\n\n```sh\ntrue\n```\n\n# History\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func testIdentity() types.Identity {
	return types.Identity{UserID: "alice"}
}

func testBreadcrumb() types.Breadcrumb {
	return types.Breadcrumb{
		AtTime:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		FromIP:        "127.0.0.1",
		CorrelationID: "corr-1",
	}
}

func TestAppendExecution(t *testing.T) {
	t.Run("appends one JSON line", func(t *testing.T) {
		path := writeRunbook(t)
		rec := history.New(testLogger())

		start := time.Date(2026, 1, 2, 3, 4, 5, 120e6, time.UTC)
		finish := start.Add(1500 * time.Millisecond)

		err := rec.AppendExecution(
			path, start, finish, 0, "execute",
			"hello\n", "",
			testIdentity(), testBreadcrumb(),
			[]config.Item{{Name: "SHELL", Value: "/bin/sh", Source: "default"}},
			nil, nil,
		)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		last := lines[len(lines)-1]
		require.True(t, strings.HasPrefix(last, "{"))

		var record types.HistoryRecord
		require.NoError(t, json.Unmarshal([]byte(last), &record))
		require.Equal(t, "2026-01-02T03:04:05.120Z", record.StartTimestamp)
		require.Equal(t, "2026-01-02T03:04:06.620Z", record.FinishTimestamp)
		require.Equal(t, 0, record.ReturnCode)
		require.Equal(t, "execute", record.Operation)
		require.Equal(t, "alice", record.Breadcrumb.ByUser)
		require.Equal(t, "corr-1", record.Breadcrumb.CorrelationID)
		require.Equal(t, "hello\n", record.Stdout)
		require.Empty(t, record.Errors)
		require.Empty(t, record.Warnings)
		require.Len(t, record.ConfigItems, 1)
		require.Equal(t, "SHELL", record.ConfigItems[0].Name)
	})

	t.Run("prior content is preserved", func(t *testing.T) {
		path := writeRunbook(t)
		rec := history.New(testLogger())

		before, err := os.ReadFile(path)
		require.NoError(t, err)

		now := time.Now()
		require.NoError(t, rec.AppendExecution(path, now, now, 1, "execute", "", "boom",
			testIdentity(), testBreadcrumb(), nil, []string{"failed"}, nil))
		require.NoError(t, rec.AppendExecution(path, now, now, 0, "execute", "ok", "",
			testIdentity(), testBreadcrumb(), nil, nil, nil))

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(after), string(before)))

		record, ok := parser.LastHistoryEntry(string(after))
		require.True(t, ok)
		require.Equal(t, 0, record.ReturnCode)
		require.Equal(t, "ok", record.Stdout)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		rec := history.New(testLogger())

		now := time.Now()
		err := rec.AppendExecution(filepath.Join(t.TempDir(), "absent.md"),
			now, now, 0, "execute", "", "", testIdentity(), testBreadcrumb(), nil, nil, nil)
		require.Error(t, err)
	})
}

func TestAppendAuthorizationDenial(t *testing.T) {
	path := writeRunbook(t)
	rec := history.New(testLogger())

	err := rec.AppendAuthorizationDenial(
		path,
		"RBAC check failed for execute. Missing or invalid claims: roles (not present)",
		"execute",
		testIdentity(), testBreadcrumb(), nil,
	)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	record, ok := parser.LastHistoryEntry(string(data))
	require.True(t, ok)
	require.Equal(t, 403, record.ReturnCode)
	require.Equal(t, "execute", record.Operation)
	require.Len(t, record.Errors, 1)
	require.Equal(t,
		"RBAC Failure: Access denied for user alice. RBAC check failed for execute. Missing or invalid claims: roles (not present)",
		record.Errors[0])
	require.Empty(t, record.Stdout)
}
