// Package history records the audit trail of runbook runs.
//
// Each run (or authorization denial) produces one structured record, emitted
// twice: to the operational log stream for durable collection, and as one
// compact JSON line appended to the runbook file's own History section for
// human verification. File appends are strictly append-only; prior entries
// are never rewritten. Concurrent appends to the same file are whole-line
// writes on an O_APPEND descriptor: independent lines may interleave, but a
// single line is never corrupted.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/types"
)

// timestampLayout is the millisecond-precision UTC form used in records.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Recorder appends execution records to runbook files and the log stream.
type Recorder struct {
	log logrus.FieldLogger
}

// New creates a Recorder.
func New(log logrus.FieldLogger) *Recorder {
	return &Recorder{log: log.WithField("component", "history")}
}

// AppendExecution records one completed run (execute or validate flow).
func (r *Recorder) AppendExecution(
	path string,
	start, finish time.Time,
	returnCode int,
	operation, stdout, stderr string,
	identity types.Identity,
	breadcrumb types.Breadcrumb,
	configItems []config.Item,
	errs, warnings []string,
) error {
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}

	breadcrumb.ByUser = identity.UserID

	record := types.HistoryRecord{
		StartTimestamp:  start.UTC().Format(timestampLayout),
		FinishTimestamp: finish.UTC().Format(timestampLayout),
		ReturnCode:      returnCode,
		Operation:       operation,
		Breadcrumb:      breadcrumb,
		ConfigItems:     configItems,
		Stdout:          stdout,
		Stderr:          stderr,
		Errors:          errs,
		Warnings:        warnings,
	}

	return r.append(path, record)
}

// AppendAuthorizationDenial records an RBAC denial. Denials always carry
// return code 403 and the denial message as the sole error entry.
func (r *Recorder) AppendAuthorizationDenial(
	path, message, operation string,
	identity types.Identity,
	breadcrumb types.Breadcrumb,
	configItems []config.Item,
) error {
	now := time.Now().UTC().Format(timestampLayout)

	breadcrumb.ByUser = identity.UserID

	record := types.HistoryRecord{
		StartTimestamp:  now,
		FinishTimestamp: now,
		ReturnCode:      403,
		Operation:       operation,
		Breadcrumb:      breadcrumb,
		ConfigItems:     configItems,
		Errors:          []string{fmt.Sprintf("RBAC Failure: Access denied for user %s. %s", identity.UserID, message)},
		Warnings:        []string{},
	}

	return r.append(path, record)
}

// append emits the record to the log stream and writes it as a single line
// into the runbook file. The file write is one write call on an O_APPEND
// descriptor so two overlapping writers never corrupt a line.
func (r *Recorder) append(path string, record types.HistoryRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling history record: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"runbook":        path,
		"operation":      record.Operation,
		"return_code":    record.ReturnCode,
		"correlation_id": record.Breadcrumb.CorrelationID,
		"record":         string(line),
	}).Info("Execution recorded")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening runbook for history append: %w", err)
	}
	defer f.Close()

	// Leading newline guards against a file that does not end with one.
	if _, err := f.Write(append([]byte("\n"), line...)); err != nil {
		return fmt.Errorf("appending history record: %w", err)
	}

	return nil
}
