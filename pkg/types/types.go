// Package types defines the shared data structures of the runbook engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stage0-ops/runbook-api/pkg/config"
)

// Runbook is one loaded document. It is immutable per load: mutations happen
// on disk (history appends) and are only visible to subsequent loads.
type Runbook struct {
	// Name is the text of the first H1 heading.
	Name string `json:"name"`
	// Content is the full raw markdown text.
	Content string `json:"content"`
	// Path is the backing file.
	Path string `json:"path"`
}

// ListEntry is one row of the runbook listing.
type ListEntry struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// FileRequirements holds the declared input and output paths of a runbook.
// Input paths are resolved relative to the runbook's directory and must exist
// at validation time.
type FileRequirements struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// ClaimValue is a claim's value as decoded from a bearer token: a bare string
// or a list of strings. Either form normalizes to a string slice.
type ClaimValue []string

// UnmarshalJSON accepts a string, a list of strings, or any other scalar
// (converted to its string form).
func (c *ClaimValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ClaimValue{s}

		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = ClaimValue(list)

		return nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*c = ClaimValue{fmt.Sprintf("%v", v)}

	return nil
}

// MarshalJSON writes a single value as a bare string and anything else as a
// list, mirroring the token wire form.
func (c ClaimValue) MarshalJSON() ([]byte, error) {
	if len(c) == 1 {
		return json.Marshal(c[0])
	}

	return json.Marshal([]string(c))
}

// Identity is the decoded caller identity. Token verification happens
// upstream; the engine only consumes the result.
type Identity struct {
	UserID string                `json:"user_id"`
	Claims map[string]ClaimValue `json:"claims"`
}

// Breadcrumb is the per-request metadata threaded through every operation
// for audit purposes.
type Breadcrumb struct {
	AtTime        time.Time `json:"at_time"`
	ByUser        string    `json:"by_user"`
	FromIP        string    `json:"from_ip,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	// RecursionStack is the chain of runbook filenames already executing in
	// this call tree. Nil means a top-level invocation.
	RecursionStack []string `json:"recursion_stack,omitempty"`
}

// ValidationResult is the outcome of the validate operation. Validation
// failure is data, not an error.
type ValidationResult struct {
	Success  bool     `json:"success"`
	Runbook  string   `json:"runbook"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ExecutionResult is the outcome of the execute operation.
type ExecutionResult struct {
	Success    bool     `json:"success"`
	Runbook    string   `json:"runbook"`
	ReturnCode int      `json:"return_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
}

// EnvVar is one declared environment requirement.
type EnvVar struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// EnvReport is the informational required/available/missing report for a
// runbook's environment requirements.
type EnvReport struct {
	Runbook   string   `json:"runbook"`
	Required  []EnvVar `json:"required"`
	Available []EnvVar `json:"available"`
	Missing   []EnvVar `json:"missing"`
}

// HistoryRecord is one audit entry, written as a single minified JSON line
// into the runbook's History section and emitted to the operational log.
// Records are append-only and never mutated.
type HistoryRecord struct {
	StartTimestamp  string        `json:"start_timestamp"`
	FinishTimestamp string        `json:"finish_timestamp"`
	ReturnCode      int           `json:"return_code"`
	Operation       string        `json:"operation"`
	Breadcrumb      Breadcrumb    `json:"breadcrumb"`
	ConfigItems     []config.Item `json:"config_items"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	Errors          []string      `json:"errors"`
	Warnings        []string      `json:"warnings"`
}
