// Package validator checks runbook structure and run-time preconditions.
package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stage0-ops/runbook-api/pkg/parser"
)

// requiredSections must all be present; every one except History must also
// be non-empty.
var requiredSections = []string{
	parser.SectionEnvironment,
	parser.SectionFileSystem,
	parser.SectionScript,
	parser.SectionHistory,
}

// Validate checks the runbook content against its structural requirements
// and the current run-time preconditions. Every check appends its own errors
// so a single pass surfaces all problems; nothing short-circuits. Declared
// environment variables are checked against the process environment merged
// with envOverrides (overrides win). Input paths resolve relative to the
// runbook's own directory. Validation never executes the script and never
// mutates the file.
func Validate(path, content string, envOverrides map[string]string) (bool, []string, []string) {
	errs := []string{}
	warnings := []string{}

	if content == "" {
		errs = append(errs, "Runbook content is empty")

		return false, errs, warnings
	}

	for _, section := range requiredSections {
		body, ok := parser.ExtractSection(content, section)
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("Missing required section: %s", section))
		case section != parser.SectionHistory && body == "":
			errs = append(errs, fmt.Sprintf("Section '%s' is empty", section))
		}
	}

	errs = append(errs, checkEnvironment(content, envOverrides)...)
	errs = append(errs, checkFileSystem(path, content)...)

	if script, ok := parser.ExtractScript(content); !ok || script == "" {
		errs = append(errs, "Script section must contain a sh code block")
	}

	return len(errs) == 0, errs, warnings
}

// checkEnvironment verifies the Environment Requirements block parses and
// that every declared variable is present in the effective environment.
func checkEnvironment(content string, envOverrides map[string]string) []string {
	var errs []string

	section, ok := parser.ExtractSection(content, parser.SectionEnvironment)
	if !ok {
		// The missing section is already reported by the section sweep.
		return nil
	}

	declared, found, err := parser.ExtractConfigBlock(section)
	if err != nil {
		return append(errs, fmt.Sprintf("Environment Requirements yaml block is malformed: %v", err))
	}

	if !found {
		return append(errs, "Environment Requirements section must contain a yaml code block")
	}

	env := environmentSnapshot(envOverrides)
	for name := range declared {
		if _, set := env[name]; !set {
			errs = append(errs, fmt.Sprintf("Required environment variable not set: %s", name))
		}
	}

	return errs
}

// checkFileSystem verifies declared input files exist relative to the
// runbook's directory and that output paths are creatable.
func checkFileSystem(path, content string) []string {
	var errs []string

	section, ok := parser.ExtractSection(content, parser.SectionFileSystem)
	if !ok {
		return nil
	}

	if _, found := parserConfigBlockPresent(section); !found {
		return append(errs, "File System Requirements section must contain a yaml code block")
	}

	reqs, err := parser.ExtractFileRequirements(section)
	if err != nil {
		return append(errs, fmt.Sprintf("File System Requirements yaml block is malformed: %v", err))
	}

	dir := filepath.Dir(path)

	for _, input := range reqs.Input {
		full := filepath.Join(dir, input)
		if _, err := os.Stat(full); err != nil {
			errs = append(errs, fmt.Sprintf("Required input file does not exist: %s", input))
		}
	}

	for _, output := range reqs.Output {
		if _, err := os.Stat(output); err == nil {
			continue
		}

		// The output path itself may not exist yet; its parent must.
		if _, err := os.Stat(filepath.Dir(output)); err != nil {
			errs = append(errs, fmt.Sprintf("Output directory parent does not exist: %s", output))
		}
	}

	return errs
}

// parserConfigBlockPresent reports whether the section carries a yaml block
// at all, without caring about its contents.
func parserConfigBlockPresent(section string) (map[string]string, bool) {
	block, found, err := parser.ExtractConfigBlock(section)
	if err != nil {
		// Malformed still means present; the requirements parse reports it.
		return nil, true
	}

	return block, found
}

// environmentSnapshot merges the process environment with caller overrides,
// overrides taking precedence.
func environmentSnapshot(overrides map[string]string) map[string]string {
	env := make(map[string]string, len(overrides)+64)

	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	for k, v := range overrides {
		env[k] = v
	}

	return env
}
