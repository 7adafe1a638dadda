// Package parser extracts structure from markdown runbook documents.
//
// A runbook is a markdown file whose top-level (H1) headings delimit named
// sections. Sections carry their payload in fenced code blocks: yaml blocks
// for declarative configuration and an sh block for the executable script.
package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stage0-ops/runbook-api/pkg/types"
)

// Fixed section names referenced by the engine.
const (
	SectionDocumentation  = "Documentation"
	SectionEnvironment    = "Environment Requirements"
	SectionFileSystem     = "File System Requirements"
	SectionRequiredClaims = "Required Claims"
	SectionScript         = "Script"
	SectionHistory        = "History"
)

// titlePattern matches an H1 heading at the very start of the document.
var titlePattern = regexp.MustCompile(`\A#[ \t]+(.+)`)

// h1Pattern matches any H1 heading line.
var h1Pattern = regexp.MustCompile(`(?m)^#[ \t]+`)

// yamlBlockPattern captures the first fenced yaml block.
var yamlBlockPattern = regexp.MustCompile("(?s)```yaml[ \t]*\n(.*?)```")

// scriptBlockPattern captures the first fenced sh block.
var scriptBlockPattern = regexp.MustCompile("(?s)```sh[ \t]*\n(.*?)```")

// Load reads a runbook file and extracts its name from the leading H1.
// Problems are reported as error and warning strings rather than a Go error
// so that callers can surface every issue in one pass; a nil document with
// errors means the file was unreadable or structurally unusable.
func Load(path string) (*types.Runbook, []string, []string) {
	var errs, warnings []string

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("Runbook file does not exist: %s", path))
		} else {
			errs = append(errs, fmt.Sprintf("Error reading runbook file: %v", err))
		}

		return nil, errs, warnings
	}

	content := string(data)

	match := titlePattern.FindStringSubmatch(content)
	if match == nil {
		errs = append(errs, "Runbook must start with an H1 header containing the runbook name")

		return nil, errs, warnings
	}

	name := strings.TrimSpace(match[1])

	// The name should equal the file's base name minus extension. A mismatch
	// is worth flagging but does not invalidate the document.
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name != stem {
		warnings = append(warnings, fmt.Sprintf("Runbook name %q does not match filename %q", name, stem))
	}

	return &types.Runbook{Name: name, Content: content, Path: path}, errs, warnings
}

// ExtractSection returns the raw text between the H1 heading matching name
// (exact, case-sensitive, trailing whitespace allowed) and the next H1 or end
// of document, trimmed. The second return is false when the heading is absent.
func ExtractSection(content, name string) (string, bool) {
	header := regexp.MustCompile(`(?m)^#[ \t]+` + regexp.QuoteMeta(name) + `[ \t]*$`)

	loc := header.FindStringIndex(content)
	if loc == nil {
		return "", false
	}

	rest := content[loc[1]:]
	if next := h1Pattern.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}

	return strings.TrimSpace(rest), true
}

// ExtractConfigBlock parses the first fenced yaml block in a section into a
// flat string map. The three outcomes are distinct: (nil, false, nil) when no
// block exists, (empty map, true, nil) for a present-but-empty block, and an
// error for a block that is not valid YAML or not a mapping.
func ExtractConfigBlock(section string) (map[string]string, bool, error) {
	raw, found := fencedYAML(section)
	if !found {
		return nil, false, nil
	}

	if raw == "" {
		return map[string]string{}, true, nil
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, true, fmt.Errorf("parsing yaml block: %w", err)
	}

	result := make(map[string]string, len(parsed))
	for key, value := range parsed {
		if value == nil {
			result[key] = ""

			continue
		}

		result[key] = fmt.Sprintf("%v", value)
	}

	return result, true, nil
}

// ExtractScript returns the body of the first fenced sh block inside the
// Script section, trimmed. Absence of the section or of the block both report
// false.
func ExtractScript(content string) (string, bool) {
	section, ok := ExtractSection(content, SectionScript)
	if !ok {
		return "", false
	}

	match := scriptBlockPattern.FindStringSubmatch(section)
	if match == nil {
		return "", false
	}

	return strings.TrimSpace(match[1]), true
}

// ExtractFileRequirements parses the Input and Output path lists from a
// File System Requirements section. A missing or empty block yields empty
// lists; scalar values are treated as single-element lists.
func ExtractFileRequirements(section string) (types.FileRequirements, error) {
	reqs := types.FileRequirements{Input: []string{}, Output: []string{}}

	raw, found := fencedYAML(section)
	if !found || raw == "" {
		return reqs, nil
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
		return reqs, fmt.Errorf("parsing file requirements yaml: %w", err)
	}

	reqs.Input = stringList(parsed["Input"])
	reqs.Output = stringList(parsed["Output"])

	return reqs, nil
}

// ExtractRequiredClaims parses the optional Required Claims section into a
// claim-name to allowed-values map. A single comma-bearing string value is
// split into trimmed values; a YAML list is used as-is. Absence of the
// section, the block, or any entries all yield nil (no restriction).
func ExtractRequiredClaims(content string) (map[string][]string, error) {
	section, ok := ExtractSection(content, SectionRequiredClaims)
	if !ok {
		return nil, nil
	}

	raw, found := fencedYAML(section)
	if !found || raw == "" {
		return nil, nil
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parsing required claims yaml: %w", err)
	}

	claims := make(map[string][]string, len(parsed))

	for key, value := range parsed {
		switch v := value.(type) {
		case string:
			if strings.Contains(v, ",") {
				parts := strings.Split(v, ",")
				values := make([]string, 0, len(parts))
				for _, p := range parts {
					values = append(values, strings.TrimSpace(p))
				}
				claims[key] = values
			} else {
				claims[key] = []string{strings.TrimSpace(v)}
			}
		case []any:
			values := make([]string, 0, len(v))
			for _, item := range v {
				values = append(values, fmt.Sprintf("%v", item))
			}
			claims[key] = values
		default:
			claims[key] = []string{fmt.Sprintf("%v", v)}
		}
	}

	if len(claims) == 0 {
		return nil, nil
	}

	return claims, nil
}

// LastHistoryEntry parses the most recent JSON history line under the History
// heading. The second return is false when there is no parseable entry.
func LastHistoryEntry(content string) (types.HistoryRecord, bool) {
	var record types.HistoryRecord

	idx := strings.Index(content, "# "+SectionHistory)
	if idx == -1 {
		return record, false
	}

	var last string
	for _, line := range strings.Split(content[idx:], "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}") {
			last = line
		}
	}

	if last == "" {
		return record, false
	}

	if err := json.Unmarshal([]byte(last), &record); err != nil {
		return types.HistoryRecord{}, false
	}

	return record, true
}

// fencedYAML returns the trimmed inner text of the first yaml code fence.
func fencedYAML(section string) (string, bool) {
	match := yamlBlockPattern.FindStringSubmatch(section)
	if match == nil {
		return "", false
	}

	return strings.TrimSpace(match[1]), true
}

// stringList normalizes a decoded YAML value into a string slice. Nil yields
// an empty list, a list keeps its non-nil items, anything else becomes a
// single-element list.
func stringList(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%v", item))
		}

		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
