// Package service composes the runbook engine: parsing, authorization,
// recursion guarding, validation, execution, and history recording behind
// the four public operations plus the informational helpers.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/config"
	"github.com/stage0-ops/runbook-api/pkg/executor"
	"github.com/stage0-ops/runbook-api/pkg/history"
	"github.com/stage0-ops/runbook-api/pkg/observability"
	"github.com/stage0-ops/runbook-api/pkg/parser"
	"github.com/stage0-ops/runbook-api/pkg/rbac"
	"github.com/stage0-ops/runbook-api/pkg/recursion"
	"github.com/stage0-ops/runbook-api/pkg/types"
	"github.com/stage0-ops/runbook-api/pkg/validator"
)

// ErrNotFound reports that a runbook identifier does not resolve to an
// existing file under the configured directory.
var ErrNotFound = errors.New("runbook not found")

// Service owns all in-memory state for a single request; the only shared
// state across requests is the read-only runbook files and the append-only
// history, both on disk.
type Service struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	dir      string
	executor *executor.Executor
	history  *history.Recorder
}

// New creates a Service rooted at the configured runbooks directory.
func New(log logrus.FieldLogger, cfg *config.Config) (*Service, error) {
	dir, err := filepath.Abs(cfg.RunbooksDir)
	if err != nil {
		return nil, fmt.Errorf("resolving runbooks directory: %w", err)
	}

	return &Service{
		log:      log.WithField("component", "service"),
		cfg:      cfg,
		dir:      dir,
		executor: executor.New(log, cfg.Script),
		history:  history.New(log),
	}, nil
}

// resolvePath maps a caller-supplied identifier to a file under the runbooks
// directory. The identifier is reduced to its bare base name first, so
// directory-traversal sequences are stripped before resolution.
func (s *Service) resolvePath(filename string) string {
	return filepath.Join(s.dir, filepath.Base(filename))
}

// List returns every parseable runbook in the configured directory, sorted
// by filename. Files that fail to load are skipped, not fatal.
func (s *Service) List(_ context.Context, _ types.Identity, _ types.Breadcrumb) ([]types.ListEntry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: runbooks directory %s", ErrNotFound, s.dir)
		}

		return nil, fmt.Errorf("reading runbooks directory: %w", err)
	}

	list := make([]types.ListEntry, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		doc, _, _ := parser.Load(filepath.Join(s.dir, entry.Name()))
		if doc == nil {
			continue
		}

		list = append(list, types.ListEntry{
			Filename: entry.Name(),
			Name:     doc.Name,
			Path:     entry.Name(),
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Filename < list[j].Filename })

	return list, nil
}

// Read returns a runbook's name and raw content.
func (s *Service) Read(_ context.Context, filename string, _ types.Identity, _ types.Breadcrumb) (*types.Runbook, error) {
	path := s.resolvePath(filename)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	doc, errs, _ := parser.Load(path)
	if doc == nil {
		return nil, fmt.Errorf("loading runbook %s: %s", filename, strings.Join(errs, "; "))
	}

	return doc, nil
}

// RequiredEnv reports which of a runbook's declared environment variables are
// set in the current process environment.
func (s *Service) RequiredEnv(_ context.Context, filename string, _ types.Identity, _ types.Breadcrumb) (*types.EnvReport, error) {
	path := s.resolvePath(filename)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	doc, errs, _ := parser.Load(path)
	if doc == nil {
		return nil, fmt.Errorf("loading runbook %s: %s", filename, strings.Join(errs, "; "))
	}

	report := &types.EnvReport{
		Runbook:   filename,
		Required:  []types.EnvVar{},
		Available: []types.EnvVar{},
		Missing:   []types.EnvVar{},
	}

	section, ok := parser.ExtractSection(doc.Content, parser.SectionEnvironment)
	if !ok {
		return report, nil
	}

	declared, found, err := parser.ExtractConfigBlock(section)
	if err != nil || !found {
		return report, nil
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := types.EnvVar{Name: name, Description: declared[name]}
		report.Required = append(report.Required, v)

		if os.Getenv(name) != "" {
			report.Available = append(report.Available, v)
		} else {
			report.Missing = append(report.Missing, v)
		}
	}

	return report, nil
}

// Validate runs the parser, authorizer, and validator against a runbook.
// Validation failure is returned as data; authorization denial is a distinct
// error (recorded to history), never folded into the error list.
func (s *Service) Validate(
	_ context.Context,
	filename string,
	identity types.Identity,
	breadcrumb types.Breadcrumb,
	envOverrides map[string]string,
) (*types.ValidationResult, error) {
	path := s.resolvePath(filename)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	doc, loadErrs, loadWarnings := parser.Load(path)
	if doc == nil {
		return nil, fmt.Errorf("loading runbook %s: %s", filename, strings.Join(loadErrs, "; "))
	}

	if err := s.authorize(doc, path, identity, breadcrumb, "validate"); err != nil {
		return nil, err
	}

	ok, errs, warnings := validator.Validate(path, doc.Content, envOverrides)
	warnings = append(loadWarnings, warnings...)

	status := "success"
	if !ok {
		status = "failure"
	}
	observability.OperationsTotal.WithLabelValues("validate", status).Inc()

	return &types.ValidationResult{
		Success:  ok,
		Runbook:  filename,
		Errors:   errs,
		Warnings: warnings,
	}, nil
}

// Execute runs a runbook: authorization, recursion guard, fail-fast
// validation, script execution, then history recording. Validation and
// script failures are data (return code 1), not errors; only NotFound,
// authorization denial, and internal failures surface as errors.
func (s *Service) Execute(
	ctx context.Context,
	filename string,
	identity types.Identity,
	breadcrumb types.Breadcrumb,
	envVars map[string]string,
	callerToken string,
) (*types.ExecutionResult, error) {
	path := s.resolvePath(filename)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	start := time.Now()

	doc, loadErrs, loadWarnings := parser.Load(path)
	if doc == nil {
		return nil, fmt.Errorf("loading runbook %s: %s", filename, strings.Join(loadErrs, "; "))
	}

	if err := s.authorize(doc, path, identity, breadcrumb, "execute"); err != nil {
		return nil, err
	}

	// Cycle and depth checks run before anything touches the filesystem.
	chain, err := recursion.Check(breadcrumb.RecursionStack, filepath.Base(filename), s.cfg.Script.MaxRecursionDepth)
	if err != nil {
		result := &types.ExecutionResult{
			Runbook:    filename,
			ReturnCode: 1,
			Stderr:     err.Error(),
			Errors:     []string{err.Error()},
			Warnings:   loadWarnings,
		}
		s.record(path, start, time.Now(), result, identity, breadcrumb, "execute")
		observability.OperationsTotal.WithLabelValues("execute", "recursion_denied").Inc()

		return result, nil
	}

	ok, errs, warnings := validator.Validate(path, doc.Content, envVars)
	warnings = append(loadWarnings, warnings...)

	if !ok {
		result := &types.ExecutionResult{
			Runbook:    filename,
			ReturnCode: 1,
			Stderr:     "Validation failed. Cannot execute runbook.",
			Errors:     errs,
			Warnings:   warnings,
		}
		s.record(path, start, time.Now(), result, identity, breadcrumb, "execute")
		observability.OperationsTotal.WithLabelValues("execute", "validation_failed").Inc()

		return result, nil
	}

	script, _ := parser.ExtractScript(doc.Content)

	var inputs []string
	if section, found := parser.ExtractSection(doc.Content, parser.SectionFileSystem); found {
		if reqs, err := parser.ExtractFileRequirements(section); err == nil {
			inputs = reqs.Input
		}
	}

	res := s.executor.Run(ctx, executor.Request{
		Script:  script,
		EnvVars: envVars,
		System: executor.SystemContext{
			Token:          callerToken,
			CorrelationID:  breadcrumb.CorrelationID,
			APIURL:         s.cfg.Server.BaseURL,
			RecursionStack: chain,
		},
		InputPaths: inputs,
		SourceDir:  filepath.Dir(path),
	})

	finish := time.Now()
	observability.ScriptDuration.WithLabelValues(filepath.Base(filename)).Observe(finish.Sub(start).Seconds())

	result := &types.ExecutionResult{
		Success:    res.ReturnCode == 0,
		Runbook:    filename,
		ReturnCode: res.ReturnCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Errors:     []string{},
		Warnings:   warnings,
	}

	s.record(path, start, finish, result, identity, breadcrumb, "execute")

	status := "success"
	if !result.Success {
		status = "failure"
	}
	observability.OperationsTotal.WithLabelValues("execute", status).Inc()

	return result, nil
}

// authorize extracts the runbook's required claims and checks the caller
// against them. Denials are audited to history before being returned; a
// history failure never masks the denial itself.
func (s *Service) authorize(doc *types.Runbook, path string, identity types.Identity, breadcrumb types.Breadcrumb, operation string) error {
	required, err := parser.ExtractRequiredClaims(doc.Content)
	if err != nil {
		return fmt.Errorf("parsing required claims for %s: %w", doc.Name, err)
	}

	if err := rbac.Authorize(identity, required, operation); err != nil {
		var denial *rbac.DenialError
		if errors.As(err, &denial) {
			s.log.WithFields(logrus.Fields{
				"runbook":   doc.Name,
				"user_id":   identity.UserID,
				"operation": operation,
			}).Warn("Authorization denied")

			observability.AuthorizationDenials.WithLabelValues(operation).Inc()

			if histErr := s.history.AppendAuthorizationDenial(path, denial.Error(), operation, identity, breadcrumb, s.cfg.Items()); histErr != nil {
				s.log.WithError(histErr).Error("Failed to record authorization denial to history")
			}
		}

		return err
	}

	return nil
}

// record appends an execution record, logging but never propagating recorder
// failures so partial results always reach the caller.
func (s *Service) record(path string, start, finish time.Time, result *types.ExecutionResult, identity types.Identity, breadcrumb types.Breadcrumb, operation string) {
	err := s.history.AppendExecution(
		path, start, finish,
		result.ReturnCode, operation,
		result.Stdout, result.Stderr,
		identity, breadcrumb, s.cfg.Items(),
		result.Errors, result.Warnings,
	)
	if err != nil {
		s.log.WithError(err).WithField("runbook", path).Error("Failed to record execution history")
	}
}
