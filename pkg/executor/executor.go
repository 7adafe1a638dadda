// Package executor runs runbook scripts in a disposable working directory
// with a wall-clock timeout and output size limits.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stage0-ops/runbook-api/pkg/config"
)

// envNamePattern is the only accepted shape for caller-supplied environment
// variable names.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// System-managed environment variables injected into every script. Caller
// attempts to set these are logged and ignored; the system values are applied
// after user values so they always win.
const (
	EnvAPIToken       = "RUNBOOK_API_TOKEN"
	EnvCorrelationID  = "RUNBOOK_CORRELATION_ID"
	EnvAPIURL         = "RUNBOOK_URL"
	EnvRecursionStack = "RUNBOOK_RECURSION_STACK"
	EnvHeaderAuth     = "RUNBOOK_H_AUTH"
	EnvHeaderCorr     = "RUNBOOK_H_CORR"
	EnvHeaderRecur    = "RUNBOOK_H_RECUR"
	EnvHeaderCType    = "RUNBOOK_H_CTYPE"
	EnvHeaders        = "RUNBOOK_HEADERS"
)

var systemEnvNames = map[string]bool{
	EnvAPIToken:       true,
	EnvCorrelationID:  true,
	EnvAPIURL:         true,
	EnvRecursionStack: true,
	EnvHeaderAuth:     true,
	EnvHeaderCorr:     true,
	EnvHeaderRecur:    true,
	EnvHeaderCType:    true,
	EnvHeaders:        true,
}

// SystemContext carries the system-managed values injected into a script's
// environment: the caller's bearer token (so the script can call back into
// the API), the request correlation id, the API base URL, and the recursion
// chain to propagate to nested invocations.
type SystemContext struct {
	Token          string
	CorrelationID  string
	APIURL         string
	RecursionStack []string
}

// Request describes one script execution.
type Request struct {
	// Script is the shell script body.
	Script string
	// EnvVars are caller-supplied variables, validated and sanitized before
	// injection.
	EnvVars map[string]string
	// System holds the system-managed injection values.
	System SystemContext
	// InputPaths are the runbook's declared input files, copied into the
	// working directory before the script starts.
	InputPaths []string
	// SourceDir is the runbook's own directory; input paths resolve against
	// it and must not escape it.
	SourceDir string
}

// Result is what a script run produced. Failures before the process starts
// (bad variable name, missing input) are reported the same way: return code
// 1 with a descriptive stderr.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Executor runs scripts under the configured resource limits. It never
// mutates the host process environment: the merged, sanitized environment is
// handed to the child via exec.Cmd.Env only, so concurrent executions cannot
// leak variables into each other.
type Executor struct {
	log logrus.FieldLogger
	cfg config.ScriptConfig
}

// New creates an Executor.
func New(log logrus.FieldLogger, cfg config.ScriptConfig) *Executor {
	return &Executor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}
}

// Run executes the script and captures its output. The working directory is
// freshly created for this run and always removed, on every exit path. The
// wall-clock timeout forcibly terminates the child's whole process group.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	timeout := e.cfg.TimeoutSeconds
	if timeout <= 0 {
		e.log.WithField("timeout", timeout).Warn("Invalid timeout configured, using default")
		timeout = config.DefaultTimeoutSeconds
	}

	maxOutput := e.cfg.MaxOutputBytes
	if maxOutput <= 0 {
		e.log.WithField("max_output_bytes", maxOutput).Warn("Invalid output limit configured, using default")
		maxOutput = config.DefaultMaxOutputBytes
	}

	shell := e.cfg.Shell
	if shell == "" {
		shell = config.DefaultShell
	}

	env, errResult := e.buildEnv(req)
	if errResult != nil {
		return *errResult
	}

	workDir, err := os.MkdirTemp("", "runbook-exec-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return Result{ReturnCode: 1, Stderr: fmt.Sprintf("ERROR: Failed to create execution directory: %v", err)}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.log.WithError(err).WithField("dir", workDir).Warn("Failed to clean up execution directory")
		}
	}()

	if err := e.stageInputs(req.InputPaths, req.SourceDir, workDir); err != nil {
		return Result{ReturnCode: 1, Stderr: fmt.Sprintf("ERROR: %v", err)}
	}

	scriptPath := filepath.Join(workDir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0o700); err != nil {
		return Result{ReturnCode: 1, Stderr: fmt.Sprintf("ERROR: Failed to write script file: %v", err)}
	}

	e.log.WithFields(logrus.Fields{
		"timeout_seconds":  timeout,
		"max_output_bytes": maxOutput,
		"work_dir":         workDir,
		"inputs":           len(req.InputPaths),
	}).Info("Executing script")

	var stdout, stderr bytes.Buffer

	cmd := exec.Command(shell, scriptPath)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so timeout termination reaches the whole child tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return Result{ReturnCode: 1, Stderr: fmt.Sprintf("ERROR: Failed to start script: %v", err)}
	}

	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	timer := time.NewTimer(time.Duration(timeout) * time.Second)
	defer timer.Stop()

	var runErr error
	timedOut := false

	select {
	case runErr = <-waitDone:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut {
		killProcessGroup(pgid)
		<-waitDone

		elapsed := time.Since(start)
		e.log.WithField("elapsed", elapsed.String()).Warn("Script execution timed out")

		return Result{
			ReturnCode: 1,
			Stderr: fmt.Sprintf(
				"Script execution timed out after %d seconds (actual execution time: %.2fs). The script was terminated to prevent resource exhaustion.",
				timeout, elapsed.Seconds()),
		}
	}

	returnCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{ReturnCode: 1, Stderr: fmt.Sprintf("ERROR: Failed to execute script: %v", runErr)}
		}

		returnCode = exitErr.ExitCode()
		if returnCode < 0 {
			// Terminated by signal.
			returnCode = 1
		}
	}

	outStr, outTruncated := truncateUTF8(stdout.String(), maxOutput)
	errStr, errTruncated := truncateUTF8(stderr.String(), maxOutput)

	if outTruncated || errTruncated {
		e.log.WithFields(logrus.Fields{
			"stdout_truncated": outTruncated,
			"stderr_truncated": errTruncated,
		}).Warn("Script output truncated")

		errStr += fmt.Sprintf("\n[WARNING: Output truncated due to size limit (%d bytes)]\n", maxOutput)
	}

	e.log.WithFields(logrus.Fields{
		"return_code": returnCode,
		"elapsed":     time.Since(start).String(),
		"stdout_size": len(outStr),
		"stderr_size": len(errStr),
	}).Info("Script execution completed")

	return Result{ReturnCode: returnCode, Stdout: outStr, Stderr: errStr}
}

// buildEnv assembles the child environment: the host environment snapshot,
// then validated and sanitized caller variables, then the system-managed
// variables (applied last so they always win). Returns a Result on the first
// invalid caller variable name, before any process starts.
func (e *Executor) buildEnv(req Request) ([]string, *Result) {
	env := make(map[string]string, len(req.EnvVars)+16)

	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	for name, value := range req.EnvVars {
		if systemEnvNames[name] {
			e.log.WithField("name", name).Warn("Caller attempted to override system-managed environment variable, ignoring")

			continue
		}

		if !envNamePattern.MatchString(name) {
			e.log.WithField("name", name).Warn("Invalid environment variable name rejected")

			return nil, &Result{
				ReturnCode: 1,
				Stderr: fmt.Sprintf(
					"ERROR: Invalid environment variable name: %s. Variable names must start with a letter or underscore and contain only alphanumeric characters and underscores.",
					name),
			}
		}

		sanitized := stripControlBytes(value)
		if sanitized != value {
			e.log.WithFields(logrus.Fields{
				"name":    name,
				"removed": len(value) - len(sanitized),
			}).Warn("Environment variable value sanitized")
		}

		env[name] = sanitized
	}

	e.applySystemEnv(env, req.System)

	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}

	return out, nil
}

// applySystemEnv injects the system-managed variables, including the
// pre-formatted header strings scripts pass straight to curl.
func (e *Executor) applySystemEnv(env map[string]string, sys SystemContext) {
	var headers []string

	if sys.Token != "" {
		env[EnvAPIToken] = sys.Token
		env[EnvHeaderAuth] = "Authorization: Bearer " + sys.Token
		headers = append(headers, fmt.Sprintf("-H %q", env[EnvHeaderAuth]))
	}

	if sys.CorrelationID != "" {
		env[EnvCorrelationID] = sys.CorrelationID
		env[EnvHeaderCorr] = "X-Correlation-Id: " + sys.CorrelationID
		headers = append(headers, fmt.Sprintf("-H %q", env[EnvHeaderCorr]))
	}

	if sys.APIURL != "" {
		env[EnvAPIURL] = strings.TrimRight(sys.APIURL, "/") + "/api/runbooks"
	}

	if sys.RecursionStack != nil {
		stack, err := json.Marshal(sys.RecursionStack)
		if err == nil {
			env[EnvRecursionStack] = string(stack)
			env[EnvHeaderRecur] = "X-Recursion-Stack: " + string(stack)
			headers = append(headers, fmt.Sprintf("-H %q", env[EnvHeaderRecur]))
		}
	}

	env[EnvHeaderCType] = "Content-Type: application/json"
	headers = append(headers, fmt.Sprintf("-H %q", env[EnvHeaderCType]))

	env[EnvHeaders] = strings.Join(headers, " ")
}

// stageInputs copies the declared input files into the working directory,
// flattening to basenames. An input that resolves outside the runbook's
// source directory or does not exist aborts staging before the process
// starts.
func (e *Executor) stageInputs(inputs []string, sourceDir, workDir string) error {
	if len(inputs) == 0 {
		return nil
	}

	srcRoot, err := filepath.Abs(sourceDir)
	if err != nil {
		return fmt.Errorf("resolving source directory: %w", err)
	}

	for _, input := range inputs {
		resolved := filepath.Clean(filepath.Join(srcRoot, input))
		if resolved != srcRoot && !strings.HasPrefix(resolved, srcRoot+string(filepath.Separator)) {
			return fmt.Errorf("input file path escapes the runbook directory: %s", input)
		}

		info, err := os.Stat(resolved)
		if err != nil {
			return fmt.Errorf("input file does not exist: %s", input)
		}

		if info.IsDir() {
			return fmt.Errorf("input path is a directory, not a file: %s", input)
		}

		if err := copyFile(resolved, filepath.Join(workDir, filepath.Base(resolved))); err != nil {
			return fmt.Errorf("copying input file %s: %w", input, err)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}

// killProcessGroup terminates every process in the group. The negative pgid
// targets the whole group, catching children the script spawned.
func killProcessGroup(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// stripControlBytes removes control characters from a value while keeping
// newline, tab, and carriage return, which scripts legitimately consume.
func stripControlBytes(value string) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			return r
		}

		return -1
	}, value)
}

// truncateUTF8 cuts the string to at most max bytes without splitting a
// multi-byte character.
func truncateUTF8(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut], true
}
