// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package probe executes a candidate binary and classifies the result.
// The sentinel binary documents two probe flags: --capabilities, which
// must print the detection capabilities and exit 0, and --version.
package probe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/version/v2"
)

var logger = loggo.GetLogger("hpdeploy.probe")

// Outcome is the fixed classification of a probe run.
type Outcome string

const (
	// OK means the binary ran the capability probe to completion.
	OK Outcome = "ok"
	// WrongArchitecture means the kernel refused to exec the binary.
	WrongArchitecture Outcome = "wrong-architecture"
	// MissingDependency means the binary could not load a shared
	// library or its interpreter.
	MissingDependency Outcome = "missing-dependency"
	// Crash means the binary started and exited non-zero or on a signal.
	Crash Outcome = "crash"
	// Timeout means the probe deadline expired with the binary
	// still running. A hang is a failure, not a wait.
	Timeout Outcome = "timeout"
	// Unknown covers everything else, such as a missing binary.
	Unknown Outcome = "unknown"
)

// Result is the classified outcome of one probe invocation plus a raw
// diagnostic excerpt for the report.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Passed reports whether the probe succeeded.
func (r Result) Passed() bool {
	return r.Outcome == OK
}

// CapabilityFlag is the documented self-check flag on the sentinel binary.
const CapabilityFlag = "--capabilities"

// Run invokes the capability probe on the binary at path, bounded by
// timeout, and classifies what happened.
func Run(ctx context.Context, path string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr, stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, CapabilityFlag)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		logger.Warningf("probe of %q timed out after %v", path, timeout)
		return Result{Outcome: Timeout, Detail: "probe deadline exceeded"}
	}
	if err == nil {
		return Result{Outcome: OK, Detail: firstLine(stdout.String())}
	}
	return classify(path, err, stderr.String())
}

func classify(path string, err error, stderr string) Result {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "exec format error"):
		return Result{Outcome: WrongArchitecture, Detail: detail}
	case strings.Contains(stderr, "error while loading shared libraries"):
		return Result{Outcome: MissingDependency, Detail: detail}
	case strings.Contains(msg, "no such file or directory"):
		if _, statErr := os.Stat(path); statErr == nil {
			// The binary exists but exec reported ENOENT: its ELF
			// interpreter is missing (wrong libc, typically).
			return Result{Outcome: MissingDependency, Detail: detail}
		}
		return Result{Outcome: Unknown, Detail: detail}
	}
	if _, ok := err.(*exec.ExitError); ok {
		return Result{Outcome: Crash, Detail: detail}
	}
	return Result{Outcome: Unknown, Detail: detail}
}

// Version runs the binary's --version flag and parses the reported
// version. A binary that cannot report its version within the timeout
// is treated as having no resolvable version.
func Version(ctx context.Context, path string, timeout time.Duration) (version.Number, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return version.Zero, errors.Annotatef(err, "cannot query version of %q", path)
	}

	// The output is e.g. "hora-police 0.4.2"; the version is the last
	// whitespace-separated field.
	fields := strings.Fields(firstLine(stdout.String()))
	if len(fields) == 0 {
		return version.Zero, errors.Errorf("empty version output from %q", path)
	}
	vers, err := version.Parse(strings.TrimPrefix(fields[len(fields)-1], "v"))
	if err != nil {
		return version.Zero, errors.Annotatef(err, "cannot parse version output %q", firstLine(stdout.String()))
	}
	return vers, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
