// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

// LocalBuildStrategy compiles the sentinel from a source checkout on
// this host. It is tried before remote build and download because a
// local build needs no network; it is also the strategy most likely
// to die to the OOM killer, which is why its failure must be
// classified, not just reported.
type LocalBuildStrategy struct {
	// SourceDir is the sentinel source checkout.
	SourceDir string

	// Store stages the built binary.
	Store *artifact.Store

	// BinaryName is the name of the produced release binary.
	BinaryName string

	// lookPath and runCommand are patched in tests.
	lookPath   func(string) (string, error)
	runCommand func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// NewLocalBuildStrategy returns a strategy building in sourceDir.
func NewLocalBuildStrategy(sourceDir, binaryName string, store *artifact.Store) *LocalBuildStrategy {
	return &LocalBuildStrategy{
		SourceDir:  sourceDir,
		Store:      store,
		BinaryName: binaryName,
		lookPath:   exec.LookPath,
		runCommand: runCommand,
	}
}

// Name implements Strategy.
func (*LocalBuildStrategy) Name() string {
	return "local-build"
}

// Preflight implements Strategy.
func (s *LocalBuildStrategy) Preflight(ctx context.Context, target version.Number) error {
	if s.SourceDir == "" {
		return errors.NotFoundf("source directory")
	}
	if _, err := os.Stat(filepath.Join(s.SourceDir, "Cargo.toml")); err != nil {
		return errors.NotFoundf("source checkout in %q", s.SourceDir)
	}
	if _, err := s.lookPath("cargo"); err != nil {
		return errors.WithType(
			errors.Annotate(err, "cargo not found in PATH"),
			ErrToolchainMissing,
		)
	}
	return nil
}

// Acquire implements Strategy.
func (s *LocalBuildStrategy) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	logger.Infof("building %v from source in %s", target, s.SourceDir)

	output, err := s.runCommand(ctx, s.SourceDir, "cargo", "build", "--release")
	if err != nil {
		return nil, errors.Trace(classifyBuildFailure(err, output))
	}

	binary := filepath.Join(s.SourceDir, "target", "release", s.BinaryName)
	f, err := os.Open(binary)
	if err != nil {
		return nil, errors.Annotate(err, "build succeeded but produced no binary")
	}
	arch, archErr := BinaryArch(binary)
	if archErr != nil {
		f.Close()
		return nil, errors.Trace(archErr)
	}
	return stage(s.Store, f, target, s.Name(), arch)
}

// classifyBuildFailure maps a failed compiler run onto the acquisition
// taxonomy. A SIGKILL almost always means the OOM killer on the hosts
// this tool targets.
func classifyBuildFailure(err error, output []byte) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.WithType(errors.Annotate(err, "build interrupted"), ErrTimeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() && status.Signal() == syscall.SIGKILL {
				return errors.WithType(errors.New("compiler killed by SIGKILL"), ErrOutOfMemory)
			}
		}
	}
	text := string(output)
	if strings.Contains(text, "memory exhausted") ||
		strings.Contains(text, "Cannot allocate memory") ||
		strings.Contains(text, "signal: 9") {
		return errors.WithType(errors.New("compiler reported memory exhaustion"), ErrOutOfMemory)
	}
	return errors.Annotatef(err, "build failed: %s", lastLines(text, 5))
}

func runCommand(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return output.Bytes(), err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
