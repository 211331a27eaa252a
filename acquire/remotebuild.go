// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

// RemoteBuildStrategy pushes the source tree to a helper host with
// more memory, builds it there, and pulls the release binary back.
// The remote host must be reachable over ssh with key auth already
// set up; this tool never prompts.
type RemoteBuildStrategy struct {
	// Host is the build host reference, e.g. "build@10.0.0.7".
	Host string

	// SourceDir is the local source checkout to push.
	SourceDir string

	// RemoteDir is the working directory on the build host.
	RemoteDir string

	// BinaryName is the name of the produced release binary.
	BinaryName string

	// Store stages the fetched binary.
	Store *artifact.Store

	// runCommand is patched in tests.
	runCommand func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// NewRemoteBuildStrategy returns a strategy building on host.
func NewRemoteBuildStrategy(host, sourceDir, remoteDir, binaryName string, store *artifact.Store) *RemoteBuildStrategy {
	return &RemoteBuildStrategy{
		Host:       host,
		SourceDir:  sourceDir,
		RemoteDir:  remoteDir,
		BinaryName: binaryName,
		Store:      store,
		runCommand: runCommand,
	}
}

// Name implements Strategy.
func (*RemoteBuildStrategy) Name() string {
	return "remote-build"
}

// Preflight implements Strategy.
func (s *RemoteBuildStrategy) Preflight(ctx context.Context, target version.Number) error {
	if s.Host == "" {
		return errors.NotFoundf("remote build host")
	}
	if _, err := os.Stat(filepath.Join(s.SourceDir, "Cargo.toml")); err != nil {
		return errors.NotFoundf("source checkout in %q", s.SourceDir)
	}
	return nil
}

// Acquire implements Strategy.
func (s *RemoteBuildStrategy) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	logger.Infof("building %v on %s", target, s.Host)

	// Push the source. rsync keeps repeat pushes cheap and skips the
	// local target/ directory, which can be gigabytes of stale build
	// output.
	output, err := s.runCommand(ctx, "", "rsync",
		"-az", "--delete", "--exclude", "target/",
		s.SourceDir+"/", fmt.Sprintf("%s:%s/", s.Host, s.RemoteDir))
	if err != nil {
		return nil, errors.Trace(classifyRemoteFailure("push source", err, output))
	}

	// Build remotely.
	buildCmd := fmt.Sprintf("cd %s && cargo build --release", s.RemoteDir)
	output, err = s.runCommand(ctx, "", "ssh", s.Host, buildCmd)
	if err != nil {
		return nil, errors.Trace(classifyRemoteFailure("remote build", err, output))
	}

	// Pull the binary back into a temp file, then stage it.
	tmp, err := os.CreateTemp("", "hpdeploy-fetch-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	remoteBinary := fmt.Sprintf("%s:%s/target/release/%s", s.Host, s.RemoteDir, s.BinaryName)
	output, err = s.runCommand(ctx, "", "scp", "-q", remoteBinary, tmpName)
	if err != nil {
		return nil, errors.Trace(classifyRemoteFailure("fetch binary", err, output))
	}

	f, err := os.Open(tmpName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	arch, archErr := BinaryArch(tmpName)
	if archErr != nil {
		f.Close()
		return nil, errors.Trace(archErr)
	}
	return stage(s.Store, f, target, s.Name(), arch)
}

func classifyRemoteFailure(op string, err error, output []byte) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.WithType(errors.Annotatef(err, "%s interrupted", op), ErrTimeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ssh and scp exit 255 on connection failure; anything else
		// is the remote command's own status.
		if exitErr.ExitCode() == 255 {
			return errors.WithType(
				errors.Errorf("%s: cannot reach build host: %s", op, lastLines(string(output), 3)),
				ErrNetwork,
			)
		}
		return errors.Trace(classifyBuildFailure(err, output))
	}
	return errors.Annotatef(err, "%s failed", op)
}
