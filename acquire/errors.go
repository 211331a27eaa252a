// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// The acquisition failure taxonomy. Strategies annotate these with
// context; the pipeline and the operator-facing remediation table
// match on them with errors.Is.
const (
	// ErrToolchainMissing means the build toolchain is not installed.
	ErrToolchainMissing = errors.ConstError("build toolchain missing")

	// ErrOutOfMemory means the build process was killed by the kernel
	// for exhausting memory. The dominant failure mode on small hosts.
	ErrOutOfMemory = errors.ConstError("build killed: out of memory")

	// ErrNetwork means a remote strategy could not reach its peer.
	ErrNetwork = errors.ConstError("network failure")

	// ErrChecksumMismatch means a fetched artifact did not match its
	// published digest.
	ErrChecksumMismatch = errors.ConstError("checksum mismatch")

	// ErrArchitectureMismatch means the produced binary is not a
	// well-formed executable for the host architecture.
	ErrArchitectureMismatch = errors.ConstError("architecture mismatch")

	// ErrTimeout means the strategy's bounded wait expired.
	ErrTimeout = errors.ConstError("acquisition timed out")
)

// Attempt records one strategy's failure for diagnostics.
type Attempt struct {
	Strategy string
	Err      error
}

// AllStrategiesFailedError reports that every strategy in the pipeline
// failed, carrying each sub-failure.
type AllStrategiesFailedError struct {
	Attempts []Attempt
}

// Error implements error.
func (e *AllStrategiesFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return fmt.Sprintf("all %d build strategies failed: %s",
		len(e.Attempts), strings.Join(parts, "; "))
}
