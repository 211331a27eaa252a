// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package deployer

import (
	"github.com/juju/errors"

	"github.com/mj-coding-Base/Hora-Police/acquire"
	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/install"
	"github.com/mj-coding-Base/Hora-Police/provision"
	"github.com/mj-coding-Base/Hora-Police/verify"
)

// remedies maps error kinds to the one remediation message operators
// get for that kind. Keeping this a single table is the point: every
// failure of a given kind prints the same advice, every time.
var remedies = []struct {
	kind   errors.ConstError
	advice string
}{
	{acquire.ErrOutOfMemory, "increase swap, or configure a remote build host (" + config.EnvRemoteBuildHost + ")"},
	{acquire.ErrToolchainMissing, "install the Rust toolchain (rustup), or configure a pre-built artifact URL (" + config.EnvDownloadURL + ")"},
	{acquire.ErrArchitectureMismatch, "binary architecture mismatch: rebuild for the host architecture"},
	{acquire.ErrChecksumMismatch, "the published artifact does not match its checksum: re-publish it, or build from source"},
	{acquire.ErrNetwork, "check connectivity to the build host and the artifact server"},
	{acquire.ErrTimeout, "the build or fetch exceeded its deadline: raise " + config.EnvBuildTimeout + " or use a faster strategy"},
	{provision.ErrPermissionDenied, "insufficient privilege to provision paths: run as root"},
	{provision.ErrPathConflict, "a required path exists with the wrong type: move it aside and rerun"},
	{install.ErrDescriptorInvalid, "the unit declares writable paths that are not provisioned: fix the sandbox policy or the manifest"},
	{install.ErrWriteFailed, "could not write to the install location: check filesystem space and mounts"},
	{install.ErrBackupMissing, "no backup to restore: reinstall from a known-good artifact manually"},
	{install.ErrBackupCorrupt, "the backup is unreadable: the host needs manual repair from a known-good artifact"},
	{install.ErrRestartFailed, "previous state restored but the service did not restart: inspect 'journalctl -u hora-police'"},
}

// reasonRemedies maps verification reason codes to advice.
var reasonRemedies = map[string]string{
	verify.ReasonNotExecutable:     "binary architecture mismatch: rebuild for the host architecture",
	verify.ReasonMissingDependency: "a shared library is missing: build a statically linked binary or install the dependency",
	verify.ReasonSandboxRejected:   "systemd could not set up the sandbox: a ReadWritePaths entry is missing on disk",
	verify.ReasonExecFailed:        "systemd could not exec the binary: check its architecture and permissions",
	verify.ReasonPermissionDenied:  "the service was denied access: check path ownership against the provision manifest",
	verify.ReasonTimeout:           "the capability probe hung: the binary is wedged, not just slow",
	verify.ReasonCrashLoop:         "the service is crash-looping: inspect 'journalctl -u hora-police'",
	verify.ReasonNotActive:         "the service never reached active state: inspect 'journalctl -u hora-police'",
}

// Remedy returns the remediation advice for err, or "" when no kind
// in the taxonomy matches.
func Remedy(err error) string {
	for _, r := range remedies {
		if errors.Is(err, r.kind) {
			return r.advice
		}
	}
	var all *acquire.AllStrategiesFailedError
	if errors.As(err, &all) {
		// Lead with the advice for the first classified sub-failure;
		// the full list is in the error text.
		for _, attempt := range all.Attempts {
			if advice := Remedy(attempt.Err); advice != "" {
				return advice
			}
		}
		return "every build strategy failed: see the attempt list above"
	}
	return ""
}

// RemedyForReasons returns advice for the first verification reason
// code with a known remedy.
func RemedyForReasons(reasons []string) string {
	for _, reason := range reasons {
		if advice, ok := reasonRemedies[reason]; ok {
			return advice
		}
	}
	return ""
}
