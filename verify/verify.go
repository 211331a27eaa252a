// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package verify decides whether an installed sentinel is actually
// healthy: the binary must run its capability probe, the supervisor
// must report the unit active, and the recent journal must be free of
// known-fatal patterns. All three checks matter. A binary can be
// individually executable and still die inside the supervisor's
// sandbox, so the probe alone proves nothing.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/mj-coding-Base/Hora-Police/probe"
)

var logger = loggo.GetLogger("hpdeploy.verify")

// Reason codes emitted in reports. These exact strings are what
// operators grep for; emit them deterministically.
const (
	ReasonNotExecutable     = "not-executable"
	ReasonMissingDependency = "missing-dependency"
	ReasonSandboxRejected   = "sandbox-rejected"
	ReasonExecFailed        = "exec-failed"
	ReasonPermissionDenied  = "permission-denied"
	ReasonTimeout           = "timeout"
	ReasonCrashLoop         = "crash-loop"
	ReasonNotActive         = "not-active"
)

// fatalPatterns maps journal substrings to reason codes. Each one is
// a failure mode actually observed with this daemon: namespace setup
// failing because a ReadWritePaths entry was missing, exec failing on
// a wrong-architecture binary, and plain permission denials.
var fatalPatterns = []struct {
	substring string
	reason    string
}{
	{"Failed to set up mount namespacing", ReasonSandboxRejected},
	{"status=226/NAMESPACE", ReasonSandboxRejected},
	{"status=203/EXEC", ReasonExecFailed},
	{"Permission denied", ReasonPermissionDenied},
	{"Start request repeated too quickly", ReasonCrashLoop},
}

// Report is the structured result of one verification.
type Report struct {
	// BinaryOK reports whether the capability probe passed and no
	// fatal pattern overrode it.
	BinaryOK bool `json:"binary-ok"`

	// ServiceActive reports whether the supervisor considers the
	// unit active.
	ServiceActive bool `json:"service-active"`

	// Reasons holds the matched failure reason codes.
	Reasons []string `json:"reasons,omitempty"`

	// Detail is a raw diagnostic excerpt for the operator.
	Detail string `json:"detail,omitempty"`
}

// Passed reports overall verification success.
func (r Report) Passed() bool {
	return r.BinaryOK && r.ServiceActive && len(r.Reasons) == 0
}

// StatusReporter is the slice of the supervisor verification needs.
type StatusReporter interface {
	Running() (bool, error)
}

// LogReader reads recent journal lines for a service.
type LogReader interface {
	RecentLogs(name string, n int) ([]string, error)
}

// ProbeFunc runs the capability probe; patched in tests.
type ProbeFunc func(ctx context.Context, path string, timeout time.Duration) probe.Result

const defaultPollInterval = 2 * time.Second

// Verifier runs the three checks against one installed service.
type Verifier struct {
	BinaryPath  string
	ServiceName string
	Status      StatusReporter
	Logs        LogReader
	LogLines    int

	// Clock and PollInterval drive the wait for the unit to reach
	// active state.
	Clock        clock.Clock
	PollInterval time.Duration

	Probe ProbeFunc
}

// NewVerifier returns a verifier with the production probe.
func NewVerifier(binaryPath, serviceName string, status StatusReporter, logs LogReader) *Verifier {
	return &Verifier{
		BinaryPath:   binaryPath,
		ServiceName:  serviceName,
		Status:       status,
		Logs:         logs,
		LogLines:     50,
		Clock:        clock.WallClock,
		PollInterval: defaultPollInterval,
		Probe:        probe.Run,
	}
}

// Verify runs probe, supervisor query and journal scan, in that
// order, and folds the results into a single report. The supervisor
// is polled until the unit is active or the timeout runs out. A
// matched fatal journal pattern forces failure even when the probe
// passed.
func (v *Verifier) Verify(ctx context.Context, timeout time.Duration) (Report, error) {
	var report Report

	result := v.Probe(ctx, v.BinaryPath, timeout)
	report.BinaryOK = result.Passed()
	report.Detail = result.Detail
	if !result.Passed() {
		report.Reasons = append(report.Reasons, probeReason(result.Outcome))
	}

	active, err := v.waitActive(timeout)
	if err != nil {
		return report, errors.Trace(err)
	}
	report.ServiceActive = active
	if !active {
		report.Reasons = append(report.Reasons, ReasonNotActive)
	}

	lines, err := v.Logs.RecentLogs(v.ServiceName, v.LogLines)
	if err != nil {
		return report, errors.Annotate(err, "cannot read service logs")
	}
	for _, reason := range scanFatal(lines) {
		report.Reasons = append(report.Reasons, reason)
		// The journal knows things the probe cannot see; a fatal
		// pattern overrides a passing probe.
		report.BinaryOK = false
	}

	if report.Passed() {
		logger.Infof("verification passed for %q", v.ServiceName)
	} else {
		logger.Warningf("verification failed for %q: %v", v.ServiceName, report.Reasons)
	}
	return report, nil
}

const errNotActive = errors.ConstError("unit not active")

// waitActive polls the supervisor until the unit reports active or
// the timeout runs out. A freshly started unit can still be
// activating; a single query would misreport it as failed.
func (v *Verifier) waitActive(timeout time.Duration) (bool, error) {
	clk := v.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	interval := v.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	var queryErr error
	err := retry.Call(retry.CallArgs{
		Clock:       clk,
		Delay:       interval,
		MaxDuration: timeout,
		Func: func() error {
			var active bool
			active, queryErr = v.Status.Running()
			if queryErr != nil {
				return errors.Trace(queryErr)
			}
			if !active {
				return errNotActive
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotActive)
		},
	})
	if err == nil {
		return true, nil
	}
	if queryErr != nil {
		return false, errors.Annotate(queryErr, "cannot query supervisor")
	}
	// The wait ran out; the unit never reached active.
	return false, nil
}

func probeReason(outcome probe.Outcome) string {
	switch outcome {
	case probe.WrongArchitecture:
		return ReasonNotExecutable
	case probe.MissingDependency:
		return ReasonMissingDependency
	case probe.Timeout:
		return ReasonTimeout
	case probe.Crash:
		return ReasonCrashLoop
	}
	return ReasonNotExecutable
}

func scanFatal(lines []string) []string {
	var reasons []string
	seen := make(map[string]bool)
	for _, line := range lines {
		for _, p := range fatalPatterns {
			if strings.Contains(line, p.substring) && !seen[p.reason] {
				logger.Debugf("fatal pattern %q matched: %s", p.substring, line)
				seen[p.reason] = true
				reasons = append(reasons, p.reason)
			}
		}
	}
	return reasons
}
