// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/exec"
)

// Journal reads recent log lines for a unit by shelling out to
// journalctl. The sdjournal bindings need cgo and a linked libsystemd,
// which is too heavy a requirement for a deployment tool that may run
// before the build environment is fully provisioned.
type Journal struct {
	runner func(exec.RunParams) (*exec.ExecResponse, error)
}

// NewJournal returns a Journal backed by the host's journalctl.
func NewJournal() *Journal {
	return &Journal{runner: exec.RunCommands}
}

// RecentLogs implements service.LogReader.
func (j *Journal) RecentLogs(name string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	command := fmt.Sprintf(
		"journalctl --no-pager -o cat -n %d -u %s.service", n, name,
	)
	result, err := j.runner(exec.RunParams{Commands: command})
	if err != nil {
		return nil, errors.Annotatef(err, "cannot read journal for %q", name)
	}
	if result.Code != 0 {
		return nil, errors.Errorf(
			"journalctl exited %d for %q: %s",
			result.Code, name, strings.TrimSpace(string(result.Stderr)),
		)
	}
	out := strings.TrimRight(string(result.Stdout), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
