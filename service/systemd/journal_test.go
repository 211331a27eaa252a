// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4/exec"
	gc "gopkg.in/check.v1"
)

type journalSuite struct{}

var _ = gc.Suite(&journalSuite{})

func fakeJournal(response *exec.ExecResponse, err error) (*Journal, *[]string) {
	var commands []string
	j := &Journal{runner: func(params exec.RunParams) (*exec.ExecResponse, error) {
		commands = append(commands, params.Commands)
		return response, err
	}}
	return j, &commands
}

func (*journalSuite) TestRecentLogs(c *gc.C) {
	j, commands := fakeJournal(&exec.ExecResponse{
		Stdout: []byte("first line\nsecond line\n"),
	}, nil)

	lines, err := j.RecentLogs("hora-police", 50)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lines, jc.DeepEquals, []string{"first line", "second line"})
	c.Check(*commands, jc.DeepEquals, []string{
		"journalctl --no-pager -o cat -n 50 -u hora-police.service",
	})
}

func (*journalSuite) TestRecentLogsEmpty(c *gc.C) {
	j, _ := fakeJournal(&exec.ExecResponse{}, nil)

	lines, err := j.RecentLogs("hora-police", 50)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lines, gc.HasLen, 0)
}

func (*journalSuite) TestRecentLogsZeroCount(c *gc.C) {
	j, commands := fakeJournal(nil, errors.New("should not run"))

	lines, err := j.RecentLogs("hora-police", 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lines, gc.HasLen, 0)
	c.Check(*commands, gc.HasLen, 0)
}

func (*journalSuite) TestRecentLogsRunnerError(c *gc.C) {
	j, _ := fakeJournal(nil, errors.New("no journalctl"))

	_, err := j.RecentLogs("hora-police", 10)
	c.Assert(err, gc.ErrorMatches, `cannot read journal for "hora-police": no journalctl`)
}

func (*journalSuite) TestRecentLogsNonZeroExit(c *gc.C) {
	j, _ := fakeJournal(&exec.ExecResponse{
		Code:   1,
		Stderr: []byte("No journal files were found.\n"),
	}, nil)

	_, err := j.RecentLogs("hora-police", 10)
	c.Assert(err, gc.ErrorMatches, `journalctl exited 1 for "hora-police": No journal files were found.`)
}
