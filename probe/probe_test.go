// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package probe_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/mj-coding-Base/Hora-Police/probe"
)

type probeSuite struct{}

var _ = gc.Suite(&probeSuite{})

// writeScript writes an executable shell script standing in for the
// sentinel binary.
func writeScript(c *gc.C, body string) string {
	path := filepath.Join(c.MkDir(), "hora-police")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (*probeSuite) TestRunOK(c *gc.C) {
	path := writeScript(c, `echo "capabilities: ebpf, fanotify"; exit 0`)

	result := probe.Run(context.Background(), path, 5*time.Second)
	c.Check(result.Outcome, gc.Equals, probe.OK)
	c.Check(result.Passed(), jc.IsTrue)
	c.Check(result.Detail, gc.Equals, "capabilities: ebpf, fanotify")
}

func (*probeSuite) TestRunCrash(c *gc.C) {
	path := writeScript(c, `echo "panic: oh no" >&2; exit 101`)

	result := probe.Run(context.Background(), path, 5*time.Second)
	c.Check(result.Outcome, gc.Equals, probe.Crash)
	c.Check(result.Passed(), jc.IsFalse)
	c.Check(result.Detail, gc.Equals, "panic: oh no")
}

func (*probeSuite) TestRunTimeout(c *gc.C) {
	path := writeScript(c, `sleep 10`)

	result := probe.Run(context.Background(), path, 100*time.Millisecond)
	c.Check(result.Outcome, gc.Equals, probe.Timeout)
}

func (*probeSuite) TestRunMissingBinary(c *gc.C) {
	path := filepath.Join(c.MkDir(), "missing")

	result := probe.Run(context.Background(), path, 5*time.Second)
	c.Check(result.Outcome, gc.Equals, probe.Unknown)
}

func (*probeSuite) TestRunMissingDependency(c *gc.C) {
	// An executable with an interpreter line pointing nowhere makes
	// exec report ENOENT even though the file itself exists.
	path := filepath.Join(c.MkDir(), "hora-police")
	err := os.WriteFile(path, []byte("#!/no/such/interpreter\n"), 0755)
	c.Assert(err, jc.ErrorIsNil)

	result := probe.Run(context.Background(), path, 5*time.Second)
	c.Check(result.Outcome, gc.Equals, probe.MissingDependency)
}

func (*probeSuite) TestVersion(c *gc.C) {
	path := writeScript(c, `echo "hora-police 0.4.2"`)

	vers, err := probe.Version(context.Background(), path, 5*time.Second)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(vers, gc.Equals, version.MustParse("0.4.2"))
}

func (*probeSuite) TestVersionWithVPrefix(c *gc.C) {
	path := writeScript(c, `echo "hora-police v1.2.3"`)

	vers, err := probe.Version(context.Background(), path, 5*time.Second)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(vers, gc.Equals, version.MustParse("1.2.3"))
}

func (*probeSuite) TestVersionUnparseable(c *gc.C) {
	path := writeScript(c, `echo "hora-police development build"`)

	_, err := probe.Version(context.Background(), path, 5*time.Second)
	c.Assert(err, gc.ErrorMatches, `cannot parse version output "hora-police development build": .*`)
}

func (*probeSuite) TestVersionCrash(c *gc.C) {
	path := writeScript(c, `exit 1`)

	_, err := probe.Version(context.Background(), path, 5*time.Second)
	c.Assert(err, gc.ErrorMatches, `cannot query version of ".*": .*`)
}
