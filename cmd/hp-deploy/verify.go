// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"

	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/deployer"
)

type verifyCommand struct {
	cmd.CommandBase
	cfg config.Config
}

func newVerifyCommand(cfg config.Config) cmd.Command {
	return &verifyCommand{cfg: cfg}
}

// Info implements cmd.Command.
func (c *verifyCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "verify",
		Purpose: "check that the installed sentinel is healthy",
		Doc: `
Runs the capability probe against the installed binary, queries the
supervisor for the unit's state, and scans recent journal lines for
known-fatal patterns. All three must pass.
`,
	}
}

// Init implements cmd.Command.
func (c *verifyCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *verifyCommand) Run(ctx *cmd.Context) error {
	d, err := deployer.New(c.cfg, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := d.Verify(runCtx)
	if err != nil {
		return errors.Trace(err)
	}
	if !report.Passed() {
		ctx.Infof("verification failed: binary-ok=%v service-active=%v reasons=%v",
			report.BinaryOK, report.ServiceActive, report.Reasons)
		if report.Detail != "" {
			ctx.Infof("detail: %s", report.Detail)
		}
		if remedy := deployer.RemedyForReasons(report.Reasons); remedy != "" {
			ctx.Infof("remediation: %s", remedy)
		}
		return errors.New("sentinel is not healthy")
	}
	ctx.Infof("sentinel verified: binary ok, service active, no fatal log patterns")
	return nil
}
