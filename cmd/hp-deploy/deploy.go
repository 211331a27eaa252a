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
	"github.com/juju/gnuflag"

	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/deployer"
)

// Subcommand exit codes, per the documented contract.
const (
	rcUpToDate   = 2
	rcDryRun     = 3
	rcRolledBack = 4
)

type deployCommand struct {
	cmd.CommandBase
	cfg config.Config

	dryRun bool
	force  bool
	source string
	target string
}

func newDeployCommand(cfg config.Config) cmd.Command {
	return &deployCommand{cfg: cfg}
}

// Info implements cmd.Command.
func (c *deployCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "deploy",
		Purpose: "deploy the sentinel to this host",
		Doc: `
Resolves the target version, acquires a binary via the strategy
chain, and installs it with backup and post-install verification.
A verification failure restores the previous state automatically.
`,
	}
}

// SetFlags implements cmd.Command.
func (c *deployCommand) SetFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&c.dryRun, "dry-run", false, "plan the deployment without changing the host")
	f.BoolVar(&c.force, "force", false, "deploy even if the target version is already installed")
	f.StringVar(&c.source, "source", "", "source checkout to build from")
	f.StringVar(&c.target, "target", "", "target version to deploy")
}

// Init implements cmd.Command.
func (c *deployCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *deployCommand) Run(ctx *cmd.Context) error {
	cfg := c.cfg
	if c.source != "" {
		cfg.SourceDir = c.source
	}
	d, err := deployer.New(cfg, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}
	return runAttempt(ctx, d, deployer.Options{
		DryRun:        c.dryRun,
		Force:         c.force,
		TargetVersion: c.target,
	})
}

// runAttempt executes a deployment attempt with signal cancellation
// and maps the outcome onto the documented exit codes.
func runAttempt(ctx *cmd.Context, d *deployer.Deployer, opts deployer.Options) error {
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	attempt, err := d.Deploy(runCtx, opts)
	switch attempt.Outcome {
	case deployer.OutcomeDone:
		ctx.Infof("deployed %s (via %s)", attempt.TargetVersion, attempt.Strategy)
		return nil
	case deployer.OutcomeNoop:
		ctx.Infof("version %s already installed; use --force to redeploy", attempt.TargetVersion)
		return cmd.NewRcPassthroughError(rcUpToDate)
	case deployer.OutcomeDryRun:
		ctx.Infof("dry run: would deploy %s via %s (installed: %s)",
			attempt.TargetVersion, attempt.Strategy, attempt.InstalledVersion)
		return cmd.NewRcPassthroughError(rcDryRun)
	case deployer.OutcomeRolledBack:
		reportFailure(ctx, attempt, err)
		ctx.Infof("previous state restored")
		return cmd.NewRcPassthroughError(rcRolledBack)
	default:
		reportFailure(ctx, attempt, err)
		return errors.Trace(err)
	}
}

// reportFailure prints the stage reached, the failure, and the
// remediation for it. Operators get the same message for the same
// failure kind every time; scripts grep these.
func reportFailure(ctx *cmd.Context, attempt *deployer.Attempt, err error) {
	ctx.Infof("deployment %s at stage %q: %v", attempt.Outcome, attempt.LastStage(), err)
	if attempt.Remedy != "" {
		ctx.Infof("remediation: %s", attempt.Remedy)
	}
}
