// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/deployer"
)

type updateCommand struct {
	cmd.CommandBase
	cfg config.Config

	dryRun bool
	force  bool
}

func newUpdateCommand(cfg config.Config) cmd.Command {
	return &updateCommand{cfg: cfg}
}

// Info implements cmd.Command.
func (c *updateCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "update",
		Purpose: "update an existing sentinel install to the configured target",
		Doc: `
Runs the same pipeline as deploy against the environment-configured
source and target. Exits 2 without touching the host when the
installed version already matches.
`,
	}
}

// SetFlags implements cmd.Command.
func (c *updateCommand) SetFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&c.dryRun, "dry-run", false, "plan the update without changing the host")
	f.BoolVar(&c.force, "force", false, "update even if the target version is already installed")
}

// Init implements cmd.Command.
func (c *updateCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *updateCommand) Run(ctx *cmd.Context) error {
	d, err := deployer.New(c.cfg, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}
	return runAttempt(ctx, d, deployer.Options{
		DryRun: c.dryRun,
		Force:  c.force,
	})
}
