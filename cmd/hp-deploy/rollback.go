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

type rollbackCommand struct {
	cmd.CommandBase
	cfg config.Config
}

func newRollbackCommand(cfg config.Config) cmd.Command {
	return &rollbackCommand{cfg: cfg}
}

// Info implements cmd.Command.
func (c *rollbackCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "rollback",
		Purpose: "restore the most recent backup and restart the service",
	}
}

// Init implements cmd.Command.
func (c *rollbackCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *rollbackCommand) Run(ctx *cmd.Context) error {
	d, err := deployer.New(c.cfg, clock.WallClock)
	if err != nil {
		return errors.Trace(err)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.RollbackToLatest(runCtx); err != nil {
		if remedy := deployer.Remedy(err); remedy != "" {
			ctx.Infof("remediation: %s", remedy)
		}
		return errors.Trace(err)
	}
	ctx.Infof("rolled back to the most recent backup")
	return nil
}
