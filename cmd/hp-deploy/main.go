// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// hp-deploy installs, updates, verifies and rolls back the
// hora-police sentinel daemon on the local host.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v4"

	"github.com/mj-coding-Base/Hora-Police/config"
)

var doc = `
hp-deploy manages the deployment of the hora-police sentinel: it
resolves the target version, acquires a binary (staged artifact,
local build, remote build, or download), provisions the filesystem,
swaps the binary and service unit in atomically with a backup, and
verifies the result. Failed deployments roll back automatically.

Exit codes:
    0  success
    1  hard failure (aborted before mutation, or rollback failed)
    2  already up to date
    3  dry run completed
    4  deployment failed and the previous state was restored
`

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "hp-deploy",
		Doc:     doc,
		Purpose: "deploy and manage the hora-police sentinel",
		Log:     &cmd.Log{},
	})
	super.Register(newDeployCommand(cfg))
	super.Register(newUpdateCommand(cfg))
	super.Register(newRollbackCommand(cfg))
	super.Register(newVerifyCommand(cfg))

	os.Exit(cmd.Main(super, ctx, os.Args[1:]))
}
