// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package deployer

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/probe"
)

const versionProbeTimeout = 10 * time.Second

// installedVersion queries the currently installed binary for its
// version. A missing binary resolves to version.Zero (first install).
// A binary that cannot report a version also resolves to Zero: it is
// either ancient or broken, and either way redeploying over it is
// the right call.
func installedVersion(ctx context.Context, binaryPath string) version.Number {
	if _, err := os.Stat(binaryPath); err != nil {
		return version.Zero
	}
	vers, err := probe.Version(ctx, binaryPath, versionProbeTimeout)
	if err != nil {
		logger.Warningf("installed binary did not report a version: %v", err)
		return version.Zero
	}
	return vers
}

// resolveTarget determines the version to deploy: an explicit ref
// wins, then the environment-configured target, then the version the
// source tree itself declares.
func resolveTarget(explicit, configured, sourceDir string) (version.Number, error) {
	for _, candidate := range []string{explicit, configured} {
		if candidate == "" {
			continue
		}
		vers, err := version.Parse(strings.TrimPrefix(candidate, "v"))
		if err != nil {
			return version.Zero, errors.Annotatef(err, "invalid target version %q", candidate)
		}
		return vers, nil
	}
	if sourceDir != "" {
		vers, err := cargoVersion(sourceDir)
		if err == nil {
			return vers, nil
		}
		logger.Debugf("no version in source tree: %v", err)
	}
	return version.Zero, errors.New(
		"cannot resolve target version: pass --target, set " +
			"HP_DEPLOY_TARGET_VERSION, or point HP_DEPLOY_SOURCE_DIR at a checkout")
}

// cargoVersion reads the package version from the source tree's
// Cargo.toml. Only the [package] section counts; dependency tables
// carry version keys too.
func cargoVersion(sourceDir string) (version.Number, error) {
	f, err := os.Open(filepath.Join(sourceDir, "Cargo.toml"))
	if err != nil {
		return version.Zero, errors.Trace(err)
	}
	defer f.Close()

	inPackage := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") {
			inPackage = line == "[package]"
			continue
		}
		if !inPackage {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "version" {
			continue
		}
		raw := strings.Trim(strings.TrimSpace(value), `"`)
		vers, err := version.Parse(raw)
		if err != nil {
			return version.Zero, errors.Annotatef(err, "invalid version %q in Cargo.toml", raw)
		}
		return vers, nil
	}
	if err := scanner.Err(); err != nil {
		return version.Zero, errors.Trace(err)
	}
	return version.Zero, errors.NotFoundf("version in Cargo.toml")
}
