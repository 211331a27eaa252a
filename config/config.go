// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config assembles the deployer's configuration from safe
// defaults, the environment, and an optional sandbox policy file.
// Flags may override individual values per invocation.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/mj-coding-Base/Hora-Police/provision"
	"github.com/mj-coding-Base/Hora-Police/service/common"
)

var logger = loggo.GetLogger("hpdeploy.config")

// Environment variable names. Every value has a safe default; none
// are required.
const (
	EnvSourceDir       = "HP_DEPLOY_SOURCE_DIR"
	EnvTargetVersion   = "HP_DEPLOY_TARGET_VERSION"
	EnvRemoteBuildHost = "HP_DEPLOY_REMOTE_BUILD_HOST"
	EnvRemoteBuildDir  = "HP_DEPLOY_REMOTE_BUILD_DIR"
	EnvDownloadURL     = "HP_DEPLOY_DOWNLOAD_URL"
	EnvBackupRetention = "HP_DEPLOY_BACKUP_RETENTION"
	EnvVerifyTimeout   = "HP_DEPLOY_VERIFY_TIMEOUT"
	EnvBuildTimeout    = "HP_DEPLOY_BUILD_TIMEOUT"
	EnvDataDir         = "HP_DEPLOY_DATA_DIR"
	EnvSandboxPolicy   = "HP_DEPLOY_SANDBOX_POLICY"
)

// Config holds everything one deployment attempt needs.
type Config struct {
	// ServiceName is the supervisor unit name, without ".service".
	ServiceName string

	// BinaryName is the name of the sentinel executable.
	BinaryName string

	// BinaryPath is where the sentinel is installed.
	BinaryPath string

	// ConfigPath is the sentinel's own configuration file.
	ConfigPath string

	// DataDir is the deployer's state directory (staging, backups,
	// attempt logs, the machine lock).
	DataDir string

	// SourceDir is the sentinel source checkout for build strategies.
	SourceDir string

	// TargetVersion is the version to deploy. Empty means "whatever
	// the source tree builds".
	TargetVersion string

	// RemoteBuildHost is the ssh reference of the helper build host.
	// Empty disables the remote-build strategy.
	RemoteBuildHost string

	// RemoteBuildDir is the working directory on the build host.
	RemoteBuildDir string

	// DownloadURL is the pre-built artifact location, with a
	// {version} placeholder. Empty disables the download strategy.
	DownloadURL string

	// BackupRetention is how many backups to keep. Never below 2:
	// the most recent backup may itself be a broken state captured
	// mid-incident, and one older snapshot is the way out.
	BackupRetention int

	// VerifyTimeout bounds the capability probe and the wait for the
	// service to come up.
	VerifyTimeout time.Duration

	// BuildTimeout bounds a single build or fetch strategy.
	BuildTimeout time.Duration

	// Sandbox is the service's namespace restriction policy.
	Sandbox common.SandboxPolicy
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ServiceName:     "hora-police",
		BinaryName:      "hora-police",
		BinaryPath:      "/usr/local/bin/hora-police",
		ConfigPath:      "/etc/hora-police/config.toml",
		DataDir:         "/var/lib/hora-police/deploy",
		RemoteBuildDir:  "hora-police-build",
		BackupRetention: 3,
		VerifyTimeout:   30 * time.Second,
		BuildTimeout:    30 * time.Minute,
		Sandbox: common.SandboxPolicy{
			ProtectSystem:   "strict",
			PrivateTmp:      true,
			NoNewPrivileges: true,
			ReadWritePaths: []string{
				"/var/lib/hora-police",
				"/var/log/hora-police",
			},
		},
	}
}

// FromEnv returns the default configuration with environment
// overrides applied.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv(EnvSourceDir); v != "" {
		cfg.SourceDir = v
	}
	if v := os.Getenv(EnvTargetVersion); v != "" {
		cfg.TargetVersion = v
	}
	if v := os.Getenv(EnvRemoteBuildHost); v != "" {
		cfg.RemoteBuildHost = v
	}
	if v := os.Getenv(EnvRemoteBuildDir); v != "" {
		cfg.RemoteBuildDir = v
	}
	if v := os.Getenv(EnvDownloadURL); v != "" {
		cfg.DownloadURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvBackupRetention); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Annotatef(err, "invalid %s", EnvBackupRetention)
		}
		cfg.BackupRetention = n
	}
	if v := os.Getenv(EnvVerifyTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Annotatef(err, "invalid %s", EnvVerifyTimeout)
		}
		cfg.VerifyTimeout = d
	}
	if v := os.Getenv(EnvBuildTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Annotatef(err, "invalid %s", EnvBuildTimeout)
		}
		cfg.BuildTimeout = d
	}
	if v := os.Getenv(EnvSandboxPolicy); v != "" {
		policy, err := LoadSandboxPolicy(v)
		if err != nil {
			return cfg, errors.Trace(err)
		}
		cfg.Sandbox = policy
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the configuration for sanity.
func (c Config) Validate() error {
	if c.BackupRetention < 2 {
		return errors.NotValidf("backup retention %d (minimum 2)", c.BackupRetention)
	}
	if c.VerifyTimeout <= 0 {
		return errors.NotValidf("verify timeout %v", c.VerifyTimeout)
	}
	if c.BuildTimeout <= 0 {
		return errors.NotValidf("build timeout %v", c.BuildTimeout)
	}
	return nil
}

// Descriptor builds the service unit definition for the sentinel.
func (c Config) Descriptor() common.Conf {
	return common.Conf{
		Desc:       "Hora-Police anti-malware sentinel",
		ExecStart:  c.BinaryPath + " " + c.ConfigPath,
		WorkingDir: "/var/lib/hora-police",
		Restart:    "on-failure",
		Limit: map[string]string{
			"nofile": "65536",
		},
		Sandbox: c.Sandbox,
	}
}

// Manifest returns the paths that must exist before install. Every
// writable path the descriptor declares is included; the unit fails
// namespace setup at start time if any of them is missing.
func (c Config) Manifest() provision.Manifest {
	manifest := provision.Manifest{
		{Path: "/etc/hora-police", Mode: 0755},
		{Path: c.DataDir, Mode: 0700},
	}
	for _, path := range c.Sandbox.ReadWritePaths {
		manifest = append(manifest, provision.Entry{Path: path, Mode: 0755})
	}
	return manifest
}

// LoadSandboxPolicy reads a sandbox policy from a YAML file.
func LoadSandboxPolicy(path string) (common.SandboxPolicy, error) {
	var policy common.SandboxPolicy
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, errors.Annotate(err, "cannot read sandbox policy")
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, errors.Annotate(err, "cannot parse sandbox policy")
	}
	logger.Debugf("loaded sandbox policy from %s", path)
	return policy, nil
}
