// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package common

import (
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// SandboxPolicy controls how much of the host filesystem the sentinel
// process may see once the supervisor has set up its namespace. The
// right level of restriction depends on what the host actually allows;
// it is configuration, not a constant.
type SandboxPolicy struct {
	// ProtectSystem maps to the unit's ProtectSystem= setting.
	// Valid values are "", "full" and "strict".
	ProtectSystem string `yaml:"protect-system"`

	// PrivateTmp gives the service its own /tmp namespace.
	PrivateTmp bool `yaml:"private-tmp"`

	// NoNewPrivileges forbids privilege escalation via setuid binaries.
	NoNewPrivileges bool `yaml:"no-new-privileges"`

	// ReadWritePaths lists the paths the service may write to while
	// ProtectSystem is in effect. Every one of these must exist before
	// the unit starts or systemd fails namespace setup for the whole
	// service.
	ReadWritePaths []string `yaml:"read-write-paths"`
}

// Conf defines a service for the host supervisor. Its fields represent
// elements of a service unit definition.
type Conf struct {
	// Desc is the service's description.
	Desc string

	// ExecStart is the command (with arguments) the supervisor runs.
	ExecStart string

	// WorkingDir is the directory the command runs in.
	WorkingDir string

	// Env holds environment variables set for the command.
	Env map[string]string

	// Limit holds resource limit values, keyed by limit name
	// (e.g. "nofile", "memlock").
	Limit map[string]string

	// Restart is the unit restart policy ("always", "on-failure", "no").
	Restart string

	// User is the account the service runs as. Empty means root.
	User string

	// Sandbox holds the namespace restrictions applied to the service.
	Sandbox SandboxPolicy
}

// IsZero reports whether the conf is unpopulated.
func (c Conf) IsZero() bool {
	return c.ExecStart == ""
}

// WritablePaths returns the set of paths the unit declares writable.
// These are the paths that must be provisioned before install.
func (c Conf) WritablePaths() set.Strings {
	return set.NewStrings(c.Sandbox.ReadWritePaths...)
}

// Validate checks the conf for internal consistency. A conf that
// passes Validate can be serialized into a well-formed unit file.
func (c Conf) Validate(name string) error {
	if name == "" {
		return errors.NotValidf("missing service name")
	}
	if c.ExecStart == "" {
		return errors.NotValidf("missing ExecStart")
	}
	if !strings.HasPrefix(c.ExecStart, "/") {
		return errors.NotValidf("relative ExecStart %q", c.ExecStart)
	}
	switch c.Restart {
	case "", "always", "on-failure", "no":
	default:
		return errors.NotValidf("restart policy %q", c.Restart)
	}
	switch c.Sandbox.ProtectSystem {
	case "", "full", "strict":
	default:
		return errors.NotValidf("ProtectSystem %q", c.Sandbox.ProtectSystem)
	}
	for _, path := range c.Sandbox.ReadWritePaths {
		if !strings.HasPrefix(path, "/") {
			return errors.NotValidf("relative read-write path %q", path)
		}
	}
	return nil
}

// Serialize renders the conf as a systemd unit file.
func Serialize(name string, conf Conf) ([]byte, error) {
	if err := conf.Validate(name); err != nil {
		return nil, errors.Trace(err)
	}

	opts := []*unit.UnitOption{
		{Section: "Unit", Name: "Description", Value: conf.Desc},
		{Section: "Unit", Name: "After", Value: "network.target"},
		{Section: "Service", Name: "Type", Value: "simple"},
	}
	if conf.User != "" {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "User", Value: conf.User})
	}
	if conf.WorkingDir != "" {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "WorkingDirectory", Value: conf.WorkingDir})
	}
	for _, k := range sortedKeys(conf.Env) {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "Environment", Value: k + "=" + conf.Env[k]})
	}
	for _, k := range sortedKeys(conf.Limit) {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: limitOption(k), Value: conf.Limit[k]})
	}
	opts = append(opts, &unit.UnitOption{Section: "Service", Name: "ExecStart", Value: conf.ExecStart})
	restart := conf.Restart
	if restart == "" {
		restart = "on-failure"
	}
	opts = append(opts, &unit.UnitOption{Section: "Service", Name: "Restart", Value: restart})

	if conf.Sandbox.ProtectSystem != "" {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "ProtectSystem", Value: conf.Sandbox.ProtectSystem})
	}
	if conf.Sandbox.PrivateTmp {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "PrivateTmp", Value: "true"})
	}
	if conf.Sandbox.NoNewPrivileges {
		opts = append(opts, &unit.UnitOption{Section: "Service", Name: "NoNewPrivileges", Value: "true"})
	}
	if len(conf.Sandbox.ReadWritePaths) > 0 {
		opts = append(opts, &unit.UnitOption{
			Section: "Service", Name: "ReadWritePaths",
			Value: strings.Join(conf.Sandbox.ReadWritePaths, " "),
		})
	}

	opts = append(opts, &unit.UnitOption{Section: "Install", Name: "WantedBy", Value: "multi-user.target"})

	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// Deserialize parses a systemd unit file back into a Conf. Unknown
// options are ignored; round-tripping a Serialize result is lossless.
func Deserialize(data []byte) (Conf, error) {
	var conf Conf

	opts, err := unit.Deserialize(bytes.NewReader(data))
	if err != nil {
		return conf, errors.Annotate(err, "cannot parse unit file")
	}

	for _, opt := range opts {
		switch opt.Section {
		case "Unit":
			if opt.Name == "Description" {
				conf.Desc = opt.Value
			}
		case "Service":
			switch opt.Name {
			case "ExecStart":
				conf.ExecStart = opt.Value
			case "WorkingDirectory":
				conf.WorkingDir = opt.Value
			case "User":
				conf.User = opt.Value
			case "Restart":
				conf.Restart = opt.Value
			case "Environment":
				if conf.Env == nil {
					conf.Env = make(map[string]string)
				}
				if k, v, ok := strings.Cut(opt.Value, "="); ok {
					conf.Env[k] = v
				}
			case "ProtectSystem":
				conf.Sandbox.ProtectSystem = opt.Value
			case "PrivateTmp":
				conf.Sandbox.PrivateTmp = parseBool(opt.Value)
			case "NoNewPrivileges":
				conf.Sandbox.NoNewPrivileges = parseBool(opt.Value)
			case "ReadWritePaths":
				conf.Sandbox.ReadWritePaths = strings.Fields(opt.Value)
			default:
				if name, ok := limitName(opt.Name); ok {
					if conf.Limit == nil {
						conf.Limit = make(map[string]string)
					}
					conf.Limit[name] = opt.Value
				}
			}
		}
	}
	return conf, nil
}

var limitMap = map[string]string{
	"as":      "LimitAS",
	"core":    "LimitCORE",
	"cpu":     "LimitCPU",
	"data":    "LimitDATA",
	"fsize":   "LimitFSIZE",
	"memlock": "LimitMEMLOCK",
	"nofile":  "LimitNOFILE",
	"nproc":   "LimitNPROC",
	"rss":     "LimitRSS",
	"stack":   "LimitSTACK",
}

func limitOption(name string) string {
	if opt, ok := limitMap[name]; ok {
		return opt
	}
	return "Limit" + strings.ToUpper(name)
}

func limitName(option string) (string, bool) {
	for name, opt := range limitMap {
		if opt == option {
			return name, true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return s == "yes" || s == "on"
	}
	return b
}
