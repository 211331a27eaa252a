// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the host's service supervisor as a narrow
// interface. The deployer never touches supervisor-internal state
// directly; everything goes through a Service implementation.
package service

import (
	"github.com/juju/errors"

	"github.com/mj-coding-Base/Hora-Police/service/common"
	"github.com/mj-coding-Base/Hora-Police/service/systemd"
)

// Service provides visibility into and control over a supervised service.
type Service interface {
	// Name returns the service's name.
	Name() string

	// Conf returns the service's conf data.
	Conf() common.Conf

	// Installed reports whether the service is registered with the
	// supervisor.
	Installed() (bool, error)

	// Running reports whether the service is active.
	Running() (bool, error)

	// Start starts the service. Starting an already started service
	// is not an error.
	Start() error

	// Stop stops the service. Stopping an already stopped service
	// is not an error.
	Stop() error

	// Remove deregisters the service and deletes its unit definition.
	Remove() error

	// WriteService writes the service's unit definition and registers
	// it with the supervisor without starting it.
	WriteService() error
}

// LogReader reads back recent structured log lines for a service.
// Verification scans these for known-fatal patterns.
type LogReader interface {
	// RecentLogs returns up to n of the most recent log lines for the
	// named service, oldest first.
	RecentLogs(name string, n int) ([]string, error)
}

// NewService returns a Service for the only supported init system,
// systemd. The design keeps the supervisor pluggable; hosts without
// systemd are rejected here rather than half-supported.
func NewService(name string, conf common.Conf) (Service, error) {
	if name == "" {
		return nil, errors.New("missing service name")
	}
	svc, err := systemd.NewServiceWithDefaults(name, conf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return svc, nil
}

// NewLogReader returns a LogReader for the host's journal.
func NewLogReader() LogReader {
	return systemd.NewJournal()
}
