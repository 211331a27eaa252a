// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package install

import (
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

// Rollback failure taxonomy. A rollback failure is the one condition
// the orchestrator cannot recover from; the host may be inconsistent
// and the operator must intervene.
const (
	// ErrBackupMissing means no backup was available to restore.
	ErrBackupMissing = errors.ConstError("backup missing")

	// ErrBackupCorrupt means the backup's contents could not be read.
	ErrBackupCorrupt = errors.ConstError("backup corrupt")

	// ErrRestartFailed means state was restored but the service did
	// not come back.
	ErrRestartFailed = errors.ConstError("restart failed")
)

const (
	restartAttempts = 3
	restartDelay    = 2 * time.Second
)

// Rollback restores the binary and unit file from the backup and
// restarts the service. When the backup marks a file as previously
// absent, rollback removes it instead. Rollback itself is never
// retried: if the backup is also broken, oscillating between two bad
// states helps nobody, so the failure is reported and left alone.
func (m *Manager) Rollback(backup *artifact.Backup, clk clock.Clock) error {
	if backup == nil {
		return errors.WithType(errors.New("no backup to restore"), ErrBackupMissing)
	}
	logger.Infof("rolling back to backup %s", backup.Name)
	m.state = RolledBack

	if err := m.svc.Stop(); err != nil {
		// A service that will not stop does not block restoring the
		// files; systemd picks up the restored unit on restart.
		logger.Warningf("could not stop service during rollback: %v", err)
	}

	if err := m.restoreBinary(backup); err != nil {
		return errors.Trace(err)
	}
	if err := m.restoreUnit(backup); err != nil {
		return errors.Trace(err)
	}

	// Nothing was installed before this attempt, so there is nothing
	// to start.
	if backup.BinaryAbsent {
		logger.Infof("rollback removed the first-ever install; no service to restart")
		return nil
	}

	err := retry.Call(retry.CallArgs{
		Func: m.svc.Start,
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("restart attempt %d failed: %v", attempt, err)
		},
		Attempts: restartAttempts,
		Delay:    restartDelay,
		Clock:    clk,
	})
	if err != nil {
		return errors.WithType(
			errors.Annotate(err, "restored state but service did not restart"),
			ErrRestartFailed,
		)
	}
	logger.Infof("rollback complete, service restarted")
	return nil
}

func (m *Manager) restoreBinary(backup *artifact.Backup) error {
	if backup.BinaryAbsent {
		logger.Infof("backup records no prior binary, removing %s", m.binaryPath)
		if err := os.Remove(m.binaryPath); err != nil && !os.IsNotExist(err) {
			return errors.Trace(err)
		}
		return nil
	}
	data, err := backup.BinaryBytes()
	if err != nil {
		return errors.WithType(err, ErrBackupCorrupt)
	}
	if err := writeBinaryAtomic(m.binaryPath, data); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (m *Manager) restoreUnit(backup *artifact.Backup) error {
	if backup.UnitAbsent {
		logger.Infof("backup records no prior unit file, removing it")
		return errors.Trace(m.svc.RemoveUnitFile())
	}
	data, err := backup.UnitBytes()
	if err != nil {
		return errors.WithType(err, ErrBackupCorrupt)
	}
	return errors.Trace(m.svc.WriteRawUnit(data))
}
