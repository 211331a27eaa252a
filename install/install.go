// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package install performs the atomic swap of the sentinel binary and
// its service unit, with a mandatory backup beforehand. The Install
// operation takes the Backup handle as an argument: there is no way
// to reach the swap without having taken the snapshot first.
package install

import (
	"os"
	"path/filepath"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mj-coding-Base/Hora-Police/artifact"
	"github.com/mj-coding-Base/Hora-Police/service/common"
)

var logger = loggo.GetLogger("hpdeploy.install")

// Install failure taxonomy.
const (
	// ErrWriteFailed means the binary or unit file could not be written.
	ErrWriteFailed = errors.ConstError("install write failed")

	// ErrDescriptorInvalid means the service descriptor references
	// paths that were not provisioned. Installing such a unit would
	// fail namespace setup on every start, which is the most common
	// post-install failure in this domain; it is checked here, not
	// hoped away.
	ErrDescriptorInvalid = errors.ConstError("service descriptor invalid")
)

// State is the install manager's position in one deployment attempt.
type State string

const (
	NotStarted State = "not-started"
	BackedUp   State = "backed-up"
	Installed  State = "installed"
	Started    State = "started"
	Verified   State = "verified"
	RolledBack State = "rolled-back"
)

// SupervisedService is the slice of the supervisor the installer needs.
type SupervisedService interface {
	Name() string
	Conf() common.Conf
	Exists() (bool, error)
	Start() error
	Stop() error
	WriteService() error
	WriteRawUnit(data []byte) error
	RemoveUnitFile() error
}

// Manager sequences backup, install, start and rollback for one
// deployment attempt. It is not safe for concurrent use; the
// orchestrator holds the machine lock for the attempt's duration.
type Manager struct {
	store      *artifact.Store
	svc        SupervisedService
	binaryPath string
	unitPath   string

	state State
}

// NewManager returns an install manager writing the sentinel binary
// to binaryPath and the unit file via svc.
func NewManager(store *artifact.Store, svc SupervisedService, binaryPath, unitPath string) *Manager {
	return &Manager{
		store:      store,
		svc:        svc,
		binaryPath: binaryPath,
		unitPath:   unitPath,
		state:      NotStarted,
	}
}

// State returns the manager's current state.
func (m *Manager) State() State {
	return m.state
}

func (m *Manager) transition(from, to State) error {
	if m.state != from {
		return errors.Errorf("cannot move to %q from %q (want %q)", to, m.state, from)
	}
	m.state = to
	return nil
}

// Backup snapshots the currently installed binary and unit file. It
// is safe when nothing is installed yet: the backup then records the
// absence, so a later rollback means "remove, don't restore".
func (m *Manager) Backup() (*artifact.Backup, error) {
	if err := m.transition(NotStarted, BackedUp); err != nil {
		return nil, errors.Trace(err)
	}
	backup, err := m.store.CreateBackup(m.binaryPath, m.unitPath)
	if err != nil {
		m.state = NotStarted
		return nil, errors.Trace(err)
	}
	return backup, nil
}

// Install swaps in the staged artifact. The binary replacement is a
// single rename so a concurrent reader never observes a partially
// written executable; the unit file is rewritten only if changed.
// The provisioned set is checked against the descriptor's writable
// paths before anything is touched.
func (m *Manager) Install(art *artifact.Artifact, backup *artifact.Backup, provisioned set.Strings) error {
	if backup == nil {
		return errors.New("programming error: install without a backup")
	}
	if err := m.checkDescriptor(provisioned); err != nil {
		return errors.Trace(err)
	}
	if err := m.transition(BackedUp, Installed); err != nil {
		return errors.Trace(err)
	}

	if err := m.swapBinary(art); err != nil {
		return errors.WithType(err, ErrWriteFailed)
	}

	same, err := m.svc.Exists()
	if err != nil {
		return errors.Trace(err)
	}
	if !same {
		if err := m.svc.WriteService(); err != nil {
			return errors.WithType(err, ErrWriteFailed)
		}
	} else {
		logger.Debugf("unit file unchanged, not rewriting")
	}
	logger.Infof("installed %s %s at %s", art.Strategy, art.Version, m.binaryPath)
	return nil
}

// Start asks the supervisor to start the freshly installed service.
func (m *Manager) Start() error {
	if err := m.transition(Installed, Started); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.svc.Start())
}

// MarkVerified records that verification passed, completing the attempt.
func (m *Manager) MarkVerified() error {
	return errors.Trace(m.transition(Started, Verified))
}

func (m *Manager) checkDescriptor(provisioned set.Strings) error {
	conf := m.svc.Conf()
	if err := conf.Validate(m.svc.Name()); err != nil {
		return errors.WithType(err, ErrDescriptorInvalid)
	}
	missing := conf.WritablePaths().Difference(provisioned)
	if !missing.IsEmpty() {
		return errors.WithType(
			errors.Errorf(
				"descriptor declares writable paths that were not provisioned: %v",
				missing.SortedValues(),
			),
			ErrDescriptorInvalid,
		)
	}
	return nil
}

func (m *Manager) swapBinary(art *artifact.Artifact) error {
	data, err := os.ReadFile(art.Path)
	if err != nil {
		return errors.Annotate(err, "cannot read staged artifact")
	}
	return errors.Trace(writeBinaryAtomic(m.binaryPath, data))
}

// writeBinaryAtomic writes data to a temp file in the target's own
// directory and renames it over path. The temp file must live on the
// same filesystem as the target or the rename stops being atomic.
func writeBinaryAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-")
	if err != nil {
		return errors.Trace(err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Chmod(0755); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmpName, path))
}
