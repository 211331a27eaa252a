// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provision creates and repairs the filesystem paths the
// sentinel service requires, from a declarative manifest. It is
// idempotent: a second run over a satisfied manifest changes nothing.
package provision

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("hpdeploy.provision")

// Provision failure taxonomy. Either aborts the deployment attempt
// outright; there is no partial-provision success state.
const (
	// ErrPermissionDenied means the manifest could not be applied
	// with this process's privileges.
	ErrPermissionDenied = errors.ConstError("permission denied")

	// ErrPathConflict means a manifest path exists with the wrong
	// type, e.g. a file where a directory is required.
	ErrPathConflict = errors.ConstError("path conflict")
)

// Entry declares one required path.
type Entry struct {
	// Path is the absolute path that must exist.
	Path string `yaml:"path"`

	// Mode holds the required permission bits.
	Mode os.FileMode `yaml:"mode"`

	// Owner and Group name the required ownership. Empty means
	// "leave as is".
	Owner string `yaml:"owner,omitempty"`
	Group string `yaml:"group,omitempty"`

	// IsFile marks entries that are plain files (created empty when
	// absent) rather than directories.
	IsFile bool `yaml:"is-file,omitempty"`
}

// Manifest is the ordered list of required paths. Parents must be
// listed before children or be creatable with default permissions.
type Manifest []Entry

// Paths returns every path the manifest declares.
func (m Manifest) Paths() []string {
	paths := make([]string, len(m))
	for i, e := range m {
		paths[i] = e.Path
	}
	return paths
}

// Manager applies manifests.
type Manager struct {
	// chown is patched in tests, which do not run as root.
	chown func(path string, uid, gid int) error
}

// NewManager returns a provision manager.
func NewManager() *Manager {
	return &Manager{chown: os.Chown}
}

// Ensure applies the manifest: each declared path is created if
// absent, and its mode and ownership are repaired if wrong. Existing
// permission bits beyond those required are left alone; this tool
// repairs paths, it does not lock down paths other software owns.
func (m *Manager) Ensure(manifest Manifest) error {
	for _, entry := range manifest {
		if err := m.ensureOne(entry); err != nil {
			return errors.Annotatef(err, "cannot provision %q", entry.Path)
		}
	}
	return nil
}

func (m *Manager) ensureOne(entry Entry) error {
	if !filepath.IsAbs(entry.Path) {
		return errors.NotValidf("relative path %q", entry.Path)
	}

	info, err := os.Stat(entry.Path)
	switch {
	case os.IsNotExist(err):
		if err := m.create(entry); err != nil {
			return errors.Trace(err)
		}
		info, err = os.Stat(entry.Path)
		if err != nil {
			return errors.Trace(classifyOSError(err))
		}
	case err != nil:
		return errors.Trace(classifyOSError(err))
	default:
		if entry.IsFile && info.IsDir() {
			return errors.WithType(
				errors.Errorf("directory exists where file required"), ErrPathConflict)
		}
		if !entry.IsFile && !info.IsDir() {
			return errors.WithType(
				errors.Errorf("file exists where directory required"), ErrPathConflict)
		}
	}

	// Add any missing permission bits. Never remove bits that are
	// already there.
	current := info.Mode().Perm()
	if current&entry.Mode != entry.Mode {
		wanted := current | entry.Mode
		logger.Debugf("chmod %q %o -> %o", entry.Path, current, wanted)
		if err := os.Chmod(entry.Path, wanted); err != nil {
			return errors.Trace(classifyOSError(err))
		}
	}

	return errors.Trace(m.ensureOwnership(entry))
}

func (m *Manager) create(entry Entry) error {
	logger.Infof("creating %q", entry.Path)
	if entry.IsFile {
		if err := os.MkdirAll(filepath.Dir(entry.Path), 0755); err != nil {
			return errors.Trace(classifyOSError(err))
		}
		f, err := os.OpenFile(entry.Path, os.O_CREATE|os.O_WRONLY, entry.Mode)
		if err != nil {
			return errors.Trace(classifyOSError(err))
		}
		return errors.Trace(f.Close())
	}
	if err := os.MkdirAll(entry.Path, entry.Mode); err != nil {
		return errors.Trace(classifyOSError(err))
	}
	return nil
}

func (m *Manager) ensureOwnership(entry Entry) error {
	if entry.Owner == "" && entry.Group == "" {
		return nil
	}
	uid, gid := -1, -1
	if entry.Owner != "" {
		u, err := user.Lookup(entry.Owner)
		if err != nil {
			return errors.Annotatef(err, "unknown owner %q", entry.Owner)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return errors.Trace(err)
		}
	}
	if entry.Group != "" {
		g, err := user.LookupGroup(entry.Group)
		if err != nil {
			return errors.Annotatef(err, "unknown group %q", entry.Group)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return errors.Trace(err)
		}
	}
	if err := m.chown(entry.Path, uid, gid); err != nil {
		return errors.Trace(classifyOSError(err))
	}
	return nil
}

func classifyOSError(err error) error {
	if os.IsPermission(err) {
		return errors.WithType(err, ErrPermissionDenied)
	}
	return err
}
