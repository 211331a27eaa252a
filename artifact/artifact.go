// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package artifact manages the staging area for candidate binaries and
// the timestamped backups taken before every install. It is pure
// filesystem bookkeeping; nothing here talks to the supervisor.
package artifact

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
)

// Artifact is a staged candidate binary plus acquisition metadata.
// It is immutable once staged; the install manager consumes it by path.
type Artifact struct {
	// Path is the staged binary's location inside the store.
	Path string `json:"path"`

	// Version is the version the artifact claims to be.
	Version string `json:"version"`

	// Strategy names the producer that supplied the binary.
	Strategy string `json:"strategy"`

	// Size is the binary's size in bytes.
	Size int64 `json:"size"`

	// SHA256 is the hex digest of the binary's contents.
	SHA256 string `json:"sha256"`

	// Arch is the binary's architecture tag, e.g. "amd64".
	Arch string `json:"arch"`

	// AcquiredAt records when the artifact was staged.
	AcquiredAt time.Time `json:"acquired-at"`
}

// Backup is a retained snapshot of a previously installed binary and
// service unit file. Append-only; never mutated after creation.
type Backup struct {
	// Name is the backup's timestamped identifier.
	Name string `json:"name"`

	// CreatedAt records when the backup was taken.
	CreatedAt time.Time `json:"created-at"`

	// BinaryAbsent records that no binary was installed when the
	// backup was taken; rollback then means "remove, don't restore".
	BinaryAbsent bool `json:"binary-absent"`

	// UnitAbsent records that no unit file was installed when the
	// backup was taken.
	UnitAbsent bool `json:"unit-absent"`

	dir string
}

// Dir returns the directory holding the backup's files.
func (b *Backup) Dir() string {
	return b.dir
}

// BinaryBytes returns the backed-up binary's contents. It fails if the
// backup recorded the binary as absent.
func (b *Backup) BinaryBytes() ([]byte, error) {
	if b.BinaryAbsent {
		return nil, errors.NotFoundf("binary in backup %q", b.Name)
	}
	data, err := os.ReadFile(filepath.Join(b.dir, backupBinaryName))
	if err != nil {
		return nil, errors.Annotatef(err, "backup %q is corrupt", b.Name)
	}
	return data, nil
}

// UnitBytes returns the backed-up unit file's contents. It fails if
// the backup recorded the unit as absent.
func (b *Backup) UnitBytes() ([]byte, error) {
	if b.UnitAbsent {
		return nil, errors.NotFoundf("unit file in backup %q", b.Name)
	}
	data, err := os.ReadFile(filepath.Join(b.dir, backupUnitName))
	if err != nil {
		return nil, errors.Annotatef(err, "backup %q is corrupt", b.Name)
	}
	return data, nil
}
