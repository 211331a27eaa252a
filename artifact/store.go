// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package artifact

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("hpdeploy.artifact")

const (
	stagedBinaryName = "staged-binary"
	stagedMetaName   = "staged-artifact.json"
	backupBinaryName = "binary"
	backupUnitName   = "unit.service"
	backupMetaName   = "backup.json"

	backupNameFormat = "20060102-150405"
)

// Store manages the staging path for candidate binaries and the
// backup set under a single data directory.
type Store struct {
	dataDir string
	clock   clock.Clock
}

// NewStore returns a store rooted at dataDir. The directory layout is
// created lazily; a store over a missing directory is valid and empty.
func NewStore(dataDir string, clk clock.Clock) *Store {
	return &Store{dataDir: dataDir, clock: clk}
}

func (s *Store) stagingDir() string {
	return filepath.Join(s.dataDir, "staging")
}

func (s *Store) backupsDir() string {
	return filepath.Join(s.dataDir, "backups")
}

// Stage writes the candidate binary into the staging area and records
// its metadata. The write goes to a temporary file first and is moved
// into place with a rename, so a partially staged binary is never
// observable under the staged name.
func (s *Store) Stage(r io.Reader, version, strategy, arch string) (*Artifact, error) {
	dir := s.stagingDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotate(err, "cannot create staging directory")
	}

	tmp, err := os.CreateTemp(dir, "staging-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if err != nil {
		return nil, errors.Annotate(err, "cannot write staged binary")
	}
	if err := tmp.Chmod(0755); err != nil {
		return nil, errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Trace(err)
	}

	path := filepath.Join(dir, stagedBinaryName)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, errors.Annotate(err, "cannot move staged binary into place")
	}

	art := &Artifact{
		Path:       path,
		Version:    version,
		Strategy:   strategy,
		Size:       size,
		SHA256:     fmt.Sprintf("%x", hash.Sum(nil)),
		Arch:       arch,
		AcquiredAt: s.clock.Now(),
	}
	if err := writeJSON(filepath.Join(dir, stagedMetaName), art); err != nil {
		return nil, errors.Annotate(err, "cannot write staged artifact metadata")
	}
	logger.Infof("staged %s artifact %s (%d bytes, sha256 %.12s)",
		art.Strategy, art.Version, art.Size, art.SHA256)
	return art, nil
}

// Staged returns the currently staged artifact, if any.
func (s *Store) Staged() (*Artifact, error) {
	var art Artifact
	err := readJSON(filepath.Join(s.stagingDir(), stagedMetaName), &art)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.NotFoundf("staged artifact")
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := os.Stat(art.Path); err != nil {
		return nil, errors.NotFoundf("staged artifact")
	}
	return &art, nil
}

// CreateBackup snapshots the currently installed binary and unit file
// into a new timestamped backup. Files that do not exist are recorded
// as absent rather than failing, so that rollback of a first-ever
// install means removal.
func (s *Store) CreateBackup(binaryPath, unitPath string) (*Backup, error) {
	now := s.clock.Now()
	name := now.UTC().Format(backupNameFormat)
	dir := filepath.Join(s.backupsDir(), name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Annotate(err, "cannot create backup directory")
	}

	backup := &Backup{
		Name:      name,
		CreatedAt: now,
		dir:       dir,
	}

	absent, err := copyIfExists(binaryPath, filepath.Join(dir, backupBinaryName), 0755)
	if err != nil {
		return nil, errors.Annotate(err, "cannot back up binary")
	}
	backup.BinaryAbsent = absent

	absent, err = copyIfExists(unitPath, filepath.Join(dir, backupUnitName), 0644)
	if err != nil {
		return nil, errors.Annotate(err, "cannot back up unit file")
	}
	backup.UnitAbsent = absent

	if err := writeJSON(filepath.Join(dir, backupMetaName), backup); err != nil {
		return nil, errors.Annotate(err, "cannot write backup metadata")
	}
	logger.Infof("created backup %s (binary absent: %v, unit absent: %v)",
		name, backup.BinaryAbsent, backup.UnitAbsent)
	return backup, nil
}

// Backups returns all retained backups, oldest first.
func (s *Store) Backups() ([]*Backup, error) {
	entries, err := os.ReadDir(s.backupsDir())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	var backups []*Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.backupsDir(), entry.Name())
		var backup Backup
		if err := readJSON(filepath.Join(dir, backupMetaName), &backup); err != nil {
			logger.Warningf("skipping unreadable backup %q: %v", entry.Name(), err)
			continue
		}
		backup.dir = dir
		backups = append(backups, &backup)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Name < backups[j].Name
	})
	return backups, nil
}

// LatestBackup returns the most recent backup.
func (s *Store) LatestBackup() (*Backup, error) {
	backups, err := s.Backups()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(backups) == 0 {
		return nil, errors.NotFoundf("backup")
	}
	return backups[len(backups)-1], nil
}

// PruneBackups removes the oldest backups beyond the retention count.
// Called only after a successful deployment.
func (s *Store) PruneBackups(keep int) error {
	if keep < 1 {
		return errors.NotValidf("retention count %d", keep)
	}
	backups, err := s.Backups()
	if err != nil {
		return errors.Trace(err)
	}
	for len(backups) > keep {
		old := backups[0]
		backups = backups[1:]
		if err := os.RemoveAll(old.dir); err != nil {
			return errors.Annotatef(err, "cannot prune backup %q", old.Name)
		}
		logger.Debugf("pruned backup %s", old.Name)
	}
	return nil
}

// copyIfExists copies src to dst, reporting absent=true when src does
// not exist.
func copyIfExists(src, dst string, perm os.FileMode) (absent bool, err error) {
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return false, errors.Trace(err)
	}
	return false, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, data, 0644))
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(json.Unmarshal(data, v))
}
