// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"os"
	"path"
	"reflect"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mj-coding-Base/Hora-Police/service/common"
)

const (
	// EtcSystemdDir is where unit files are written.
	EtcSystemdDir = "/etc/systemd/system"
)

var logger = loggo.GetLogger("hpdeploy.service.systemd")

// DBusAPI is the subset of the systemd dbus connection the service uses.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(string, string, chan<- string) (int, error)
	StopUnit(string, string, chan<- string) (int, error)
	LinkUnitFiles([]string, bool, bool) ([]dbus.LinkUnitFileChange, error)
	EnableUnitFiles([]string, bool, bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFiles([]string, bool) ([]dbus.DisableUnitFileChange, error)
	Reload() error
}

// DBusAPIFactory opens a connection to the systemd manager.
type DBusAPIFactory = func() (DBusAPI, error)

// NewDBusAPI is the production DBusAPI factory.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

var newChan = func() chan string {
	return make(chan string)
}

// FileSystemOps is the subset of filesystem operations needed to
// manage unit files, split out so tests can intercept them.
type FileSystemOps interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
}

type fileSystemOps struct{}

func (fileSystemOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (fileSystemOps) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fileSystemOps) Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Service provides visibility into and control over a systemd service.
type Service struct {
	name string
	conf common.Conf

	// UnitName is the fully qualified unit name, e.g. "hora-police.service".
	UnitName string
	// DirName is the directory the unit file is written under.
	DirName string

	fileOps FileSystemOps
	newDBus DBusAPIFactory
}

// NewServiceWithDefaults returns a systemd service reference populated
// with production defaults.
func NewServiceWithDefaults(name string, conf common.Conf) (*Service, error) {
	svc, err := NewService(name, conf, EtcSystemdDir, NewDBusAPI, fileSystemOps{})
	return svc, errors.Trace(err)
}

// NewService returns a new reference to an object that implements the
// Service interface for systemd.
func NewService(name string, conf common.Conf, dirName string, newDBus DBusAPIFactory, fileOps FileSystemOps) (*Service, error) {
	if !conf.IsZero() {
		if err := conf.Validate(name); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &Service{
		name:     name,
		conf:     conf,
		UnitName: name + ".service",
		DirName:  dirName,
		fileOps:  fileOps,
		newDBus:  newDBus,
	}, nil
}

func (s *Service) errorf(err error, msg string, args ...interface{}) error {
	msg += " for service %q"
	args = append(args, s.name)
	if err == nil {
		err = errors.Errorf(msg, args...)
	} else {
		err = errors.Annotatef(err, msg, args...)
	}
	logger.Errorf("%v", err)
	return err
}

// Name implements service.Service.
func (s *Service) Name() string {
	return s.name
}

// Conf implements service.Service.
func (s *Service) Conf() common.Conf {
	return s.conf
}

// UnitPath returns the path of the service's unit file.
func (s *Service) UnitPath() string {
	return path.Join(s.DirName, s.UnitName)
}

func (s *Service) newConn() (DBusAPI, error) {
	conn, err := s.newDBus()
	if err != nil {
		logger.Errorf("failed to connect to dbus for service %q: %v", s.name, err)
	}
	return conn, err
}

// Installed implements service.Service.
func (s *Service) Installed() (bool, error) {
	_, err := s.fileOps.ReadFile(s.UnitPath())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, s.errorf(err, "failed to read unit file")
}

// Exists reports whether the unit file on disk matches the service's conf.
func (s *Service) Exists() (bool, error) {
	if s.conf.IsZero() {
		return false, s.errorf(nil, "no conf expected")
	}
	data, err := s.fileOps.ReadFile(s.UnitPath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, s.errorf(err, "failed to read unit file")
	}
	onDisk, err := common.Deserialize(data)
	if err != nil {
		return false, errors.Trace(err)
	}
	return reflect.DeepEqual(onDisk, s.conf), nil
}

// Running implements service.Service.
func (s *Service) Running() (bool, error) {
	conn, err := s.newConn()
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, s.errorf(err, "failed to query units from dbus")
	}
	for _, unit := range units {
		if unit.Name == s.UnitName {
			running := unit.LoadState == "loaded" && unit.ActiveState == "active"
			return running, nil
		}
	}
	return false, nil
}

// Failed reports whether the supervisor considers the unit failed.
func (s *Service) Failed() (bool, error) {
	conn, err := s.newConn()
	if err != nil {
		return false, errors.Trace(err)
	}
	defer conn.Close()

	units, err := conn.ListUnits()
	if err != nil {
		return false, s.errorf(err, "failed to query units from dbus")
	}
	for _, unit := range units {
		if unit.Name == s.UnitName {
			return unit.ActiveState == "failed", nil
		}
	}
	return false, nil
}

// Start implements service.Service.
func (s *Service) Start() error {
	err := s.start()
	if errors.Is(err, errors.AlreadyExists) {
		logger.Debugf("service %q already running", s.name)
		return nil
	} else if err != nil {
		logger.Errorf("service %q failed to start: %v", s.name, err)
		return err
	}
	logger.Debugf("service %q successfully started", s.name)
	return nil
}

func (s *Service) start() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return errors.NotFoundf("service %s", s.name)
	}
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		return errors.AlreadyExistsf("running service %s", s.name)
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := newChan()
	if _, err := conn.StartUnit(s.UnitName, "fail", statusCh); err != nil {
		return s.errorf(err, "dbus start request failed")
	}
	return errors.Trace(s.wait("start", statusCh))
}

func (s *Service) wait(op string, statusCh chan string) error {
	status := <-statusCh
	if status != "done" {
		return s.errorf(nil, "failed to %s (API status %q)", op, status)
	}
	return nil
}

// Stop implements service.Service.
func (s *Service) Stop() error {
	err := s.stop()
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("service %q not running", s.name)
		return nil
	} else if err != nil {
		logger.Errorf("service %q failed to stop: %v", s.name, err)
		return err
	}
	logger.Debugf("service %q successfully stopped", s.name)
	return nil
}

func (s *Service) stop() error {
	running, err := s.Running()
	if err != nil {
		return errors.Trace(err)
	}
	if !running {
		return errors.NotFoundf("running service %s", s.name)
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	statusCh := newChan()
	if _, err := conn.StopUnit(s.UnitName, "fail", statusCh); err != nil {
		return s.errorf(err, "dbus stop request failed")
	}
	return errors.Trace(s.wait("stop", statusCh))
}

// Remove implements service.Service.
func (s *Service) Remove() error {
	err := s.remove()
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("service %q not installed", s.name)
		return nil
	} else if err != nil {
		logger.Errorf("failed to remove service %q: %v", s.name, err)
		return err
	}
	logger.Debugf("service %q successfully removed", s.name)
	return nil
}

func (s *Service) remove() error {
	installed, err := s.Installed()
	if err != nil {
		return errors.Trace(err)
	}
	if !installed {
		return errors.NotFoundf("service %s", s.name)
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	if _, err := conn.DisableUnitFiles([]string{s.UnitName}, false); err != nil {
		return s.errorf(err, "dbus disable request failed")
	}
	if err := conn.Reload(); err != nil {
		return s.errorf(err, "dbus post-disable daemon reload request failed")
	}
	if err := s.fileOps.Remove(s.UnitPath()); err != nil {
		return s.errorf(err, "failed to delete unit file")
	}
	return nil
}

// WriteService writes the unit file for the service and ensures that
// it is linked and enabled by systemd, without starting it.
func (s *Service) WriteService() error {
	if s.conf.IsZero() {
		return s.errorf(nil, "missing conf")
	}

	data, err := common.Serialize(s.name, s.conf)
	if err != nil {
		return errors.Trace(err)
	}
	filename := s.UnitPath()
	if err := s.fileOps.WriteFile(filename, data, 0644); err != nil {
		return s.errorf(err, "failed to write unit file %q", filename)
	}

	// If systemd is not the running init system, then do not attempt
	// to use it for linking unit files.
	if !IsRunning() {
		return nil
	}

	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	const runtime, force = false, true
	if _, err = conn.LinkUnitFiles([]string{filename}, runtime, force); err != nil {
		return s.errorf(err, "dbus link request failed")
	}
	if err := conn.Reload(); err != nil {
		return s.errorf(err, "dbus post-link daemon reload request failed")
	}
	if _, _, err = conn.EnableUnitFiles([]string{filename}, runtime, force); err != nil {
		return s.errorf(err, "dbus enable request failed")
	}
	return nil
}

// WriteRawUnit replaces the unit file with previously captured bytes
// and reloads the supervisor's unit cache. Rollback uses this to put
// back exactly what was there before, without reinterpreting it.
func (s *Service) WriteRawUnit(data []byte) error {
	if err := s.fileOps.WriteFile(s.UnitPath(), data, 0644); err != nil {
		return s.errorf(err, "failed to restore unit file")
	}
	return errors.Trace(s.reload())
}

// RemoveUnitFile deletes the unit file and reloads the supervisor's
// unit cache. Rollback uses this when the backup marker records that
// no unit was previously installed.
func (s *Service) RemoveUnitFile() error {
	if err := s.fileOps.Remove(s.UnitPath()); err != nil {
		return s.errorf(err, "failed to remove unit file")
	}
	return errors.Trace(s.reload())
}

func (s *Service) reload() error {
	if !IsRunning() {
		return nil
	}
	conn, err := s.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	if err := conn.Reload(); err != nil {
		return s.errorf(err, "dbus daemon reload request failed")
	}
	return nil
}
