// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"os"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/testing"
)

// StubDbusAPI stands in for the systemd manager connection.
type StubDbusAPI struct {
	*testing.Stub

	Units []dbus.UnitStatus
}

func (fda *StubDbusAPI) AddUnit(name, load, active string) {
	fda.Units = append(fda.Units, dbus.UnitStatus{
		Name:        name,
		LoadState:   load,
		ActiveState: active,
	})
}

func (fda *StubDbusAPI) ListUnits() ([]dbus.UnitStatus, error) {
	fda.Stub.AddCall("ListUnits")
	return fda.Units, fda.NextErr()
}

func (fda *StubDbusAPI) StartUnit(name string, mode string, ch chan<- string) (int, error) {
	fda.Stub.AddCall("StartUnit", name, mode, ch)
	return 0, fda.NextErr()
}

func (fda *StubDbusAPI) StopUnit(name string, mode string, ch chan<- string) (int, error) {
	fda.Stub.AddCall("StopUnit", name, mode, ch)
	return 0, fda.NextErr()
}

func (fda *StubDbusAPI) LinkUnitFiles(files []string, runtime bool, force bool) ([]dbus.LinkUnitFileChange, error) {
	fda.Stub.AddCall("LinkUnitFiles", files, runtime, force)
	return nil, fda.NextErr()
}

func (fda *StubDbusAPI) EnableUnitFiles(files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	fda.Stub.AddCall("EnableUnitFiles", files, runtime, force)
	return true, nil, fda.NextErr()
}

func (fda *StubDbusAPI) DisableUnitFiles(files []string, runtime bool) ([]dbus.DisableUnitFileChange, error) {
	fda.Stub.AddCall("DisableUnitFiles", files, runtime)
	return nil, fda.NextErr()
}

func (fda *StubDbusAPI) Reload() error {
	fda.Stub.AddCall("Reload")
	return fda.NextErr()
}

func (fda *StubDbusAPI) Close() {
	fda.Stub.AddCall("Close")
	fda.Stub.NextErr() // Pop the error off, but don't return it.
}

var _ FileSystemOps = (*stubFileOps)(nil)

// stubFileOps stands in for unit file reads and writes.
type stubFileOps struct {
	*testing.Stub

	Files map[string][]byte
}

func newStubFileOps(stub *testing.Stub) *stubFileOps {
	return &stubFileOps{Stub: stub, Files: make(map[string][]byte)}
}

func (fso *stubFileOps) WriteFile(name string, data []byte, perm os.FileMode) error {
	fso.Stub.AddCall("WriteFile", name, data, perm)
	fso.Files[name] = data
	return fso.NextErr()
}

func (fso *stubFileOps) ReadFile(name string) ([]byte, error) {
	fso.Stub.AddCall("ReadFile", name)
	data, ok := fso.Files[name]
	if err := fso.NextErr(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (fso *stubFileOps) Remove(name string) error {
	fso.Stub.AddCall("Remove", name)
	delete(fso.Files, name)
	return fso.NextErr()
}
