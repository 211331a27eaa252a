// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package systemd

import (
	"path"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/mj-coding-Base/Hora-Police/service/common"
)

type serviceSuite struct {
	testing.IsolationSuite

	stub    *testing.Stub
	dbus    *StubDbusAPI
	fileOps *stubFileOps
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.stub = &testing.Stub{}
	s.dbus = &StubDbusAPI{Stub: s.stub}
	s.fileOps = newStubFileOps(s.stub)

	// Tests never talk to a real init system.
	s.PatchValue(&IsRunning, func() bool { return true })
	s.PatchValue(&newChan, func() chan string {
		ch := make(chan string, 1)
		ch <- "done"
		return ch
	})
}

func (s *serviceSuite) newService(c *gc.C) *Service {
	conf := common.Conf{
		Desc:      "test sentinel",
		ExecStart: "/usr/local/bin/hora-police /etc/hora-police/config.toml",
	}
	svc, err := NewService("hora-police", conf, "/etc/systemd/system",
		func() (DBusAPI, error) { return s.dbus, nil }, s.fileOps)
	c.Assert(err, jc.ErrorIsNil)
	return svc
}

func (s *serviceSuite) writeUnit(c *gc.C, svc *Service) {
	data, err := common.Serialize(svc.Name(), svc.Conf())
	c.Assert(err, jc.ErrorIsNil)
	s.fileOps.Files[svc.UnitPath()] = data
}

func (s *serviceSuite) TestNewServiceValidatesConf(c *gc.C) {
	_, err := NewService("hora-police", common.Conf{ExecStart: "relative"},
		"/etc/systemd/system", func() (DBusAPI, error) { return s.dbus, nil }, s.fileOps)
	c.Assert(err, gc.ErrorMatches, `relative ExecStart "relative" not valid`)
}

func (s *serviceSuite) TestInstalled(c *gc.C) {
	svc := s.newService(c)

	installed, err := svc.Installed()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(installed, jc.IsFalse)

	s.writeUnit(c, svc)
	installed, err = svc.Installed()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(installed, jc.IsTrue)
}

func (s *serviceSuite) TestExistsMatchesConf(c *gc.C) {
	svc := s.newService(c)
	s.writeUnit(c, svc)

	same, err := svc.Exists()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(same, jc.IsTrue)
}

func (s *serviceSuite) TestExistsDetectsDrift(c *gc.C) {
	svc := s.newService(c)
	other, err := common.Serialize("hora-police", common.Conf{
		Desc:      "different",
		ExecStart: "/usr/local/bin/other",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.fileOps.Files[svc.UnitPath()] = other

	same, err := svc.Exists()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(same, jc.IsFalse)
}

func (s *serviceSuite) TestRunning(c *gc.C) {
	s.dbus.AddUnit("hora-police.service", "loaded", "active")
	svc := s.newService(c)

	running, err := svc.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsTrue)
}

func (s *serviceSuite) TestRunningNotListed(c *gc.C) {
	svc := s.newService(c)

	running, err := svc.Running()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(running, jc.IsFalse)
}

func (s *serviceSuite) TestStart(c *gc.C) {
	svc := s.newService(c)
	s.writeUnit(c, svc)

	err := svc.Start()
	c.Assert(err, jc.ErrorIsNil)

	found := false
	for _, call := range s.stub.Calls() {
		if call.FuncName == "StartUnit" {
			c.Check(call.Args[0], gc.Equals, "hora-police.service")
			c.Check(call.Args[1], gc.Equals, "fail")
			found = true
		}
	}
	c.Check(found, jc.IsTrue)
}

func (s *serviceSuite) TestStartAlreadyRunningIsNoError(c *gc.C) {
	s.dbus.AddUnit("hora-police.service", "loaded", "active")
	svc := s.newService(c)
	s.writeUnit(c, svc)

	err := svc.Start()
	c.Assert(err, jc.ErrorIsNil)
	for _, call := range s.stub.Calls() {
		c.Check(call.FuncName, gc.Not(gc.Equals), "StartUnit")
	}
}

func (s *serviceSuite) TestStartNotInstalled(c *gc.C) {
	svc := s.newService(c)

	err := svc.Start()
	c.Assert(err, gc.ErrorMatches, "service hora-police not found")
}

func (s *serviceSuite) TestStopNotRunningIsNoError(c *gc.C) {
	svc := s.newService(c)

	err := svc.Stop()
	c.Assert(err, jc.ErrorIsNil)
}

func (s *serviceSuite) TestStop(c *gc.C) {
	s.dbus.AddUnit("hora-police.service", "loaded", "active")
	svc := s.newService(c)

	err := svc.Stop()
	c.Assert(err, jc.ErrorIsNil)

	found := false
	for _, call := range s.stub.Calls() {
		if call.FuncName == "StopUnit" {
			found = true
		}
	}
	c.Check(found, jc.IsTrue)
}

func (s *serviceSuite) TestRemove(c *gc.C) {
	svc := s.newService(c)
	s.writeUnit(c, svc)

	err := svc.Remove()
	c.Assert(err, jc.ErrorIsNil)

	var funcs []string
	for _, call := range s.stub.Calls() {
		funcs = append(funcs, call.FuncName)
	}
	c.Check(funcs, jc.DeepEquals, []string{
		"ReadFile", "DisableUnitFiles", "Reload", "Remove", "Close",
	})
	_, ok := s.fileOps.Files[svc.UnitPath()]
	c.Check(ok, jc.IsFalse)
}

func (s *serviceSuite) TestWriteService(c *gc.C) {
	svc := s.newService(c)

	err := svc.WriteService()
	c.Assert(err, jc.ErrorIsNil)

	data, ok := s.fileOps.Files[svc.UnitPath()]
	c.Assert(ok, jc.IsTrue)
	parsed, err := common.Deserialize(data)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(parsed.ExecStart, gc.Equals, svc.Conf().ExecStart)

	var funcs []string
	for _, call := range s.stub.Calls() {
		funcs = append(funcs, call.FuncName)
	}
	c.Check(funcs, jc.DeepEquals, []string{
		"WriteFile", "LinkUnitFiles", "Reload", "EnableUnitFiles", "Close",
	})
}

func (s *serviceSuite) TestWriteRawUnit(c *gc.C) {
	svc := s.newService(c)
	raw := []byte("[Unit]\nDescription=old\n")

	err := svc.WriteRawUnit(raw)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.fileOps.Files[svc.UnitPath()], jc.DeepEquals, raw)
}

func (s *serviceSuite) TestRemoveUnitFile(c *gc.C) {
	svc := s.newService(c)
	s.writeUnit(c, svc)

	err := svc.RemoveUnitFile()
	c.Assert(err, jc.ErrorIsNil)
	_, ok := s.fileOps.Files[svc.UnitPath()]
	c.Check(ok, jc.IsFalse)
}

func (s *serviceSuite) TestUnitPath(c *gc.C) {
	svc := s.newService(c)
	c.Check(svc.UnitPath(), gc.Equals, path.Join("/etc/systemd/system", "hora-police.service"))
}
