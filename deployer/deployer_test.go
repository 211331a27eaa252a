// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package deployer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/mj-coding-Base/Hora-Police/acquire"
	"github.com/mj-coding-Base/Hora-Police/artifact"
	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/install"
	"github.com/mj-coding-Base/Hora-Police/provision"
	"github.com/mj-coding-Base/Hora-Police/verify"
)

type stubAcquirer struct {
	*testing.Stub

	art        *artifact.Artifact
	plan       string
	acquireErr error
	planErr    error

	// blockUntilCancelled simulates a hung build: Acquire returns
	// only when its context is done.
	blockUntilCancelled bool
}

func (a *stubAcquirer) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	a.AddCall("Acquire", target)
	if a.blockUntilCancelled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.acquireErr != nil {
		return nil, a.acquireErr
	}
	return a.art, nil
}

func (a *stubAcquirer) Plan(ctx context.Context, target version.Number) (string, error) {
	a.AddCall("Plan", target)
	return a.plan, a.planErr
}

type stubProvisioner struct {
	*testing.Stub

	err error
}

func (p *stubProvisioner) Ensure(manifest provision.Manifest) error {
	p.AddCall("Ensure", manifest)
	return p.err
}

type stubInstaller struct {
	*testing.Stub

	backup *artifact.Backup

	backupErr   error
	installErr  error
	startErr    error
	verifiedErr error
	rollbackErr error
}

func (i *stubInstaller) Backup() (*artifact.Backup, error) {
	i.AddCall("Backup")
	if i.backupErr != nil {
		return nil, i.backupErr
	}
	return i.backup, nil
}

func (i *stubInstaller) Install(art *artifact.Artifact, backup *artifact.Backup, provisioned set.Strings) error {
	i.AddCall("Install", art, backup, provisioned)
	return i.installErr
}

func (i *stubInstaller) Start() error {
	i.AddCall("Start")
	return i.startErr
}

func (i *stubInstaller) MarkVerified() error {
	i.AddCall("MarkVerified")
	return i.verifiedErr
}

func (i *stubInstaller) Rollback(backup *artifact.Backup, clk clock.Clock) error {
	i.AddCall("Rollback", backup)
	return i.rollbackErr
}

type stubVerifier struct {
	*testing.Stub

	report verify.Report
	err    error
}

func (v *stubVerifier) Verify(ctx context.Context, timeout time.Duration) (verify.Report, error) {
	v.AddCall("Verify", timeout)
	return v.report, v.err
}

type stubStore struct {
	*testing.Stub

	latest    *artifact.Backup
	latestErr error
	pruneErr  error
}

func (s *stubStore) LatestBackup() (*artifact.Backup, error) {
	s.AddCall("LatestBackup")
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.latest, nil
}

func (s *stubStore) PruneBackups(keep int) error {
	s.AddCall("PruneBackups", keep)
	return s.pruneErr
}

type fakeReleaser struct{}

func (fakeReleaser) Release() {}

type deployerSuite struct {
	testing.IsolationSuite

	cfg         config.Config
	stub        *testing.Stub
	acquirer    *stubAcquirer
	provisioner *stubProvisioner
	installer   *stubInstaller
	verifier    *stubVerifier
	store       *stubStore
	deployer    *Deployer
}

var _ = gc.Suite(&deployerSuite{})

func (s *deployerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	s.cfg = config.Default()
	s.cfg.DataDir = c.MkDir()
	s.cfg.BinaryPath = filepath.Join(c.MkDir(), "hora-police")
	s.cfg.VerifyTimeout = time.Second

	s.stub = &testing.Stub{}
	s.acquirer = &stubAcquirer{
		Stub: s.stub,
		art: &artifact.Artifact{
			Path:     "/staged/hora-police",
			Version:  "1.4.0",
			Strategy: "local-build",
		},
		plan: "local-build",
	}
	s.provisioner = &stubProvisioner{Stub: s.stub}
	s.installer = &stubInstaller{
		Stub:   s.stub,
		backup: &artifact.Backup{Name: "20250601-120000"},
	}
	s.verifier = &stubVerifier{
		Stub:   s.stub,
		report: verify.Report{BinaryOK: true, ServiceActive: true},
	}
	s.store = &stubStore{Stub: s.stub}

	s.deployer = NewWithCollaborators(
		s.cfg, testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		s.store, s.acquirer, s.provisioner, s.installer, s.verifier,
	)
	s.deployer.acquireLock = func(spec mutex.Spec) (mutex.Releaser, error) {
		s.stub.AddCall("AcquireLock", spec.Name)
		return fakeReleaser{}, nil
	}
}

func (s *deployerSuite) deploy(c *gc.C, opts Options) (*Attempt, error) {
	return s.deployer.Deploy(context.Background(), opts)
}

// writeVersionBinary installs a stand-in sentinel that reports vers.
func (s *deployerSuite) writeVersionBinary(c *gc.C, vers string) {
	script := "#!/bin/sh\necho \"hora-police " + vers + "\"\n"
	c.Assert(os.WriteFile(s.cfg.BinaryPath, []byte(script), 0755), jc.ErrorIsNil)
}

func (s *deployerSuite) callNames() []string {
	var names []string
	for _, call := range s.stub.Calls() {
		names = append(names, call.FuncName)
	}
	return names
}

func (s *deployerSuite) TestDeploySuccess(c *gc.C) {
	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeDone)
	c.Check(attempt.TargetVersion, gc.Equals, "1.4.0")
	c.Check(attempt.Strategy, gc.Equals, "local-build")

	c.Check(s.callNames(), jc.DeepEquals, []string{
		"AcquireLock", "Acquire", "Ensure", "Backup", "Install",
		"Start", "Verify", "MarkVerified", "PruneBackups",
	})

	var stages []Stage
	for _, rec := range attempt.Stages {
		c.Check(rec.OK, jc.IsTrue)
		stages = append(stages, rec.Stage)
	}
	c.Check(stages, jc.DeepEquals, []Stage{
		StageResolving, StageAcquiring, StageProvisioning,
		StageInstalling, StageStarting, StageVerifying,
	})

	prune := s.stub.Calls()[len(s.stub.Calls())-1]
	c.Check(prune.Args, jc.DeepEquals, []interface{}{s.cfg.BackupRetention})
}

func (s *deployerSuite) TestDeployPersistsAttempt(c *gc.C) {
	_, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, jc.ErrorIsNil)

	attempts, err := ReadAttempts(s.cfg.DataDir)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(attempts, gc.HasLen, 1)
	c.Check(attempts[0].Outcome, gc.Equals, OutcomeDone)
	c.Check(attempts[0].TargetVersion, gc.Equals, "1.4.0")
}

func (s *deployerSuite) TestDeployNoopWhenAlreadyInstalled(c *gc.C) {
	s.writeVersionBinary(c, "1.4.0")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeNoop)
	c.Check(attempt.InstalledVersion, gc.Equals, "1.4.0")

	// Nothing past resolution ran.
	c.Check(s.callNames(), jc.DeepEquals, []string{"AcquireLock"})
}

func (s *deployerSuite) TestDeployForceRedeploys(c *gc.C) {
	s.writeVersionBinary(c, "1.4.0")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0", Force: true})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeDone)
}

func (s *deployerSuite) TestDeployUpgrades(c *gc.C) {
	s.writeVersionBinary(c, "1.3.0")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeDone)
	c.Check(attempt.InstalledVersion, gc.Equals, "1.3.0")
}

func (s *deployerSuite) TestDeployDryRun(c *gc.C) {
	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0", DryRun: true})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeDryRun)
	c.Check(attempt.Strategy, gc.Equals, "local-build")

	// Planning only: no acquisition, no provisioning, no backup.
	c.Check(s.callNames(), jc.DeepEquals, []string{"AcquireLock", "Plan"})
}

func (s *deployerSuite) TestDeployUnresolvableTarget(c *gc.C) {
	attempt, err := s.deploy(c, Options{})
	c.Assert(err, gc.ErrorMatches, "cannot resolve target version: .*")
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)
	c.Check(attempt.LastStage(), gc.Equals, StageResolving)
}

func (s *deployerSuite) TestDeployAcquireFailureAborts(c *gc.C) {
	s.acquirer.acquireErr = &acquire.AllStrategiesFailedError{
		Attempts: []acquire.Attempt{{
			Strategy: "local-build",
			Err:      errors.WithType(errors.New("killed"), acquire.ErrOutOfMemory),
		}},
	}

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, "all 1 build strategies failed: .*")
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)
	c.Check(attempt.Remedy, gc.Matches, "increase swap.*")

	// The host was never touched: no provision, no backup, no rollback.
	c.Check(s.callNames(), jc.DeepEquals, []string{"AcquireLock", "Acquire"})
}

func (s *deployerSuite) TestDeployBuildTimeoutBoundsAcquire(c *gc.C) {
	s.cfg.BuildTimeout = 50 * time.Millisecond
	s.deployer = NewWithCollaborators(
		s.cfg, testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		s.store, s.acquirer, s.provisioner, s.installer, s.verifier,
	)
	s.deployer.acquireLock = func(spec mutex.Spec) (mutex.Releaser, error) {
		return fakeReleaser{}, nil
	}
	s.acquirer.blockUntilCancelled = true

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(errors.Is(err, context.DeadlineExceeded), jc.IsTrue)
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)
	c.Check(attempt.LastStage(), gc.Equals, StageAcquiring)
}

func (s *deployerSuite) TestDeployProvisionFailureAborts(c *gc.C) {
	s.provisioner.err = errors.WithType(errors.New("mkdir denied"), provision.ErrPermissionDenied)

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(errors.Is(err, provision.ErrPermissionDenied), jc.IsTrue)
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)
	c.Check(s.callNames(), jc.DeepEquals, []string{"AcquireLock", "Acquire", "Ensure"})
}

func (s *deployerSuite) TestDeployInstallFailureRollsBack(c *gc.C) {
	s.installer.installErr = errors.New("disk full")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, "disk full")
	c.Check(attempt.Outcome, gc.Equals, OutcomeRolledBack)
	c.Check(s.callNames(), jc.DeepEquals, []string{
		"AcquireLock", "Acquire", "Ensure", "Backup", "Install", "Rollback",
	})
}

func (s *deployerSuite) TestDeployStartFailureRollsBack(c *gc.C) {
	s.installer.startErr = errors.New("unit refused to start")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, "unit refused to start")
	c.Check(attempt.Outcome, gc.Equals, OutcomeRolledBack)
}

func (s *deployerSuite) TestDeployVerificationFailureRollsBack(c *gc.C) {
	s.verifier.report = verify.Report{
		BinaryOK:      false,
		ServiceActive: true,
		Reasons:       []string{verify.ReasonSandboxRejected},
	}

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, `verification failed: \[sandbox-rejected\]`)
	c.Check(attempt.Outcome, gc.Equals, OutcomeRolledBack)
	c.Check(attempt.Remedy, gc.Matches, "systemd could not set up the sandbox: .*")

	rollback := s.stub.Calls()[len(s.stub.Calls())-1]
	c.Check(rollback.FuncName, gc.Equals, "Rollback")
	c.Check(rollback.Args[0], gc.Equals, s.installer.backup)
}

func (s *deployerSuite) TestDeployVerifierErrorRollsBack(c *gc.C) {
	s.verifier.err = errors.New("cannot query supervisor")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, "cannot query supervisor")
	c.Check(attempt.Outcome, gc.Equals, OutcomeRolledBack)
}

func (s *deployerSuite) TestDeployRollbackFailureIsStuck(c *gc.C) {
	s.installer.installErr = errors.New("disk full")
	s.installer.rollbackErr = errors.New("backup unreadable")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, gc.ErrorMatches, `deployment failed \(disk full\) and rollback did not restore the host: backup unreadable`)
	c.Check(attempt.Outcome, gc.Equals, OutcomeStuck)
	c.Check(attempt.Error, gc.Matches, "disk full; rollback also failed: backup unreadable")
}

func (s *deployerSuite) TestDeployCancelledBeforeBackupAborts(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempt, err := s.deployer.Deploy(ctx, Options{TargetVersion: "1.4.0"})
	c.Assert(errors.Is(err, context.Canceled), jc.IsTrue)
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)

	// Cancellation before the backup means no mutation and no rollback.
	for _, name := range s.callNames() {
		c.Check(name, gc.Not(gc.Equals), "Backup")
		c.Check(name, gc.Not(gc.Equals), "Rollback")
	}
}

func (s *deployerSuite) TestDeployPruneFailureIsNotFatal(c *gc.C) {
	s.store.pruneErr = errors.New("backup dir busy")

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attempt.Outcome, gc.Equals, OutcomeDone)
}

func (s *deployerSuite) TestDeployLockContention(c *gc.C) {
	s.deployer.acquireLock = func(spec mutex.Spec) (mutex.Releaser, error) {
		return nil, mutex.ErrTimeout
	}

	attempt, err := s.deploy(c, Options{TargetVersion: "1.4.0"})
	c.Assert(errors.Is(err, ErrInProgress), jc.IsTrue)
	c.Check(attempt.Outcome, gc.Equals, OutcomeAborted)
}

func (s *deployerSuite) TestVerify(c *gc.C) {
	report, err := s.deployer.Verify(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Passed(), jc.IsTrue)
	s.stub.CheckCallNames(c, "Verify")
}

func (s *deployerSuite) TestRollbackToLatest(c *gc.C) {
	s.store.latest = &artifact.Backup{Name: "20250601-110000"}

	err := s.deployer.RollbackToLatest(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.callNames(), jc.DeepEquals, []string{
		"AcquireLock", "LatestBackup", "Rollback",
	})
	rollback := s.stub.Calls()[2]
	c.Check(rollback.Args[0], gc.Equals, s.store.latest)
}

func (s *deployerSuite) TestRollbackToLatestNoBackup(c *gc.C) {
	s.store.latestErr = errors.NotFoundf("backup")

	err := s.deployer.RollbackToLatest(context.Background())
	c.Assert(errors.Is(err, install.ErrBackupMissing), jc.IsTrue)
}

func (s *deployerSuite) TestRollbackToLatestLockContention(c *gc.C) {
	s.deployer.acquireLock = func(spec mutex.Spec) (mutex.Releaser, error) {
		return nil, mutex.ErrTimeout
	}

	err := s.deployer.RollbackToLatest(context.Background())
	c.Assert(errors.Is(err, ErrInProgress), jc.IsTrue)
}
