// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package deployer sequences a deployment attempt through its stages:
// Resolving, Acquiring, Provisioning, Installing, Starting, Verifying.
// The stages are strictly ordered and none may be skipped; Install's
// correctness depends on Backup and Provision having already run.
package deployer

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mutex/v2"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/acquire"
	"github.com/mj-coding-Base/Hora-Police/artifact"
	"github.com/mj-coding-Base/Hora-Police/config"
	"github.com/mj-coding-Base/Hora-Police/install"
	"github.com/mj-coding-Base/Hora-Police/provision"
	"github.com/mj-coding-Base/Hora-Police/service"
	"github.com/mj-coding-Base/Hora-Police/service/systemd"
	"github.com/mj-coding-Base/Hora-Police/verify"
)

var logger = loggo.GetLogger("hpdeploy.deployer")

// ErrInProgress reports that another deployment holds the machine lock.
const ErrInProgress = errors.ConstError("deployment already in progress")

const (
	lockName    = "hora-police-deploy"
	lockTimeout = time.Second
	lockDelay   = 250 * time.Millisecond
)

// Acquirer is the build pipeline as the orchestrator sees it.
type Acquirer interface {
	Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error)
	Plan(ctx context.Context, target version.Number) (string, error)
}

// Provisioner applies the path manifest.
type Provisioner interface {
	Ensure(manifest provision.Manifest) error
}

// Installer is the install/rollback state machine.
type Installer interface {
	Backup() (*artifact.Backup, error)
	Install(art *artifact.Artifact, backup *artifact.Backup, provisioned set.Strings) error
	Start() error
	MarkVerified() error
	Rollback(backup *artifact.Backup, clk clock.Clock) error
}

// Verifier produces the post-install health report.
type Verifier interface {
	Verify(ctx context.Context, timeout time.Duration) (verify.Report, error)
}

// BackupStore is the slice of the artifact store the orchestrator
// itself uses.
type BackupStore interface {
	LatestBackup() (*artifact.Backup, error)
	PruneBackups(keep int) error
}

// Options modify one deployment attempt.
type Options struct {
	// DryRun plans the attempt without mutating anything.
	DryRun bool

	// Force deploys even when the target version is already installed.
	Force bool

	// TargetVersion overrides the configured target.
	TargetVersion string
}

// Deployer runs deployment attempts. Collaborators are interfaces so
// tests can substitute them; production wiring lives in New.
type Deployer struct {
	cfg         config.Config
	clock       clock.Clock
	store       BackupStore
	acquirer    Acquirer
	provisioner Provisioner
	installer   Installer
	verifier    Verifier

	// acquireLock is patched in tests.
	acquireLock func(mutex.Spec) (mutex.Releaser, error)
}

// New assembles a production deployer for the given configuration.
func New(cfg config.Config, clk clock.Clock) (*Deployer, error) {
	svc, err := systemd.NewServiceWithDefaults(cfg.ServiceName, cfg.Descriptor())
	if err != nil {
		return nil, errors.Trace(err)
	}
	store := artifact.NewStore(cfg.DataDir, clk)

	pipeline := acquire.NewPipeline(
		&acquire.StagedStrategy{Store: store},
		acquire.NewLocalBuildStrategy(cfg.SourceDir, cfg.BinaryName, store),
		acquire.NewRemoteBuildStrategy(cfg.RemoteBuildHost, cfg.SourceDir, cfg.RemoteBuildDir, cfg.BinaryName, store),
		acquire.NewDownloadStrategy(cfg.DownloadURL, store),
	)

	installer := install.NewManager(store, svc, cfg.BinaryPath, svc.UnitPath())
	verifier := verify.NewVerifier(cfg.BinaryPath, cfg.ServiceName, svc, service.NewLogReader())

	return &Deployer{
		cfg:         cfg,
		clock:       clk,
		store:       store,
		acquirer:    pipeline,
		provisioner: provision.NewManager(),
		installer:   installer,
		verifier:    verifier,
		acquireLock: mutex.Acquire,
	}, nil
}

// NewWithCollaborators returns a deployer over explicit collaborators.
// Tests use this; so could an alternate supervisor wiring.
func NewWithCollaborators(
	cfg config.Config, clk clock.Clock, store BackupStore,
	acquirer Acquirer, provisioner Provisioner, installer Installer, verifier Verifier,
) *Deployer {
	return &Deployer{
		cfg:         cfg,
		clock:       clk,
		store:       store,
		acquirer:    acquirer,
		provisioner: provisioner,
		installer:   installer,
		verifier:    verifier,
		acquireLock: mutex.Acquire,
	}
}

// Deploy runs one deployment attempt. The returned Attempt is always
// non-nil and already persisted to the attempt log; err carries the
// failure when the outcome is not Done, Noop or DryRun.
func (d *Deployer) Deploy(ctx context.Context, opts Options) (*Attempt, error) {
	attempt := &Attempt{
		StartedAt: d.clock.Now(),
		Outcome:   OutcomeAborted,
	}
	defer func() {
		attempt.FinishedAt = d.clock.Now()
		attempt.persist(d.cfg.DataDir)
	}()

	releaser, err := d.acquireLock(mutex.Spec{
		Name:    lockName,
		Clock:   d.clock,
		Delay:   lockDelay,
		Timeout: lockTimeout,
	})
	if errors.Is(err, mutex.ErrTimeout) {
		return attempt, errors.WithType(err, ErrInProgress)
	} else if err != nil {
		return attempt, errors.Annotate(err, "cannot acquire deployment lock")
	}
	defer releaser.Release()

	return d.run(ctx, opts, attempt)
}

func (d *Deployer) run(ctx context.Context, opts Options, attempt *Attempt) (*Attempt, error) {
	// Resolving.
	current := installedVersion(ctx, d.cfg.BinaryPath)
	target, err := resolveTarget(opts.TargetVersion, d.cfg.TargetVersion, d.cfg.SourceDir)
	attempt.recordStage(StageResolving, d.clock.Now(), err)
	if err != nil {
		return d.abort(attempt, err)
	}
	attempt.InstalledVersion = current.String()
	attempt.TargetVersion = target.String()
	logger.Infof("resolving: installed %v, target %v", current, target)

	if !opts.Force && current != version.Zero && current.Compare(target) == 0 {
		logger.Infof("target %v already installed, nothing to do", target)
		attempt.Outcome = OutcomeNoop
		return attempt, nil
	}

	// Dry run stops after planning: it must decide which strategy
	// would be used without mutating host state.
	if opts.DryRun {
		strategy, err := d.acquirer.Plan(ctx, target)
		attempt.recordStage(StageAcquiring, d.clock.Now(), err)
		if err != nil {
			return d.abort(attempt, err)
		}
		attempt.Strategy = strategy
		attempt.Outcome = OutcomeDryRun
		logger.Infof("dry run: would acquire %v via %q", target, strategy)
		return attempt, nil
	}

	// Acquiring. Cancellation here simply abandons the attempt: no
	// host mutation has happened, so no rollback is needed. The
	// configured build timeout bounds the whole strategy chain, so a
	// hung build or fetch surfaces as a timeout instead of blocking
	// the attempt forever.
	buildCtx, cancelBuild := context.WithTimeout(ctx, d.cfg.BuildTimeout)
	art, err := d.acquirer.Acquire(buildCtx, target)
	cancelBuild()
	attempt.recordStage(StageAcquiring, d.clock.Now(), err)
	if err != nil {
		return d.abort(attempt, err)
	}
	attempt.Strategy = art.Strategy

	// Provisioning.
	manifest := d.cfg.Manifest()
	err = d.provisioner.Ensure(manifest)
	attempt.recordStage(StageProvisioning, d.clock.Now(), err)
	if err != nil {
		return d.abort(attempt, err)
	}

	if err := ctx.Err(); err != nil {
		return d.abort(attempt, err)
	}

	// Installing. From the backup on, any failure (or cancellation)
	// must end in a rollback: the host never keeps a new, unverified
	// binary.
	backup, err := d.installer.Backup()
	if err != nil {
		attempt.recordStage(StageInstalling, d.clock.Now(), err)
		return d.abort(attempt, err)
	}

	provisioned := set.NewStrings(manifest.Paths()...)
	err = d.installer.Install(art, backup, provisioned)
	attempt.recordStage(StageInstalling, d.clock.Now(), err)
	if err != nil {
		return d.rollback(attempt, backup, err)
	}
	if err := ctx.Err(); err != nil {
		return d.rollback(attempt, backup, err)
	}

	// Starting.
	err = d.installer.Start()
	attempt.recordStage(StageStarting, d.clock.Now(), err)
	if err != nil {
		return d.rollback(attempt, backup, err)
	}
	if err := ctx.Err(); err != nil {
		return d.rollback(attempt, backup, err)
	}

	// Verifying.
	report, err := d.verifier.Verify(ctx, d.cfg.VerifyTimeout)
	if err == nil && !report.Passed() {
		err = errors.Errorf("verification failed: %v", report.Reasons)
		if remedy := RemedyForReasons(report.Reasons); remedy != "" {
			attempt.Remedy = remedy
		}
	}
	attempt.recordStage(StageVerifying, d.clock.Now(), err)
	if err != nil {
		return d.rollback(attempt, backup, err)
	}

	if err := d.installer.MarkVerified(); err != nil {
		return d.rollback(attempt, backup, err)
	}
	if err := d.store.PruneBackups(d.cfg.BackupRetention); err != nil {
		// Retention pruning is housekeeping; a verified deployment
		// does not become a failure because an old backup would not
		// delete.
		logger.Warningf("cannot prune old backups: %v", err)
	}

	attempt.Outcome = OutcomeDone
	logger.Infof("deployed %v via %q", target, attempt.Strategy)
	return attempt, nil
}

func (d *Deployer) abort(attempt *Attempt, err error) (*Attempt, error) {
	attempt.Outcome = OutcomeAborted
	attempt.Error = err.Error()
	attempt.Remedy = Remedy(err)
	return attempt, errors.Trace(err)
}

func (d *Deployer) rollback(attempt *Attempt, backup *artifact.Backup, original error) (*Attempt, error) {
	logger.Errorf("deployment failed after host mutation: %v", original)
	attempt.Error = original.Error()
	if attempt.Remedy == "" {
		attempt.Remedy = Remedy(original)
	}

	if rbErr := d.installer.Rollback(backup, d.clock); rbErr != nil {
		attempt.Outcome = OutcomeStuck
		attempt.Error = attempt.Error + "; rollback also failed: " + rbErr.Error()
		attempt.Remedy = Remedy(rbErr)
		return attempt, errors.Annotatef(rbErr,
			"deployment failed (%v) and rollback did not restore the host", original)
	}
	attempt.Outcome = OutcomeRolledBack
	return attempt, errors.Trace(original)
}

// Verify runs verification against the currently installed service,
// outside any deployment attempt.
func (d *Deployer) Verify(ctx context.Context) (verify.Report, error) {
	report, err := d.verifier.Verify(ctx, d.cfg.VerifyTimeout)
	return report, errors.Trace(err)
}

// RollbackToLatest restores the most recent backup on operator
// request, independent of any attempt.
func (d *Deployer) RollbackToLatest(ctx context.Context) error {
	releaser, err := d.acquireLock(mutex.Spec{
		Name:    lockName,
		Clock:   d.clock,
		Delay:   lockDelay,
		Timeout: lockTimeout,
	})
	if errors.Is(err, mutex.ErrTimeout) {
		return errors.WithType(err, ErrInProgress)
	} else if err != nil {
		return errors.Annotate(err, "cannot acquire deployment lock")
	}
	defer releaser.Release()

	backup, err := d.store.LatestBackup()
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return errors.WithType(err, install.ErrBackupMissing)
		}
		return errors.Trace(err)
	}
	return errors.Trace(d.installer.Rollback(backup, d.clock))
}
