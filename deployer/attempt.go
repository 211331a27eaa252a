// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package deployer

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
)

// Stage names the orchestrator's states, in execution order.
type Stage string

const (
	StageResolving    Stage = "resolving"
	StageAcquiring    Stage = "acquiring"
	StageProvisioning Stage = "provisioning"
	StageInstalling   Stage = "installing"
	StageStarting     Stage = "starting"
	StageVerifying    Stage = "verifying"
)

// Outcome is how an attempt ended.
type Outcome string

const (
	// OutcomeDone means the target version was deployed and verified.
	OutcomeDone Outcome = "done"
	// OutcomeNoop means the target was already installed.
	OutcomeNoop Outcome = "no-op"
	// OutcomeDryRun means planning completed without host mutation.
	OutcomeDryRun Outcome = "dry-run"
	// OutcomeAborted means the attempt stopped before any host
	// mutation; the host is untouched.
	OutcomeAborted Outcome = "aborted"
	// OutcomeRolledBack means the attempt failed after mutation and
	// the previous state was restored.
	OutcomeRolledBack Outcome = "rolled-back"
	// OutcomeStuck means rollback itself failed; the host may be
	// inconsistent and needs an operator.
	OutcomeStuck Outcome = "stuck"
)

// StageRecord is one entry in the attempt's linear stage log.
type StageRecord struct {
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
}

// Attempt records one orchestrator execution. It is threaded through
// the pipeline as an explicit value, deliberately not ambient state,
// and persisted to the attempt log for post-mortems.
type Attempt struct {
	StartedAt        time.Time     `json:"started-at"`
	FinishedAt       time.Time     `json:"finished-at"`
	InstalledVersion string        `json:"installed-version,omitempty"`
	TargetVersion    string        `json:"target-version,omitempty"`
	Strategy         string        `json:"strategy,omitempty"`
	Outcome          Outcome       `json:"outcome"`
	Stages           []StageRecord `json:"stages"`
	Error            string        `json:"error,omitempty"`
	Remedy           string        `json:"remedy,omitempty"`
}

func (a *Attempt) recordStage(stage Stage, at time.Time, err error) {
	rec := StageRecord{Stage: stage, At: at, OK: err == nil}
	if err != nil {
		rec.Detail = err.Error()
	}
	a.Stages = append(a.Stages, rec)
}

// LastStage returns the most recently recorded stage name.
func (a *Attempt) LastStage() Stage {
	if len(a.Stages) == 0 {
		return ""
	}
	return a.Stages[len(a.Stages)-1].Stage
}

const attemptLogName = "attempts.log"

// persist appends the attempt as one JSON line to the attempt log.
// Failures to persist are logged, never fatal: the deployment result
// matters more than its paper trail.
func (a *Attempt) persist(dataDir string) {
	data, err := json.Marshal(a)
	if err != nil {
		logger.Errorf("cannot marshal attempt record: %v", err)
		return
	}
	path := filepath.Join(dataDir, attemptLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Errorf("cannot open attempt log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Errorf("cannot append to attempt log: %v", err)
	}
}

// ReadAttempts loads the attempt log, oldest first.
func ReadAttempts(dataDir string) ([]Attempt, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, attemptLogName))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var attempts []Attempt
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var a Attempt
		if err := dec.Decode(&a); err != nil {
			return attempts, errors.Annotate(err, "corrupt attempt log")
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}
