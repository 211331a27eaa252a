// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package acquire resolves a usable sentinel binary through an ordered
// chain of producer strategies: an already staged artifact, a local
// source build, a remote build-and-fetch, and a pre-built download.
// Strategies run strictly one at a time; they compete for the same
// memory-constrained host and running builds in parallel would worsen
// the very failure mode the chain exists to survive.
package acquire

import (
	"context"
	"io"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

var logger = loggo.GetLogger("hpdeploy.acquire")

// Strategy is one method of obtaining a usable artifact.
type Strategy interface {
	// Name identifies the strategy in attempt records and logs.
	Name() string

	// Preflight cheaply checks whether the strategy could plausibly
	// produce the target version. It must not mutate host state;
	// dry-run planning relies on that.
	Preflight(ctx context.Context, target version.Number) error

	// Acquire produces a staged, unvalidated artifact for the target
	// version.
	Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error)
}

// Pipeline tries each strategy in fixed order, returning the first
// artifact that validates as a native executable for this host.
type Pipeline struct {
	strategies []Strategy
}

// NewPipeline returns a pipeline over the given strategies, tried in
// the order supplied.
func NewPipeline(strategies ...Strategy) *Pipeline {
	return &Pipeline{strategies: strategies}
}

// Acquire resolves an artifact for the target version. Each strategy
// failure is normalized to "try the next"; only exhausting every
// strategy is an error, and that error carries all the sub-failures.
func (p *Pipeline) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	var attempts []Attempt
	for _, strategy := range p.strategies {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		art, err := p.tryOne(ctx, strategy, target)
		if err != nil {
			logger.Warningf("strategy %q failed: %v", strategy.Name(), err)
			attempts = append(attempts, Attempt{Strategy: strategy.Name(), Err: err})
			continue
		}
		logger.Infof("acquired %v via %q", target, strategy.Name())
		return art, nil
	}
	return nil, &AllStrategiesFailedError{Attempts: attempts}
}

func (p *Pipeline) tryOne(ctx context.Context, strategy Strategy, target version.Number) (*artifact.Artifact, error) {
	if err := strategy.Preflight(ctx, target); err != nil {
		return nil, errors.Trace(err)
	}
	art, err := strategy.Acquire(ctx, target)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// An artifact that is not a well-formed native executable is a
	// strategy failure, not a success.
	if err := ValidateBinary(art.Path); err != nil {
		return nil, errors.Trace(err)
	}
	return art, nil
}

// Plan reports which strategy Acquire would try first, judged by
// preflight checks alone. It performs no builds, fetches or writes.
func (p *Pipeline) Plan(ctx context.Context, target version.Number) (string, error) {
	var attempts []Attempt
	for _, strategy := range p.strategies {
		if err := strategy.Preflight(ctx, target); err != nil {
			attempts = append(attempts, Attempt{Strategy: strategy.Name(), Err: err})
			continue
		}
		return strategy.Name(), nil
	}
	return "", &AllStrategiesFailedError{Attempts: attempts}
}

// stage writes the produced binary into the store and closes the reader.
func stage(store *artifact.Store, r io.ReadCloser, target version.Number, strategyName, arch string) (*artifact.Artifact, error) {
	defer r.Close()
	art, err := store.Stage(r, target.String(), strategyName, arch)
	if err != nil {
		return nil, errors.Annotatef(err, "cannot stage %s artifact", strategyName)
	}
	return art, nil
}
