// Copyright 2025 Hora-Police Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package acquire

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/mj-coding-Base/Hora-Police/artifact"
)

// StagedStrategy reuses an artifact already sitting in the staging
// area, so a rerun after a failed verify does not repeat an expensive
// build. It only matches when the staged version equals the target.
type StagedStrategy struct {
	Store *artifact.Store
}

// Name implements Strategy.
func (*StagedStrategy) Name() string {
	return "staged"
}

// Preflight implements Strategy.
func (s *StagedStrategy) Preflight(ctx context.Context, target version.Number) error {
	_, err := s.match(target)
	return errors.Trace(err)
}

// Acquire implements Strategy.
func (s *StagedStrategy) Acquire(ctx context.Context, target version.Number) (*artifact.Artifact, error) {
	art, err := s.match(target)
	return art, errors.Trace(err)
}

func (s *StagedStrategy) match(target version.Number) (*artifact.Artifact, error) {
	art, err := s.Store.Staged()
	if err != nil {
		return nil, errors.Trace(err)
	}
	staged, err := version.Parse(art.Version)
	if err != nil {
		return nil, errors.Annotatef(err, "staged artifact has unparseable version %q", art.Version)
	}
	if staged.Compare(target) != 0 {
		return nil, errors.NotFoundf("staged artifact for %v (have %v)", target, staged)
	}
	return art, nil
}
