/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package publisher lands staged configuration changes on the remote update
// branch. A publish is commit-if-changed followed by a conditional push that
// only succeeds when the remote ref still points where the run last observed
// it. When another writer has advanced the ref in the meantime the publisher
// re-synchronizes and replays the change exactly once; a second rejection is
// ErrPushConflict and ends the run.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vineeth12345/auto-update-ami-references/internal/clusterfile"
	"github.com/vineeth12345/auto-update-ami-references/internal/refsync"
)

// ErrPushConflict reports that the remote update branch moved during both
// the initial push and the single replay. The run gives up rather than loop;
// whichever writer won has likely landed the same change anyway, and the
// next run starts from a clean observation.
var ErrPushConflict = errors.New("push conflict: remote branch moved again during replay")

// Status classifies a successful publish.
type Status int

const (
	// Published means a commit landed on the remote update branch.
	Published Status = iota
	// NoChange means the document already carried the target version, so
	// nothing was committed or pushed.
	NoChange
)

func (s Status) String() string {
	switch s {
	case Published:
		return "published"
	case NoChange:
		return "no-change"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome describes what a publish did.
type Outcome struct {
	Status        Status
	Commit        plumbing.Hash
	ChangedFields []string
	// Retried is true when the first push was rejected and the change had
	// to be replayed onto a newer tip.
	Retried bool
}

// Plan carries everything one publish needs. Sync re-synchronizes the update
// branch and reports the observed state; Apply re-runs the document mutation
// against the current working tree and reports what changed. Both are
// invoked again on replay, which is what makes the single retry safe: the
// mutation is deterministic, so replaying it on the new tip reproduces the
// intended change without any patch surgery.
type Plan struct {
	Branch  string
	Path    string
	Version string

	Sync  func(context.Context) (refsync.SyncState, error)
	Apply func(context.Context) (clusterfile.Result, error)
}

// GitOps is the slice of workspace behavior a publish needs.
type GitOps interface {
	Stage(relPath string) error
	HasStagedChanges() (bool, error)
	Commit(ctx context.Context, message string, parents ...plumbing.Hash) (plumbing.Hash, error)
	ConditionalPush(ctx context.Context, branch string, expectedOld plumbing.Hash) (refsync.PushStatus, error)
	ResetBranch(branch string, tip plumbing.Hash) error
}

// Publisher lands changes through a workspace.
type Publisher struct {
	git GitOps
}

// New returns a Publisher operating through git.
func New(git GitOps) *Publisher {
	return &Publisher{git: git}
}

// Publish synchronizes, applies, commits, and conditionally pushes the
// change described by plan. The remote ref compare-and-swap is the only
// guard against concurrent runs: a stale rejection triggers exactly one
// re-synchronize-and-replay, and a second rejection returns ErrPushConflict.
func (p *Publisher) Publish(ctx context.Context, plan Plan) (Outcome, error) {
	if err := validatePlan(plan); err != nil {
		return Outcome{}, err
	}

	state, err := plan.Sync(ctx)
	if err != nil {
		return Outcome{}, err
	}

	outcome, stale, err := p.attempt(ctx, plan, state)
	if err != nil || !stale {
		return outcome, err
	}

	clog.FromContext(ctx).Infof("Remote %s moved during push, replaying on the new tip", plan.Branch)

	// Drop the rejected commit so the branch matches what the remote held
	// when we observed it; the fresh sync then fast-forwards over whatever
	// the other writer landed.
	if err := p.git.ResetBranch(plan.Branch, state.RemoteHead); err != nil {
		return Outcome{}, err
	}

	state, err = plan.Sync(ctx)
	if err != nil {
		return Outcome{}, err
	}

	outcome, stale, err = p.attempt(ctx, plan, state)
	if err != nil {
		return Outcome{}, err
	}
	if stale {
		return Outcome{}, fmt.Errorf("branch %s: %w", plan.Branch, ErrPushConflict)
	}

	outcome.Retried = true
	return outcome, nil
}

// attempt runs one apply-commit-push cycle against an observed state. The
// stale return is true when the push was rejected because the remote moved.
func (p *Publisher) attempt(ctx context.Context, plan Plan, state refsync.SyncState) (Outcome, bool, error) {
	result, err := plan.Apply(ctx)
	if err != nil {
		return Outcome{}, false, err
	}
	if !result.Changed() {
		clog.FromContext(ctx).Infof("Document already at %s, nothing to publish", plan.Version)
		return Outcome{Status: NoChange}, false, nil
	}

	if err := p.git.Stage(plan.Path); err != nil {
		return Outcome{}, false, err
	}

	staged, err := p.git.HasStagedChanges()
	if err != nil {
		return Outcome{}, false, err
	}
	if !staged {
		return Outcome{Status: NoChange}, false, nil
	}

	commit, err := p.git.Commit(ctx, CommitMessage(plan.Version))
	if err != nil {
		return Outcome{}, false, err
	}

	status, err := p.git.ConditionalPush(ctx, plan.Branch, state.RemoteHead)
	if err != nil {
		return Outcome{}, false, err
	}
	if status == refsync.PushRejectedStale {
		return Outcome{}, true, nil
	}

	return Outcome{
		Status:        Published,
		Commit:        commit,
		ChangedFields: result.ChangedFields,
	}, false, nil
}

// CommitMessage is the deterministic message used for every update commit.
func CommitMessage(version string) string {
	return fmt.Sprintf("[NOJIRA]: Update AMI ID to %s", version)
}

func validatePlan(plan Plan) error {
	switch {
	case plan.Branch == "":
		return errors.New("plan branch cannot be empty")
	case plan.Path == "":
		return errors.New("plan path cannot be empty")
	case plan.Version == "":
		return errors.New("plan version cannot be empty")
	case plan.Sync == nil:
		return errors.New("plan sync function cannot be nil")
	case plan.Apply == nil:
		return errors.New("plan apply function cannot be nil")
	}
	return nil
}
