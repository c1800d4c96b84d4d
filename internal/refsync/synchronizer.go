/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"
)

// SyncDecision captures what the synchronizer observed about the update
// branch relative to its base.
type SyncDecision struct {
	// Divergent is true when the update branch and the base branch pointed
	// at different commits at observation time.
	Divergent bool
}

// SyncState is the result of a successful synchronization. Head is the local
// tip of the update branch, including any merge commit the synchronizer
// created. RemoteHead is the remote tip the synchronizer observed; a
// conditional push of new work must name it as the expected old value.
type SyncState struct {
	Branch     string
	Head       plumbing.Hash
	RemoteHead plumbing.Hash
	Decision   SyncDecision
}

// branchInspector is the remote observation surface Ensure needs.
type branchInspector interface {
	State(ctx context.Context, branch string) (BranchState, error)
}

// Synchronizer drives the update branch into a state new work can be
// committed onto: present locally, current with its remote, and carrying
// every commit of the base branch.
type Synchronizer struct {
	ws        *Workspace
	inspector branchInspector
}

// NewSynchronizer returns a Synchronizer operating on ws, consulting
// inspector for fresh remote state.
func NewSynchronizer(ws *Workspace, inspector branchInspector) *Synchronizer {
	return &Synchronizer{ws: ws, inspector: inspector}
}

// Ensure makes the update branch exist and be current.
//
// When the branch is missing remotely it is created at the base branch tip
// and published; losing that creation race to a concurrent run is fine, the
// loser adopts the winner's branch. When the branch exists, the local copy
// is fast-forwarded to the remote tip, and a base branch that has moved on
// since the branch was cut is merged in. A local branch holding commits the
// remote lacks aborts the run with ErrLocalOutOfDate.
func (s *Synchronizer) Ensure(ctx context.Context, base, update string) (SyncState, error) {
	log := clog.FromContext(ctx).With("base", base, "update", update)

	baseState, err := s.inspector.State(ctx, base)
	if err != nil {
		return SyncState{}, err
	}
	if !baseState.Exists {
		return SyncState{}, fmt.Errorf("base branch %s: %w", base, ErrRefNotFound)
	}

	updateState, err := s.inspector.State(ctx, update)
	if err != nil {
		return SyncState{}, err
	}

	if err := s.ws.Fetch(ctx, base); err != nil {
		return SyncState{}, err
	}

	if !updateState.Exists {
		log.Infof("Update branch missing, creating at base tip %s", baseState.Head)
		if err := s.ws.ResetBranch(update, baseState.Head); err != nil {
			return SyncState{}, err
		}

		if err := s.ws.PushBranch(ctx, update); err != nil {
			// Another run may have created the branch between our existence
			// check and the push. Re-observe before giving up.
			raced, stateErr := s.inspector.State(ctx, update)
			if stateErr != nil || !raced.Exists {
				return SyncState{}, fmt.Errorf("publishing new branch %s: %w", update, err)
			}
			log.Infof("Lost branch creation race, adopting existing %s at %s", update, raced.Head)
			// The local branch made above was only a candidate. Point it at
			// the winner's tip so the run continues as if the branch had
			// existed from the start.
			if err := s.ws.Fetch(ctx, update); err != nil {
				return SyncState{}, err
			}
			if err := s.ws.ResetBranch(update, raced.Head); err != nil {
				return SyncState{}, err
			}
			updateState = raced
		} else {
			return SyncState{
				Branch:     update,
				Head:       baseState.Head,
				RemoteHead: baseState.Head,
				Decision:   SyncDecision{Divergent: false},
			}, nil
		}
	}

	if err := s.ws.Fetch(ctx, update); err != nil {
		return SyncState{}, err
	}
	remoteTip := updateState.Head

	hasLocal, err := s.ws.HasLocalBranch(update)
	if err != nil {
		return SyncState{}, err
	}
	if hasLocal {
		localTip, err := s.ws.LocalHead(update)
		if err != nil {
			return SyncState{}, err
		}

		switch {
		case localTip == remoteTip:
			if err := s.ws.CheckoutBranch(update); err != nil {
				return SyncState{}, err
			}
		default:
			behind, err := s.ws.IsAncestor(localTip, remoteTip)
			if err != nil {
				return SyncState{}, err
			}
			if !behind {
				return SyncState{}, fmt.Errorf("branch %s at %s vs remote %s: %w", update, localTip, remoteTip, ErrLocalOutOfDate)
			}
			log.Infof("Fast-forwarding local %s from %s to %s", update, localTip, remoteTip)
			if err := s.ws.ResetBranch(update, remoteTip); err != nil {
				return SyncState{}, err
			}
		}
	} else {
		if err := s.ws.ResetBranch(update, remoteTip); err != nil {
			return SyncState{}, err
		}
	}

	if baseState.Head == remoteTip {
		return SyncState{
			Branch:     update,
			Head:       remoteTip,
			RemoteHead: remoteTip,
			Decision:   SyncDecision{Divergent: false},
		}, nil
	}

	head, err := s.reconcileDivergence(ctx, base, baseState.Head, update, remoteTip)
	if err != nil {
		return SyncState{}, err
	}

	return SyncState{
		Branch:     update,
		Head:       head,
		RemoteHead: remoteTip,
		Decision:   SyncDecision{Divergent: true},
	}, nil
}

// reconcileDivergence brings the base branch's commits into the update
// branch, returning the resulting local tip.
func (s *Synchronizer) reconcileDivergence(ctx context.Context, base string, baseTip plumbing.Hash, update string, updateTip plumbing.Hash) (plumbing.Hash, error) {
	log := clog.FromContext(ctx)

	baseReachable, err := s.ws.IsAncestor(baseTip, updateTip)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if baseReachable {
		// The update branch is strictly ahead; every base commit is already
		// part of its history.
		return updateTip, nil
	}

	updateBehind, err := s.ws.IsAncestor(updateTip, baseTip)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if updateBehind {
		log.Infof("Fast-forwarding %s from %s to base tip %s", update, updateTip, baseTip)
		if err := s.ws.ResetBranch(update, baseTip); err != nil {
			return plumbing.ZeroHash, err
		}
		return baseTip, nil
	}

	log.Infof("Merging %s (%s) into %s (%s)", base, baseTip, update, updateTip)
	return s.merge(ctx, base, baseTip, update, updateTip)
}
