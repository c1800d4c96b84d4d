/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"golang.org/x/oauth2"
)

// Inspector answers questions about the branches of a remote repository.
// Every method lists the remote's refs afresh, the moral equivalent of
// git ls-remote, so answers reflect the remote as it is right now rather
// than as it was when some earlier fetch ran.
type Inspector struct {
	url         string
	tokenSource oauth2.TokenSource
}

// BranchState is a point-in-time observation of a single remote branch.
type BranchState struct {
	Name   string
	Exists bool
	Head   plumbing.Hash
}

// NewInspector returns an Inspector for the remote at url. The token source
// may be nil when the remote requires no authentication.
func NewInspector(url string, tokenSource oauth2.TokenSource) *Inspector {
	return &Inspector{url: url, tokenSource: tokenSource}
}

// State reports whether branch exists on the remote and, when it does, its
// head commit.
func (i *Inspector) State(ctx context.Context, branch string) (BranchState, error) {
	heads, err := i.listHeads(ctx)
	if err != nil {
		return BranchState{}, err
	}

	head, ok := heads[branch]
	return BranchState{Name: branch, Exists: ok, Head: head}, nil
}

// BranchExists reports whether branch exists on the remote.
func (i *Inspector) BranchExists(ctx context.Context, branch string) (bool, error) {
	state, err := i.State(ctx, branch)
	if err != nil {
		return false, err
	}
	return state.Exists, nil
}

// Head returns the head commit of branch, or ErrRefNotFound when the branch
// does not exist on the remote.
func (i *Inspector) Head(ctx context.Context, branch string) (plumbing.Hash, error) {
	state, err := i.State(ctx, branch)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !state.Exists {
		return plumbing.ZeroHash, fmt.Errorf("branch %s: %w", branch, ErrRefNotFound)
	}
	return state.Head, nil
}

// Diverged reports whether branches a and b point at different commits. Both
// branches must exist; a missing branch is reported as ErrRefNotFound.
func (i *Inspector) Diverged(ctx context.Context, a, b string) (bool, error) {
	heads, err := i.listHeads(ctx)
	if err != nil {
		return false, err
	}

	headA, ok := heads[a]
	if !ok {
		return false, fmt.Errorf("branch %s: %w", a, ErrRefNotFound)
	}
	headB, ok := heads[b]
	if !ok {
		return false, fmt.Errorf("branch %s: %w", b, ErrRefNotFound)
	}

	return headA != headB, nil
}

// listHeads lists the remote's branch heads, keyed by short branch name.
func (i *Inspector) listHeads(ctx context.Context) (map[string]plumbing.Hash, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{i.url},
	})

	auth, err := tokenAuth(i.tokenSource)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, fmt.Errorf("listing refs for %s: %w", i.url, err)
	}

	heads := make(map[string]plumbing.Hash, len(refs))
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			continue
		}
		heads[ref.Name().Short()] = ref.Hash()
	}

	return heads, nil
}
