/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const defaultIdentity = "github-actions"

// Workspace wraps a git working copy of the shared configuration repository.
// It owns transport authentication, the commit identity, and the low-level
// branch operations the synchronizer and publisher build on.
type Workspace struct {
	repo   *git.Repository
	root   string
	remote string

	tokenSource oauth2.TokenSource
	identity    string
	signer      git.Signer
}

// PushStatus reports how the remote responded to a conditional push.
type PushStatus int

const (
	// PushAccepted means the remote ref now points at the pushed commit.
	PushAccepted PushStatus = iota
	// PushRejectedStale means the remote ref no longer matched the expected
	// commit; another writer advanced it first.
	PushRejectedStale
)

// Option configures a Workspace.
type Option func(*Workspace)

// WithTokenSource supplies the OAuth2 token source used for every remote
// operation. Without one, remote operations run unauthenticated.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(w *Workspace) { w.tokenSource = ts }
}

// WithIdentity sets the commit author. When the identity lacks a domain it
// is suffixed with @github.com for the author email.
func WithIdentity(identity string) Option {
	return func(w *Workspace) { w.identity = identity }
}

// WithSigner sets an optional commit signer.
func WithSigner(signer git.Signer) Option {
	return func(w *Workspace) { w.signer = signer }
}

// Clone creates a scratch clone of remote at dir, checked out at branch.
func Clone(ctx context.Context, dir, remote, branch string, opts ...Option) (*Workspace, error) {
	w := &Workspace{root: dir, remote: remote, identity: defaultIdentity}
	for _, opt := range opts {
		opt(w)
	}

	auth, err := tokenAuth(w.tokenSource)
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}

	clog.FromContext(ctx).Infof("Cloning %s into %s", remote, dir)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           remote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", remote, err)
	}

	w.repo = repo
	return w, nil
}

// Open wraps an existing checkout at dir, such as the one a CI runner
// prepares before invoking the automation. The remote URL is taken from the
// checkout's origin. Any local modifications are discarded so the run starts
// from a clean tree.
func Open(ctx context.Context, dir string, opts ...Option) (*Workspace, error) {
	w := &Workspace{root: dir, identity: defaultIdentity}
	for _, opt := range opts {
		opt(w)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening checkout %s: %w", dir, err)
	}
	w.repo = repo

	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return nil, fmt.Errorf("resolving origin for %s: %w", dir, err)
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		w.remote = urls[0]
	}

	if err := w.cleanWorktree(); err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Infof("Reusing checkout at %s (origin %s)", dir, w.remote)
	return w, nil
}

// Root returns the path of the working tree.
func (w *Workspace) Root() string {
	return w.root
}

// Remote returns the URL of the origin remote.
func (w *Workspace) Remote() string {
	return w.remote
}

// Repo exposes the underlying repository.
func (w *Workspace) Repo() *git.Repository {
	return w.repo
}

// Fetch refreshes the remote-tracking refs for the given branches.
func (w *Workspace) Fetch(ctx context.Context, branches ...string) error {
	auth, err := tokenAuth(w.tokenSource)
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	specs := make([]gitconfig.RefSpec, 0, len(branches))
	for _, branch := range branches {
		specs = append(specs, gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)))
	}

	if err := w.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   specs,
		Auth:       auth,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", strings.Join(branches, ", "), err)
	}

	return nil
}

// RemoteHead returns the fetched remote-tracking head for branch.
func (w *Workspace) RemoteHead(branch string) (plumbing.Hash, error) {
	ref, err := w.repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("remote branch %s: %w", branch, ErrRefNotFound)
		}
		return plumbing.ZeroHash, fmt.Errorf("resolving remote branch %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

// LocalHead returns the head of the local branch, or ErrRefNotFound when no
// such branch exists.
func (w *Workspace) LocalHead(branch string) (plumbing.Hash, error) {
	ref, err := w.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("local branch %s: %w", branch, ErrRefNotFound)
		}
		return plumbing.ZeroHash, fmt.Errorf("resolving local branch %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

// HasLocalBranch reports whether a local branch with the given name exists.
func (w *Workspace) HasLocalBranch(branch string) (bool, error) {
	_, err := w.LocalHead(branch)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrRefNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ResetBranch points the local branch at tip and checks it out, discarding
// any local commits or modifications on the branch.
func (w *Workspace) ResetBranch(branch string, tip plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	if err := w.repo.Storer.SetReference(plumbing.NewHashReference(refName, tip)); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}

	worktree, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}

	return nil
}

// CheckoutBranch checks out an existing local branch.
func (w *Workspace) CheckoutBranch(branch string) error {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}

	return nil
}

// Stage adds the file at relPath to the index.
func (w *Workspace) Stage(relPath string) error {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if _, err := worktree.Add(relPath); err != nil {
		return fmt.Errorf("staging %s: %w", relPath, err)
	}

	return nil
}

// Remove deletes the file at relPath from the working tree and the index.
func (w *Workspace) Remove(relPath string) error {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if _, err := worktree.Remove(relPath); err != nil {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// HasStagedChanges reports whether the worktree differs from HEAD.
func (w *Workspace) HasStagedChanges() (bool, error) {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("getting worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("getting worktree status: %w", err)
	}

	return !status.IsClean(), nil
}

// Commit records the staged changes. Extra parents, when given, are added to
// the commit, which is how merge commits are produced.
func (w *Workspace) Commit(ctx context.Context, message string, parents ...plumbing.Hash) (plumbing.Hash, error) {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("getting worktree: %w", err)
	}

	email := w.identity
	if !strings.Contains(email, "@") {
		email = fmt.Sprintf("%s@github.com", email)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  w.identity,
			Email: email,
			When:  time.Now(),
		},
		Signer:  w.signer,
		Parents: parents,
		// A merge that introduces no tree changes still has to be recorded
		// so the subsequent push fast-forwards.
		AllowEmptyCommits: len(parents) > 0,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("committing: %w", err)
	}

	clog.FromContext(ctx).Infof("Committed %s: %s", hash, message)
	return hash, nil
}

// PushBranch publishes the local branch without forcing. The remote accepts
// the push only when it creates the branch or fast-forwards it, so losing a
// creation race surfaces as an error rather than clobbering the winner.
func (w *Workspace) PushBranch(ctx context.Context, branch string) error {
	auth, err := tokenAuth(w.tokenSource)
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	clog.FromContext(ctx).Infof("Pushing %s", refSpec)

	if err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}

	return nil
}

// ConditionalPush publishes the local branch only if the remote ref still
// points at expectedOld. A rejection caused by the remote having moved is
// reported as PushRejectedStale, not as an error; everything else is an
// error. The distinction is made by re-reading the remote head rather than
// by interpreting the push failure message.
func (w *Workspace) ConditionalPush(ctx context.Context, branch string, expectedOld plumbing.Hash) (PushStatus, error) {
	log := clog.FromContext(ctx)

	auth, err := tokenAuth(w.tokenSource)
	if err != nil {
		return PushRejectedStale, fmt.Errorf("getting token: %w", err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	log.Infof("Pushing %s expecting remote at %s", refSpec, expectedOld)

	err = w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		RequireRemoteRefs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:refs/heads/%s", expectedOld, branch)),
		},
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return PushAccepted, nil
	}

	head, lsErr := w.lsRemoteHead(ctx, branch)
	if lsErr != nil {
		return PushRejectedStale, fmt.Errorf("pushing %s: %w", branch, err)
	}
	if head != expectedOld {
		log.Infof("Remote %s moved from %s to %s, push rejected", branch, expectedOld, head)
		return PushRejectedStale, nil
	}

	return PushRejectedStale, fmt.Errorf("pushing %s: %w", branch, err)
}

// lsRemoteHead reads the current remote head of branch directly from the
// remote, bypassing the local remote-tracking refs.
func (w *Workspace) lsRemoteHead(ctx context.Context, branch string) (plumbing.Hash, error) {
	remote, err := w.repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving origin: %w", err)
	}

	auth, err := tokenAuth(w.tokenSource)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("getting token: %w", err)
	}

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("listing refs: %w", err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash(), nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("branch %s: %w", branch, ErrRefNotFound)
}

// IsAncestor reports whether commit older is an ancestor of commit newer.
func (w *Workspace) IsAncestor(older, newer plumbing.Hash) (bool, error) {
	olderCommit, err := w.repo.CommitObject(older)
	if err != nil {
		return false, fmt.Errorf("resolving commit %s: %w", older, err)
	}
	newerCommit, err := w.repo.CommitObject(newer)
	if err != nil {
		return false, fmt.Errorf("resolving commit %s: %w", newer, err)
	}

	ok, err := olderCommit.IsAncestor(newerCommit)
	if err != nil {
		return false, fmt.Errorf("walking history: %w", err)
	}
	return ok, nil
}

// cleanWorktree discards uncommitted modifications and untracked files.
func (w *Workspace) cleanWorktree() error {
	worktree, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}

	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	return nil
}

func tokenAuth(ts oauth2.TokenSource) (transport.AuthMethod, error) {
	if ts == nil {
		return nil, nil
	}

	token, err := ts.Token()
	if err != nil {
		return nil, err
	}

	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}
