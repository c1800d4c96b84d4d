/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// changeOutcome is the after-state of one path on one side of a merge.
type changeOutcome struct {
	deleted bool
	blob    plumbing.Hash
	mode    filemode.FileMode
}

func (a changeOutcome) equal(b changeOutcome) bool {
	return a.deleted == b.deleted && a.blob == b.blob && a.mode == b.mode
}

// merge brings the base branch's commits into the update branch with a
// file-level three-way merge and records the result as a merge commit. The
// worktree must already have the update branch checked out at updateTip.
//
// Conflict detection is per path: a path changed on both sides with
// different results is a conflict, and no partial merge is committed. There
// is no content-level resolution; the shared file is machine-owned, so two
// sides disagreeing about it is exactly the case a human needs to see.
func (s *Synchronizer) merge(ctx context.Context, base string, baseTip plumbing.Hash, update string, updateTip plumbing.Hash) (plumbing.Hash, error) {
	baseCommit, err := s.ws.Repo().CommitObject(baseTip)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving commit %s: %w", baseTip, err)
	}
	updateCommit, err := s.ws.Repo().CommitObject(updateTip)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving commit %s: %w", updateTip, err)
	}

	ancestors, err := updateCommit.MergeBase(baseCommit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("finding merge base: %w", err)
	}
	if len(ancestors) == 0 {
		return plumbing.ZeroHash, &MergeConflictError{Base: base, Update: update}
	}
	// Criss-cross histories can produce several bases; any of them yields a
	// correct three-way split, so take the first.
	ancestor := ancestors[0]

	ancestorTree, err := ancestor.Tree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving ancestor tree: %w", err)
	}
	baseTree, err := baseCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving base tree: %w", err)
	}
	updateTree, err := updateCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving update tree: %w", err)
	}

	// Tree.DiffContext detects renames and folds a delete and an add into
	// one two-path change; diff without detection so every change keys a
	// single path.
	diffOpts := &object.DiffTreeOptions{DetectRenames: false}
	baseChanges, err := object.DiffTreeWithOptions(ctx, ancestorTree, baseTree, diffOpts)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("diffing ancestor..%s: %w", base, err)
	}
	updateChanges, err := object.DiffTreeWithOptions(ctx, ancestorTree, updateTree, diffOpts)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("diffing ancestor..%s: %w", update, err)
	}

	updatedPaths := make(map[string]changeOutcome, len(updateChanges))
	for _, change := range updateChanges {
		path, outcome := outcomeOf(change)
		updatedPaths[path] = outcome
	}

	var conflicts []string
	type apply struct {
		path    string
		outcome changeOutcome
	}
	var applies []apply

	for _, change := range baseChanges {
		path, outcome := outcomeOf(change)
		if theirs, ok := updatedPaths[path]; ok {
			if outcome.equal(theirs) {
				continue
			}
			conflicts = append(conflicts, path)
			continue
		}
		applies = append(applies, apply{path: path, outcome: outcome})
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return plumbing.ZeroHash, &MergeConflictError{Base: base, Update: update, Paths: conflicts}
	}

	for _, a := range applies {
		if a.outcome.deleted {
			if err := s.ws.Remove(a.path); err != nil {
				return plumbing.ZeroHash, err
			}
			continue
		}
		if err := s.writeTreeFile(baseTree, a.path, a.outcome.mode); err != nil {
			return plumbing.ZeroHash, err
		}
		if err := s.ws.Stage(a.path); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	clog.FromContext(ctx).Infof("Merging %d change(s) from %s", len(applies), base)
	return s.ws.Commit(ctx, fmt.Sprintf("Merge branch '%s' into %s", base, update), updateTip, baseTip)
}

// writeTreeFile materializes the blob at path in tree into the working copy,
// keeping the entry's file type and permission bits.
func (s *Synchronizer) writeTreeFile(tree *object.Tree, path string, mode filemode.FileMode) error {
	file, err := tree.File(path)
	if err != nil {
		return fmt.Errorf("reading %s from tree: %w", path, err)
	}

	contents, err := file.Contents()
	if err != nil {
		return fmt.Errorf("reading %s contents: %w", path, err)
	}

	abs := filepath.Join(s.ws.Root(), filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating parent dirs for %s: %w", path, err)
	}
	// Replace rather than rewrite: writing through an existing symlink would
	// land on its target, and WriteFile leaves an existing file's mode alone.
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	if mode == filemode.Symlink {
		if err := os.Symlink(contents, abs); err != nil {
			return fmt.Errorf("linking %s: %w", path, err)
		}
		return nil
	}

	osMode, err := mode.ToOSFileMode()
	if err != nil {
		osMode = 0o644
	}
	if err := os.WriteFile(abs, []byte(contents), osMode.Perm()); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// The create mode is narrowed by the umask.
	if err := os.Chmod(abs, osMode.Perm()); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}

	return nil
}

// outcomeOf summarizes a tree change as its resulting path state.
func outcomeOf(change *object.Change) (string, changeOutcome) {
	if change.To.Name == "" {
		return change.From.Name, changeOutcome{deleted: true}
	}
	return change.To.Name, changeOutcome{
		blob: change.To.TreeEntry.Hash,
		mode: change.To.TreeEntry.Mode,
	}
}
