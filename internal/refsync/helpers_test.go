/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const clusterPath = "clusters/cluster.yml"

// initOrigin creates a repository standing in for the shared remote, with a
// main branch holding a cluster file and a README.
func initOrigin(t *testing.T) (string, plumbing.Hash) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		t.Fatalf("SetReference: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "clusters"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(clusterPath)), []byte("PROD_AMI: img-000\nDEV_AMI: img-000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("shared cluster config\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, path := range []string{clusterPath, "README.md"} {
		if _, err := wt.Add(path); err != nil {
			t.Fatalf("Add %s: %v", path, err)
		}
	}

	hash, err := wt.Commit("initial", &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	return dir, hash
}

// commitFile commits content at path on branch of the repository at repoDir,
// leaving the repository checked out back on main.
func commitFile(t *testing.T, repoDir, branch, path, content, message string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		t.Fatalf("Checkout %s: %v", branch, err)
	}

	abs := filepath.Join(repoDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main"), Force: true}); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}

	return hash
}

// commitRename moves the file at from to the path to on branch of the
// repository at repoDir, leaving the repository checked out back on main.
func commitRename(t *testing.T, repoDir, branch, from, to, message string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		t.Fatalf("Checkout %s: %v", branch, err)
	}

	toAbs := filepath.Join(repoDir, filepath.FromSlash(to))
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Rename(filepath.Join(repoDir, filepath.FromSlash(from)), toAbs); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	// Adding the vacated path stages its deletion.
	for _, path := range []string{from, to} {
		if _, err := wt.Add(path); err != nil {
			t.Fatalf("Add %s: %v", path, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main"), Force: true}); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}

	return hash
}

// commitSymlink commits a symbolic link at path pointing at target on branch
// of the repository at repoDir, leaving the repository checked out back on
// main.
func commitSymlink(t *testing.T, repoDir, branch, path, target, message string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		t.Fatalf("Checkout %s: %v", branch, err)
	}

	abs := filepath.Join(repoDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Symlink(target, abs); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main"), Force: true}); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}

	return hash
}

// commitChmod commits a permission change for path on branch of the
// repository at repoDir, leaving the repository checked out back on main.
func commitChmod(t *testing.T, repoDir, branch, path string, mode os.FileMode, message string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		t.Fatalf("Checkout %s: %v", branch, err)
	}

	if err := os.Chmod(filepath.Join(repoDir, filepath.FromSlash(path)), mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: testSignature()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("main"), Force: true}); err != nil {
		t.Fatalf("Checkout main: %v", err)
	}

	return hash
}

// createBranch points a new branch of the repository at repoDir at tip.
func createBranch(t *testing.T, repoDir, branch string, tip plumbing.Hash) {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), tip)); err != nil {
		t.Fatalf("SetReference: %v", err)
	}
}

// branchHead resolves the branch tip of the repository at repoDir.
func branchHead(t *testing.T, repoDir, branch string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("Reference %s: %v", branch, err)
	}
	return ref.Hash()
}

// cloneWorkspace clones origin into a scratch directory checked out at main.
func cloneWorkspace(t *testing.T, ctx context.Context, origin string) *Workspace {
	t.Helper()

	ws, err := Clone(ctx, t.TempDir(), origin, "main")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	return ws
}

func testSignature() *object.Signature {
	return &object.Signature{
		Name:  "Test",
		Email: "test@example.com",
		When:  time.Now(),
	}
}
