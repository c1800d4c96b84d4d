/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package refsync keeps a working copy of the shared configuration
// repository aligned with its remote, without ever holding a lock. The
// package splits the work across three collaborators:
//
//   - Inspector answers questions about remote branches (existence, head
//     commit, divergence). Every answer comes from a fresh remote listing;
//     nothing is cached between calls, so concurrent runs always observe
//     current state.
//   - Workspace wraps a clone (scratch or pre-existing checkout) and exposes
//     the git operations the automation needs: fetch, branch surgery,
//     staging, commits, and a conditional push that only updates the remote
//     ref when its current value matches an expected commit.
//   - Synchronizer drives the update branch into a usable state: creating it
//     from the base branch when absent, fast-forwarding a stale local copy,
//     and merging the base branch in when the two have diverged.
//
// The conditional push is the only concurrency primitive in the system.
// When it reports a stale rejection the caller re-synchronizes and replays
// its change on the new tip rather than forcing the remote ref.
package refsync
