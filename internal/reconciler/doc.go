/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package reconciler drives one pass of the AMI update flow.
//
// A pass resolves the newest available AMI of an Image Builder pipeline,
// synchronizes the pipeline's update branch against the base branch,
// rewrites the shared cluster file, publishes the change with a conditional
// push, and ensures an open pull request into the base branch. When the
// cluster file already carries the resolved AMI the pass stops early:
// nothing is committed, pushed, or opened.
//
// Passes are safe to run concurrently. The conditional push is the only
// synchronization point; a run whose push is rejected replays its change
// once on the new tip and otherwise fails, leaving the remote in whatever
// state the winning run produced.
package reconciler
