/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package reconciler

import (
	"github.com/vineeth12345/auto-update-ami-references/internal/clusterfile"
)

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithPullRequests installs the coordinator that keeps an open pull request
// for the update branch. Without it, published changes stay on the branch
// and no pull request is opened.
func WithPullRequests(c RequestCoordinator) Option {
	return func(r *Reconciler) {
		r.prs = c
	}
}

// WithPlan overrides which cluster file fields are rewritten.
func WithPlan(plan clusterfile.Plan) Option {
	return func(r *Reconciler) {
		r.plan = plan
	}
}

// WithMetrics records pass outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// WithDryRun previews the change without committing, pushing, or opening a
// pull request.
func WithDryRun(dry bool) Option {
	return func(r *Reconciler) {
		r.dryRun = dry
	}
}
