/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/vineeth12345/auto-update-ami-references/internal/clusterfile"
	"github.com/vineeth12345/auto-update-ami-references/internal/publisher"
	"github.com/vineeth12345/auto-update-ami-references/internal/pullrequest"
	"github.com/vineeth12345/auto-update-ami-references/internal/refsync"
)

// VersionSource resolves the AMI ID a pipeline's consumers should run.
type VersionSource interface {
	LatestAvailable(ctx context.Context, pipeline string) (string, error)
}

// StaticVersion is a VersionSource that always returns a fixed AMI ID,
// bypassing the Image Builder lookup.
type StaticVersion string

// LatestAvailable implements VersionSource.
func (v StaticVersion) LatestAvailable(context.Context, string) (string, error) {
	return string(v), nil
}

// RequestCoordinator ensures an open pull request exists for an update
// branch.
type RequestCoordinator interface {
	Ensure(ctx context.Context, head, base, title, body string) (pullrequest.Request, error)
}

// Summary reports what one reconciliation pass did.
type Summary struct {
	Version string
	Branch  string
	Outcome publisher.Outcome
	// Request is the pull request the pass settled on; zero when the pass
	// published nothing or pull request coordination is disabled.
	Request pullrequest.Request
	// DryRun is true when the pass only previewed the change.
	DryRun bool
}

// Reconciler runs the AMI update flow against one repository.
type Reconciler struct {
	ws        *refsync.Workspace
	inspector *refsync.Inspector
	sync      *refsync.Synchronizer
	pub       *publisher.Publisher
	versions  VersionSource

	pipeline string
	path     string
	base     string

	plan    clusterfile.Plan
	prs     RequestCoordinator
	metrics *Metrics
	dryRun  bool
}

// New returns a Reconciler propagating AMIs of pipeline into the cluster
// file at path (repository relative), landing changes on base.
func New(ws *refsync.Workspace, inspector *refsync.Inspector, versions VersionSource, pipeline, path, base string, opts ...Option) *Reconciler {
	r := &Reconciler{
		ws:        ws,
		inspector: inspector,
		sync:      refsync.NewSynchronizer(ws, inspector),
		pub:       publisher.New(ws),
		versions:  versions,
		pipeline:  pipeline,
		path:      path,
		base:      base,
		plan:      clusterfile.DefaultPlan(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpdateBranch returns the name of the update branch for a pipeline.
func UpdateBranch(pipeline string) string {
	return "update-ami-" + pipeline
}

// Reconcile runs one pass and reports what it did.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary, err := r.reconcile(ctx)
	if r.metrics != nil {
		r.metrics.ObserveRun(summary, time.Since(start), err)
	}
	return summary, err
}

func (r *Reconciler) reconcile(ctx context.Context) (Summary, error) {
	if err := r.validate(); err != nil {
		return Summary{}, err
	}

	version, err := r.versions.LatestAvailable(ctx, r.pipeline)
	if err != nil {
		return Summary{}, err
	}

	branch := UpdateBranch(r.pipeline)
	summary := Summary{Version: version, Branch: branch, DryRun: r.dryRun}
	log := clog.FromContext(ctx).With("pipeline", r.pipeline, "branch", branch, "version", version)

	if r.dryRun {
		result, err := r.previewChange(ctx, version)
		if err != nil {
			return summary, err
		}
		summary.Outcome = publisher.Outcome{ChangedFields: result.ChangedFields}
		if !result.Changed() {
			summary.Outcome.Status = publisher.NoChange
			log.Infof("Dry run: already at %s", version)
			return summary, nil
		}
		summary.Outcome.Status = publisher.Published
		log.Infof("Dry run: would update %d fields: %v", len(result.ChangedFields), result.ChangedFields)
		return summary, nil
	}

	outcome, err := r.pub.Publish(ctx, publisher.Plan{
		Branch:  branch,
		Path:    r.path,
		Version: version,
		Sync: func(ctx context.Context) (refsync.SyncState, error) {
			return r.sync.Ensure(ctx, r.base, branch)
		},
		Apply: func(context.Context) (clusterfile.Result, error) {
			return r.applyChange(version)
		},
	})
	if err != nil {
		return summary, err
	}
	summary.Outcome = outcome

	if outcome.Status == publisher.NoChange {
		log.Infof("Already at %s, skipping pull request", version)
		return summary, nil
	}
	log.Infof("Published %s updating %d fields", outcome.Commit, len(outcome.ChangedFields))

	if r.prs == nil {
		return summary, nil
	}
	request, err := r.prs.Ensure(ctx, branch, r.base, requestTitle(version), requestBody(r.pipeline, version))
	if err != nil {
		return summary, err
	}
	summary.Request = request
	return summary, nil
}

// applyChange rewrites the cluster file in the working tree to carry
// version, saving it only when something changed.
func (r *Reconciler) applyChange(version string) (clusterfile.Result, error) {
	path := filepath.Join(r.ws.Root(), filepath.FromSlash(r.path))
	doc, err := clusterfile.Load(path)
	if err != nil {
		return clusterfile.Result{}, err
	}
	result := clusterfile.NewMutator(r.plan).Apply(doc, version)
	if !result.Changed() {
		return result, nil
	}
	if err := doc.Save(path); err != nil {
		return clusterfile.Result{}, err
	}
	return result, nil
}

// previewChange applies the mutation against the base branch tip without
// saving, publishing, or touching any remote ref.
func (r *Reconciler) previewChange(ctx context.Context, version string) (clusterfile.Result, error) {
	state, err := r.inspector.State(ctx, r.base)
	if err != nil {
		return clusterfile.Result{}, err
	}
	if !state.Exists {
		return clusterfile.Result{}, fmt.Errorf("base branch %s: %w", r.base, refsync.ErrRefNotFound)
	}
	if err := r.ws.Fetch(ctx, r.base); err != nil {
		return clusterfile.Result{}, err
	}
	if err := r.ws.ResetBranch(r.base, state.Head); err != nil {
		return clusterfile.Result{}, err
	}

	doc, err := clusterfile.Load(filepath.Join(r.ws.Root(), filepath.FromSlash(r.path)))
	if err != nil {
		return clusterfile.Result{}, err
	}
	return clusterfile.NewMutator(r.plan).Apply(doc, version), nil
}

func (r *Reconciler) validate() error {
	switch {
	case r.pipeline == "":
		return errors.New("pipeline name cannot be empty")
	case r.path == "":
		return errors.New("cluster file path cannot be empty")
	case r.base == "":
		return errors.New("base branch cannot be empty")
	case r.versions == nil:
		return errors.New("version source cannot be nil")
	}
	return nil
}

func requestTitle(version string) string {
	return publisher.CommitMessage(version)
}

func requestBody(pipeline, version string) string {
	return fmt.Sprintf("Automated update of the shared cluster configuration to `%s`, the newest available image of the `%s` pipeline.\n\nThe reconciler keeps the update branch current until this merges; re-runs refresh this pull request instead of opening new ones.", version, pipeline)
}
