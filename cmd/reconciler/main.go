/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements the AMI reconciler job.
//
// Each invocation runs one reconciliation pass: resolve the newest available
// AMI of an Image Builder pipeline, propagate it into the shared cluster
// file on a per-pipeline update branch, and ensure an open pull request into
// the base branch. The process exits zero when the pass published or found
// nothing to do, non-zero on any failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/imagebuilder"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"

	"github.com/vineeth12345/auto-update-ami-references/internal/amilookup"
	"github.com/vineeth12345/auto-update-ami-references/internal/publisher"
	"github.com/vineeth12345/auto-update-ami-references/internal/pullrequest"
	"github.com/vineeth12345/auto-update-ami-references/internal/reconciler"
	"github.com/vineeth12345/auto-update-ami-references/internal/refsync"
)

type config struct {
	PipelineName string `env:"PIPELINE_NAME,required"`
	ClusterPath  string `env:"CLUSTER_YML_PATH,required"`
	Region       string `env:"AWS_REGION,default=us-east-1"`

	// BaseBranch overrides the branch updates are proposed against; when
	// empty the ref the workflow ran on is used.
	BaseBranch string `env:"BASE_BRANCH"`
	RefName    string `env:"GITHUB_REF_NAME,default=main"`
	Repository string `env:"GITHUB_REPOSITORY,required"`

	Token          string `env:"GITHUB_TOKEN"`
	AppID          int64  `env:"GITHUB_APP_ID"`
	InstallationID int64  `env:"GITHUB_INSTALLATION_ID"`
	PrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`

	// CheckoutDir reuses an existing clone (the actions/checkout directory)
	// instead of cloning fresh.
	CheckoutDir string `env:"CHECKOUT_DIR"`

	// AMIOverride skips the Image Builder lookup and propagates a fixed AMI.
	AMIOverride string `env:"AMI_ID"`

	DryRun      bool   `env:"DRY_RUN,default=false"`
	MetricsFile string `env:"METRICS_TEXTFILE"`
}

func (c config) baseBranch() string {
	if c.BaseBranch != "" {
		return c.BaseBranch
	}
	if c.RefName != "" {
		return c.RefName
	}
	return "main"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	owner, repo, err := splitRepository(cfg.Repository)
	if err != nil {
		clog.FatalContextf(ctx, "parsing GITHUB_REPOSITORY: %v", err)
	}
	base := cfg.baseBranch()

	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "configuring GitHub auth: %v", err)
	}
	if ts == nil && !cfg.DryRun {
		clog.FatalContextf(ctx, "no GitHub credentials configured: set GITHUB_TOKEN or the GitHub App settings")
	}

	ws, err := openWorkspace(ctx, cfg, owner, repo, base, ts)
	if err != nil {
		clog.FatalContextf(ctx, "preparing workspace: %v", err)
	}

	versions, err := versionSource(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "configuring version source: %v", err)
	}

	metrics := reconciler.NewMetrics()
	opts := []reconciler.Option{
		reconciler.WithMetrics(metrics),
		reconciler.WithDryRun(cfg.DryRun),
	}
	if ts != nil && !cfg.DryRun {
		gh := github.NewClient(oauth2.NewClient(ctx, ts))
		opts = append(opts, reconciler.WithPullRequests(pullrequest.NewCoordinator(gh, owner, repo)))
	}

	rec := reconciler.New(ws, refsync.NewInspector(ws.Remote(), ts), versions,
		cfg.PipelineName, cfg.ClusterPath, base, opts...)

	summary, err := rec.Reconcile(ctx)
	if cfg.MetricsFile != "" {
		if werr := metrics.WriteTextfile(cfg.MetricsFile); werr != nil {
			clog.WarnContextf(ctx, "writing metrics textfile: %v", werr)
		}
	}
	if err != nil {
		clog.FatalContextf(ctx, "reconciling: %v", err)
	}

	switch {
	case summary.DryRun:
		clog.InfoContextf(ctx, "Dry run complete: %s would change %d fields", summary.Version, len(summary.Outcome.ChangedFields))
	case summary.Outcome.Status == publisher.NoChange:
		clog.InfoContextf(ctx, "Cluster file already at %s, nothing to do", summary.Version)
	default:
		clog.InfoContextf(ctx, "Updated %d fields to %s on %s", len(summary.Outcome.ChangedFields), summary.Version, summary.Branch)
		if summary.Request.Number != 0 {
			clog.InfoContextf(ctx, "Pull request: %s", summary.Request.URL)
		}
	}
}

// openWorkspace reuses the configured checkout when one is provided,
// otherwise clones the repository fresh.
func openWorkspace(ctx context.Context, cfg config, owner, repo, base string, ts oauth2.TokenSource) (*refsync.Workspace, error) {
	var opts []refsync.Option
	if ts != nil {
		opts = append(opts, refsync.WithTokenSource(ts))
	}

	if cfg.CheckoutDir != "" {
		clog.InfoContextf(ctx, "Reusing checkout at %s", cfg.CheckoutDir)
		return refsync.Open(ctx, cfg.CheckoutDir, opts...)
	}

	dir, err := os.MkdirTemp("", "ami-reconciler-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	clog.InfoContextf(ctx, "Cloning %s/%s into %s", owner, repo, dir)
	return refsync.Clone(ctx, dir, remoteURL(owner, repo), base, opts...)
}

// versionSource picks between the fixed AMI override and the Image Builder
// lookup.
func versionSource(ctx context.Context, cfg config) (reconciler.VersionSource, error) {
	if cfg.AMIOverride != "" {
		clog.InfoContextf(ctx, "Using fixed AMI %s, skipping Image Builder lookup", cfg.AMIOverride)
		return reconciler.StaticVersion(cfg.AMIOverride), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return amilookup.NewResolver(imagebuilder.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg), cfg.Region), nil
}
