/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package amilookup resolves the AMI produced by the newest successful build
// of an EC2 Image Builder pipeline.
package amilookup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/imagebuilder"
	"github.com/aws/aws-sdk-go-v2/service/imagebuilder/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// ErrNoImageAvailable reports that the pipeline has no build in the
// AVAILABLE state that produced an AMI.
var ErrNoImageAvailable = errors.New("no available image")

const defaultConcurrency = 4

// API is the Image Builder surface the resolver needs.
type API interface {
	imagebuilder.ListImagePipelineImagesAPIClient
	GetImage(ctx context.Context, params *imagebuilder.GetImageInput, optFns ...func(*imagebuilder.Options)) (*imagebuilder.GetImageOutput, error)
}

// AccountAPI is the STS surface used to resolve the caller's account ID.
type AccountAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithConcurrency sets how many image records are fetched in parallel while
// scanning for the newest available build.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// Resolver finds the most recently created AVAILABLE image of a pipeline.
type Resolver struct {
	client      API
	sts         AccountAPI
	region      string
	concurrency int
}

// NewResolver returns a Resolver querying Image Builder in the given region.
func NewResolver(client API, stsClient AccountAPI, region string, opts ...Option) *Resolver {
	r := &Resolver{
		client:      client,
		sts:         stsClient,
		region:      region,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LatestAvailable returns the AMI ID produced by the newest AVAILABLE build
// of the named pipeline. Builds still in progress or failed are skipped, as
// are builds that registered no AMI.
func (r *Resolver) LatestAvailable(ctx context.Context, pipeline string) (string, error) {
	log := clog.FromContext(ctx).With("pipeline", pipeline)

	arn, err := r.pipelineArn(ctx, pipeline)
	if err != nil {
		return "", err
	}

	summaries, err := r.listImages(ctx, arn)
	if err != nil {
		return "", err
	}
	log.Infof("Pipeline has %d image builds", len(summaries))

	// Image Builder reports creation times as ISO-8601 strings, so newest
	// first is a lexicographic sort.
	sort.SliceStable(summaries, func(i, j int) bool {
		return aws.ToString(summaries[i].DateCreated) > aws.ToString(summaries[j].DateCreated)
	})

	for start := 0; start < len(summaries); start += r.concurrency {
		end := min(start+r.concurrency, len(summaries))
		images, err := r.getImages(ctx, summaries[start:end])
		if err != nil {
			return "", err
		}
		for _, img := range images {
			if img == nil || img.State == nil || img.State.Status != types.ImageStatusAvailable {
				continue
			}
			ami, ok := amiOf(img)
			if !ok {
				log.Warnf("Image %s is available but registered no AMI, skipping", aws.ToString(img.Arn))
				continue
			}
			log.Infof("Resolved AMI %s from image %s", ami, aws.ToString(img.Arn))
			return ami, nil
		}
	}

	return "", fmt.Errorf("pipeline %s: %w", pipeline, ErrNoImageAvailable)
}

// pipelineArn builds the image pipeline ARN for name in the caller's
// account.
func (r *Resolver) pipelineArn(ctx context.Context, name string) (string, error) {
	ident, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving caller identity: %w", err)
	}
	return fmt.Sprintf("arn:aws:imagebuilder:%s:%s:image-pipeline/%s", r.region, aws.ToString(ident.Account), name), nil
}

func (r *Resolver) listImages(ctx context.Context, arn string) ([]types.ImageSummary, error) {
	var summaries []types.ImageSummary
	pager := imagebuilder.NewListImagePipelineImagesPaginator(r.client, &imagebuilder.ListImagePipelineImagesInput{
		ImagePipelineArn: aws.String(arn),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing images for %s: %w", arn, err)
		}
		summaries = append(summaries, page.ImageSummaryList...)
	}
	return summaries, nil
}

// getImages fetches the full image records for a window of summaries,
// preserving the window's order.
func (r *Resolver) getImages(ctx context.Context, summaries []types.ImageSummary) ([]*types.Image, error) {
	images := make([]*types.Image, len(summaries))
	g, ctx := errgroup.WithContext(ctx)
	for i, summary := range summaries {
		g.Go(func() error {
			out, err := r.client.GetImage(ctx, &imagebuilder.GetImageInput{
				ImageBuildVersionArn: summary.Arn,
			})
			if err != nil {
				return fmt.Errorf("getting image %s: %w", aws.ToString(summary.Arn), err)
			}
			images[i] = out.Image
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func amiOf(img *types.Image) (string, bool) {
	if img.OutputResources == nil || len(img.OutputResources.Amis) == 0 {
		return "", false
	}
	ami := aws.ToString(img.OutputResources.Amis[0].Image)
	return ami, ami != ""
}
