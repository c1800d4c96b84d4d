/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pullrequest keeps exactly one open pull request for an update
// branch.
//
// Ensure is idempotent: it reuses the open pull request when one exists and
// creates one when none does. Losing a creation race to a concurrent run is
// success, the loser adopts the pull request the winner created.
package pullrequest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Request identifies the open pull request Ensure settled on.
type Request struct {
	Number int
	URL    string
	// Created is true when this run created the pull request rather than
	// adopting an existing one.
	Created bool
}

// Coordinator ensures a repository has an open pull request for an update
// branch.
type Coordinator struct {
	client *github.Client
	owner  string
	repo   string
}

// NewCoordinator returns a Coordinator for the given repository.
func NewCoordinator(client *github.Client, owner, repo string) *Coordinator {
	return &Coordinator{client: client, owner: owner, repo: repo}
}

// Ensure returns the open pull request from head into base, creating it if
// none exists.
func (c *Coordinator) Ensure(ctx context.Context, head, base, title, body string) (Request, error) {
	log := clog.FromContext(ctx).With("owner", c.owner, "repo", c.repo, "head", head)

	existing, err := c.findOpen(ctx, head, base)
	if err != nil {
		return Request{}, err
	}
	if existing != nil {
		log.Infof("Found existing PR #%d: %s", existing.GetNumber(), existing.GetHTMLURL())
		return Request{Number: existing.GetNumber(), URL: existing.GetHTMLURL()}, nil
	}

	log.Infof("Creating new PR with head %s and base %s", head, base)
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	if err == nil {
		log.Infof("Created PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL())
		return Request{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Created: true}, nil
	}
	if !isUnprocessable(err) {
		return Request{}, fmt.Errorf("creating pull request: %w", err)
	}

	// Another run may have created the pull request between our lookup and
	// the create call. Look again before giving up.
	raced, lookupErr := c.findOpen(ctx, head, base)
	if lookupErr != nil || raced == nil {
		return Request{}, fmt.Errorf("creating pull request: %w", err)
	}

	log.Infof("Lost PR creation race, adopting PR #%d: %s", raced.GetNumber(), raced.GetHTMLURL())
	return Request{Number: raced.GetNumber(), URL: raced.GetHTMLURL()}, nil
}

// findOpen returns the open pull request from head into base, or nil when
// there is none.
func (c *Coordinator) findOpen(ctx context.Context, head, base string) (*github.PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        c.owner + ":" + head,
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	if len(prs) > 1 {
		clog.FromContext(ctx).Warnf("Found %d open PRs from %s into %s, using #%d", len(prs), head, base, prs[0].GetNumber())
	}
	return prs[0], nil
}

func isUnprocessable(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity
}
