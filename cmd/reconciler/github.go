/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"golang.org/x/oauth2"
)

// splitRepository parses the owner/repo form GITHUB_REPOSITORY uses.
func splitRepository(repository string) (string, string, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("malformed repository %q, want owner/repo", repository)
	}
	return owner, repo, nil
}

func remoteURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// tokenSource builds GitHub credentials from the configuration: a static
// GITHUB_TOKEN when present, otherwise a GitHub App installation when the
// App settings are complete. Returns nil when neither is configured.
func tokenSource(ctx context.Context, cfg config) (oauth2.TokenSource, error) {
	switch {
	case cfg.Token != "":
		clog.InfoContextf(ctx, "Authenticating with GITHUB_TOKEN")
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}), nil
	case cfg.AppID != 0 && cfg.InstallationID != 0 && cfg.PrivateKeyPath != "":
		tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading GitHub App key: %w", err)
		}
		clog.InfoContextf(ctx, "Authenticating as GitHub App installation %d", cfg.InstallationID)
		return &installationTokenSource{ctx: ctx, tr: tr}, nil
	}
	return nil, nil
}

// installationTokenSource adapts a GitHub App installation transport to
// oauth2.TokenSource. The transport caches and refreshes installation tokens
// itself, so Token is cheap to call per request.
type installationTokenSource struct {
	ctx context.Context
	tr  *ghinstallation.Transport
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.tr.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("minting installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: token}, nil
}
