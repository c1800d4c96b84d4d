/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pullrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v84/github"
)

const (
	testOwner  = "octo"
	testRepo   = "infra"
	testBranch = "update-ami-base-image"
)

func newGitHubClient(t *testing.T, handler http.Handler) *github.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	client.BaseURL = base
	return client
}

func TestEnsureCreatesPullRequest(t *testing.T) {
	var lists, creates int

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lists++
			if got, want := r.URL.Query().Get("head"), testOwner+":"+testBranch; got != want {
				t.Errorf("head filter = %q, want %q", got, want)
			}
			if got := r.URL.Query().Get("base"); got != "main" {
				t.Errorf("base filter = %q, want %q", got, "main")
			}
			if got := r.URL.Query().Get("state"); got != "open" {
				t.Errorf("state filter = %q, want %q", got, "open")
			}
			fmt.Fprint(w, "[]")
		case http.MethodPost:
			creates++
			var req github.NewPullRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding create request: %v", err)
			}
			if req.GetHead() != testBranch || req.GetBase() != "main" {
				t.Errorf("create head/base = %q/%q, want %q/%q", req.GetHead(), req.GetBase(), testBranch, "main")
			}
			if req.GetTitle() == "" || req.GetBody() == "" {
				t.Errorf("create request missing title or body: %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"number": 7, "html_url": "https://github.com/octo/infra/pull/7"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	req, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	want := Request{Number: 7, URL: "https://github.com/octo/infra/pull/7", Created: true}
	if req != want {
		t.Fatalf("Ensure = %+v, want %+v", req, want)
	}
	if lists != 1 || creates != 1 {
		t.Fatalf("lists = %d, creates = %d, want 1 and 1", lists, creates)
	}
}

func TestEnsureAdoptsExistingPullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected %s, Ensure must not create when a PR is open", r.Method)
			return
		}
		fmt.Fprint(w, `[{"number": 3, "html_url": "https://github.com/octo/infra/pull/3"}]`)
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	req, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	want := Request{Number: 3, URL: "https://github.com/octo/infra/pull/3"}
	if req != want {
		t.Fatalf("Ensure = %+v, want %+v", req, want)
	}
}

func TestEnsureUsesFirstOfMultipleOpen(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"number": 5, "html_url": "https://github.com/octo/infra/pull/5"},
			{"number": 9, "html_url": "https://github.com/octo/infra/pull/9"}
		]`)
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	req, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if req.Number != 5 {
		t.Fatalf("Number = %d, want 5", req.Number)
	}
}

func TestEnsureAdoptsRaceWinner(t *testing.T) {
	var lists, creates int

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lists++
			// The winner's PR appears only after our create is rejected.
			if lists == 1 {
				fmt.Fprint(w, "[]")
				return
			}
			fmt.Fprint(w, `[{"number": 11, "html_url": "https://github.com/octo/infra/pull/11"}]`)
		case http.MethodPost:
			creates++
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "code": "custom", "message": "A pull request already exists for octo:update-ami-base-image."}]}`)
		}
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	req, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	want := Request{Number: 11, URL: "https://github.com/octo/infra/pull/11"}
	if req != want {
		t.Fatalf("Ensure = %+v, want %+v", req, want)
	}
	if lists != 2 || creates != 1 {
		t.Fatalf("lists = %d, creates = %d, want 2 and 1", lists, creates)
	}
}

func TestEnsureValidationFailureWithoutWinnerIsFatal(t *testing.T) {
	var lists int

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lists++
			fmt.Fprint(w, "[]")
		case http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"message": "Validation Failed", "errors": [{"resource": "PullRequest", "field": "base", "code": "invalid"}]}`)
		}
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	_, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")

	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) {
		t.Fatalf("Ensure error = %v, want ErrorResponse", err)
	}
	if ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", ghErr.Response.StatusCode)
	}
	if lists != 2 {
		t.Fatalf("lists = %d, want the rejected create to be double-checked", lists)
	}
}

func TestEnsureServerErrorIsFatal(t *testing.T) {
	var lists int

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lists++
			fmt.Fprint(w, "[]")
		case http.MethodPost:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message": "upstream exploded"}`)
		}
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	_, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update")
	if err == nil {
		t.Fatal("Ensure succeeded, want error")
	}
	// Non-422 failures are not creation races, so no second lookup happens.
	if lists != 1 {
		t.Fatalf("lists = %d, want 1", lists)
	}
}

func TestEnsureListFailureIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"message": "bad gateway"}`)
	})

	coord := NewCoordinator(newGitHubClient(t, mux), testOwner, testRepo)
	if _, err := coord.Ensure(context.Background(), testBranch, "main", "Update AMI", "Automated update"); err == nil {
		t.Fatal("Ensure succeeded, want error")
	}
}
