// Package github wraps the pieces of the GitHub API the downloader needs:
// paginated release and workflow run listings and artifact downloads.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v67/github"
	"github.com/pkg/errors"
)

const perPage = 100

// Client is a thin wrapper around go-github plus a raw HTTP client for
// asset and artifact archive downloads.
type Client struct {
	gh    *github.Client
	http  *http.Client
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for raw downloads.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBaseURL points the API client at a different endpoint. Used by tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			panic(err)
		}
		c.gh.BaseURL = u
	}
}

// New creates a Client. The token may be empty for anonymous access;
// workflow artifact downloads require it.
func New(token string, opts ...Option) *Client {
	c := &Client{
		gh:    github.NewClient(nil),
		http:  &http.Client{},
		token: token,
	}
	if token != "" {
		c.gh = c.gh.WithAuthToken(token)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Releases pages through the full release listing, newest first, until a
// short page signals the end.
func (c *Client) Releases(ctx context.Context, owner, repo string) ([]*github.RepositoryRelease, error) {
	var all []*github.RepositoryRelease
	for page := 1; ; page++ {
		releases, _, err := c.gh.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{
			Page:    page,
			PerPage: perPage,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "list releases for %s/%s page %d", owner, repo, page)
		}
		all = append(all, releases...)
		if len(releases) < perPage {
			return all, nil
		}
	}
}

// FindWorkflow locates a workflow whose file path ends with fileSuffix,
// paging through the workflow listing until found.
func (c *Client) FindWorkflow(ctx context.Context, owner, repo, fileSuffix string) (*github.Workflow, error) {
	for page := 1; ; page++ {
		workflows, _, err := c.gh.Actions.ListWorkflows(ctx, owner, repo, &github.ListOptions{
			Page:    page,
			PerPage: perPage,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "list workflows for %s/%s page %d", owner, repo, page)
		}
		for _, wf := range workflows.Workflows {
			if strings.HasSuffix(wf.GetPath(), fileSuffix) {
				return wf, nil
			}
		}
		if len(workflows.Workflows) < perPage {
			return nil, fmt.Errorf("workflow %q not found in %s/%s", fileSuffix, owner, repo)
		}
	}
}

// SuccessfulRuns lists successful, push-triggered runs of a workflow on one
// branch, newest first, fetching at most maxPages pages.
func (c *Client) SuccessfulRuns(ctx context.Context, owner, repo string, workflowID int64, branch string, maxPages int) ([]*github.WorkflowRun, error) {
	var all []*github.WorkflowRun
	for page := 1; page <= maxPages; page++ {
		runs, _, err := c.gh.Actions.ListWorkflowRunsByID(ctx, owner, repo, workflowID, &github.ListWorkflowRunsOptions{
			Branch: branch,
			Event:  "push",
			Status: "success",
			ListOptions: github.ListOptions{
				Page:    page,
				PerPage: perPage,
			},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "list workflow runs for %s/%s page %d", owner, repo, page)
		}
		all = append(all, runs.WorkflowRuns...)
		if len(runs.WorkflowRuns) < perPage {
			break
		}
	}
	return all, nil
}

// RunArtifacts lists the uploaded artifacts of one workflow run.
func (c *Client) RunArtifacts(ctx context.Context, owner, repo string, runID int64) ([]*github.Artifact, error) {
	var all []*github.Artifact
	for page := 1; ; page++ {
		artifacts, _, err := c.gh.Actions.ListWorkflowRunArtifacts(ctx, owner, repo, runID, &github.ListOptions{
			Page:    page,
			PerPage: perPage,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "list artifacts for %s/%s run %d", owner, repo, runID)
		}
		all = append(all, artifacts.Artifacts...)
		if len(artifacts.Artifacts) < perPage {
			return all, nil
		}
	}
}

// Download performs a raw GET against an asset or archive download URL and
// returns the response body. The caller must close it.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}
	return resp.Body, nil
}
