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

const bitbucketAPIBase = "https://api.bitbucket.org/2.0"

// Bitbucket implements domain.SourceProvider against the Bitbucket Cloud
// REST API, mirroring GitHub's shape with Bitbucket's resource paths and
// app-password auth convention.
type Bitbucket struct {
	username   string
	appPass    string
	httpClient *http.Client
}

// NewBitbucket constructs a Bitbucket provider. Either field may be
// empty, in which case GetCredentials reports ok=false.
func NewBitbucket(username, appPassword string) *Bitbucket {
	return &Bitbucket{
		username:   username,
		appPass:    appPassword,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *Bitbucket) GetCloneURL(ctx context.Context, repoRef string) (string, error) {
	full, err := bitbucketFullName(repoRef)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://bitbucket.org/%s.git", full), nil
}

func (b *Bitbucket) GetCredentials(ctx context.Context, providerName string) (domain.Credentials, bool, error) {
	if b.username == "" || b.appPass == "" {
		return domain.Credentials{}, false, nil
	}
	return domain.Credentials{Username: b.username, Password: b.appPass}, true, nil
}

func (b *Bitbucket) CreateBranch(ctx context.Context, repoRef, name, base string) (string, error) {
	repo, err := bitbucketFullName(repoRef)
	if err != nil {
		return "", err
	}

	var baseBranch struct {
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
	if err := b.do(ctx, http.MethodGet, fmt.Sprintf("/repositories/%s/refs/branches/%s", repo, base), nil, &baseBranch); err != nil {
		return "", fmt.Errorf("resolve base branch %s: %w", base, err)
	}

	body := map[string]any{
		"name":   name,
		"target": map[string]string{"hash": baseBranch.Target.Hash},
	}
	if err := b.do(ctx, http.MethodPost, fmt.Sprintf("/repositories/%s/refs/branches", repo), body, nil); err != nil {
		return "", fmt.Errorf("create branch %s: %w", name, err)
	}
	return baseBranch.Target.Hash, nil
}

func (b *Bitbucket) CreatePullRequest(ctx context.Context, repoRef, title, body, head, base string, labels []string) (domain.PullRequest, error) {
	repo, err := bitbucketFullName(repoRef)
	if err != nil {
		return domain.PullRequest{}, err
	}

	var pr struct {
		ID    int `json:"id"`
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	}
	prBody := map[string]any{
		"title":       title,
		"description": body,
		"source":      map[string]any{"branch": map[string]string{"name": head}},
		"destination": map[string]any{"branch": map[string]string{"name": base}},
	}
	if err := b.do(ctx, http.MethodPost, fmt.Sprintf("/repositories/%s/pullrequests", repo), prBody, &pr); err != nil {
		return domain.PullRequest{}, fmt.Errorf("create pull request: %w", err)
	}

	// Bitbucket Cloud has no per-PR label endpoint, so labels are not sent
	// and the returned PullRequest does not carry them — this provider's
	// API surface is narrower than GitHub's.
	return domain.PullRequest{URL: pr.Links.HTML.Href, Number: pr.ID, Title: title, Branch: head}, nil
}

func (b *Bitbucket) do(ctx context.Context, method, path string, reqBody, respOut any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, bitbucketAPIBase+path, bodyReader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(b.username, b.appPass)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bitbucket api %s %s: %d: %s", method, path, resp.StatusCode, string(data))
	}
	if respOut != nil && len(data) > 0 {
		return json.Unmarshal(data, respOut)
	}
	return nil
}

func bitbucketFullName(repoRef string) (string, error) {
	s := strings.TrimPrefix(repoRef, "https://bitbucket.org/")
	s = strings.TrimSuffix(s, ".git")
	if !strings.Contains(s, "/") || strings.Contains(s, "://") {
		return "", fmt.Errorf("unrecognized repo reference %q", repoRef)
	}
	return s, nil
}
