package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGitHub_GetCloneURL(t *testing.T) {
	g := NewGitHub("tok")
	url, err := g.GetCloneURL(context.Background(), "https://github.com/acme/widget")
	require.NoError(t, err)
	require.Equal(t, "https://github.com/acme/widget.git", url)
}

func TestGitHub_GetCredentials(t *testing.T) {
	g := NewGitHub("tok-123")
	creds, ok, err := g.GetCredentials(context.Background(), "github")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x-access-token", creds.Username)
	require.Equal(t, "tok-123", creds.Password)
}

func TestGitHub_GetCredentials_NoToken(t *testing.T) {
	g := NewGitHub("")
	_, ok, err := g.GetCredentials(context.Background(), "github")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGitHub_CreateBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widget/git/ref/heads/main":
			w.Write([]byte(`{"object":{"sha":"deadbeef"}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widget/git/refs":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGitHub("tok")
	g.baseURL = srv.URL
	sha, err := g.CreateBranch(context.Background(), "acme/widget", "duckling/abc", "main")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", sha)
}

func TestGitHub_CreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widget/pulls":
			w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/widget/pull/7"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widget/issues/7/labels":
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGitHub("tok")
	g.baseURL = srv.URL
	pr, err := g.CreatePullRequest(context.Background(), "acme/widget", "fix: widget bug", "body", "head", "main", []string{"bug"})
	require.NoError(t, err)
	require.Equal(t, 7, pr.Number)
	require.Equal(t, "https://github.com/acme/widget/pull/7", pr.URL)
}

func TestParseGitHubRepoRef_RejectsGarbage(t *testing.T) {
	_, _, err := parseGitHubRepoRef("not-a-repo")
	require.Error(t, err)
}
