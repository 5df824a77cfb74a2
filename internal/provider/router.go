package provider

import (
	"context"

	"github.com/t-rhex/duckling/pkg/domain"
)

// Router implements domain.SourceProvider by resolving the concrete
// per-host provider (GitHub, Bitbucket) on every call via New, so a
// single Router can back a Pipeline Driver handling tasks against either
// allowlisted host without the driver knowing about hosts at all.
type Router struct {
	creds Credentials
}

// NewRouter constructs a Router. creds carries every provider's secrets;
// only the fields matching a given call's repo host are used.
func NewRouter(creds Credentials) *Router {
	return &Router{creds: creds}
}

func (r *Router) resolve(repoRef string) (domain.SourceProvider, error) {
	return New(repoRef, r.creds)
}

func (r *Router) GetCloneURL(ctx context.Context, repoRef string) (string, error) {
	p, err := r.resolve(repoRef)
	if err != nil {
		return "", err
	}
	return p.GetCloneURL(ctx, repoRef)
}

func (r *Router) GetCredentials(ctx context.Context, providerName string) (domain.Credentials, bool, error) {
	switch providerName {
	case "bitbucket":
		if r.creds.BitbucketUsername == "" || r.creds.BitbucketAppPass == "" {
			return domain.Credentials{}, false, nil
		}
		return domain.Credentials{Username: r.creds.BitbucketUsername, Password: r.creds.BitbucketAppPass}, true, nil
	default:
		if r.creds.GitHubToken == "" {
			return domain.Credentials{}, false, nil
		}
		return domain.Credentials{Username: "x-access-token", Password: r.creds.GitHubToken}, true, nil
	}
}

func (r *Router) CreateBranch(ctx context.Context, repoRef, name, base string) (string, error) {
	p, err := r.resolve(repoRef)
	if err != nil {
		return "", err
	}
	return p.CreateBranch(ctx, repoRef, name, base)
}

func (r *Router) CreatePullRequest(ctx context.Context, repoRef, title, body, head, base string, labels []string) (domain.PullRequest, error) {
	p, err := r.resolve(repoRef)
	if err != nil {
		return domain.PullRequest{}, err
	}
	return p.CreatePullRequest(ctx, repoRef, title, body, head, base, labels)
}
