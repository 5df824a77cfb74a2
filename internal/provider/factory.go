package provider

import (
	"fmt"
	"strings"

	"github.com/t-rhex/duckling/pkg/domain"
)

// Credentials groups the provider-specific secrets New needs. Only the
// fields matching the selected host are read.
type Credentials struct {
	GitHubToken        string
	BitbucketUsername  string
	BitbucketAppPass   string
}

// New selects a domain.SourceProvider by the host embedded in repoURL,
// matching the same github.com/bitbucket.org allowlist
// domain.ValidateRepoURL enforces.
func New(repoURL string, creds Credentials) (domain.SourceProvider, error) {
	switch {
	case strings.Contains(repoURL, "github.com"):
		return NewGitHub(creds.GitHubToken), nil
	case strings.Contains(repoURL, "bitbucket.org"):
		return NewBitbucket(creds.BitbucketUsername, creds.BitbucketAppPass), nil
	default:
		return nil, fmt.Errorf("no source provider for repo url %q", repoURL)
	}
}
