package domain

import (
	"fmt"
	"regexp"
)

// RepoRef is a parsed reference to a repository on one of the allowlisted
// providers, decomposed from either of the two forms a user or a
// source-control adapter may hand the core: the HTTPS clone URL and the
// SSH shorthand. It exists so the core can round-trip between forms
// without re-deriving owner/repo parsing at every call site.
type RepoRef struct {
	Host  string
	Owner string
	Repo  string
}

var (
	httpsRepoRe = regexp.MustCompile(`^https://([a-zA-Z0-9.-]+)/([a-zA-Z0-9._-]+)/([a-zA-Z0-9._-]+?)(\.git)?$`)
	sshRepoRe   = regexp.MustCompile(`^git@([a-zA-Z0-9.-]+):([a-zA-Z0-9._-]+)/([a-zA-Z0-9._-]+?)(\.git)?$`)
)

// ParseRepoRef accepts both supported provider forms:
//
//	https://host/owner/repo[.git]
//	git@host:owner/repo[.git]
//
// and decomposes either into a RepoRef. It is the inverse of HTTPSURL and
// SSHURL: ParseRepoRef(ref.HTTPSURL()) and ParseRepoRef(ref.SSHURL())
// both yield ref back.
func ParseRepoRef(url string) (RepoRef, error) {
	if m := httpsRepoRe.FindStringSubmatch(url); m != nil {
		return RepoRef{Host: m[1], Owner: m[2], Repo: m[3]}, nil
	}
	if m := sshRepoRe.FindStringSubmatch(url); m != nil {
		return RepoRef{Host: m[1], Owner: m[2], Repo: m[3]}, nil
	}
	return RepoRef{}, NewError(ErrValidation, "repo_url", fmt.Errorf("unrecognized repository URL %q", url))
}

// HTTPSURL builds the canonical HTTPS clone URL for ref.
func (r RepoRef) HTTPSURL() string {
	return fmt.Sprintf("https://%s/%s/%s.git", r.Host, r.Owner, r.Repo)
}

// SSHURL builds the canonical SSH shorthand for ref.
func (r RepoRef) SSHURL() string {
	return fmt.Sprintf("git@%s:%s/%s.git", r.Host, r.Owner, r.Repo)
}
