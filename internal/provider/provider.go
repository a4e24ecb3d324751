// Package provider defines the upstream source-hosting contract and its
// adapters. An adapter wraps one hosting service (GitHub, GitLab) behind a
// uniform client interface; the registry selects an adapter per project type
// from an explicit configuration table.
package provider

import "context"

// Repo is a repository as reported by a provider's starred listing.
type Repo struct {
	Name string
}

// Tag is one upstream tag or release. CreatedAt is epoch milliseconds and
// may be zero when the provider does not report it for plain tags.
type Tag struct {
	Version   string
	SHA       string
	CreatedAt int64
}

// ReleaseDetail is the enriched body of a formal release.
type ReleaseDetail struct {
	Body       string
	Prerelease bool
}

// Commit carries the originating commit of a tag. CreatedAt is epoch
// milliseconds.
type Commit struct {
	CreatedAt int64
	Message   string
}

// ProjectRef identifies a repository on a provider. Name is the
// provider-qualified identifier (for example "owner/repo"); Origin is the
// base URL for self-hosted instances and may be empty.
type ProjectRef struct {
	Name   string
	Origin string
}

// Client is the per-provider adapter contract. Implementations must map
// rate-limit conditions onto *Error with ErrorTypeRateLimit and a RetryAt,
// and missing resources onto ErrorTypeNotFound.
type Client interface {
	VerifyToken(ctx context.Context, token string) error
	ListStarred(ctx context.Context, token string) ([]Repo, error)
	ListReleases(ctx context.Context, token string, project ProjectRef) ([]Tag, error)
	GetReleaseDetail(ctx context.Context, token string, project ProjectRef, version string) (ReleaseDetail, error)
	GetCommit(ctx context.Context, token string, project ProjectRef, sha string) (Commit, error)
}
