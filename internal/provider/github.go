package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

const githubPageSize = 100

// GitHub adapts the GitHub REST API to the Client contract. It also serves
// manually tracked GitHub projects.
type GitHub struct {
	// baseURL overrides the API endpoint, used by tests.
	baseURL string
}

// NewGitHub constructs the GitHub adapter.
func NewGitHub() *GitHub {
	return &GitHub{}
}

func (g *GitHub) apiClient(ctx context.Context, token string) (*github.Client, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, source))
	if g.baseURL != "" {
		enterprise, err := client.WithEnterpriseURLs(g.baseURL, g.baseURL)
		if err != nil {
			return nil, err
		}
		return enterprise, nil
	}
	return client, nil
}

// VerifyToken checks the token by fetching the authenticated user.
func (g *GitHub) VerifyToken(ctx context.Context, token string) error {
	client, err := g.apiClient(ctx, token)
	if err != nil {
		return err
	}
	if _, _, err := client.Users.Get(ctx, ""); err != nil {
		return wrapGitHubError(err, "authenticated user")
	}
	return nil
}

// ListStarred returns all repositories starred by the token's user.
func (g *GitHub) ListStarred(ctx context.Context, token string) ([]Repo, error) {
	client, err := g.apiClient(ctx, token)
	if err != nil {
		return nil, err
	}

	opts := &github.ActivityListStarredOptions{
		ListOptions: github.ListOptions{PerPage: githubPageSize},
	}

	var repos []Repo
	for {
		starred, resp, err := client.Activity.ListStarred(ctx, "", opts)
		if err != nil {
			return nil, wrapGitHubError(err, "starred repositories")
		}
		for _, entry := range starred {
			repos = append(repos, Repo{Name: entry.GetRepository().GetFullName()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// ListReleases returns all tags of the project. GitHub tags carry no
// creation timestamp; CreatedAt is left zero and resolved later through the
// originating commit.
func (g *GitHub) ListReleases(ctx context.Context, token string, project ProjectRef) ([]Tag, error) {
	client, err := g.apiClient(ctx, token)
	if err != nil {
		return nil, err
	}
	owner, repo, err := splitRepoName(project.Name)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: githubPageSize}

	var tags []Tag
	for {
		upstream, resp, err := client.Repositories.ListTags(ctx, owner, repo, opts)
		if err != nil {
			return nil, wrapGitHubError(err, "tags for "+project.Name)
		}
		for _, tag := range upstream {
			tags = append(tags, Tag{
				Version: tag.GetName(),
				SHA:     tag.GetCommit().GetSHA(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return tags, nil
}

// GetReleaseDetail fetches the formal release published for a tag. A tag
// without a formal release yields a not-found error.
func (g *GitHub) GetReleaseDetail(ctx context.Context, token string, project ProjectRef, version string) (ReleaseDetail, error) {
	client, err := g.apiClient(ctx, token)
	if err != nil {
		return ReleaseDetail{}, err
	}
	owner, repo, err := splitRepoName(project.Name)
	if err != nil {
		return ReleaseDetail{}, err
	}

	release, _, err := client.Repositories.GetReleaseByTag(ctx, owner, repo, version)
	if err != nil {
		return ReleaseDetail{}, wrapGitHubError(err, fmt.Sprintf("release %s of %s", version, project.Name))
	}

	body := strings.ReplaceAll(release.GetBody(), "\r\n", "\n")
	return ReleaseDetail{Body: body, Prerelease: release.GetPrerelease()}, nil
}

// GetCommit returns the commit a tag points at, for its timestamp and
// fallback message.
func (g *GitHub) GetCommit(ctx context.Context, token string, project ProjectRef, sha string) (Commit, error) {
	client, err := g.apiClient(ctx, token)
	if err != nil {
		return Commit{}, err
	}
	owner, repo, err := splitRepoName(project.Name)
	if err != nil {
		return Commit{}, err
	}

	commit, _, err := client.Git.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		return Commit{}, wrapGitHubError(err, fmt.Sprintf("commit %s of %s", sha, project.Name))
	}

	var createdAt int64
	if date := commit.GetCommitter().GetDate(); !date.Time.IsZero() {
		createdAt = date.Time.UnixMilli()
	}
	return Commit{CreatedAt: createdAt, Message: commit.GetMessage()}, nil
}

func splitRepoName(name string) (string, string, error) {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", &Error{
			Type:    ErrorTypeUnknown,
			Message: fmt.Sprintf("malformed repository name %q", name),
		}
	}
	return owner, repo, nil
}

// wrapGitHubError maps go-github errors onto the provider error taxonomy.
func wrapGitHubError(err error, resource string) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &Error{
			Type:     ErrorTypeRateLimit,
			Message:  "rate limit exceeded",
			Resource: resource,
			RetryAt:  rateLimitErr.Rate.Reset.Time.UnixMilli(),
			Cause:    err,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retryAt := int64(0)
		if abuseErr.RetryAfter != nil {
			retryAt = time.Now().Add(*abuseErr.RetryAfter).UnixMilli()
		}
		return &Error{
			Type:     ErrorTypeRateLimit,
			Message:  "secondary rate limit exceeded",
			Resource: resource,
			RetryAt:  retryAt,
			Cause:    err,
		}
	}

	var responseErr *github.ErrorResponse
	if errors.As(err, &responseErr) && responseErr.Response != nil {
		switch responseErr.Response.StatusCode {
		case http.StatusNotFound:
			return &Error{Type: ErrorTypeNotFound, Message: "not found", Resource: resource, Cause: err}
		case http.StatusUnauthorized:
			return &Error{Type: ErrorTypeAuth, Message: "authentication failed", Resource: resource, Cause: err}
		case http.StatusForbidden:
			if strings.Contains(responseErr.Message, "rate limit") {
				return &Error{
					Type:     ErrorTypeRateLimit,
					Message:  "rate limit exceeded",
					Resource: resource,
					RetryAt:  resetFromHeader(responseErr.Response),
					Cause:    err,
				}
			}
			return &Error{Type: ErrorTypeAuth, Message: "insufficient permissions", Resource: resource, Cause: err}
		}
	}

	return &Error{Type: ErrorTypeUnknown, Message: err.Error(), Resource: resource, Cause: err}
}

func resetFromHeader(resp *http.Response) int64 {
	reset := resp.Header.Get("X-RateLimit-Reset")
	if reset == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return 0
	}
	return seconds * 1000
}
