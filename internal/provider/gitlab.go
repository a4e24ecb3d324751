package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

const gitlabPageSize = 100

// GitLab adapts the GitLab REST API to the Client contract. Projects carry
// their instance base URL in Origin, so self-hosted installations work the
// same way as gitlab.com.
//
// Tags are used instead of formal releases because some projects only
// publish releases for major versions.
type GitLab struct{}

// NewGitLab constructs the GitLab adapter.
func NewGitLab() *GitLab {
	return &GitLab{}
}

func (g *GitLab) apiClient(token string, project ProjectRef) (*gitlab.Client, error) {
	opts := []gitlab.ClientOptionFunc{}
	if origin := strings.TrimRight(project.Origin, "/"); origin != "" {
		opts = append(opts, gitlab.WithBaseURL(origin+"/api/v4"))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, &Error{Type: ErrorTypeUnknown, Message: err.Error(), Cause: err}
	}
	return client, nil
}

// VerifyToken is not supported for GitLab; tokens are only used as-is for
// project access.
func (g *GitLab) VerifyToken(ctx context.Context, token string) error {
	return &Error{Type: ErrorTypeUnknown, Message: "gitlab: token verification not supported"}
}

// ListStarred is not supported for GitLab; only manual project tracking is
// offered for this provider.
func (g *GitLab) ListStarred(ctx context.Context, token string) ([]Repo, error) {
	return nil, &Error{Type: ErrorTypeUnknown, Message: "gitlab: starred discovery not supported"}
}

// ListReleases returns all tags of the project, newest first. GitLab
// reports the commit timestamp alongside the tag.
func (g *GitLab) ListReleases(ctx context.Context, token string, project ProjectRef) ([]Tag, error) {
	client, err := g.apiClient(token, project)
	if err != nil {
		return nil, err
	}

	opts := &gitlab.ListTagsOptions{
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
		OrderBy:     gitlab.Ptr("updated"),
		Sort:        gitlab.Ptr("desc"),
	}

	var tags []Tag
	for {
		upstream, resp, err := client.Tags.ListTags(project.Name, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, wrapGitLabError(err, "tags for "+project.Name)
		}
		for _, tag := range upstream {
			item := Tag{Version: tag.Name}
			if tag.Commit != nil {
				item.SHA = tag.Commit.ID
				if tag.Commit.CreatedAt != nil {
					item.CreatedAt = tag.Commit.CreatedAt.UnixMilli()
				}
			}
			tags = append(tags, item)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return tags, nil
}

// GetReleaseDetail returns the release notes attached to a tag. Tags
// without notes yield a not-found error, which callers treat as "no formal
// release".
func (g *GitLab) GetReleaseDetail(ctx context.Context, token string, project ProjectRef, version string) (ReleaseDetail, error) {
	client, err := g.apiClient(token, project)
	if err != nil {
		return ReleaseDetail{}, err
	}

	tag, _, err := client.Tags.GetTag(project.Name, version, gitlab.WithContext(ctx))
	if err != nil {
		return ReleaseDetail{}, wrapGitLabError(err, fmt.Sprintf("tag %s of %s", version, project.Name))
	}
	if tag.Release == nil || tag.Release.Description == "" {
		return ReleaseDetail{}, &Error{
			Type:     ErrorTypeNotFound,
			Message:  "no release notes",
			Resource: fmt.Sprintf("tag %s of %s", version, project.Name),
		}
	}
	return ReleaseDetail{Body: tag.Release.Description}, nil
}

// GetCommit returns the commit a tag points at.
func (g *GitLab) GetCommit(ctx context.Context, token string, project ProjectRef, sha string) (Commit, error) {
	client, err := g.apiClient(token, project)
	if err != nil {
		return Commit{}, err
	}

	commit, _, err := client.Commits.GetCommit(project.Name, sha, nil, gitlab.WithContext(ctx))
	if err != nil {
		return Commit{}, wrapGitLabError(err, fmt.Sprintf("commit %s of %s", sha, project.Name))
	}

	var createdAt int64
	if commit.CommittedDate != nil {
		createdAt = commit.CommittedDate.UnixMilli()
	}
	return Commit{CreatedAt: createdAt, Message: commit.Message}, nil
}

// wrapGitLabError maps client-go errors onto the provider error taxonomy.
func wrapGitLabError(err error, resource string) error {
	if err == nil {
		return nil
	}

	var responseErr *gitlab.ErrorResponse
	if errors.As(err, &responseErr) && responseErr.Response != nil {
		switch responseErr.Response.StatusCode {
		case http.StatusNotFound:
			return &Error{Type: ErrorTypeNotFound, Message: "not found", Resource: resource, Cause: err}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Type: ErrorTypeAuth, Message: "authentication failed", Resource: resource, Cause: err}
		case http.StatusTooManyRequests:
			return &Error{
				Type:     ErrorTypeRateLimit,
				Message:  "rate limit exceeded",
				Resource: resource,
				RetryAt:  gitlabResetFromHeader(responseErr.Response),
				Cause:    err,
			}
		}
	}

	return &Error{Type: ErrorTypeUnknown, Message: err.Error(), Resource: resource, Cause: err}
}

func gitlabResetFromHeader(resp *http.Response) int64 {
	reset := resp.Header.Get("RateLimit-Reset")
	if reset == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return 0
	}
	return seconds * 1000
}
