package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

// SyncReleases brings stored releases up to date for every project of every
// user. A rate-limit signal stops the sweep early; the remaining projects
// are picked up on the next run, which the scheduler delays until the
// reported reset.
func (e *Engine) SyncReleases(ctx context.Context) error {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return err
	}

	for _, user := range permuted(users, e.ordering) {
		if err := e.syncReleasesByUser(ctx, user); err != nil {
			if _, rateLimited := provider.RetryAt(err); rateLimited {
				e.logger.Warn("rate limit hit, stopping release sweep early",
					zap.String("user_id", user.ID))
				return nil
			}
			e.logger.Error("release sync failed for user",
				zap.String("user_id", user.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) syncReleasesByUser(ctx context.Context, user store.User) error {
	projects, err := e.store.ListProjects(ctx, user.ID)
	if err != nil {
		return err
	}

	for _, project := range permuted(projects, e.ordering) {
		if err := e.SyncProject(ctx, user, project); err != nil {
			e.noteRetryAt(err)
			if _, rateLimited := provider.RetryAt(err); rateLimited {
				return err
			}
			e.logger.Error("project sync failed",
				zap.String("user_id", user.ID),
				zap.String("project", project.Name),
				zap.Error(err))
		}
	}
	return nil
}

// SyncProject synchronizes one project's stored releases with upstream and
// decides notification eligibility per new release. It is also invoked
// directly for the initial sync of a freshly added project.
//
// A release is persisted suppressed (notified already true) when this is
// the project's first successful sync or the project is disabled; no
// enrichment calls are spent on those. Only genuine candidates are enriched
// with the release body and originating commit. A rate-limited upstream
// call aborts the project without advancing the sync marker, so the
// candidate is picked up again after the reported reset.
func (e *Engine) SyncProject(ctx context.Context, user store.User, project store.Project) error {
	client, ok := e.providers.ForType(project.Type)
	if !ok {
		e.logger.Warn("no adapter mapped for project type, skipping",
			zap.String("project", project.Name),
			zap.String("type", project.Type))
		return nil
	}

	upstream, err := client.ListReleases(ctx, user.ProviderToken, provider.ProjectRef{Name: project.Name, Origin: project.Origin})
	if err != nil {
		if !provider.IsNotFound(err) {
			return err
		}
		upstream = nil
	}

	stored, err := e.store.ListReleases(ctx, project.ID)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(stored))
	for _, release := range stored {
		known[release.Version] = struct{}{}
	}

	now := e.clock()
	newCount := 0
	for _, tag := range upstream {
		if _, ok := known[tag.Version]; ok {
			continue
		}
		known[tag.Version] = struct{}{}
		newCount++

		suppressed := project.LastSuccessfulSyncAt == 0 || !project.Enabled
		if suppressed {
			// Silent backfill: no enrichment calls for releases nobody
			// will be told about.
			release := store.Release{
				ProjectID: project.ID,
				Version:   tag.Version,
				SHA:       tag.SHA,
				Notified:  true,
			}
			if _, err := e.store.AddRelease(ctx, release); err != nil {
				e.logger.Error("failed to persist suppressed release",
					zap.String("project", project.Name),
					zap.String("version", tag.Version),
					zap.Error(err))
			}
			continue
		}

		release, err := e.enrichRelease(ctx, client, user, project, tag)
		if err != nil {
			// A rate-limited enrichment leaves the candidate unpersisted so
			// the next sweep retries it instead of losing the notification.
			return err
		}
		if _, err := e.store.AddRelease(ctx, release); err != nil {
			e.logger.Error("failed to persist release",
				zap.String("project", project.Name),
				zap.String("version", tag.Version),
				zap.Error(err))
			continue
		}
		e.logger.Info("release recorded",
			zap.String("project", project.Name),
			zap.String("version", release.Version),
			zap.Bool("notified", release.Notified),
			zap.Int64("created_at", release.CreatedAt))
	}

	if newCount > 0 {
		e.logger.Debug("project synced",
			zap.String("project", project.Name),
			zap.Int("new_releases", newCount))
	}

	syncedAt := now.UnixMilli()
	return e.store.UpdateProject(ctx, project.ID, store.ProjectUpdate{LastSuccessfulSyncAt: &syncedAt})
}

// enrichRelease fetches the release body and originating commit for a
// notification candidate. Non-rate-limit enrichment failures degrade to a
// suppressed best-effort row instead of blocking the rest of the project's
// sync; a rate-limited call is returned as an error so the candidate stays
// unpersisted and the sweep stops.
func (e *Engine) enrichRelease(ctx context.Context, client provider.Client, user store.User, project store.Project, tag provider.Tag) (store.Release, error) {
	release := store.Release{
		ProjectID: project.ID,
		Version:   tag.Version,
		SHA:       tag.SHA,
		CreatedAt: tag.CreatedAt,
	}
	ref := provider.ProjectRef{Name: project.Name, Origin: project.Origin}

	body := ""
	detail, err := client.GetReleaseDetail(ctx, user.ProviderToken, ref, tag.Version)
	switch {
	case err == nil:
		body = detail.Body
		release.Prerelease = detail.Prerelease
	case provider.IsNotFound(err):
		// No formal release for this tag; the commit message serves as
		// the body below.
	default:
		if _, rateLimited := provider.RetryAt(err); rateLimited {
			return store.Release{}, err
		}
		e.logger.Warn("failed to fetch release detail, falling back to commit message",
			zap.String("project", project.Name),
			zap.String("version", tag.Version),
			zap.Error(err))
	}

	commit, err := client.GetCommit(ctx, user.ProviderToken, ref, tag.SHA)
	if err != nil {
		if _, rateLimited := provider.RetryAt(err); rateLimited {
			return store.Release{}, err
		}
		e.logger.Warn("failed to fetch commit, persisting suppressed release",
			zap.String("project", project.Name),
			zap.String("version", tag.Version),
			zap.Error(err))
		release.Notified = true
		release.Body = truncate(body, e.storageBodyLimit)
		return release, nil
	}

	if commit.CreatedAt != 0 {
		release.CreatedAt = commit.CreatedAt
	}

	// Providers do not guarantee tag creation order; an old tag picked up
	// late must not trigger a notification burst.
	if e.clock().UnixMilli()-release.CreatedAt > e.staleAfter.Milliseconds() {
		release.Notified = true
	}

	if body == "" {
		release.Body = truncate(commitMessagePrefix+commit.Message, e.bodyLimit)
	} else {
		release.Body = truncate(body, e.storageBodyLimit)
	}

	return release, nil
}
