package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

// SyncProjects reconciles every user's auto-discovered projects against the
// provider's current starred set. One user's failure does not block the
// others.
func (e *Engine) SyncProjects(ctx context.Context) error {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return err
	}

	for _, user := range permuted(users, e.ordering) {
		if err := e.syncStarredByUser(ctx, user); err != nil {
			e.noteRetryAt(err)
			e.logger.Error("starred project sync failed",
				zap.String("user_id", user.ID),
				zap.Error(err))
		}
	}
	return nil
}

// syncStarredByUser diffs the upstream starred set against tracked projects
// of the auto-discovered type: new projects are created and immediately
// synced so their history is backfilled, projects no longer starred are
// removed.
func (e *Engine) syncStarredByUser(ctx context.Context, user store.User) error {
	if user.ProviderToken == "" {
		return nil
	}

	client, ok := e.providers.Adapter(provider.AdapterGitHub)
	if !ok {
		return nil
	}

	starred, err := client.ListStarred(ctx, user.ProviderToken)
	if err != nil {
		return err
	}

	tracked, err := e.store.ListProjectsByType(ctx, user.ID, store.ProjectTypeGithub)
	if err != nil {
		return err
	}

	trackedNames := make(map[string]store.Project, len(tracked))
	for _, project := range tracked {
		trackedNames[project.Name] = project
	}
	starredNames := make(map[string]struct{}, len(starred))
	for _, repo := range starred {
		starredNames[repo.Name] = struct{}{}
	}

	e.logger.Debug("starred repositories fetched",
		zap.String("user_id", user.ID),
		zap.Int("starred", len(starred)),
		zap.Int("tracked", len(tracked)))

	var newRepos []provider.Repo
	for _, repo := range starred {
		if _, ok := trackedNames[repo.Name]; !ok {
			newRepos = append(newRepos, repo)
		}
	}

	for _, repo := range permuted(newRepos, e.ordering) {
		project, err := e.store.AddProject(ctx, store.Project{
			UserID: user.ID,
			Type:   store.ProjectTypeGithub,
			Name:   repo.Name,
		})
		if err != nil {
			e.logger.Error("failed to add discovered project",
				zap.String("user_id", user.ID),
				zap.String("name", repo.Name),
				zap.Error(err))
			continue
		}

		e.logger.Info("tracking new starred project",
			zap.String("user_id", user.ID),
			zap.String("name", project.Name))

		// Initial sync backfills historical releases right away instead
		// of waiting for the global sweep. The project row stays even if
		// this fails; the next sweep retries.
		if err := e.SyncProject(ctx, user, project); err != nil {
			e.noteRetryAt(err)
			e.logger.Error("initial sync of new project failed",
				zap.String("user_id", user.ID),
				zap.String("name", project.Name),
				zap.Error(err))
		}
	}

	for _, project := range tracked {
		if _, ok := starredNames[project.Name]; ok {
			continue
		}
		e.logger.Info("project no longer starred, removing",
			zap.String("user_id", user.ID),
			zap.String("name", project.Name))
		if err := e.store.RemoveProject(ctx, project.ID); err != nil {
			e.logger.Error("failed to remove stale project",
				zap.String("user_id", user.ID),
				zap.String("name", project.Name),
				zap.Error(err))
		}
	}

	return nil
}
