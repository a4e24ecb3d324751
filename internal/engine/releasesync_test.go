package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSyncProjectRecordsNotificationCandidate(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getReleaseDetailFn = func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
		return provider.ReleaseDetail{Body: "Bug fixes and polish."}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{CreatedAt: now.Add(-time.Hour).UnixMilli(), Message: "tag v2.0.0"}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1)
	require.Equal(testContext, "v2.0.0", releases[0].Version)
	require.Equal(testContext, "abc123", releases[0].SHA)
	require.Equal(testContext, "Bug fixes and polish.", releases[0].Body)
	require.Equal(testContext, now.Add(-time.Hour).UnixMilli(), releases[0].CreatedAt)
	require.False(testContext, releases[0].Notified)

	updated := h.reloadProject(testContext, project.ID)
	require.Equal(testContext, now.UnixMilli(), updated.LastSuccessfulSyncAt)
}

func TestSyncProjectSuppressesStaleRelease(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v0.1.0", SHA: "old000"}}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{CreatedAt: now.Add(-15 * 24 * time.Hour).UnixMilli(), Message: "ancient tag"}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1)
	require.True(testContext, releases[0].Notified, "a release older than the staleness window must not notify")
}

func TestSyncProjectFirstSyncBackfillsSilently(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{
			{Version: "v1.0.0", SHA: "aaa"},
			{Version: "v1.1.0", SHA: "bbb"},
			{Version: "v1.2.0", SHA: "ccc"},
		}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 3)
	for _, release := range releases {
		require.True(testContext, release.Notified, "historical backlog must be recorded as already notified")
		require.Empty(testContext, release.Body)
	}
	require.Zero(testContext, h.client.getReleaseDetailCalls, "backfill must not spend enrichment calls")
	require.Zero(testContext, h.client.getCommitCalls, "backfill must not spend enrichment calls")

	updated := h.reloadProject(testContext, project.ID)
	require.Equal(testContext, now.UnixMilli(), updated.LastSuccessfulSyncAt)
}

func TestSyncProjectDisabledProjectSuppresses(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	h.disable(testContext, project.ID)
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1)
	require.True(testContext, releases[0].Notified)
	require.Zero(testContext, h.client.getReleaseDetailCalls)
}

func TestSyncProjectFallsBackToCommitMessage(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	project = h.reloadProject(testContext, project.ID)

	longMessage := strings.Repeat("x", 2000)
	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getReleaseDetailFn = func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
		return provider.ReleaseDetail{}, &provider.Error{Type: provider.ErrorTypeNotFound, Message: "no release for tag"}
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{CreatedAt: now.Add(-time.Hour).UnixMilli(), Message: longMessage}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1)

	body := releases[0].Body
	require.True(testContext, strings.HasPrefix(body, "Latest commit message:\n"))
	require.True(testContext, strings.HasSuffix(body, "..."))
	require.Equal(testContext, 1003, len(body))
	require.False(testContext, releases[0].Notified)
}

func TestSyncProjectCommitFetchFailureYieldsSuppressedRow(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getReleaseDetailFn = func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
		return provider.ReleaseDetail{Body: "Notes"}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{}, &provider.Error{Type: provider.ErrorTypeUnknown, Message: "upstream hiccup"}
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1)
	require.True(testContext, releases[0].Notified, "a release without a trusted timestamp must not notify")
	require.Equal(testContext, "Notes", releases[0].Body)
}

func TestSyncProjectRateLimitedCommitFetchAbortsSync(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	retryAt := now.Add(30 * time.Minute).UnixMilli()
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	previousSync := now.Add(-time.Hour).UnixMilli()
	h.markSynced(testContext, project.ID, previousSync)
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getReleaseDetailFn = func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
		return provider.ReleaseDetail{Body: "Notes"}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{}, &provider.Error{Type: provider.ErrorTypeRateLimit, Message: "rate limited", RetryAt: retryAt}
	}

	err := h.engine.SyncProject(context.Background(), user, project)
	require.Error(testContext, err)
	reported, rateLimited := provider.RetryAt(err)
	require.True(testContext, rateLimited)
	require.Equal(testContext, retryAt, reported)

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Empty(testContext, releases,
		"a rate-limited candidate must stay unpersisted so the next sweep retries it")

	updated := h.reloadProject(testContext, project.ID)
	require.Equal(testContext, previousSync, updated.LastSuccessfulSyncAt,
		"a rate-limited sync must not advance the success marker")
}

func TestSyncProjectRateLimitedDetailFetchAbortsSync(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	retryAt := now.Add(30 * time.Minute).UnixMilli()
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	previousSync := now.Add(-time.Hour).UnixMilli()
	h.markSynced(testContext, project.ID, previousSync)
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getReleaseDetailFn = func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
		return provider.ReleaseDetail{}, &provider.Error{Type: provider.ErrorTypeRateLimit, Message: "rate limited", RetryAt: retryAt}
	}

	err := h.engine.SyncProject(context.Background(), user, project)
	_, rateLimited := provider.RetryAt(err)
	require.True(testContext, rateLimited)
	require.Zero(testContext, h.client.getCommitCalls,
		"no further enrichment calls after a rate limit")

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Empty(testContext, releases)

	updated := h.reloadProject(testContext, project.ID)
	require.Equal(testContext, previousSync, updated.LastSuccessfulSyncAt)
}

func TestSyncReleasesRateLimitedEnrichmentStopsSweep(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	retryAt := now.Add(30 * time.Minute).UnixMilli()
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	for _, name := range []string{"acme/first", "acme/second"} {
		project := h.addProject(testContext, store.Project{UserID: user.ID, Type: store.ProjectTypeGithub, Name: name})
		h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	}

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{}, &provider.Error{Type: provider.ErrorTypeRateLimit, Message: "rate limited", RetryAt: retryAt}
	}

	require.NoError(testContext, h.engine.SyncReleases(context.Background()))
	require.Equal(testContext, 1, h.client.listReleasesCalls,
		"the sweep must stop at the project whose enrichment was rate limited")
	require.Equal(testContext, retryAt, h.engine.ConsumeRetryAt(),
		"the reset must reach the scheduler")
}

func TestSyncProjectIsIdempotent(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return []provider.Tag{{Version: "v2.0.0", SHA: "abc123"}}, nil
	}
	h.client.getCommitFn = func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
		return provider.Commit{CreatedAt: now.Add(-time.Hour).UnixMilli(), Message: "tag"}, nil
	}

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))
	project = h.reloadProject(testContext, project.ID)
	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))

	releases, err := h.store.ListReleases(context.Background(), project.ID)
	require.NoError(testContext, err)
	require.Len(testContext, releases, 1, "re-running a sync must not duplicate releases")
}

func TestSyncProjectListFailureKeepsSyncMarker(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeGithub,
		Name:   "acme/widget",
	})
	previousSync := now.Add(-2 * time.Hour).UnixMilli()
	h.markSynced(testContext, project.ID, previousSync)
	project = h.reloadProject(testContext, project.ID)

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		return nil, &provider.Error{Type: provider.ErrorTypeUnknown, Message: "boom"}
	}

	require.Error(testContext, h.engine.SyncProject(context.Background(), user, project))

	updated := h.reloadProject(testContext, project.ID)
	require.Equal(testContext, previousSync, updated.LastSuccessfulSyncAt,
		"a failed sync must not advance the success marker")
}

func TestSyncProjectUnmappedTypeIsSkipped(testContext *testing.T) {
	h := newHarness(testContext, nil)

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	project := h.addProject(testContext, store.Project{
		UserID: user.ID,
		Type:   store.ProjectTypeWebsite,
		Name:   "example.com",
		Origin: "https://example.com",
	})

	require.NoError(testContext, h.engine.SyncProject(context.Background(), user, project))
	require.Zero(testContext, h.client.listReleasesCalls)
}

func TestSyncReleasesStopsSweepOnRateLimit(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	retryAt := now.Add(30 * time.Minute).UnixMilli()
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	for _, name := range []string{"acme/first", "acme/second", "acme/third"} {
		project := h.addProject(testContext, store.Project{UserID: user.ID, Type: store.ProjectTypeGithub, Name: name})
		h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	}

	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		h.client.mu.Lock()
		calls := h.client.listReleasesCalls
		h.client.mu.Unlock()
		if calls > 1 {
			return nil, &provider.Error{Type: provider.ErrorTypeRateLimit, Message: "rate limited", RetryAt: retryAt}
		}
		return nil, nil
	}

	require.NoError(testContext, h.engine.SyncReleases(context.Background()))
	require.Equal(testContext, 2, h.client.listReleasesCalls,
		"the sweep must stop at the first rate-limit signal")
	require.Equal(testContext, retryAt, h.engine.ConsumeRetryAt())
	require.Zero(testContext, h.engine.ConsumeRetryAt(), "consuming the signal must clear it")
}

func TestSyncReleasesFairnessUnderRateLimits(testContext *testing.T) {
	now := time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	h := newHarness(testContext, func(cfg *Config) {
		cfg.Clock = fixedClock(now)
		cfg.Ordering = &rotatingOrdering{}
	})

	user := h.addUser(testContext, "user-1", "one@example.com", "token-1")
	names := []string{"acme/first", "acme/second", "acme/third"}
	for _, name := range names {
		project := h.addProject(testContext, store.Project{UserID: user.ID, Type: store.ProjectTypeGithub, Name: name})
		h.markSynced(testContext, project.ID, now.Add(-time.Hour).UnixMilli())
	}

	// Budget of one successful list per sweep; every following call in the
	// same sweep is rejected with a rate limit.
	budget := 0
	synced := map[string]bool{}
	var mu sync.Mutex
	h.client.listReleasesFn = func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
		mu.Lock()
		defer mu.Unlock()
		if budget <= 0 {
			return nil, &provider.Error{Type: provider.ErrorTypeRateLimit, Message: "rate limited", RetryAt: now.UnixMilli()}
		}
		budget--
		synced[ref.Name] = true
		return nil, nil
	}

	const maxSweeps = 10
	for sweep := 0; sweep < maxSweeps; sweep++ {
		mu.Lock()
		budget = 1
		done := len(synced) == len(names)
		mu.Unlock()
		if done {
			break
		}
		require.NoError(testContext, h.engine.SyncReleases(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range names {
		require.True(testContext, synced[name], "project %s starved across sweeps", name)
	}
}

func TestTruncatePreservesRuneBoundaries(testContext *testing.T) {
	require.Equal(testContext, "short", truncate("short", 10))

	long := strings.Repeat("é", 10)
	cut := truncate(long, 9)
	require.True(testContext, strings.HasSuffix(cut, "..."))
	require.True(testContext, utf8.ValidString(cut), "truncation must not split a rune")
	require.LessOrEqual(testContext, len(cut), 9+len("..."))
}
