package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/releasebell/releasebell/internal/mail"
	"github.com/releasebell/releasebell/internal/provider"
	"github.com/releasebell/releasebell/internal/store"
)

// fakeClient implements provider.Client with overridable behavior and call
// counters.
type fakeClient struct {
	mu sync.Mutex

	listStarredFn      func(ctx context.Context, token string) ([]provider.Repo, error)
	listReleasesFn     func(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error)
	getReleaseDetailFn func(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error)
	getCommitFn        func(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error)

	listStarredCalls      int
	listReleasesCalls     int
	getReleaseDetailCalls int
	getCommitCalls        int
}

func (f *fakeClient) VerifyToken(ctx context.Context, token string) error {
	return nil
}

func (f *fakeClient) ListStarred(ctx context.Context, token string) ([]provider.Repo, error) {
	f.mu.Lock()
	f.listStarredCalls++
	f.mu.Unlock()
	if f.listStarredFn == nil {
		return nil, nil
	}
	return f.listStarredFn(ctx, token)
}

func (f *fakeClient) ListReleases(ctx context.Context, token string, ref provider.ProjectRef) ([]provider.Tag, error) {
	f.mu.Lock()
	f.listReleasesCalls++
	f.mu.Unlock()
	if f.listReleasesFn == nil {
		return nil, nil
	}
	return f.listReleasesFn(ctx, token, ref)
}

func (f *fakeClient) GetReleaseDetail(ctx context.Context, token string, ref provider.ProjectRef, version string) (provider.ReleaseDetail, error) {
	f.mu.Lock()
	f.getReleaseDetailCalls++
	f.mu.Unlock()
	if f.getReleaseDetailFn == nil {
		return provider.ReleaseDetail{}, &provider.Error{Type: provider.ErrorTypeNotFound, Message: "no release"}
	}
	return f.getReleaseDetailFn(ctx, token, ref, version)
}

func (f *fakeClient) GetCommit(ctx context.Context, token string, ref provider.ProjectRef, sha string) (provider.Commit, error) {
	f.mu.Lock()
	f.getCommitCalls++
	f.mu.Unlock()
	if f.getCommitFn == nil {
		return provider.Commit{}, nil
	}
	return f.getCommitFn(ctx, token, ref, sha)
}

// fakeMailer records sends and can be told to fail.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []mail.Message
	failWith error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) sentMessages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

// identityOrdering keeps the input order, making sweeps deterministic.
type identityOrdering struct{}

func (identityOrdering) Permutation(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// rotatingOrdering shifts the permutation start by one on every draw of the
// same length, a stand-in for round-robin fairness in tests.
type rotatingOrdering struct {
	mu      sync.Mutex
	offsets map[int]int
}

func (r *rotatingOrdering) Permutation(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offsets == nil {
		r.offsets = map[int]int{}
	}
	offset := r.offsets[n]
	r.offsets[n] = offset + 1

	indices := make([]int, n)
	for i := range indices {
		indices[i] = (i + offset) % n
	}
	return indices
}

type harness struct {
	engine *Engine
	store  *store.Store
	client *fakeClient
	mailer *fakeMailer
}

func newHarness(t *testing.T, overrides func(cfg *Config)) *harness {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&store.User{}, &store.Project{}, &store.Release{}))

	repositories, err := store.New(store.Config{Database: db, IDProvider: store.NewUUIDProvider()})
	require.NoError(t, err)

	client := &fakeClient{}
	registry := provider.NewRegistry(map[string]string{
		store.ProjectTypeGithub:       provider.AdapterGitHub,
		store.ProjectTypeGithubManual: provider.AdapterGitHub,
		store.ProjectTypeGitlab:       provider.AdapterGitLab,
	})
	registry.Register(provider.AdapterGitHub, client)
	registry.Register(provider.AdapterGitLab, client)

	mailer := &fakeMailer{}

	cfg := Config{
		Store:     repositories,
		Providers: registry,
		Mailer:    mailer,
		Ordering:  identityOrdering{},
	}
	if overrides != nil {
		overrides(&cfg)
	}

	syncEngine, err := New(cfg)
	require.NoError(t, err)

	return &harness{engine: syncEngine, store: repositories, client: client, mailer: mailer}
}

func (h *harness) addUser(t *testing.T, id, email, token string) store.User {
	t.Helper()
	user, err := h.store.AddUser(context.Background(), store.User{ID: id, Email: email, ProviderToken: token})
	require.NoError(t, err)
	return user
}

func (h *harness) addProject(t *testing.T, project store.Project) store.Project {
	t.Helper()
	created, err := h.store.AddProject(context.Background(), project)
	require.NoError(t, err)
	return created
}

func (h *harness) reloadProject(t *testing.T, id string) store.Project {
	t.Helper()
	project, err := h.store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return project
}

// markSynced advances a project's last successful sync marker so new
// releases are notification candidates.
func (h *harness) markSynced(t *testing.T, projectID string, at int64) {
	t.Helper()
	require.NoError(t, h.store.UpdateProject(context.Background(), projectID, store.ProjectUpdate{LastSuccessfulSyncAt: &at}))
}

// disable turns project notifications off.
func (h *harness) disable(t *testing.T, projectID string) {
	t.Helper()
	disabled := false
	require.NoError(t, h.store.UpdateProject(context.Background(), projectID, store.ProjectUpdate{Enabled: &disabled}))
}
