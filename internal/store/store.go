package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	errMissingDatabase   = errors.New("store: database handle is required")
	errMissingIDProvider = errors.New("store: id provider is required")
	errMissingUserID     = errors.New("store: user identifier is required")
	errMissingProjectID  = errors.New("store: project identifier is required")
)

// IDProvider issues identifiers for newly created rows.
type IDProvider interface {
	NewID() (string, error)
}

// Config describes the dependencies of the store.
type Config struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store provides row-level access to users, projects and releases.
// Conflicting writes are serialized by the underlying database; callers
// must avoid concurrent writers to the same row.
type Store struct {
	db     *gorm.DB
	ids    IDProvider
	logger *zap.Logger
}

// New constructs the store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// ListUsers returns every registered user.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	return user, nil
}

// AddUser creates a user row. The caller supplies the externally issued id.
func (s *Store) AddUser(ctx context.Context, user User) (User, error) {
	if strings.TrimSpace(user.ID) == "" {
		return User{}, errMissingUserID
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, fmt.Errorf("store: add user: %w", err)
	}
	return user, nil
}

// UserUpdate carries the mutable user fields. Nil fields are left unchanged.
type UserUpdate struct {
	Email         *string
	ProviderToken *string
}

// UpdateUser applies a partial update to the user row.
func (s *Store) UpdateUser(ctx context.Context, userID string, update UserUpdate) error {
	updates := map[string]interface{}{}
	if update.Email != nil {
		updates["email"] = *update.Email
	}
	if update.ProviderToken != nil {
		updates["provider_token"] = *update.ProviderToken
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjects returns all projects of a user, least recently synced first
// so that a rate-limit ceiling hit partway through a sweep still gives every
// project a chance eventually.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_successful_sync_at ASC").
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return projects, nil
}

// ListProjectsByType returns the user's projects of one type.
func (s *Store) ListProjectsByType(ctx context.Context, userID, projectType string) ([]Project, error) {
	var projects []Project
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, projectType).
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("store: list projects by type: %w", err)
	}
	return projects, nil
}

// AddProject creates a project row, assigning its id and server defaults
// (enabled, never synced) and returns the stored row.
func (s *Store) AddProject(ctx context.Context, project Project) (Project, error) {
	if strings.TrimSpace(project.UserID) == "" {
		return Project{}, errMissingUserID
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Project{}, fmt.Errorf("store: add project: %w", err)
	}
	project.ID = id
	project.Enabled = true
	project.LastSuccessfulSyncAt = 0
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return Project{}, fmt.Errorf("store: add project: %w", err)
	}
	return project, nil
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("store: get project: %w", err)
	}
	return project, nil
}

// ProjectUpdate carries the mutable project fields. Nil fields are left unchanged.
type ProjectUpdate struct {
	Enabled              *bool
	LastSuccessfulSyncAt *int64
}

// UpdateProject applies a partial update to the project row.
func (s *Store) UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) error {
	updates := map[string]interface{}{}
	if update.Enabled != nil {
		updates["enabled"] = *update.Enabled
	}
	if update.LastSuccessfulSyncAt != nil {
		updates["last_successful_sync_at"] = *update.LastSuccessfulSyncAt
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&Project{}).Where("id = ?", projectID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveProject deletes the project together with its releases.
func (s *Store) RemoveProject(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProjectID
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Release{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", projectID).Delete(&Project{}).Error
	})
	if err != nil {
		return fmt.Errorf("store: remove project: %w", err)
	}
	return nil
}

// ListReleases returns all stored releases of a project.
func (s *Store) ListReleases(ctx context.Context, projectID string) ([]Release, error) {
	var releases []Release
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&releases).Error; err != nil {
		return nil, fmt.Errorf("store: list releases: %w", err)
	}
	return releases, nil
}

// AddRelease creates a release row, assigning its id, and returns the
// stored row. Rows are never overwritten; one row per distinct version.
func (s *Store) AddRelease(ctx context.Context, release Release) (Release, error) {
	if strings.TrimSpace(release.ProjectID) == "" {
		return Release{}, errMissingProjectID
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Release{}, fmt.Errorf("store: add release: %w", err)
	}
	release.ID = id
	if err := s.db.WithContext(ctx).Create(&release).Error; err != nil {
		return Release{}, fmt.Errorf("store: add release: %w", err)
	}
	return release, nil
}

// MarkReleaseNotified flips the notified flag. The flag is one-way; callers
// only invoke this after a confirmed delivery.
func (s *Store) MarkReleaseNotified(ctx context.Context, releaseID string) error {
	result := s.db.WithContext(ctx).Model(&Release{}).
		Where("id = ?", releaseID).
		Update("notified", true)
	if result.Error != nil {
		return fmt.Errorf("store: mark release notified: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingReleases returns every release across all projects that has
// not been notified yet.
func (s *Store) ListPendingReleases(ctx context.Context) ([]Release, error) {
	var releases []Release
	if err := s.db.WithContext(ctx).
		Where("notified = ?", false).
		Find(&releases).Error; err != nil {
		return nil, fmt.Errorf("store: list pending releases: %w", err)
	}
	return releases, nil
}
