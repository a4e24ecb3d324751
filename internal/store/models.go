package store

import "time"

// Project types. Auto-discovered projects carry ProjectTypeGithub; projects
// added by hand through the API carry ProjectTypeGithubManual or one of the
// other types.
const (
	ProjectTypeGithub       = "github"
	ProjectTypeGithubManual = "github_manual"
	ProjectTypeGitlab       = "gitlab"
	ProjectTypeWebsite      = "website"
)

// User is an account identified by an externally issued subject.
// ProviderToken may be empty, which disables starred-repo discovery.
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	Email         string    `gorm:"column:email;size:320;not null"`
	ProviderToken string    `gorm:"column:provider_token;size:190;not null;default:''"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Project is a tracked repository owned by exactly one user.
// LastSuccessfulSyncAt is epoch milliseconds, zero meaning never synced.
type Project struct {
	ID                   string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID               string `gorm:"column:user_id;size:190;not null;index"`
	Type                 string `gorm:"column:type;size:32;not null"`
	Name                 string `gorm:"column:name;size:190;not null"`
	Origin               string `gorm:"column:origin;size:512;not null;default:''"`
	Enabled              bool   `gorm:"column:enabled;not null;default:true"`
	LastSuccessfulSyncAt int64  `gorm:"column:last_successful_sync_at;not null;default:0"`
}

// TableName exposes the table backing projects.
func (Project) TableName() string {
	return "projects"
}

// Release is one upstream tag or release of a project, unique per
// (project, version). Notified flips false to true exactly once and is
// never reverted. CreatedAt is epoch milliseconds, zero when unknown.
type Release struct {
	ID         string `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID  string `gorm:"column:project_id;size:190;not null;index"`
	Version    string `gorm:"column:version;size:190;not null"`
	SHA        string `gorm:"column:sha;size:64;not null;default:''"`
	Body       string `gorm:"column:body;type:text;not null"`
	Prerelease bool   `gorm:"column:prerelease;not null;default:false"`
	CreatedAt  int64  `gorm:"column:created_at;not null;default:0"`
	Notified   bool   `gorm:"column:notified;not null;default:false;index"`
}

// TableName exposes the table backing releases.
func (Release) TableName() string {
	return "releases"
}
