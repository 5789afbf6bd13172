package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RepoConfig carries the gating policy for one repository. Rows are managed by
// the dashboard (out of scope here); this core only reads threshold_wei and
// draft_prs_gated when a PR event arrives.
type RepoConfig struct {
	GithubRepoId   int64     `json:"github_repo_id" gorm:"primaryKey;autoIncrement:false"`
	InstallationId int64     `json:"installation_id" gorm:"not null"`
	FullName       string    `json:"full_name" gorm:"not null"`
	DraftPrsGated  bool      `json:"draft_prs_gated"`
	ThresholdWei   string    `json:"threshold_wei" gorm:"type:numeric(38,0);not null"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r *RepoConfig) TableName() string { return "repo_configs" }

// WhitelistEntry exempts one GitHub user from gating on one repository.
type WhitelistEntry struct {
	Id           string    `json:"id" gorm:"primaryKey"`
	GithubRepoId int64     `json:"github_repo_id" gorm:"not null;index:idx_whitelist_repo_user,unique"`
	GithubUserId int64     `json:"github_user_id" gorm:"not null;index:idx_whitelist_repo_user,unique"`
	GithubLogin  string    `json:"github_login" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (w *WhitelistEntry) TableName() string { return "repo_whitelist" }

func (w *WhitelistEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if w.Id == "" {
		w.Id = uuid.NewString()
	}
	return
}
