package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User mirrors a GitHub identity that has logged in through the dashboard.
type User struct {
	Id           string    `json:"id" gorm:"primaryKey"`
	GithubUserId int64     `json:"github_user_id" gorm:"uniqueIndex;not null"`
	GithubLogin  string    `json:"github_login" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (user *User) BeforeCreate(tx *gorm.DB) (err error) {
	if user.Id == "" {
		user.Id = uuid.NewString()
	}
	return
}

// WalletLink binds a user to a wallet address (lowercase hex). unlinked_at null
// means active; the partial unique index in database.AutoMigrate keeps one
// active link per wallet across all users.
type WalletLink struct {
	Id            string     `json:"id" gorm:"primaryKey"`
	UserId        string     `json:"user_id" gorm:"not null;index"`
	WalletAddress string     `json:"wallet_address" gorm:"size:42;not null"`
	ChainId       int64      `json:"chain_id" gorm:"not null"`
	LinkedAt      time.Time  `json:"linked_at"`
	UnlinkedAt    *time.Time `json:"unlinked_at"`
}

func (l *WalletLink) TableName() string { return "wallet_links" }

func (l *WalletLink) BeforeCreate(tx *gorm.DB) (err error) {
	if l.Id == "" {
		l.Id = uuid.NewString()
	}
	return
}

// WalletLinkChallenge is the single-use nonce a user signs (personal-sign) to
// prove wallet ownership before linking.
type WalletLinkChallenge struct {
	Id        string     `json:"id" gorm:"primaryKey"`
	UserId    string     `json:"user_id" gorm:"not null;index"`
	Nonce     string     `json:"nonce" gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null"`
	UsedAt    *time.Time `json:"used_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (c *WalletLinkChallenge) TableName() string { return "wallet_link_challenges" }

func (c *WalletLinkChallenge) BeforeCreate(tx *gorm.DB) (err error) {
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	return
}
