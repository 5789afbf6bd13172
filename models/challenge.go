package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Challenge statuses. PENDING is the only non-terminal state.
const (
	ChallengeStatusPending        = "PENDING"
	ChallengeStatusVerified       = "VERIFIED"
	ChallengeStatusExempt         = "EXEMPT"
	ChallengeStatusTimedOutClosed = "TIMED_OUT_CLOSED"
)

// Challenge gates one pull request behind stake verification. At most one
// active (PENDING/VERIFIED/EXEMPT) row may exist per (repo, PR number); the
// partial unique index in database.AutoMigrate enforces this.
type Challenge struct {
	Id                   string     `json:"id" gorm:"primaryKey"`
	GateToken            string     `json:"gate_token" gorm:"size:64;uniqueIndex;not null"`
	GithubRepoId         int64      `json:"github_repo_id" gorm:"not null;index:idx_challenges_repo_pr"`
	GithubRepoFullName   string     `json:"github_repo_full_name" gorm:"not null"`
	GithubPrNumber       int        `json:"github_pr_number" gorm:"not null;index:idx_challenges_repo_pr"`
	GithubPrAuthorId     int64      `json:"github_pr_author_id" gorm:"not null"`
	GithubPrAuthorLogin  string     `json:"github_pr_author_login" gorm:"not null"`
	HeadSha              string     `json:"head_sha" gorm:"not null"`
	ThresholdWeiSnapshot string     `json:"threshold_wei_snapshot" gorm:"type:numeric(38,0);not null"`
	DraftAtCreation      bool       `json:"draft_at_creation"`
	DeadlineAt           time.Time  `json:"deadline_at" gorm:"not null;index"`
	Status               string     `json:"status" gorm:"size:20;not null;index"`
	VerifiedWalletAddr   *string    `json:"verified_wallet_address"`
	BotClientId          *string    `json:"-" gorm:"index"`
	InstallationId       int64      `json:"-"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (c *Challenge) TableName() string { return "pr_challenges" }

func (c *Challenge) BeforeCreate(tx *gorm.DB) (err error) {
	if c.Id == "" {
		c.Id = uuid.NewString()
	}
	return
}

// ChallengeNonce is the single-use value bound into the signed EIP-712 payload.
// used_at flips from null exactly once; the conditional update in the confirm
// path is what serializes concurrent confirmation attempts.
type ChallengeNonce struct {
	Nonce       string     `json:"nonce" gorm:"primaryKey"`
	ChallengeId string     `json:"challenge_id" gorm:"not null;index"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null"`
	UsedAt      *time.Time `json:"used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (n *ChallengeNonce) TableName() string { return "challenge_nonces" }

// PRConfirmation records a successful verification: the raw signature, the
// recovered signer and a snapshot of the typed data that was signed.
type PRConfirmation struct {
	Id            string         `json:"id" gorm:"primaryKey"`
	ChallengeId   string         `json:"challenge_id" gorm:"uniqueIndex;not null"`
	Signature     string         `json:"signature" gorm:"not null"`
	SignerAddress string         `json:"signer_address" gorm:"not null"`
	TypedData     datatypes.JSON `json:"typed_data"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (p *PRConfirmation) TableName() string { return "pr_confirmations" }

func (p *PRConfirmation) BeforeCreate(tx *gorm.DB) (err error) {
	if p.Id == "" {
		p.Id = uuid.NewString()
	}
	return
}
