package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	BotActionStatusPending = "PENDING"
	BotActionStatusClaimed = "CLAIMED"
	BotActionStatusDone    = "DONE"
	BotActionStatusFailed  = "FAILED"
)

const (
	BotActionTypePostComment = "post_comment"
	BotActionTypeClosePr     = "close_pr"
)

// BotAction is one unit of externally-executed work (posting a comment,
// closing a PR). Enqueueing is idempotent on Marker; the claim/result
// endpoints move it through PENDING -> CLAIMED -> DONE/FAILED, with
// retryable failures returning to PENDING.
type BotAction struct {
	Id             string         `json:"id" gorm:"primaryKey"`
	ActionType     string         `json:"action_type" gorm:"size:32;not null"`
	ChallengeId    *string        `json:"challenge_id" gorm:"index"`
	GithubRepoId   int64          `json:"github_repo_id" gorm:"not null"`
	GithubPrNumber int            `json:"github_pr_number" gorm:"not null"`
	InstallationId int64          `json:"installation_id" gorm:"not null;index"`
	Payload        datatypes.JSON `json:"payload"`
	Marker         string         `json:"-" gorm:"size:128;uniqueIndex;not null"`
	Status         string         `json:"status" gorm:"size:16;not null;index:idx_bot_actions_claim"`
	WorkerId       *string        `json:"worker_id"`
	Attempts       int            `json:"attempts" gorm:"not null;default:0"`
	FailureCode    *string        `json:"failure_code"`
	FailureReason  *string        `json:"failure_reason"`
	ClaimedAt      *time.Time     `json:"claimed_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	CreatedAt      time.Time      `json:"created_at" gorm:"index:idx_bot_actions_claim"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (a *BotAction) TableName() string { return "bot_actions" }

func (a *BotAction) BeforeCreate(tx *gorm.DB) (err error) {
	if a.Id == "" {
		a.Id = uuid.NewString()
	}
	return
}

// PostCommentPayload is the typed payload for BotActionTypePostComment.
type PostCommentPayload struct {
	CommentMarkdown string `json:"comment_markdown"`
	GateURL         string `json:"gate_url,omitempty"`
}

// ClosePrPayload is the typed payload for BotActionTypeClosePr.
type ClosePrPayload struct {
	CommentMarkdown string `json:"comment_markdown"`
}

// EncodeBotActionPayload serializes a typed payload for the JSON column.
// Keeping the payloads as named structs (rather than free maps) keeps
// worker-side dispatch exhaustive per action type.
func EncodeBotActionPayload(payload any) (datatypes.JSON, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode bot action payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}
