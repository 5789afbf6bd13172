package services

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nick1udwig/sitg/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Deadline-resolution outcomes, shared by the deadline-check endpoint and the
// background sweeper so the two callers can never diverge on policy.
const (
	DeadlineOutcomeNoop    = "NOOP"
	DeadlineOutcomeExempt  = "EXEMPT"
	DeadlineOutcomeClosePr = "CLOSE_PR"
)

// ChallengeWindow is how long a PR author has to verify before the PR closes.
const ChallengeWindow = 30 * time.Minute

// GateURL builds the human-facing gate page URL for a challenge token.
func GateURL(gateToken string) string {
	base := os.Getenv("APP_BASE_URL")
	if base == "" {
		base = "https://app.example.com"
	}
	return fmt.Sprintf("%s/g/%s", base, gateToken)
}

func GatingCommentMarkdown(gateURL string) string {
	return fmt.Sprintf(
		"This repository requires stake verification to keep this PR open.\n\nPlease verify within **30 minutes**:\n%s\n\nIf verification is not completed in time, this PR will be automatically closed.",
		gateURL)
}

func VerifiedCommentMarkdown() string {
	return "Stake verification complete. This PR will stay open."
}

func TimeoutCommentMarkdown() string {
	return "Stake verification was not completed within 30 minutes, so this PR has been closed."
}

// EnqueueBotAction inserts a bot action idempotently: a second enqueue with
// the same marker is silently absorbed, never a duplicate row or an error.
func EnqueueBotAction(db *gorm.DB, action *models.BotAction) error {
	action.Status = models.BotActionStatusPending
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(action).Error
}

// EnqueueGatingComment queues the "verify or be closed" comment for a challenge.
func EnqueueGatingComment(db *gorm.DB, challenge *models.Challenge) error {
	gateURL := GateURL(challenge.GateToken)
	payload, err := models.EncodeBotActionPayload(models.PostCommentPayload{
		CommentMarkdown: GatingCommentMarkdown(gateURL),
		GateURL:         gateURL,
	})
	if err != nil {
		return err
	}
	return EnqueueBotAction(db, &models.BotAction{
		ActionType:     models.BotActionTypePostComment,
		ChallengeId:    &challenge.Id,
		GithubRepoId:   challenge.GithubRepoId,
		GithubPrNumber: challenge.GithubPrNumber,
		InstallationId: challenge.InstallationId,
		Payload:        payload,
		Marker:         fmt.Sprintf("challenge:%s:gating-comment", challenge.Id),
	})
}

// EnqueueVerifiedComment queues the success comment after a confirmation.
func EnqueueVerifiedComment(db *gorm.DB, challenge *models.Challenge) error {
	payload, err := models.EncodeBotActionPayload(models.PostCommentPayload{
		CommentMarkdown: VerifiedCommentMarkdown(),
	})
	if err != nil {
		return err
	}
	return EnqueueBotAction(db, &models.BotAction{
		ActionType:     models.BotActionTypePostComment,
		ChallengeId:    &challenge.Id,
		GithubRepoId:   challenge.GithubRepoId,
		GithubPrNumber: challenge.GithubPrNumber,
		InstallationId: challenge.InstallationId,
		Payload:        payload,
		Marker:         fmt.Sprintf("challenge:%s:verified-comment", challenge.Id),
	})
}

func enqueueClosePr(db *gorm.DB, challenge *models.Challenge) error {
	payload, err := models.EncodeBotActionPayload(models.ClosePrPayload{
		CommentMarkdown: TimeoutCommentMarkdown(),
	})
	if err != nil {
		return err
	}
	return EnqueueBotAction(db, &models.BotAction{
		ActionType:     models.BotActionTypeClosePr,
		ChallengeId:    &challenge.Id,
		GithubRepoId:   challenge.GithubRepoId,
		GithubPrNumber: challenge.GithubPrNumber,
		InstallationId: challenge.InstallationId,
		Payload:        payload,
		Marker:         fmt.Sprintf("challenge:%s:close-pr", challenge.Id),
	})
}

// ResolveOverdueChallenge applies the deadline policy to one challenge:
// terminal states are left alone, a since-whitelisted author flips the
// challenge to EXEMPT, and an overdue PENDING challenge is closed out with a
// close-PR action. The status update is conditional on the row still being
// PENDING, so a concurrent confirm or sweep tick makes this a no-op.
func ResolveOverdueChallenge(db *gorm.DB, challenge *models.Challenge, source string) (string, error) {
	if challenge.Status == models.ChallengeStatusVerified || challenge.Status == models.ChallengeStatusExempt {
		return DeadlineOutcomeNoop, nil
	}
	if challenge.Status != models.ChallengeStatusPending {
		return DeadlineOutcomeNoop, nil
	}

	var whitelisted int64
	err := db.Model(&models.WhitelistEntry{}).
		Where("github_repo_id = ? AND github_user_id = ?", challenge.GithubRepoId, challenge.GithubPrAuthorId).
		Count(&whitelisted).Error
	if err != nil {
		return "", err
	}

	if whitelisted > 0 {
		res := db.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", challenge.Id, models.ChallengeStatusPending).
			Update("status", models.ChallengeStatusExempt)
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected == 0 {
			return DeadlineOutcomeNoop, nil
		}
		if err := recordSweepAudit(db, challenge.Id, models.ChallengeStatusExempt, source); err != nil {
			return "", err
		}
		return DeadlineOutcomeExempt, nil
	}

	if time.Now().Before(challenge.DeadlineAt) {
		return DeadlineOutcomeNoop, nil
	}

	res := db.Model(&models.Challenge{}).
		Where("id = ? AND status = ?", challenge.Id, models.ChallengeStatusPending).
		Update("status", models.ChallengeStatusTimedOutClosed)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return DeadlineOutcomeNoop, nil
	}

	if err := enqueueClosePr(db, challenge); err != nil {
		return "", err
	}
	if err := recordSweepAudit(db, challenge.Id, models.ChallengeStatusTimedOutClosed, source); err != nil {
		return "", err
	}
	return DeadlineOutcomeClosePr, nil
}

// SweepOverdueChallenges is the backstop: it finds overdue PENDING challenges
// (oldest deadline first, bounded batch) and resolves each inside its own
// transaction. Returns how many challenges transitioned.
func SweepOverdueChallenges(db *gorm.DB, batchSize int) (int, error) {
	var due []models.Challenge
	err := db.
		Where("status = ? AND deadline_at <= ?", models.ChallengeStatusPending, time.Now().UTC()).
		Order("deadline_at ASC").
		Limit(batchSize).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for i := range due {
		challenge := &due[i]
		err := db.Transaction(func(tx *gorm.DB) error {
			outcome, err := ResolveOverdueChallenge(tx, challenge, "deadline_sweeper")
			if err != nil {
				return err
			}
			if outcome != DeadlineOutcomeNoop {
				transitioned++
			}
			return nil
		})
		if err != nil {
			return transitioned, err
		}
	}
	return transitioned, nil
}

func recordSweepAudit(db *gorm.DB, challengeId, newStatus, source string) error {
	payload, err := json.Marshal(map[string]string{
		"source":     source,
		"new_status": newStatus,
	})
	if err != nil {
		return err
	}
	return db.Create(&models.AuditEvent{
		EventType:  models.AuditEventChallengeDeadlineSweep,
		EntityType: "challenge",
		EntityId:   challengeId,
		Payload:    datatypes.JSON(payload),
	}).Error
}

// RecordVerificationAudit logs a successful gate confirmation.
func RecordVerificationAudit(db *gorm.DB, challengeId, signerAddress string) error {
	payload, err := json.Marshal(map[string]string{
		"signer_address": signerAddress,
	})
	if err != nil {
		return err
	}
	return db.Create(&models.AuditEvent{
		EventType:  models.AuditEventChallengeVerified,
		EntityType: "challenge",
		EntityId:   challengeId,
		Payload:    datatypes.JSON(payload),
	}).Error
}
