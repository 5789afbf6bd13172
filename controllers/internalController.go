package controllers

import (
	"errors"
	"time"

	"github.com/nick1udwig/sitg/database"
	"github.com/nick1udwig/sitg/middlewares"
	"github.com/nick1udwig/sitg/models"
	"github.com/nick1udwig/sitg/services"
	"github.com/nick1udwig/sitg/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type prEventRepository struct {
	Id       int64  `json:"id" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
}

type prEventPullRequest struct {
	Id          int64  `json:"id" validate:"required"`
	Number      int    `json:"number" validate:"required"`
	AuthorId    int64  `json:"author_id" validate:"required"`
	AuthorLogin string `json:"author_login" validate:"required"`
	HeadSha     string `json:"head_sha" validate:"required"`
	IsDraft     bool   `json:"is_draft"`
}

type prEventRequest struct {
	DeliveryId     string             `json:"delivery_id" validate:"required"`
	InstallationId int64              `json:"installation_id" validate:"required"`
	Action         string             `json:"action" validate:"required"`
	Repository     prEventRepository  `json:"repository" validate:"required"`
	PullRequest    prEventPullRequest `json:"pull_request" validate:"required"`
	EventTime      time.Time          `json:"event_time" validate:"required"`
}

// IngestPrEvent runs the challenge-creation path for one qualifying PR event.
// Returns ACCEPTED (new challenge), DUPLICATE (active challenge already
// covers this PR), or IGNORED (repo not gated for this event).
func IngestPrEvent(c *fiber.Ctx) error {
	var req prEventRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	auth, err := services.AuthenticateInternal(c, database.DB, services.PrEventMessage(req.DeliveryId))
	if err != nil {
		return err
	}
	if err := services.EnsureInstallationBound(database.DB, auth.BotClientId, req.InstallationId); err != nil {
		return err
	}

	var config models.RepoConfig
	err = database.DB.Where("github_repo_id = ?", req.Repository.Id).First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"status": "IGNORED", "reason": "REPO_NOT_CONFIGURED"})
		}
		return err
	}

	if req.PullRequest.IsDraft && !config.DraftPrsGated {
		return c.JSON(fiber.Map{"status": "IGNORED", "reason": "DRAFT_NOT_GATED"})
	}

	var whitelisted int64
	err = database.DB.Model(&models.WhitelistEntry{}).
		Where("github_repo_id = ? AND github_user_id = ?", req.Repository.Id, req.PullRequest.AuthorId).
		Count(&whitelisted).Error
	if err != nil {
		return err
	}
	if whitelisted > 0 {
		return c.JSON(fiber.Map{"status": "IGNORED", "reason": "AUTHOR_WHITELISTED"})
	}

	existing, err := findActiveChallenge(req.Repository.Id, req.PullRequest.Number)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == models.ChallengeStatusVerified {
			return c.JSON(fiber.Map{
				"status":       "DUPLICATE",
				"reason":       "ALREADY_VERIFIED",
				"challenge_id": existing.Id,
			})
		}
		// Still PENDING (or EXEMPT): re-enqueue is absorbed by the marker.
		if existing.Status == models.ChallengeStatusPending {
			if err := services.EnqueueGatingComment(database.DB, existing); err != nil {
				return err
			}
		}
		return c.JSON(fiber.Map{
			"status":       "DUPLICATE",
			"challenge_id": existing.Id,
			"gate_url":     services.GateURL(existing.GateToken),
		})
	}

	challenge := models.Challenge{
		GateToken:            utils.BuildToken(24),
		GithubRepoId:         req.Repository.Id,
		GithubRepoFullName:   req.Repository.FullName,
		GithubPrNumber:       req.PullRequest.Number,
		GithubPrAuthorId:     req.PullRequest.AuthorId,
		GithubPrAuthorLogin:  req.PullRequest.AuthorLogin,
		HeadSha:              req.PullRequest.HeadSha,
		ThresholdWeiSnapshot: config.ThresholdWei,
		DraftAtCreation:      req.PullRequest.IsDraft,
		DeadlineAt:           req.EventTime.UTC().Add(services.ChallengeWindow),
		Status:               models.ChallengeStatusPending,
		BotClientId:          &auth.BotClientId,
		InstallationId:       req.InstallationId,
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&challenge).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.ChallengeNonce{
			Nonce:       uuid.NewString(),
			ChallengeId: challenge.Id,
			ExpiresAt:   challenge.DeadlineAt,
		}).Error; err != nil {
			return err
		}
		return services.EnqueueGatingComment(tx, &challenge)
	})
	if err != nil {
		// A concurrent delivery may have won the active-challenge unique
		// index; if a row is there now, report the duplicate instead.
		if racing, raceErr := findActiveChallenge(req.Repository.Id, req.PullRequest.Number); raceErr == nil && racing != nil {
			return c.JSON(fiber.Map{
				"status":       "DUPLICATE",
				"challenge_id": racing.Id,
				"gate_url":     services.GateURL(racing.GateToken),
			})
		}
		return err
	}

	return c.JSON(fiber.Map{
		"status":       "ACCEPTED",
		"challenge_id": challenge.Id,
		"gate_url":     services.GateURL(challenge.GateToken),
		"deadline_at":  challenge.DeadlineAt,
	})
}

// DeadlineCheck applies the shared deadline policy to one challenge on demand.
// The sweeper applies the identical logic on its own schedule.
func DeadlineCheck(c *fiber.Ctx) error {
	challengeId := c.Params("challengeID")

	auth, err := services.AuthenticateInternal(c, database.DB, services.DeadlineCheckMessage(challengeId))
	if err != nil {
		return err
	}

	var challenge models.Challenge
	err = database.DB.Where("id = ?", challengeId).First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.NotFound()
		}
		return err
	}
	if err := services.EnsureInstallationBound(database.DB, auth.BotClientId, challenge.InstallationId); err != nil {
		return err
	}

	var outcome string
	err = database.DB.Transaction(func(tx *gorm.DB) error {
		outcome, err = services.ResolveOverdueChallenge(tx, &challenge, "deadline_check")
		return err
	})
	if err != nil {
		return err
	}

	resp := fiber.Map{"action": outcome}
	if outcome == services.DeadlineOutcomeClosePr {
		resp["close"] = fiber.Map{
			"github_repo_id":   challenge.GithubRepoId,
			"github_pr_number": challenge.GithubPrNumber,
			"comment_markdown": services.TimeoutCommentMarkdown(),
		}
	}
	return c.JSON(resp)
}

type claimRequest struct {
	WorkerId string `json:"worker_id" validate:"required"`
	Limit    int    `json:"limit"`
}

const (
	claimDefaultLimit = 25
	claimMaxLimit     = 100
)

// ClaimBotActions atomically hands up to N pending actions to one worker.
// The claim update is conditional on status, so two workers polling at once
// partition the pending set with no overlap.
func ClaimBotActions(c *fiber.Ctx) error {
	var req claimRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	auth, err := services.AuthenticateInternal(c, database.DB, services.ClaimMessage(req.WorkerId))
	if err != nil {
		return err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = claimDefaultLimit
	}
	if limit > claimMaxLimit {
		limit = claimMaxLimit
	}

	var claimed []models.BotAction
	err = database.DB.Transaction(func(tx *gorm.DB) error {
		var candidateIds []string
		err := tx.Model(&models.BotAction{}).
			Where("status = ?", models.BotActionStatusPending).
			Where("installation_id IN (SELECT installation_id FROM bot_installation_bindings WHERE bot_client_id = ?)", auth.BotClientId).
			Order("created_at ASC").
			Limit(limit).
			Pluck("id", &candidateIds).Error
		if err != nil {
			return err
		}
		if len(candidateIds) == 0 {
			return nil
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.BotAction{}).
			Where("id IN ? AND status = ?", candidateIds, models.BotActionStatusPending).
			Updates(map[string]any{
				"status":     models.BotActionStatusClaimed,
				"worker_id":  req.WorkerId,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}

		// Rows a concurrent claimant took first no longer match worker_id.
		return tx.
			Where("id IN ? AND status = ? AND worker_id = ?", candidateIds, models.BotActionStatusClaimed, req.WorkerId).
			Order("created_at ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return err
	}

	actions := make([]fiber.Map, 0, len(claimed))
	for _, a := range claimed {
		actions = append(actions, fiber.Map{
			"id":               a.Id,
			"action_type":      a.ActionType,
			"challenge_id":     a.ChallengeId,
			"github_repo_id":   a.GithubRepoId,
			"github_pr_number": a.GithubPrNumber,
			"installation_id":  a.InstallationId,
			"payload":          a.Payload,
			"attempts":         a.Attempts,
		})
	}
	return c.JSON(fiber.Map{"actions": actions})
}

type resultRequest struct {
	WorkerId      string `json:"worker_id" validate:"required"`
	Outcome       string `json:"outcome" validate:"required,oneof=success retryable-failure failure"`
	FailureCode   string `json:"failure_code"`
	FailureReason string `json:"failure_reason"`
}

// ReportBotActionResult applies a worker's outcome for an action it holds.
// Every update is conditional on (CLAIMED, this worker, bound installation);
// zero affected rows means the worker never held the action.
func ReportBotActionResult(c *fiber.Ctx) error {
	actionId := c.Params("actionID")

	var req resultRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	auth, err := services.AuthenticateInternal(c, database.DB,
		services.ResultMessage(actionId, req.WorkerId, req.Outcome))
	if err != nil {
		return err
	}

	var action models.BotAction
	err = database.DB.Where("id = ?", actionId).First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.NotFound()
		}
		return err
	}

	now := time.Now().UTC()
	var updates map[string]any
	switch req.Outcome {
	case "success":
		updates = map[string]any{
			"status":         models.BotActionStatusDone,
			"completed_at":   now,
			"failure_code":   nil,
			"failure_reason": nil,
		}
	case "retryable-failure":
		// Back to PENDING with ownership cleared; attempts already counted
		// at claim time, so the retry history survives.
		updates = map[string]any{
			"status":         models.BotActionStatusPending,
			"worker_id":      nil,
			"claimed_at":     nil,
			"failure_code":   orNil(req.FailureCode),
			"failure_reason": orNil(req.FailureReason),
		}
	case "failure":
		updates = map[string]any{
			"status":         models.BotActionStatusFailed,
			"completed_at":   now,
			"failure_code":   orNil(req.FailureCode),
			"failure_reason": orNil(req.FailureReason),
		}
	}

	res := database.DB.Model(&models.BotAction{}).
		Where("id = ? AND status = ? AND worker_id = ?", actionId, models.BotActionStatusClaimed, req.WorkerId).
		Where("installation_id IN (SELECT installation_id FROM bot_installation_bindings WHERE bot_client_id = ?)", auth.BotClientId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.Conflict("BOT_ACTION_NOT_CLAIMED_BY_WORKER", "action is not claimed by this worker")
	}

	return c.JSON(fiber.Map{"status": "OK"})
}

func findActiveChallenge(repoId int64, prNumber int) (*models.Challenge, error) {
	var challenge models.Challenge
	err := database.DB.
		Where("github_repo_id = ? AND github_pr_number = ?", repoId, prNumber).
		Where("status IN ?", []string{
			models.ChallengeStatusPending,
			models.ChallengeStatusVerified,
			models.ChallengeStatusExempt,
		}).
		First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &challenge, nil
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
