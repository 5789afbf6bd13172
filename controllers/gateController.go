package controllers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nick1udwig/sitg/database"
	"github.com/nick1udwig/sitg/middlewares"
	"github.com/nick1udwig/sitg/models"
	"github.com/nick1udwig/sitg/services"
	"github.com/nick1udwig/sitg/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GetGate returns the public challenge summary for the gate page.
func GetGate(c *fiber.Ctx) error {
	challenge, err := findChallengeByToken(c.Params("gateToken"))
	if err != nil {
		return err
	}

	threshold, _ := utils.ParseWei(challenge.ThresholdWeiSnapshot)
	resp := fiber.Map{
		"challenge_id":           challenge.Id,
		"status":                 challenge.Status,
		"github_repo_id":         challenge.GithubRepoId,
		"github_repo_full_name":  challenge.GithubRepoFullName,
		"github_pr_number":       challenge.GithubPrNumber,
		"github_pr_author_login": challenge.GithubPrAuthorLogin,
		"head_sha":               challenge.HeadSha,
		"deadline_at":            challenge.DeadlineAt,
		"threshold_wei":          challenge.ThresholdWeiSnapshot,
	}
	if threshold != nil {
		resp["threshold_eth"] = utils.WeiToEthString(threshold)
	}
	return c.JSON(resp)
}

// GetConfirmTypedData returns the exact EIP-712 payload the PR author must
// sign. Only the recorded PR author may fetch it.
func GetConfirmTypedData(c *fiber.Ctx) error {
	challenge, err := findChallengeByToken(c.Params("gateToken"))
	if err != nil {
		return err
	}
	if err := requireChallengeAuthor(c, challenge); err != nil {
		return err
	}

	if challenge.Status != models.ChallengeStatusPending {
		return utils.Conflict("CHALLENGE_NOT_PENDING", "challenge is no longer pending")
	}

	nonce, err := findUnusedNonce(challenge.Id)
	if err != nil {
		return err
	}
	if nonce == nil {
		return utils.Conflict("NONCE_INVALID", "no active nonce for this challenge")
	}

	fields, err := confirmationFields(challenge, nonce)
	if err != nil {
		return err
	}
	return c.JSON(services.ConfirmationTypedData(fields))
}

type confirmRequest struct {
	Signature string `json:"signature" validate:"required"`
}

// PostConfirm runs the signature-gated verification flow. Re-confirming an
// already VERIFIED challenge succeeds idempotently.
func PostConfirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	challenge, err := findChallengeByToken(c.Params("gateToken"))
	if err != nil {
		return err
	}
	if err := requireChallengeAuthor(c, challenge); err != nil {
		return err
	}

	if challenge.Status == models.ChallengeStatusVerified {
		return c.JSON(fiber.Map{"status": models.ChallengeStatusVerified})
	}
	if challenge.Status != models.ChallengeStatusPending {
		return utils.Conflict("CHALLENGE_NOT_PENDING", "challenge is no longer pending")
	}

	now := time.Now().UTC()
	if now.After(challenge.DeadlineAt) {
		return utils.Conflict("CHALLENGE_EXPIRED", "the verification window has passed")
	}

	nonce, err := findUnusedNonce(challenge.Id)
	if err != nil {
		return err
	}
	if nonce == nil {
		return utils.Conflict("NONCE_INVALID", "no active nonce for this challenge")
	}
	if now.After(nonce.ExpiresAt) {
		return utils.Conflict("CHALLENGE_EXPIRED", "the verification window has passed")
	}

	userID, _ := c.Locals("userID").(string)
	var link models.WalletLink
	err = database.DB.
		Where("user_id = ? AND unlinked_at IS NULL", userID).
		First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Conflict("WALLET_NOT_LINKED", "link a wallet before confirming")
		}
		return err
	}

	fields, err := confirmationFields(challenge, nonce)
	if err != nil {
		return err
	}
	signer, err := services.RecoverConfirmationTypedData(fields, req.Signature)
	if err != nil {
		return err
	}
	if signer != link.WalletAddress {
		return utils.Conflict("SIGNER_MISMATCH", "signature was not produced by the linked wallet")
	}

	position, err := services.Stake.Position(c.Context(), signer)
	if err != nil {
		return err
	}
	threshold, ok := utils.ParseWei(challenge.ThresholdWeiSnapshot)
	if !ok {
		return utils.Internal("challenge threshold snapshot is malformed")
	}
	if position.BalanceWei.Cmp(threshold) < 0 {
		return utils.Conflict("INSUFFICIENT_STAKE", "staked balance is below the repository threshold")
	}
	if !position.UnlockAt.After(now) {
		return utils.Conflict("LOCK_INACTIVE", "stake lock has already expired")
	}

	typedDataSnapshot, err := json.Marshal(services.ConfirmationTypedData(fields))
	if err != nil {
		return err
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		// Consuming the nonce is the serialization point: of two concurrent
		// confirms, exactly one flips used_at and proceeds.
		res := tx.Model(&models.ChallengeNonce{}).
			Where("nonce = ? AND used_at IS NULL AND expires_at > ?", nonce.Nonce, now).
			Update("used_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.Conflict("NONCE_INVALID", "nonce already consumed")
		}

		if err := tx.Create(&models.PRConfirmation{
			ChallengeId:   challenge.Id,
			Signature:     req.Signature,
			SignerAddress: signer,
			TypedData:     datatypes.JSON(typedDataSnapshot),
		}).Error; err != nil {
			return err
		}

		res = tx.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", challenge.Id, models.ChallengeStatusPending).
			Updates(map[string]any{
				"status":               models.ChallengeStatusVerified,
				"verified_wallet_addr": signer,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.Conflict("CHALLENGE_NOT_PENDING", "challenge is no longer pending")
		}

		if err := services.EnqueueVerifiedComment(tx, challenge); err != nil {
			return err
		}
		return services.RecordVerificationAudit(tx, challenge.Id, signer)
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"status": models.ChallengeStatusVerified})
}

func findChallengeByToken(gateToken string) (*models.Challenge, error) {
	var challenge models.Challenge
	err := database.DB.Where("gate_token = ?", gateToken).First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFound()
		}
		return nil, err
	}
	return &challenge, nil
}

// findUnusedNonce returns (nil, nil) when no unused nonce exists; callers turn
// that into their taxonomy code. Database failures pass through untouched.
func findUnusedNonce(challengeId string) (*models.ChallengeNonce, error) {
	var nonce models.ChallengeNonce
	err := database.DB.
		Where("challenge_id = ? AND used_at IS NULL", challengeId).
		First(&nonce).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &nonce, nil
}

// requireChallengeAuthor rejects anyone but the PR author recorded on the
// challenge; an observer can look at a gate but never confirm someone else's PR.
func requireChallengeAuthor(c *fiber.Ctx, challenge *models.Challenge) error {
	githubUserID, _ := c.Locals("githubUserID").(int64)
	if githubUserID == 0 || githubUserID != challenge.GithubPrAuthorId {
		return utils.Forbidden()
	}
	return nil
}

func confirmationFields(challenge *models.Challenge, nonce *models.ChallengeNonce) (services.ConfirmationFields, error) {
	challengeUUID, err := uuid.Parse(challenge.Id)
	if err != nil {
		return services.ConfirmationFields{}, utils.Internal("challenge id is not a UUID")
	}
	nonceUUID, err := uuid.Parse(nonce.Nonce)
	if err != nil {
		return services.ConfirmationFields{}, utils.Internal("nonce is not a UUID")
	}
	return services.ConfirmationFields{
		GithubUserId:      challenge.GithubPrAuthorId,
		GithubRepoId:      challenge.GithubRepoId,
		PullRequestNumber: challenge.GithubPrNumber,
		HeadSha:           challenge.HeadSha,
		ChallengeId:       challengeUUID,
		Nonce:             nonceUUID,
		ExpiresAt:         challenge.DeadlineAt.Unix(),
	}, nil
}
