package controllers

import (
	"errors"
	"strings"
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

const walletLinkChallengeTTL = 10 * time.Minute

// Me returns the authenticated user's identity and active wallet, if any.
func Me(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	githubUserID, _ := c.Locals("githubUserID").(int64)
	githubLogin, _ := c.Locals("githubLogin").(string)

	resp := fiber.Map{
		"id":             userID,
		"github_user_id": githubUserID,
		"github_login":   githubLogin,
	}

	var link models.WalletLink
	err := database.DB.Where("user_id = ? AND unlinked_at IS NULL", userID).First(&link).Error
	if err == nil {
		resp["wallet_address"] = link.WalletAddress
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return c.JSON(resp)
}

// WalletLinkChallenge issues a single-use nonce and the canonical message the
// user must personal-sign to prove wallet ownership.
func WalletLinkChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	githubUserID, _ := c.Locals("githubUserID").(int64)

	nonce := uuid.NewString()
	expiresAt := time.Now().UTC().Add(walletLinkChallengeTTL)

	if err := database.DB.Create(&models.WalletLinkChallenge{
		UserId:    userID,
		Nonce:     nonce,
		ExpiresAt: expiresAt,
	}).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"nonce":      nonce,
		"expires_at": expiresAt,
		"message":    services.WalletLinkMessage(githubUserID, nonce, expiresAt),
	})
}

type walletLinkConfirmRequest struct {
	Nonce         string `json:"nonce" validate:"required,uuid4"`
	WalletAddress string `json:"wallet_address" validate:"required"`
	Signature     string `json:"signature" validate:"required"`
}

// WalletLinkConfirm verifies the personal-sign signature against the issued
// challenge and activates the link. Linking a new wallet replaces the user's
// previous link; a wallet already active on another user is rejected.
func WalletLinkConfirm(c *fiber.Ctx) error {
	var req walletLinkConfirmRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}

	userID, _ := c.Locals("userID").(string)
	githubUserID, _ := c.Locals("githubUserID").(int64)

	walletAddress, err := services.NormalizeWalletAddress(req.WalletAddress)
	if err != nil {
		return err
	}

	var challenge models.WalletLinkChallenge
	err = database.DB.
		Where("user_id = ? AND nonce = ? AND used_at IS NULL AND expires_at > ?",
			userID, req.Nonce, time.Now().UTC()).
		First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Conflict("WALLET_LINK_CHALLENGE_INVALID", "challenge is missing, used or expired")
		}
		return err
	}

	message := services.WalletLinkMessage(githubUserID, challenge.Nonce, challenge.ExpiresAt)
	signer, err := services.RecoverPersonalSign(message, req.Signature)
	if err != nil {
		return err
	}
	if signer != walletAddress {
		return utils.Conflict("SIGNER_MISMATCH", "signature was not produced by the submitted wallet")
	}

	now := time.Now().UTC()
	err = database.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WalletLinkChallenge{}).
			Where("id = ? AND used_at IS NULL", challenge.Id).
			Update("used_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.Conflict("WALLET_LINK_CHALLENGE_INVALID", "challenge already used")
		}

		if err := tx.Model(&models.WalletLink{}).
			Where("user_id = ? AND unlinked_at IS NULL", userID).
			Update("unlinked_at", now).Error; err != nil {
			return err
		}

		if err := tx.Create(&models.WalletLink{
			UserId:        userID,
			WalletAddress: walletAddress,
			ChainId:       services.ChainId(),
			LinkedAt:      now,
		}).Error; err != nil {
			if isUniqueViolation(err) {
				return utils.Conflict("WALLET_ALREADY_LINKED", "wallet is already linked to another account")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"wallet_address": walletAddress, "linked": true})
}

// WalletUnlink deactivates the user's link, unless the wallet still holds
// stake (unlinking then would orphan an enforced stake position).
func WalletUnlink(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)

	var link models.WalletLink
	err := database.DB.Where("user_id = ? AND unlinked_at IS NULL", userID).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return err
	}

	position, err := services.Stake.Position(c.Context(), link.WalletAddress)
	if err != nil {
		return err
	}
	if position.BalanceWei.Sign() > 0 {
		return utils.Conflict("WALLET_HAS_STAKE", "unstake before unlinking this wallet")
	}

	if err := database.DB.Model(&models.WalletLink{}).
		Where("id = ? AND unlinked_at IS NULL", link.Id).
		Update("unlinked_at", time.Now().UTC()).Error; err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// isUniqueViolation detects a unique-index conflict across the postgres
// driver (SQLSTATE 23505) and the sqlite driver used in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
