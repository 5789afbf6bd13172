package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/nick1udwig/sitg/models"
	"github.com/nick1udwig/sitg/utils"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Internal-auth header names. All three must be present on every /internal request.
const (
	HeaderKeyId     = "X-Sitg-Key-Id"
	HeaderTimestamp = "X-Sitg-Timestamp"
	HeaderSignature = "X-Sitg-Signature"
)

// maxClockSkew bounds how far a request timestamp may drift from server time.
const maxClockSkew = 300 * time.Second

// hkdfSalt versions the key derivation. Bumping it invalidates every stored key.
var hkdfSalt = []byte("sitg-bot-key-v1")

// InternalAuthContext is the result of a successful HMAC verification: the
// authenticated tenant plus the raw signature needed for replay registration.
type InternalAuthContext struct {
	BotClientId  string
	KeyId        string
	Timestamp    int64
	SignatureHex string
}

// DeriveBotKeySecret derives the stored (and signing) HMAC key from a raw
// secret. Issuance stores this; clients derive the identical value before
// signing, so the plaintext secret never persists anywhere.
func DeriveBotKeySecret(keyId string, rawSecret string) string {
	r := hkdf.New(sha256.New, []byte(rawSecret), hkdfSalt, []byte(keyId))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(r, derived); err != nil {
		panic(err) // hkdf with sha256 cannot fail before 255*32 bytes
	}
	return hex.EncodeToString(derived)
}

// SignInternalRequest computes the HMAC-SHA256 hex signature a client sends
// for (timestamp, message) under the derived key.
func SignInternalRequest(derivedSecretHex string, timestamp int64, message string) (string, error) {
	key, err := hex.DecodeString(derivedSecretHex)
	if err != nil {
		return "", fmt.Errorf("derived secret is not hex: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d.%s", timestamp, message)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyInternalRequest authenticates one service-to-service request.
// Every failure surfaces as an indistinguishable Forbidden so callers cannot
// probe which of key, timestamp or signature was wrong.
func VerifyInternalRequest(db *gorm.DB, keyId, timestampStr, signatureHeader, message string) (*InternalAuthContext, error) {
	timestamp, err := strconv.ParseInt(strings.TrimSpace(timestampStr), 10, 64)
	if err != nil {
		return nil, utils.Forbidden()
	}
	skew := time.Since(time.Unix(timestamp, 0))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return nil, utils.Forbidden()
	}

	// Lowercase before anything else: hex decoding is case-insensitive, and
	// the replay gate must see one canonical string per signature value.
	signatureHex := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signatureHeader)), "sha256=")
	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) == 0 {
		return nil, utils.Forbidden()
	}

	var key models.BotClientKey
	err = db.
		Joins("JOIN bot_clients ON bot_clients.id = bot_client_keys.bot_client_id").
		Where("bot_client_keys.key_id = ?", keyId).
		Where("bot_client_keys.active = ?", true).
		Where("bot_client_keys.revoked_at IS NULL").
		Where("bot_clients.status = ?", models.BotClientStatusActive).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Forbidden()
		}
		return nil, err
	}

	secret, err := hex.DecodeString(key.SecretHashed)
	if err != nil {
		return nil, utils.Forbidden()
	}
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.%s", timestamp, message)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return nil, utils.Forbidden()
	}

	// Fire-and-forget: last_used is informational, not load-bearing.
	now := time.Now().UTC()
	if err := db.Model(&models.BotClientKey{}).Where("key_id = ?", keyId).
		Update("last_used_at", now).Error; err != nil {
		log.Printf("bot key last_used update failed: %v", err)
	}

	return &InternalAuthContext{
		BotClientId:  key.BotClientId,
		KeyId:        key.KeyId,
		Timestamp:    timestamp,
		SignatureHex: signatureHex,
	}, nil
}

// RegisterReplay registers an accepted signature value; the unique insert is
// the replay gate. A conflicting insert means this exact signature was already
// accepted once, so the request is rejected even though the HMAC was valid.
// Two concurrent duplicates race on the insert and exactly one wins.
func RegisterReplay(db *gorm.DB, auth *InternalAuthContext) error {
	record := models.ReplayRecord{
		Signature:   auth.SignatureHex,
		BotClientId: auth.BotClientId,
		SeenAt:      time.Now().UTC(),
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.Forbidden()
	}
	return nil
}

// AuthenticateInternal runs HMAC verification plus the mandatory replay
// registration for one request, reading the auth headers off the context.
func AuthenticateInternal(c *fiber.Ctx, db *gorm.DB, message string) (*InternalAuthContext, error) {
	auth, err := VerifyInternalRequest(db,
		c.Get(HeaderKeyId), c.Get(HeaderTimestamp), c.Get(HeaderSignature), message)
	if err != nil {
		return nil, err
	}
	if err := RegisterReplay(db, auth); err != nil {
		return nil, err
	}
	return auth, nil
}

// EnsureInstallationBound confirms the tenant may act for this installation.
func EnsureInstallationBound(db *gorm.DB, botClientId string, installationId int64) error {
	var count int64
	err := db.Model(&models.InstallationBinding{}).
		Where("bot_client_id = ? AND installation_id = ?", botClientId, installationId).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return utils.Forbidden()
	}
	return nil
}

// Signed-message builders. Binding the message to the endpoint and its key
// parameters prevents a signature captured on one endpoint from being replayed
// against another.

func PrEventMessage(deliveryId string) string {
	return "github-event:pull_request:" + deliveryId
}

func DeadlineCheckMessage(challengeId string) string {
	return "challenge-deadline-check:" + challengeId
}

func ClaimMessage(workerId string) string {
	return "bot-actions-claim:" + workerId
}

func ResultMessage(actionId, workerId, outcome string) string {
	return fmt.Sprintf("bot-action-result:%s:%s:%s", actionId, workerId, outcome)
}
