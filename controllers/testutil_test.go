package controllers_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nick1udwig/sitg/database"
	"github.com/nick1udwig/sitg/middlewares"
	"github.com/nick1udwig/sitg/models"
	"github.com/nick1udwig/sitg/routes"
	"github.com/nick1udwig/sitg/services"
	"github.com/nick1udwig/sitg/utils"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupApp wires a full application against an isolated in-memory database
// and a generous default stake stub. Tests override services.Stake as needed.
func setupApp(t *testing.T) *fiber.App {
	t.Helper()
	t.Setenv("SESSION_JWT_SECRET", "test-session-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	database.DB = db
	require.NoError(t, database.AutoMigrate())

	services.Stake = &stubStake{
		balance: mustWei(t, "10000000000000000000"), // 10 ETH
		unlock:  time.Now().Add(90 * 24 * time.Hour),
	}

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	routes.Register(app)
	return app
}

type stubStake struct {
	balance *big.Int
	unlock  time.Time
	err     error
}

func (s *stubStake) Position(ctx context.Context, walletAddress string) (*services.StakePosition, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &services.StakePosition{BalanceWei: s.balance, UnlockAt: s.unlock}, nil
}

func mustWei(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := utils.ParseWei(s)
	require.True(t, ok)
	return v
}

// doJSON performs one request and decodes the JSON response body.
func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// seedUser creates a user row and a valid session token for it.
func seedUser(t *testing.T, githubUserId int64, login string) (*models.User, string) {
	t.Helper()
	user := models.User{GithubUserId: githubUserId, GithubLogin: login}
	require.NoError(t, database.DB.Create(&user).Error)
	token, err := middlewares.GenerateSessionJWT(user.Id, githubUserId, login)
	require.NoError(t, err)
	return &user, "Bearer " + token
}

// newWallet generates a key pair and returns the key plus the lowercase address.
func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func linkWallet(t *testing.T, userId, walletAddress string) {
	t.Helper()
	require.NoError(t, database.DB.Create(&models.WalletLink{
		UserId:        userId,
		WalletAddress: walletAddress,
		ChainId:       services.ChainId(),
		LinkedAt:      time.Now().UTC(),
	}).Error)
}

type httpTenant struct {
	BotClientId   string
	KeyId         string
	DerivedSecret string
}

// seedHTTPTenant creates an authorized bot client bound to installationId.
func seedHTTPTenant(t *testing.T, installationId int64) httpTenant {
	t.Helper()
	client := models.BotClient{Name: "ci-bot", Status: models.BotClientStatusActive}
	require.NoError(t, database.DB.Create(&client).Error)

	keyId := "key-" + uuid.NewString()[:8]
	derived := services.DeriveBotKeySecret(keyId, "raw-"+uuid.NewString())
	require.NoError(t, database.DB.Create(&models.BotClientKey{
		KeyId:        keyId,
		BotClientId:  client.Id,
		SecretHashed: derived,
		Active:       true,
	}).Error)
	require.NoError(t, database.DB.Create(&models.InstallationBinding{
		BotClientId:    client.Id,
		InstallationId: installationId,
	}).Error)

	return httpTenant{BotClientId: client.Id, KeyId: keyId, DerivedSecret: derived}
}

// internalHeaders signs message for the tenant at the current time.
func internalHeaders(t *testing.T, tenant httpTenant, message string) map[string]string {
	t.Helper()
	ts := time.Now().Unix()
	sig, err := services.SignInternalRequest(tenant.DerivedSecret, ts, message)
	require.NoError(t, err)
	return map[string]string{
		services.HeaderKeyId:     tenant.KeyId,
		services.HeaderTimestamp: strconv.FormatInt(ts, 10),
		services.HeaderSignature: sig,
	}
}

func seedRepoConfig(t *testing.T, repoId, installationId int64, thresholdWei string, draftGated bool) {
	t.Helper()
	require.NoError(t, database.DB.Create(&models.RepoConfig{
		GithubRepoId:   repoId,
		InstallationId: installationId,
		FullName:       "acme/widgets",
		DraftPrsGated:  draftGated,
		ThresholdWei:   thresholdWei,
	}).Error)
}

// seedGatedChallenge creates a PENDING challenge and its unused nonce.
func seedGatedChallenge(t *testing.T, authorId int64, deadline time.Time) (*models.Challenge, *models.ChallengeNonce) {
	t.Helper()
	challenge := models.Challenge{
		GateToken:            utils.BuildToken(24),
		GithubRepoId:         4242,
		GithubRepoFullName:   "acme/widgets",
		GithubPrNumber:       7,
		GithubPrAuthorId:     authorId,
		GithubPrAuthorLogin:  "contributor",
		HeadSha:              "a1b2c3d4e5",
		ThresholdWeiSnapshot: "1000000000000000000", // 1 ETH
		DeadlineAt:           deadline,
		Status:               models.ChallengeStatusPending,
		InstallationId:       555,
	}
	require.NoError(t, database.DB.Create(&challenge).Error)

	nonce := models.ChallengeNonce{
		Nonce:       uuid.NewString(),
		ChallengeId: challenge.Id,
		ExpiresAt:   deadline,
	}
	require.NoError(t, database.DB.Create(&nonce).Error)
	return &challenge, &nonce
}

// signConfirmation produces the EIP-712 signature the confirm endpoint expects.
func signConfirmation(t *testing.T, key *ecdsa.PrivateKey, challenge *models.Challenge, nonce *models.ChallengeNonce) string {
	t.Helper()
	fields := services.ConfirmationFields{
		GithubUserId:      challenge.GithubPrAuthorId,
		GithubRepoId:      challenge.GithubRepoId,
		PullRequestNumber: challenge.GithubPrNumber,
		HeadSha:           challenge.HeadSha,
		ChallengeId:       uuid.MustParse(challenge.Id),
		Nonce:             uuid.MustParse(nonce.Nonce),
		ExpiresAt:         challenge.DeadlineAt.Unix(),
	}
	digest, _, err := apitypes.TypedDataAndHash(services.ConfirmationTypedData(fields))
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func countBotActions(t *testing.T, challengeId, actionType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, database.DB.Model(&models.BotAction{}).
		Where("challenge_id = ? AND action_type = ?", challengeId, actionType).
		Count(&n).Error)
	return n
}
