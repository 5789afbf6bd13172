package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/nick1udwig/sitg/models"
	"github.com/nick1udwig/sitg/utils"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database. The shared-cache DSN keeps
// all pooled connections on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.BotClient{},
		&models.BotClientKey{},
		&models.InstallationBinding{},
		&models.ReplayRecord{},
		&models.WhitelistEntry{},
		&models.Challenge{},
		&models.ChallengeNonce{},
		&models.BotAction{},
		&models.AuditEvent{},
	))
	return db
}

type testTenant struct {
	BotClientId   string
	KeyId         string
	DerivedSecret string
}

// seedTenant creates an active bot client, one key and one installation binding.
func seedTenant(t *testing.T, db *gorm.DB, installationId int64) testTenant {
	t.Helper()
	client := models.BotClient{Name: "ci-bot", Status: models.BotClientStatusActive}
	require.NoError(t, db.Create(&client).Error)

	keyId := "key-" + uuid.NewString()[:8]
	derived := DeriveBotKeySecret(keyId, "raw-secret-"+uuid.NewString())
	require.NoError(t, db.Create(&models.BotClientKey{
		KeyId:        keyId,
		BotClientId:  client.Id,
		SecretHashed: derived,
		Active:       true,
	}).Error)

	require.NoError(t, db.Create(&models.InstallationBinding{
		BotClientId:    client.Id,
		InstallationId: installationId,
	}).Error)

	return testTenant{BotClientId: client.Id, KeyId: keyId, DerivedSecret: derived}
}

// seedChallenge creates a challenge in the given status with the given deadline.
func seedChallenge(t *testing.T, db *gorm.DB, status string, deadline time.Time) *models.Challenge {
	t.Helper()
	challenge := models.Challenge{
		GateToken:            utils.BuildToken(24),
		GithubRepoId:         4242,
		GithubRepoFullName:   "acme/widgets",
		GithubPrNumber:       7,
		GithubPrAuthorId:     9001,
		GithubPrAuthorLogin:  "contributor",
		HeadSha:              "a1b2c3d4",
		ThresholdWeiSnapshot: "1000000000000000000",
		DeadlineAt:           deadline,
		Status:               status,
		InstallationId:       555,
	}
	require.NoError(t, db.Create(&challenge).Error)
	return &challenge
}
