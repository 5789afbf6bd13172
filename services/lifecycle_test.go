package services

import (
	"testing"
	"time"

	"github.com/nick1udwig/sitg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func countActions(t *testing.T, db *gorm.DB, challengeId, actionType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.BotAction{}).
		Where("challenge_id = ? AND action_type = ?", challengeId, actionType).
		Count(&n).Error)
	return n
}

func TestEnqueueGatingCommentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	challenge := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(ChallengeWindow))

	require.NoError(t, EnqueueGatingComment(db, challenge))
	require.NoError(t, EnqueueGatingComment(db, challenge))

	assert.EqualValues(t, 1, countActions(t, db, challenge.Id, models.BotActionTypePostComment))

	var action models.BotAction
	require.NoError(t, db.Where("challenge_id = ?", challenge.Id).First(&action).Error)
	assert.Equal(t, models.BotActionStatusPending, action.Status)
	assert.Contains(t, string(action.Payload), GateURL(challenge.GateToken))
	assert.Equal(t, challenge.InstallationId, action.InstallationId)
}

func TestResolveOverdueChallengeClosesExpired(t *testing.T) {
	db := newTestDB(t)
	challenge := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(-time.Minute))

	outcome, err := ResolveOverdueChallenge(db, challenge, "deadline_check")
	require.NoError(t, err)
	assert.Equal(t, DeadlineOutcomeClosePr, outcome)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", challenge.Id).Error)
	assert.Equal(t, models.ChallengeStatusTimedOutClosed, got.Status)
	assert.EqualValues(t, 1, countActions(t, db, challenge.Id, models.BotActionTypeClosePr))

	var audits int64
	require.NoError(t, db.Model(&models.AuditEvent{}).
		Where("event_type = ? AND entity_id = ?", models.AuditEventChallengeDeadlineSweep, challenge.Id).
		Count(&audits).Error)
	assert.EqualValues(t, 1, audits)

	// A second resolution is a no-op; the close action is not duplicated.
	got2 := got
	outcome, err = ResolveOverdueChallenge(db, &got2, "deadline_check")
	require.NoError(t, err)
	assert.Equal(t, DeadlineOutcomeNoop, outcome)
	assert.EqualValues(t, 1, countActions(t, db, challenge.Id, models.BotActionTypeClosePr))
}

func TestResolveOverdueChallengeExemptsWhitelistedAuthor(t *testing.T) {
	db := newTestDB(t)
	challenge := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(-time.Minute))
	require.NoError(t, db.Create(&models.WhitelistEntry{
		GithubRepoId: challenge.GithubRepoId,
		GithubUserId: challenge.GithubPrAuthorId,
		GithubLogin:  challenge.GithubPrAuthorLogin,
	}).Error)

	outcome, err := ResolveOverdueChallenge(db, challenge, "deadline_check")
	require.NoError(t, err)
	assert.Equal(t, DeadlineOutcomeExempt, outcome)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", challenge.Id).Error)
	assert.Equal(t, models.ChallengeStatusExempt, got.Status)
	assert.EqualValues(t, 0, countActions(t, db, challenge.Id, models.BotActionTypeClosePr))
}

func TestResolveOverdueChallengeLeavesOthersAlone(t *testing.T) {
	db := newTestDB(t)

	// Not yet due.
	pending := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(10*time.Minute))
	outcome, err := ResolveOverdueChallenge(db, pending, "deadline_check")
	require.NoError(t, err)
	assert.Equal(t, DeadlineOutcomeNoop, outcome)

	// Terminal states.
	for _, status := range []string{
		models.ChallengeStatusVerified,
		models.ChallengeStatusExempt,
		models.ChallengeStatusTimedOutClosed,
	} {
		challenge := seedChallenge(t, db, status, time.Now().Add(-time.Hour))
		outcome, err := ResolveOverdueChallenge(db, challenge, "deadline_check")
		require.NoError(t, err)
		assert.Equal(t, DeadlineOutcomeNoop, outcome)

		var got models.Challenge
		require.NoError(t, db.First(&got, "id = ?", challenge.Id).Error)
		assert.Equal(t, status, got.Status)
	}
}

func TestSweepOverdueChallenges(t *testing.T) {
	db := newTestDB(t)

	overdue1 := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(-2*time.Hour))
	overdue2 := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(-time.Hour))
	future := seedChallenge(t, db, models.ChallengeStatusPending, time.Now().Add(time.Hour))
	verified := seedChallenge(t, db, models.ChallengeStatusVerified, time.Now().Add(-time.Hour))

	transitioned, err := SweepOverdueChallenges(db, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, transitioned)

	for _, id := range []string{overdue1.Id, overdue2.Id} {
		var got models.Challenge
		require.NoError(t, db.First(&got, "id = ?", id).Error)
		assert.Equal(t, models.ChallengeStatusTimedOutClosed, got.Status)
		assert.EqualValues(t, 1, countActions(t, db, id, models.BotActionTypeClosePr))
	}
	for id, want := range map[string]string{
		future.Id:   models.ChallengeStatusPending,
		verified.Id: models.ChallengeStatusVerified,
	} {
		var got models.Challenge
		require.NoError(t, db.First(&got, "id = ?", id).Error)
		assert.Equal(t, want, got.Status)
	}

	// A second sweep finds nothing left to do.
	transitioned, err = SweepOverdueChallenges(db, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, transitioned)
}
