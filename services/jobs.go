package services

import (
	"context"
	"log"
	"time"

	"github.com/nick1udwig/sitg/database"
	"github.com/nick1udwig/sitg/models"
)

const (
	sweepInterval     = time.Minute
	sweepBatchSize    = 500
	retentionInterval = 24 * time.Hour
	retentionMaxAge   = 365 * 24 * time.Hour
)

// StartBackgroundJobs launches the deadline sweeper and the retention cleaner.
// Both loops log tick failures and keep running; they stop when ctx is done.
func StartBackgroundJobs(ctx context.Context) {
	go runDeadlineLoop(ctx)
	go runRetentionLoop(ctx)
}

func runDeadlineLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := SweepOverdueChallenges(database.DB, sweepBatchSize)
			if err != nil {
				log.Printf("deadline sweep iteration failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("deadline sweep transitioned %d challenges", n)
			}
		}
	}
}

func runRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cleanupRetention(); err != nil {
				log.Printf("retention cleanup iteration failed: %v", err)
			}
		}
	}
}

func cleanupRetention() error {
	cutoff := time.Now().UTC().Add(-retentionMaxAge)

	confirmations := database.DB.Where("created_at < ?", cutoff).Delete(&models.PRConfirmation{})
	if confirmations.Error != nil {
		return confirmations.Error
	}
	audits := database.DB.Where("created_at < ?", cutoff).Delete(&models.AuditEvent{})
	if audits.Error != nil {
		return audits.Error
	}

	log.Printf("retention cleanup removed %d confirmations, %d audit events",
		confirmations.RowsAffected, audits.RowsAffected)
	return nil
}
