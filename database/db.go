package database

import (
	"fmt"
	"log"
	"os"

	"github.com/nick1udwig/sitg/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Connect() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "db"
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"), port)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		fmt.Println(err)
		panic("Could not connect to database")
	}
}

// AutoMigrate applies (idempotent) schema migrations:
// - AutoMigrate for tables/columns/tag indexes
// - partial unique indexes GORM tags cannot express
func AutoMigrate() error {
	if err := DB.AutoMigrate(
		&models.User{},
		&models.WalletLink{},
		&models.WalletLinkChallenge{},
		&models.RepoConfig{},
		&models.WhitelistEntry{},
		&models.Challenge{},
		&models.ChallengeNonce{},
		&models.PRConfirmation{},
		&models.BotAction{},
		&models.BotClient{},
		&models.BotClientKey{},
		&models.InstallationBinding{},
		&models.ReplayRecord{},
		&models.AuditEvent{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	// Partial unique indexes (work on both postgres and sqlite):
	// - one active challenge per (repo, PR)
	// - one active wallet link per wallet, across users
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pr_challenges_one_active
		 ON pr_challenges (github_repo_id, github_pr_number)
		 WHERE status IN ('PENDING', 'VERIFIED', 'EXEMPT')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS wallet_links_one_active_user_per_wallet
		 ON wallet_links (wallet_address)
		 WHERE unlinked_at IS NULL`,
	}
	for _, stmt := range indexes {
		if err := DB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
		}
	}

	return nil
}
