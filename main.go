package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/nick1udwig/sitg/database"
	"github.com/nick1udwig/sitg/middlewares"
	"github.com/nick1udwig/sitg/routes"
	"github.com/nick1udwig/sitg/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// envInt reads an int env var with a default fallback.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	// ---- Database
	database.Connect()
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	// ---- Stake source (read-only staking contract calls)
	stake, err := services.NewContractStakeSource()
	if err != nil {
		log.Fatalf("stake source init failed: %v", err)
	}
	services.Stake = stake

	// ---- Fiber app with global error handler
	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.ErrorHandler,
		BodyLimit:    envInt("BODY_LIMIT_BYTES", 1*1024*1024),
	})

	// ---- CORS
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: false, // Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Sitg-Key-Id, X-Sitg-Timestamp, X-Sitg-Signature",
	}))

	// ---- Global rate limiter (advisory; tune via env)
	rlMax := envInt("RATE_LIMIT_MAX", 120)
	rlWindow := time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	app.Use(limiter.New(limiter.Config{
		Max:        rlMax,
		Expiration: rlWindow,
	}))

	// ---- Routes
	routes.Register(app)

	// ---- Background jobs (deadline sweeper + retention)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	services.StartBackgroundJobs(ctx)

	// ---- Start
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := app.Listen(":" + port); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
