package middlewares

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nick1udwig/sitg/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// SessionClaims is the end-user JWT payload. The dashboard's OAuth flow issues
// these after the GitHub code exchange; this service only verifies them.
type SessionClaims struct {
	GithubUserId int64  `json:"github_user_id"`
	GithubLogin  string `json:"github_login"`
	jwt.RegisteredClaims
}

var (
	secretOnce sync.Once
	jwtSecret  []byte
	secretErr  error
)

func loadJWTSecret() error {
	secretOnce.Do(func() {
		sec := os.Getenv("SESSION_JWT_SECRET")
		if strings.TrimSpace(sec) == "" {
			sec = os.Getenv("JWT_SECRET")
		}
		if strings.TrimSpace(sec) == "" {
			secretErr = errors.New("session secret not configured (set SESSION_JWT_SECRET or JWT_SECRET)")
			return
		}
		jwtSecret = []byte(sec)
	})
	return secretErr
}

// RequireUser validates a Bearer session token, enforces HS256, and populates
// c.Locals("userID", "githubUserID", "githubLogin").
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := loadJWTSecret(); err != nil {
			return utils.Internal("server auth not configured")
		}

		h := c.Get(authHeader)
		if h == "" || !strings.HasPrefix(strings.ToLower(h), strings.ToLower(bearerPrefix)) {
			return utils.Unauthenticated()
		}
		raw := strings.TrimSpace(h[len(bearerPrefix):])
		if raw == "" {
			return utils.Unauthenticated()
		}

		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		var claims SessionClaims
		token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			return utils.Unauthenticated()
		}
		if strings.TrimSpace(claims.Subject) == "" || claims.GithubUserId == 0 {
			return utils.Unauthenticated()
		}

		c.Locals("userID", claims.Subject)
		c.Locals("githubUserID", claims.GithubUserId)
		c.Locals("githubLogin", claims.GithubLogin)

		return c.Next()
	}
}

// GenerateSessionJWT signs a new HS256 session token, expiring in 30 days.
func GenerateSessionJWT(userID string, githubUserID int64, githubLogin string) (string, error) {
	if err := loadJWTSecret(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &SessionClaims{
		GithubUserId: githubUserID,
		GithubLogin:  githubLogin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}
