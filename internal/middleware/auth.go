package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the fiber.Locals key holding the authenticated user id.
const UserIDKey = "user_id"

var ErrInvalidToken = errors.New("invalid or expired token")

// ParseToken verifies an HS256 access token issued by the identity service
// and returns its subject.
func ParseToken(jwtSecret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}

func Auth(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(401).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return c.Status(401).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		userID, err := ParseToken(jwtSecret, tokenString)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": err.Error()})
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// UserID returns the id stored by Auth.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}

func ServerKey(expectedKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-Server-Key")
		if key == "" || key != expectedKey {
			return c.Status(403).JSON(fiber.Map{"error": "invalid server key"})
		}
		return c.Next()
	}
}
