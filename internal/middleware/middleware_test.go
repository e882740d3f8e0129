package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestParseToken(t *testing.T) {
	good := sign(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	id, err := ParseToken(testSecret, good)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	_, err = ParseToken("other", good)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := sign(t, testSecret, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()})
	_, err = ParseToken(testSecret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSub := sign(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	_, err = ParseToken(testSecret, noSub)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", Auth(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})

	cases := []struct {
		header string
		status int
	}{
		{"", 401},
		{"Token abc", 401},
		{"Bearer garbage", 401},
		{"Bearer " + sign(t, testSecret, jwt.MapClaims{"sub": "user-1"}), 200},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, tc.header)
	}
}

func TestServerKey(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", ServerKey("k"), func(c *fiber.Ctx) error { return c.SendStatus(204) })

	req := httptest.NewRequest("POST", "/hook", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	req = httptest.NewRequest("POST", "/hook", nil)
	req.Header.Set("X-Server-Key", "k")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}

func TestShouldLog(t *testing.T) {
	slow := 500 * time.Millisecond
	assert.False(t, shouldLog(200, time.Millisecond, slow))
	assert.True(t, shouldLog(200, time.Second, slow))
	assert.True(t, shouldLog(404, time.Millisecond, slow))
	assert.True(t, shouldLog(503, time.Millisecond, slow))
}

func TestRateLimit(t *testing.T) {
	app := fiber.New()
	app.Get("/", RateLimit(2, time.Minute), func(c *fiber.Ctx) error { return c.SendStatus(200) })

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		last = resp.StatusCode
	}
	assert.Equal(t, 429, last)
}
