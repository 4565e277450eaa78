package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Refill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(2, 1, func() time.Time { return now })

	assert.True(t, bucket.Allow())
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	now = now.Add(time.Second)
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	// Refill is capped at capacity
	now = now.Add(time.Hour)
	assert.True(t, bucket.Allow())
	assert.Equal(t, 1, bucket.Remaining())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/v1/packages/:id", func(c *fiber.Ctx) error { return c.SendString(c.Params("id")) })

	statuses := make([]int, 0, 3)
	for _, id := range []string{"go", "node", "jq"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/packages/"+id, nil))
		require.NoError(t, err)
		statuses = append(statuses, resp.StatusCode)
	}
	// Different ids share the /v1/packages bucket
	assert.Equal(t, []int{200, 200, 429}, statuses)
	assert.Equal(t, 1, rl.ActiveBuckets())

	req := httptest.NewRequest("GET", "/v1/packages/go", nil)
	req.Header.Set("X-API-Key", "other-client")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))

	now = now.Add(2 * time.Hour)
	rl.CleanupOldBuckets()
	assert.Zero(t, rl.ActiveBuckets())
}

func TestStartCleanupRoutine_StopIsIdempotent(t *testing.T) {
	stop := NewRateLimiter(10, 10).StartCleanupRoutine()
	stop()
	assert.NotPanics(t, stop)
}
