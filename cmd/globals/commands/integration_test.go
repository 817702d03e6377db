//go:build integration

package commands

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/globals/internal/config"
	"github.com/dyluth/globals/internal/testutil"
	"github.com/dyluth/globals/pkg/globals"
)

// TestIntegration_SharedCounter runs the CLI against a real Redis next to a library holder.
func TestIntegration_SharedCounter(t *testing.T) {
	redisURL := testutil.RedisContainer(t)

	t.Setenv(config.EnvRedisURL, redisURL)
	t.Setenv(config.EnvWorld, "")
	t.Setenv(config.EnvVHost, "integration")

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := globals.New(ctx, globals.NewRedisSession(opts, "integration"), "", "counter", 0)
	require.NoError(t, err)
	defer g.Close()
	assert.True(t, g.IsDefault())

	require.NoError(t, g.Set(ctx, 10))

	out, err := run(t, "get", "counter")
	require.NoError(t, err)
	assert.Equal(t, "10\n", out)

	_, err = run(t, "set", "counter", "11")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return g.Value() == 11 }, 5*time.Second, 50*time.Millisecond)

	out, err = run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "GlobalWorld.counter.init")
	assert.Contains(t, out, "2 queues found")

	require.NoError(t, g.Close())

	// Closing the last holder removes the discovery queue.
	assert.Eventually(t, func() bool {
		out, err := run(t, "list")
		return err == nil && out == "No queues found in vhost 'integration'\n"
	}, 10*time.Second, 200*time.Millisecond)
}
