// Package testutil holds broker fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// MiniRedis starts an in-process Redis for the duration of the test and returns
// client options pointing at it.
func MiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Options) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, &redis.Options{Addr: mr.Addr()}
}

// RedisURL renders options as the URL form accepted by configuration.
func RedisURL(opts *redis.Options) string {
	return "redis://" + opts.Addr
}
