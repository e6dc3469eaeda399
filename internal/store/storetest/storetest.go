// Package storetest provides an in-memory store for engine tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/agentworld/internal/store"
)

// New starts an in-memory Redis server bound to the test lifetime and returns
// a Store over it together with the server for TTL fast-forwarding.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.New(rdb, store.Options{Prefix: "test"}), mr
}
