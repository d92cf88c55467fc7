package store

import (
	"context"
	"os"
	"testing"
)

// The server-backed stores run only when their connection settings are
// present, e.g. TURNSTILE_MYSQL_DSN="root:pw@tcp(localhost:3306)/turnstile".
// Every test uses fresh identity and session IDs, so a shared database is fine.

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("TURNSTILE_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TURNSTILE_MYSQL_DSN not set")
	}
	newStore := func(t *testing.T) Store {
		s, err := NewMySQLFromDSN(dsn)
		if err != nil {
			t.Fatalf("Failed to create MySQL store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	runStoreTests(t, newStore)
	t.Run("touch during expiry", func(t *testing.T) {
		runTouchDuringExpiryTest(t, newStore(t))
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TURNSTILE_DATABASE_URL")
	if url == "" {
		t.Skip("TURNSTILE_DATABASE_URL not set")
	}
	newStore := func(t *testing.T) Store {
		s, err := NewPostgresFromURL(context.Background(), url)
		if err != nil {
			t.Fatalf("Failed to create Postgres store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	runStoreTests(t, newStore)
	t.Run("touch during expiry", func(t *testing.T) {
		runTouchDuringExpiryTest(t, newStore(t))
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TURNSTILE_REDIS_ADDR")
	if addr == "" {
		t.Skip("TURNSTILE_REDIS_ADDR not set")
	}
	newStore := func(t *testing.T) Store {
		s, err := NewRedisFromConfig(RedisConfig{
			Addr:      addr,
			KeyPrefix: newID("turnstile-test") + ":",
		})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		t.Cleanup(func() { cleanupRedis(t, s) })
		return s
	}
	runStoreTests(t, newStore)
	t.Run("touch during expiry", func(t *testing.T) {
		runTouchDuringExpiryTest(t, newStore(t))
	})
}

// cleanupRedis deletes every key under the test's prefix.
func cleanupRedis(t *testing.T, s *RedisStore) {
	ctx := context.Background()
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.Logf("Failed to scan test keys: %v", err)
	}
	if len(keys) > 0 {
		s.client.Del(ctx, keys...)
	}
	s.Close()
}
