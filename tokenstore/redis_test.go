package tokenstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-chat-session/tokenstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Runs against a real redis when CHAT_TEST_REDIS_ADDR is set.
func TestRedisKV(t *testing.T) {
	addr := os.Getenv("CHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAT_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	kv := tokenstore.NewRedisKV(client, "test:"+uuid.NewString()+":")
	s := newStore(kv)

	s.Set(testRecord)
	got, ok := s.Get()
	require.True(t, ok)
	require.Equal(t, "T1", got.AccessToken)

	s.Clear()
	_, ok = s.Get()
	require.False(t, ok)
}
