package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/devconsole/internal/session"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(context.Background(), Config{Addr: mr.Addr(), TTL: ttl}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestStore_GetMissing(t *testing.T) {
	_, store := setupTestRedis(t, 0)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_SaveAndGet(t *testing.T) {
	mr, store := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sid", session.State{ConsoleAllowed: true}))

	st, err := store.Get(ctx, "sid")
	require.NoError(t, err)
	assert.True(t, st.ConsoleAllowed)

	raw, err := mr.Get(defaultKeyPrefix + "sid")
	require.NoError(t, err)
	assert.JSONEq(t, `{"console_allowed":true}`, raw)
}

func TestStore_TTLExpiresAndRefreshes(t *testing.T) {
	mr, store := setupTestRedis(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sid", session.State{ConsoleAllowed: true}))
	assert.Equal(t, time.Minute, mr.TTL(defaultKeyPrefix+"sid"))

	mr.FastForward(45 * time.Second)
	_, err := store.Get(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(defaultKeyPrefix+"sid"), "read should refresh the ttl")

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "sid")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStore_PingFailsWhenServerGone(t *testing.T) {
	mr, store := setupTestRedis(t, 0)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestOpen_RequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), Config{}, slog.Default())
	assert.Error(t, err)
}
