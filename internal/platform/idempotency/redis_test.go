package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client)
	require.NoError(t, err)
	return store, srv
}

func TestRedisStoreReserveAndReplay(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "k1|staff-1", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)

	res, err = store.Reserve(ctx, "k1|staff-1", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, res.State)

	header := http.Header{"Content-Type": []string{"application/json"}, "Content-Length": []string{"12"}}
	require.NoError(t, store.SaveResponse(ctx, "k1|staff-1", "fp", Response{Status: 200, Headers: header, Body: []byte(`{"ok":true}`)}, fixedTime, time.Hour))

	res, err = store.Reserve(ctx, "k1|staff-1", "fp", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, res.State)
	assert.Equal(t, `{"ok":true}`, string(res.Record.ResponseBody))
	assert.NotContains(t, res.Record.ResponseHeaders, "Content-Length")

	_, err = store.Reserve(ctx, "k1|staff-1", "other", fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestRedisStoreExpiryAndRelease(t *testing.T) {
	store, srv := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "k2", "fp", fixedTime, time.Minute)
	require.NoError(t, err)
	srv.FastForward(2 * time.Minute)

	res, err := store.Reserve(ctx, "k2", "fp-new", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)

	require.NoError(t, store.Release(ctx, "k2", "fp-new"))
	res, err = store.Reserve(ctx, "k2", "fp-new", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)
}
