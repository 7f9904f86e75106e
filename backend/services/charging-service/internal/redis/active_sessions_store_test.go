package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, time.Hour, 30*time.Second), srv
}

func TestStoreSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	store, srv := newTestStore(t)

	in := ActiveSession{
		SessionID:     "s1",
		TransactionID: "pay_1",
		DeviceID:      "d1",
		UserID:        "u1",
		StartTime:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		AmountPaid:    100,
	}
	require.NoError(t, store.Save(ctx, in))
	assert.True(t, srv.Exists("sessions:active:u1:d1"))
	assert.Equal(t, time.Hour, srv.TTL("sessions:active:u1:d1"))

	got, err := store.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, in, *got)

	require.NoError(t, store.Delete(ctx, "u1", "d1"))
	_, err = store.Get(ctx, "u1", "d1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestStoreStartGuard(t *testing.T) {
	ctx := context.Background()
	store, srv := newTestStore(t)

	ok, err := store.AcquireStart(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireStart(ctx, "pay_1")
	require.NoError(t, err)
	assert.False(t, ok)

	srv.FastForward(31 * time.Second)
	ok, err = store.AcquireStart(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseStart(ctx, "pay_1"))
	ok, err = store.AcquireStart(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, ok)
}
