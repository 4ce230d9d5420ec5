package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func TestDeparturesKey(t *testing.T) {
	assert.Equal(t, "cache:departures:g0:status=:product=", departuresKey(0, domain.DepartureFilter{}))
	assert.Equal(t, "cache:departures:g7:status=active:product=cruise-1",
		departuresKey(7, domain.DepartureFilter{Status: domain.DepartureStatusActive, ProductID: "cruise-1"}))
}

func TestRedisCache_Departures(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	filter := domain.DepartureFilter{Status: domain.DepartureStatusActive}

	got, gen, err := c.GetDepartures(ctx, filter)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, gen)

	listing := []domain.Departure{{ID: "d-1", Label: "June", Status: domain.DepartureStatusActive}}
	require.NoError(t, c.SetDepartures(ctx, filter, gen, listing))

	got, _, err = c.GetDepartures(ctx, filter)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d-1", got[0].ID)

	other, _, err := c.GetDepartures(ctx, domain.DepartureFilter{})
	require.NoError(t, err)
	assert.Nil(t, other)

	mr.FastForward(2 * time.Minute)
	got, _, err = c.GetDepartures(ctx, filter)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCache_InvalidateDropsListings(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetDepartures(ctx, domain.DepartureFilter{}, 0, []domain.Departure{{ID: "d-1"}}))
	require.NoError(t, c.InvalidateDepartures(ctx))

	got, gen, err := c.GetDepartures(ctx, domain.DepartureFilter{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), gen)
}

func TestRedisCache_ListingReadBeforeInvalidateIsNotServed(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, gen, err := c.GetDepartures(ctx, domain.DepartureFilter{})
	require.NoError(t, err)

	// a mutation lands between the store read and the cache fill
	require.NoError(t, c.InvalidateDepartures(ctx))
	require.NoError(t, c.SetDepartures(ctx, domain.DepartureFilter{}, gen, []domain.Departure{{ID: "stale"}}))

	got, _, err := c.GetDepartures(ctx, domain.DepartureFilter{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCache_IdempotencyKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, stored, err := c.AcquireIdempotencyKey(ctx, "k-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, stored)

	ok, stored, err = c.AcquireIdempotencyKey(ctx, "k-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, stored, "in progress")

	require.NoError(t, c.CompleteIdempotencyKey(ctx, "k-1", []byte(`{"status":201}`), time.Minute))
	ok, stored, err = c.AcquireIdempotencyKey(ctx, "k-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.JSONEq(t, `{"status":201}`, string(stored))

	require.NoError(t, c.ReleaseIdempotencyKey(ctx, "k-1"))
	ok, _, err = c.AcquireIdempotencyKey(ctx, "k-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "idempotency:abc", idempotencyKey("abc"))
}
