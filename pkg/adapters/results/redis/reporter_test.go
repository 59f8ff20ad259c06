package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupReporter(t *testing.T) (*Reporter, *redis.Client) {
	db := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewReporter(client, 2, time.Millisecond, zap.NewNop()), client
}

func TestReporter_DeliverStoresAndNotifies(t *testing.T) {
	r, client := setupReporter(t)
	ctx := context.Background()

	payload := domain.ResultPayload{ExecutionID: "e1", OwnerID: "u1", Status: domain.ExecutionStatusFailed, Failed: true, Output: []byte("boom")}
	require.NoError(t, r.Deliver(ctx, payload))

	stored, err := r.Result(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, payload, *stored)

	messages, err := client.XRange(ctx, resultsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "deliver", messages[0].Values["op"])
	assert.Equal(t, "u1", messages[0].Values["owner_id"])
}

func TestReporter_DeleteResults(t *testing.T) {
	r, client := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, domain.ResultPayload{ExecutionID: "e1"}))
	require.NoError(t, r.Deliver(ctx, domain.ResultPayload{ExecutionID: "e2"}))
	require.NoError(t, r.Deliver(ctx, domain.ResultPayload{ExecutionID: "e3"}))

	require.NoError(t, r.DeleteResults(ctx, []string{"e1", "e2"}))

	_, err := r.Result(ctx, "e1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = r.Result(ctx, "e3")
	assert.NoError(t, err)

	n, err := client.XLen(ctx, resultsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestReporter_DeliverFailsWhenRedisIsDown(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: db.Addr(), MaxRetries: -1})
	defer client.Close()
	r := NewReporter(client, 2, time.Millisecond, zap.NewNop())
	db.Close()

	err = r.Deliver(context.Background(), domain.ResultPayload{ExecutionID: "e1"})
	assert.Error(t, err)
}
