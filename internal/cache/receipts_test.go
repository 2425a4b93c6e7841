package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
)

func newTestReceipts(t *testing.T, ttl time.Duration) (*RedisReceipts, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisReceipts(rdb, ttl), mr
}

func TestRedisReceipts_StoreAndLoad(t *testing.T) {
	t.Parallel()
	c, mr := newTestReceipts(t, time.Hour)
	ctx := context.Background()

	sentAt := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	in := platform.Receipt{Platform: models.PlatformWhatsApp, ProviderMessageID: "wamid.1", SentAt: sentAt}
	require.NoError(t, c.StoreReceipt(ctx, "sch_1", in))

	assert.True(t, mr.Exists("receipt:sch_1"))
	assert.Equal(t, time.Hour, mr.TTL("receipt:sch_1"))

	out, err := c.Receipt(ctx, "sch_1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "wamid.1", out.ProviderMessageID)
	assert.Equal(t, models.PlatformWhatsApp, out.Platform)
	assert.True(t, sentAt.Equal(out.SentAt))
}

func TestRedisReceipts_Missing(t *testing.T) {
	t.Parallel()
	c, _ := newTestReceipts(t, time.Hour)

	out, err := c.Receipt(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRedisReceipts_Expires(t *testing.T) {
	t.Parallel()
	c, mr := newTestReceipts(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.StoreReceipt(ctx, "sch_2", platform.Receipt{ProviderMessageID: "42"}))
	mr.FastForward(2 * time.Minute)

	out, err := c.Receipt(ctx, "sch_2")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRedisReceipts_BackendDown(t *testing.T) {
	t.Parallel()
	c, mr := newTestReceipts(t, time.Minute)
	mr.Close()

	err := c.StoreReceipt(context.Background(), "sch_3", platform.Receipt{})
	assert.Error(t, err)
}
