package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pravardha-anchor/internal/config"
)

func setupMiniRedis(t *testing.T) *Client {
	mr := miniredis.RunT(t)
	client := NewRedisClient(&config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishJSONToStream(t *testing.T) {
	ctx := context.Background()
	client := setupMiniRedis(t)
	require.NoError(t, Ping(ctx, client))

	id, err := PublishJSONToStream(ctx, client, "anchors", map[string]string{"tx_ref": "tx-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "anchors", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.NotNil(t, msgs[0].Values["timestamp"])

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &payload))
	assert.Equal(t, "tx-1", payload["tx_ref"])
}

func TestPublishJSONToStream_MarshalError(t *testing.T) {
	client := setupMiniRedis(t)

	_, err := PublishJSONToStream(context.Background(), client, "anchors", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal")
}
