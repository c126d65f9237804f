package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "lock:a>b:BTC/USD", joinKey("", "lock", "a>b:BTC/USD"))
	assert.Equal(t, "arb:lock:k", joinKey("arb", "lock", "k"))
	assert.Equal(t, "arb", joinKey("arb"))

	c := &Client{prefix: "prod"}
	assert.Equal(t, "prod:trades", c.Key("trades"))

	lm := &LockManager{prefix: "prod"}
	assert.Equal(t, "prod:lock:combo:x", lm.lockKey("combo:x"))
}

func TestDecodeMessages(t *testing.T) {
	msgs := decodeMessages([]redis.XMessage{
		{ID: "1-0", Values: map[string]any{"payload": `{"id":"t1"}`}},
		{ID: "2-0", Values: map[string]any{"payload": []byte(`{"id":"t2"}`)}},
		{ID: "3-0", Values: map[string]any{"other": "x"}},
		{ID: "4-0", Values: map[string]any{"payload": 42}},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "1-0", msgs[0].ID)
	assert.JSONEq(t, `{"id":"t1"}`, string(msgs[0].Payload))
	assert.Equal(t, "2-0", msgs[1].ID)
}

func TestNewSignalBusDefaultsMaxLen(t *testing.T) {
	c := &Client{rdb: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})}
	defer c.Close()
	assert.Equal(t, DefaultStreamMaxLen, NewSignalBus(c, 0).maxLen)
	assert.Equal(t, int64(500), NewSignalBus(c, 500).maxLen)
}
