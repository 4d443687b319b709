package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus/internal/config"
)

func TestNew_EmptyBackendDefaultsToLocal(t *testing.T) {
	ps, err := New(config.RealtimeConfig{})
	require.NoError(t, err)
	require.NotNil(t, ps)
	defer ps.Close()

	_, ok := ps.(*LocalPubSub)
	assert.True(t, ok, "should be LocalPubSub")
}

func TestNew_LocalBackend(t *testing.T) {
	ps, err := New(config.RealtimeConfig{PubSubBackend: "local"})
	require.NoError(t, err)
	require.NotNil(t, ps)
	defer ps.Close()

	_, ok := ps.(*LocalPubSub)
	assert.True(t, ok, "should be LocalPubSub")
}

func TestNew_RedisBackendWithoutURLErrors(t *testing.T) {
	ps, err := New(config.RealtimeConfig{PubSubBackend: "redis"})
	require.Error(t, err)
	assert.Nil(t, ps)
	assert.Contains(t, err.Error(), "redis_url is required")
}

func TestNew_RedisBackendWithInvalidURLErrors(t *testing.T) {
	ps, err := New(config.RealtimeConfig{PubSubBackend: "redis", RedisURL: "invalid://url"})
	require.Error(t, err)
	assert.Nil(t, ps)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestNew_UnknownBackendErrors(t *testing.T) {
	ps, err := New(config.RealtimeConfig{PubSubBackend: "postgres"})
	require.Error(t, err)
	assert.Nil(t, ps)
	assert.Contains(t, err.Error(), "unknown pub/sub backend")
	assert.Contains(t, err.Error(), "valid options: local, redis")
}

func TestMessageStruct(t *testing.T) {
	t.Run("message with all fields", func(t *testing.T) {
		msg := Message{
			Channel: "test-channel",
			Payload: []byte("test payload"),
		}

		assert.Equal(t, "test-channel", msg.Channel)
		assert.Equal(t, []byte("test payload"), msg.Payload)
	})

	t.Run("empty message", func(t *testing.T) {
		msg := Message{}

		assert.Empty(t, msg.Channel)
		assert.Nil(t, msg.Payload)
	})
}

func TestChannelConstants(t *testing.T) {
	assert.Equal(t, "nexus:broadcast", BroadcastChannel)
}
