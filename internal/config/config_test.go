package config

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/internal/gossip"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		"COLLABTEXT_TRANSPORT",
		"COLLABTEXT_LISTEN",
		"REDIS_ADDR",
		"COLLABTEXT_TOPIC",
		"COLLABTEXT_SERVICE",
		"COLLABTEXT_HEARTBEAT",
		"COLLABTEXT_CLEANUP",
		"COLLABTEXT_PRESENCE_TTL",
		"COLLABTEXT_JOIN_TIMEOUT",
	} {
		t.Setenv(name, "")
	}

	cfg, err := FromEnv()
	assert.Equal(t, err, nil)
	assert.Equal(t, TransportMesh, cfg.Transport)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, gossip.DefaultTopic, cfg.Topic)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.PresenceTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COLLABTEXT_TRANSPORT", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("COLLABTEXT_TOPIC", "0101010101010101010101010101010101010101010101010101010101010101")
	t.Setenv("COLLABTEXT_PRESENCE_TTL", "2s")

	cfg, err := FromEnv()
	assert.Equal(t, err, nil)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, byte(1), cfg.Topic[0])
	assert.Equal(t, 2*time.Second, cfg.PresenceTTL)
}

func TestFromEnvInvalid(t *testing.T) {
	t.Setenv("COLLABTEXT_TRANSPORT", "carrier-pigeon")
	_, err := FromEnv()
	assert.NotEqual(t, err, nil)

	t.Setenv("COLLABTEXT_TRANSPORT", "")
	t.Setenv("COLLABTEXT_HEARTBEAT", "soon")
	_, err = FromEnv()
	assert.NotEqual(t, err, nil)

	t.Setenv("COLLABTEXT_HEARTBEAT", "")
	t.Setenv("COLLABTEXT_TOPIC", "17")
	_, err = FromEnv()
	assert.NotEqual(t, err, nil)
}

func TestMemoryBinder(t *testing.T) {
	cfg := Default()
	cfg.Transport = TransportMemory
	cfg.Network = gossip.NewMemoryNetwork()

	bind, err := cfg.Binder()
	assert.Equal(t, err, nil)
	a, err := bind(context.Background())
	assert.Equal(t, err, nil)
	b, err := bind(context.Background())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.Addr(), b.Addr())
}
