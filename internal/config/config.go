package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"collabtext/internal/awareness"
	"collabtext/internal/gossip"
)

const (
	TransportMesh   = "mesh"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

type Config struct {
	Transport  string
	ListenAddr string
	RedisAddr  string
	Topic      gossip.TopicID
	// mDNS service type used to advertise and browse for mesh peers
	Service string

	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PresenceTTL       time.Duration
	// how long a joining peer waits for its first neighbor
	JoinTimeout time.Duration

	// used by the memory transport
	Network *gossip.MemoryNetwork
}

func Default() Config {
	return Config{
		Transport:         TransportMesh,
		ListenAddr:        "127.0.0.1:0",
		RedisAddr:         "localhost:6379",
		Topic:             gossip.DefaultTopic,
		Service:           gossip.DefaultService,
		HeartbeatInterval: awareness.HeartbeatInterval,
		CleanupInterval:   awareness.CleanupInterval,
		PresenceTTL:       awareness.TTL,
		JoinTimeout:       10 * time.Second,
	}
}

// FromEnv starts from the defaults and applies any COLLABTEXT_* variables
// (and REDIS_ADDR) that are set.
func FromEnv() (Config, error) {
	cfg := Default()
	if v := os.Getenv("COLLABTEXT_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("COLLABTEXT_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("COLLABTEXT_SERVICE"); v != "" {
		cfg.Service = v
	}
	if v := os.Getenv("COLLABTEXT_TOPIC"); v != "" {
		topic, err := gossip.ParseTopicID(v)
		if err != nil {
			return Config{}, fmt.Errorf("COLLABTEXT_TOPIC: %w", err)
		}
		cfg.Topic = topic
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"COLLABTEXT_HEARTBEAT", &cfg.HeartbeatInterval},
		{"COLLABTEXT_CLEANUP", &cfg.CleanupInterval},
		{"COLLABTEXT_PRESENCE_TTL", &cfg.PresenceTTL},
		{"COLLABTEXT_JOIN_TIMEOUT", &cfg.JoinTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportMesh, TransportRedis, TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.HeartbeatInterval <= 0 || c.CleanupInterval <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive")
	}
	return nil
}

// Binder creates the local network endpoint for one session.
type Binder func(ctx context.Context) (gossip.Transport, error)

// Binder returns the constructor for the configured transport. Each call of the
// returned function binds a fresh endpoint with a fresh identity.
func (c Config) Binder() (Binder, error) {
	switch c.Transport {
	case TransportMesh:
		listenAddr := c.ListenAddr
		return func(ctx context.Context) (gossip.Transport, error) {
			settings := gossip.DefaultMeshSettings()
			settings.ListenAddr = listenAddr
			return gossip.ListenMesh(settings)
		}, nil
	case TransportRedis:
		redisAddr := c.RedisAddr
		return func(ctx context.Context) (gossip.Transport, error) {
			return gossip.DialRedis(ctx, redisAddr)
		}, nil
	case TransportMemory:
		network := c.Network
		if network == nil {
			network = gossip.NewMemoryNetwork()
		}
		return func(ctx context.Context) (gossip.Transport, error) {
			return network.Bind()
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}
