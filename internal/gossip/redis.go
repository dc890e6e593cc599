package gossip

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/peer"
	"collabtext/internal/queue"
)

// RedisTransport uses a redis server as the rendezvous: a topic is a pub/sub
// channel and every subscriber is a neighbor. Frames are the same as on the
// mesh, so redis peers and relay clients share a topic.
type RedisTransport struct {
	id     peer.ID
	addr   string
	client *redis.Client

	stateLock sync.Mutex
	joined    []*redisTopic
	closed    bool
}

func DialRedis(ctx context.Context, addr string) (*RedisTransport, error) {
	id, err := peer.Generate()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	glog.Infof("[redis]%s connected to %s\n", id.Short(), addr)
	return &RedisTransport{
		id:     id,
		addr:   addr,
		client: client,
	}, nil
}

func (t *RedisTransport) ID() peer.ID {
	return t.id
}

func (t *RedisTransport) Addr() string {
	return t.addr
}

// Join subscribes to the topic channel. Bootstrap addresses are not needed.
func (t *RedisTransport) Join(ctx context.Context, topicID TopicID, bootstrap []string) (Topic, error) {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}

	channel := redisChannel(topicID)
	pubsub := t.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	topic := &redisTopic{
		transport: t,
		channel:   channel,
		pubsub:    pubsub,
		inbox:     queue.New[Event](),
	}
	go topic.run()
	t.joined = append(t.joined, topic)
	return topic, nil
}

func (t *RedisTransport) Close() error {
	t.stateLock.Lock()
	if t.closed {
		t.stateLock.Unlock()
		return nil
	}
	t.closed = true
	joined := t.joined
	t.joined = nil
	t.stateLock.Unlock()

	for _, topic := range joined {
		topic.Shutdown()
	}
	return t.client.Close()
}

type redisTopic struct {
	transport *RedisTransport
	channel   string
	pubsub    *redis.PubSub
	inbox     *queue.Unbounded[Event]

	stateLock sync.Mutex
	shutdown  bool
}

func (rt *redisTopic) run() {
	defer rt.inbox.Close()
	for msg := range rt.pubsub.Channel() {
		f, origin, err := decodeFrame([]byte(msg.Payload))
		if err != nil {
			glog.Infof("[redis]%s drop frame = %s\n", rt.channel, err)
			continue
		}
		if origin == rt.transport.id {
			continue
		}
		rt.inbox.Push(Event{Kind: Received, From: origin, Content: f.Payload})
	}
}

func (rt *redisTopic) Broadcast(ctx context.Context, payload []byte) error {
	if err := checkSize(payload); err != nil {
		return err
	}
	rt.stateLock.Lock()
	shutdown := rt.shutdown
	rt.stateLock.Unlock()
	if shutdown {
		return ErrShutdown
	}
	data, err := encodeFrame(newFrame(rt.transport.id, payload))
	if err != nil {
		return err
	}
	return rt.transport.client.Publish(ctx, rt.channel, data).Err()
}

func (rt *redisTopic) Events() <-chan Event {
	return rt.inbox.Out()
}

// Joined returns immediately; the redis server is always the neighbor.
func (rt *redisTopic) Joined(ctx context.Context) error {
	return nil
}

func (rt *redisTopic) Shutdown() error {
	rt.stateLock.Lock()
	if rt.shutdown {
		rt.stateLock.Unlock()
		return nil
	}
	rt.shutdown = true
	rt.stateLock.Unlock()

	err := rt.pubsub.Close()
	rt.inbox.Close()
	return err
}
