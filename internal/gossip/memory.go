package gossip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"collabtext/internal/peer"
	"collabtext/internal/queue"
)

// MemoryNetwork connects transports living in the same process. Every member
// of a topic is a neighbor of every other member.
type MemoryNetwork struct {
	stateLock  sync.Mutex
	nextAddr   int
	transports map[string]*MemoryTransport
	topics     map[TopicID]map[peer.ID]*memoryTopic
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: map[string]*MemoryTransport{},
		topics:     map[TopicID]map[peer.ID]*memoryTopic{},
	}
}

// Bind adds a transport with a fresh identity to the network.
func (n *MemoryNetwork) Bind() (*MemoryTransport, error) {
	id, err := peer.Generate()
	if err != nil {
		return nil, err
	}
	n.stateLock.Lock()
	defer n.stateLock.Unlock()
	n.nextAddr += 1
	t := &MemoryTransport{
		network: n,
		id:      id,
		addr:    fmt.Sprintf("memory:%d", n.nextAddr),
	}
	n.transports[t.addr] = t
	return t, nil
}

// Members is the number of transports joined to topic.
func (n *MemoryNetwork) Members(topic TopicID) int {
	n.stateLock.Lock()
	defer n.stateLock.Unlock()
	return len(n.topics[topic])
}

type MemoryTransport struct {
	network *MemoryNetwork
	id      peer.ID
	addr    string

	stateLock sync.Mutex
	joined    []*memoryTopic
	closed    bool
}

func (t *MemoryTransport) ID() peer.ID {
	return t.id
}

func (t *MemoryTransport) Addr() string {
	return t.addr
}

func (t *MemoryTransport) Join(ctx context.Context, topicID TopicID, bootstrap []string) (Topic, error) {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}

	n := t.network
	n.stateLock.Lock()
	defer n.stateLock.Unlock()

	for _, addr := range bootstrap {
		if _, ok := n.transports[addr]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
		}
	}

	topic := &memoryTopic{
		transport: t,
		topicID:   topicID,
		inbox:     queue.New[Event](),
		joined:    make(chan struct{}),
	}
	members, ok := n.topics[topicID]
	if !ok {
		members = map[peer.ID]*memoryTopic{}
		n.topics[topicID] = members
	}
	for id, other := range members {
		other.neighborUp(t.id)
		topic.neighborUp(id)
	}
	members[t.id] = topic
	t.joined = append(t.joined, topic)
	return topic, nil
}

func (t *MemoryTransport) Close() error {
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
	n := t.network
	n.stateLock.Lock()
	delete(n.transports, t.addr)
	n.stateLock.Unlock()
	return nil
}

type memoryTopic struct {
	transport *MemoryTransport
	topicID   TopicID
	inbox     *queue.Unbounded[Event]

	joinedOnce sync.Once
	joined     chan struct{}

	stateLock sync.Mutex
	shutdown  bool
}

// neighborUp is called with the network lock held.
func (mt *memoryTopic) neighborUp(id peer.ID) {
	mt.inbox.Push(Event{Kind: NeighborUp, From: id})
	mt.joinedOnce.Do(func() {
		close(mt.joined)
	})
}

func (mt *memoryTopic) Broadcast(ctx context.Context, payload []byte) error {
	if err := checkSize(payload); err != nil {
		return err
	}
	if mt.isShutdown() {
		return ErrShutdown
	}
	n := mt.transport.network
	n.stateLock.Lock()
	defer n.stateLock.Unlock()
	for id, other := range n.topics[mt.topicID] {
		if id == mt.transport.id {
			continue
		}
		other.inbox.Push(Event{
			Kind:    Received,
			From:    mt.transport.id,
			Content: bytes.Clone(payload),
		})
	}
	return nil
}

func (mt *memoryTopic) Events() <-chan Event {
	return mt.inbox.Out()
}

func (mt *memoryTopic) Joined(ctx context.Context) error {
	select {
	case <-mt.joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mt *memoryTopic) Shutdown() error {
	mt.stateLock.Lock()
	if mt.shutdown {
		mt.stateLock.Unlock()
		return nil
	}
	mt.shutdown = true
	mt.stateLock.Unlock()

	n := mt.transport.network
	n.stateLock.Lock()
	members := n.topics[mt.topicID]
	if members[mt.transport.id] == mt {
		delete(members, mt.transport.id)
	}
	for _, other := range members {
		other.inbox.Push(Event{Kind: NeighborDown, From: mt.transport.id})
	}
	n.stateLock.Unlock()

	mt.inbox.Close()
	return nil
}

func (mt *memoryTopic) isShutdown() bool {
	mt.stateLock.Lock()
	defer mt.stateLock.Unlock()
	return mt.shutdown
}
