// Package gossip is the broadcast overlay sessions replicate over. A Transport
// binds the local peer to the network; joining a topic yields a Topic that
// floods byte payloads to every member and reports what the others broadcast.
//
// Delivery is best effort: payloads may be lost, duplicated or reordered, and
// a sender never receives its own broadcasts.
package gossip

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"collabtext/internal/peer"
)

// MaxMessageSize bounds a single broadcast payload.
const MaxMessageSize = 2 * 1024 * 1024

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrShutdown        = errors.New("topic shut down")
	ErrUnreachable     = errors.New("bootstrap peer unreachable")
)

// TopicID names a broadcast group.
//
// comparable
type TopicID [32]byte

// DefaultTopic is the room every session of the application joins unless
// configured otherwise.
var DefaultTopic = func() TopicID {
	var topic TopicID
	for i := range topic {
		topic[i] = 23
	}
	return topic
}()

func ParseTopicID(s string) (TopicID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(TopicID{}) {
		return TopicID{}, fmt.Errorf("topic must be %d hex encoded bytes", len(TopicID{}))
	}
	return TopicID(b), nil
}

func (t TopicID) String() string {
	return hex.EncodeToString(t[:])
}

type EventKind int

const (
	Received EventKind = iota
	NeighborUp
	NeighborDown
)

func (k EventKind) String() string {
	switch k {
	case Received:
		return "received"
	case NeighborUp:
		return "neighbor_up"
	case NeighborDown:
		return "neighbor_down"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is something that happened on a topic. For Received, From is the peer
// that delivered the payload, which is not necessarily its author.
type Event struct {
	Kind    EventKind
	From    peer.ID
	Content []byte
}

// Transport is the local endpoint on the network.
type Transport interface {
	ID() peer.ID
	// Addr is what other peers pass as a bootstrap address to reach this one.
	Addr() string
	Join(ctx context.Context, topic TopicID, bootstrap []string) (Topic, error)
	// Close releases the endpoint and everything joined through it.
	Close() error
}

// Topic is one joined broadcast group.
type Topic interface {
	Broadcast(ctx context.Context, payload []byte) error
	// Events is closed after Shutdown.
	Events() <-chan Event
	// Joined blocks until at least one neighbor is connected.
	Joined(ctx context.Context) error
	Shutdown() error
}

// ParseBootstrap parses a comma separated list of host:port addresses. An
// empty string means there is nobody to bootstrap from.
func ParseBootstrap(s string) ([]string, error) {
	var addrs []string
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("bad bootstrap address %q: %w", addr, err)
		}
		if host == "" || port == "" {
			return nil, fmt.Errorf("bad bootstrap address %q", addr)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func checkSize(payload []byte) error {
	if MaxMessageSize < len(payload) {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	return nil
}
