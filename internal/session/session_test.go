package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/internal/awareness"
	"collabtext/internal/config"
	"collabtext/internal/gossip"
	"collabtext/internal/peer"
	"collabtext/internal/protocol"
	"collabtext/internal/replica"
)

func testConfig(network *gossip.MemoryNetwork) config.Config {
	cfg := config.Default()
	cfg.Transport = config.TransportMemory
	cfg.Network = network
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.CleanupInterval = 25 * time.Millisecond
	cfg.PresenceTTL = 300 * time.Millisecond
	cfg.JoinTimeout = time.Second
	return cfg
}

func newTestApp(t *testing.T, network *gossip.MemoryNetwork) *App {
	t.Helper()
	cfg := testConfig(network)
	bind, err := cfg.Binder()
	assert.Equal(t, err, nil)
	app := NewApp(cfg, bind, nil)
	t.Cleanup(func() {
		app.BeginLeave()
		app.Wait()
	})
	return app
}

func start(t *testing.T, app *App, name string, bootstrap string) *Session {
	t.Helper()
	app.BeginSession(name, bootstrap)
	app.Wait()
	state, ok := app.State().(InSession)
	if !ok {
		t.Fatalf("expected in session, got %s (%v)", StateName(app.State()), app.LastError())
	}
	return state.Session
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ghost joins the topic with a bare transport to inject raw messages.
func ghost(t *testing.T, network *gossip.MemoryNetwork) gossip.Topic {
	t.Helper()
	transport, err := network.Bind()
	assert.Equal(t, err, nil)
	topic, err := transport.Join(context.Background(), gossip.DefaultTopic, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		transport.Close()
	})
	return topic
}

func send(t *testing.T, topic gossip.Topic, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	assert.Equal(t, err, nil)
	assert.Equal(t, topic.Broadcast(context.Background(), data), nil)
}

func TestHelloWorld(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	appA := newTestApp(t, network)
	appB := newTestApp(t, network)

	a := start(t, appA, "alice", "")
	assert.Equal(t, a.Insert(0, "hello"), nil)

	// b joins late and catches up from a's snapshot
	b := start(t, appB, "bob", a.Addr())
	eventually(t, "b to receive hello", func() bool {
		return b.Text() == "hello"
	})

	assert.Equal(t, b.Insert(5, " world"), nil)
	eventually(t, "a to receive world", func() bool {
		return a.Text() == "hello world"
	})
	assert.Equal(t, a.TakeCursorsDirty(), true)

	assert.Equal(t, a.Delete(0, 6), nil)
	eventually(t, "b to receive the delete", func() bool {
		return b.Text() == "world"
	})
	assert.Equal(t, errors.Is(b.Insert(99, "x"), replica.ErrOutOfRange), true)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	a := start(t, newTestApp(t, network), "a", "")
	b := start(t, newTestApp(t, network), "b", a.Addr())
	c := start(t, newTestApp(t, network), "c", a.Addr())

	for i, s := range []*Session{a, b, c} {
		assert.Equal(t, s.Insert(0, string(rune('x'+i))), nil)
	}
	eventually(t, "replicas to converge", func() bool {
		text := a.Text()
		return len(text) == 3 && b.Text() == text && c.Text() == text
	})
}

func TestFailedJoinRestoresLobby(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	app := newTestApp(t, network)
	lobby := Lobby{JoinExisting: true, NameInput: "bob", PeerInput: "memory:99"}
	app.SetLobby(lobby)

	app.BeginSession(lobby.NameInput, lobby.PeerInput)
	app.Wait()
	assert.Equal(t, NotInSession{Lobby: lobby}, app.State())
	assert.Equal(t, errors.Is(app.LastError(), gossip.ErrUnreachable), true)
	// the failed endpoint is released
	assert.Equal(t, 0, network.Members(gossip.DefaultTopic))

	app.BeginSession("bob", "not an address")
	app.Wait()
	assert.Equal(t, NotInSession{Lobby: lobby}, app.State())
	assert.NotEqual(t, app.LastError(), nil)
}

func TestJoinTimeout(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	// a bound transport that never joins the topic
	lonely, _ := network.Bind()

	cfg := testConfig(network)
	cfg.JoinTimeout = 50 * time.Millisecond
	bind, _ := cfg.Binder()
	app := NewApp(cfg, bind, nil)

	app.BeginSession("bob", lonely.Addr())
	app.Wait()
	assert.Equal(t, NotInSession{}, app.State())
	assert.Equal(t, errors.Is(app.LastError(), context.DeadlineExceeded), true)
}

func TestLeaveAndRejoin(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	var redraws atomic.Int32
	cfg := testConfig(network)
	bind, _ := cfg.Binder()
	app := NewApp(cfg, bind, func() {
		redraws.Add(1)
	})

	first := start(t, app, "alice", "")
	assert.Equal(t, 1, network.Members(gossip.DefaultTopic))

	app.BeginLeave()
	app.Wait()
	assert.Equal(t, NotInSession{}, app.State())
	assert.Equal(t, 0, network.Members(gossip.DefaultTopic))
	assert.Equal(t, first.Insert(0, "x"), ErrNotInSession)
	<-first.Done()
	assert.Equal(t, first.Err(), nil)

	second := start(t, app, "alice", "")
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, second.Insert(0, "again"), nil)
	assert.Equal(t, "again", second.Text())

	app.BeginLeave()
	app.Wait()
	assert.Equal(t, 0 < redraws.Load(), true)
}

func TestMisuseIsIgnored(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	app := newTestApp(t, network)

	// nothing to leave
	app.BeginLeave()
	app.Wait()
	assert.Equal(t, NotInSession{}, app.State())

	s := start(t, app, "alice", "")
	app.BeginSession("again", "")
	app.Wait()
	app.SetLobby(Lobby{NameInput: "ignored"})
	state, ok := app.State().(InSession)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, s == state.Session)
	assert.Equal(t, 1, network.Members(gossip.DefaultTopic))
}

func TestAwarenessAndCursors(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	a := start(t, newTestApp(t, network), "alice", "")
	assert.Equal(t, a.Insert(0, "hello"), nil)
	b := start(t, newTestApp(t, network), "bob", a.Addr())
	eventually(t, "b to catch up", func() bool {
		return b.Text() == "hello"
	})

	b.SetCursor(1, 3)
	anchor, head, ok := b.Cursor()
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, anchor)
	assert.Equal(t, 3, head)

	eventually(t, "a to see bob's cursor", func() bool {
		return len(a.Cursors()) == 1
	})
	cursor := a.Cursors()[0]
	assert.Equal(t, b.ID(), cursor.Peer)
	assert.Equal(t, "bob", cursor.Name)
	assert.Equal(t, 1, cursor.Anchor)
	assert.Equal(t, 3, cursor.Head)

	// text inserted in front of the selection moves it
	assert.Equal(t, a.Insert(0, ">>"), nil)
	assert.Equal(t, 3, a.Cursors()[0].Anchor)
	assert.Equal(t, 5, a.Cursors()[0].Head)

	// nobody lists themselves
	eventually(t, "b to see alice", func() bool {
		return len(b.Peers()) == 1
	})
	assert.Equal(t, a.ID(), b.Peers()[0].Record.Peer)
	assert.Equal(t, b.ID(), a.Peers()[0].Record.Peer)

	b.ClearCursor()
	eventually(t, "bob's cursor to go away", func() bool {
		return len(a.Cursors()) == 0
	})
	assert.Equal(t, 1, len(a.Peers()))
}

func TestAwarenessTimestampsIncrease(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	a := start(t, newTestApp(t, network), "alice", "")
	assert.Equal(t, a.Insert(0, "hello"), nil)
	g := ghost(t, network)

	// selection changes within one millisecond must each win over the last
	for i := 0; i < 5; i += 1 {
		a.SetCursor(i, i)
		a.ClearCursor()
	}

	var last uint64
	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < 10 {
		select {
		case event := <-g.Events():
			if event.Kind != gossip.Received {
				continue
			}
			m, err := protocol.Decode(event.Content)
			assert.Equal(t, err, nil)
			presence, ok := m.(protocol.Awareness)
			if !ok {
				continue
			}
			assert.Equal(t, a.ID(), presence.Record.Peer)
			assert.Equal(t, true, last < presence.Record.TimestampMs)
			last = presence.Record.TimestampMs
			seen += 1
		case <-deadline:
			t.Fatal("not enough presence records")
		}
	}
}

func TestStaleAwarenessAndExpiry(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	a := start(t, newTestApp(t, network), "alice", "")
	g := ghost(t, network)

	remote := peer.MustGenerate()
	marker := peer.MustGenerate()
	send(t, g, protocol.Awareness{Record: awareness.Record{Peer: remote, Name: "new", TimestampMs: 200}})
	send(t, g, protocol.Awareness{Record: awareness.Record{Peer: remote, Name: "old", TimestampMs: 100}})
	send(t, g, protocol.Awareness{Record: awareness.Record{Peer: a.ID(), Name: "impostor", TimestampMs: 300}})
	send(t, g, protocol.Awareness{Record: awareness.Record{Peer: marker, Name: "marker", TimestampMs: 1}})

	// delivery is in order, so everything before the marker has been handled
	eventually(t, "the marker", func() bool {
		return len(a.Peers()) == 2
	})
	for _, entry := range a.Peers() {
		assert.NotEqual(t, a.ID(), entry.Record.Peer)
		if entry.Record.Peer == remote {
			assert.Equal(t, "new", entry.Record.Name)
		}
	}

	// silent peers expire after the ttl
	eventually(t, "presence to expire", func() bool {
		return len(a.Peers()) == 0
	})
}

func TestRequestDataAnswered(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	a := start(t, newTestApp(t, network), "alice", "")
	assert.Equal(t, a.Insert(0, "snapshot"), nil)
	g := ghost(t, network)

	send(t, g, protocol.RequestData{})
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-g.Events():
			if event.Kind != gossip.Received {
				continue
			}
			m, err := protocol.Decode(event.Content)
			assert.Equal(t, err, nil)
			if update, ok := m.(protocol.Update); ok {
				assert.Equal(t, 0 < len(update.Data), true)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot")
		}
	}
}

func TestMalformedPayloadStopsCoordination(t *testing.T) {
	network := gossip.NewMemoryNetwork()
	app := newTestApp(t, network)
	a := start(t, app, "alice", "")
	g := ghost(t, network)

	assert.Equal(t, g.Broadcast(context.Background(), []byte{0xff, 0xff, 0xff}), nil)
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("coordination still running")
	}
	assert.Equal(t, errors.Is(a.Err(), protocol.ErrMalformed), true)

	// the session stays until the user leaves
	_, ok := app.State().(InSession)
	assert.Equal(t, true, ok)
	app.BeginLeave()
	app.Wait()
	assert.Equal(t, NotInSession{}, app.State())
}
