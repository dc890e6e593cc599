package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/peer"
	"collabtext/internal/queue"
)

type MeshSettings struct {
	ListenAddr       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// a neighbor that has not answered a ping within this is dropped
	PongTimeout time.Duration
	// max number of dial attempts per bootstrap address
	DialRetries uint64
	SendBuffer  int
	SeenTimeout time.Duration
}

func DefaultMeshSettings() *MeshSettings {
	return &MeshSettings{
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     10 * time.Second,
		PongTimeout:      30 * time.Second,
		DialRetries:      4,
		SendBuffer:       256,
		SeenTimeout:      2 * time.Minute,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Mesh is a websocket flood overlay. Each peer listens for neighbors and dials
// its bootstrap peers; every frame is forwarded once to every other neighbor.
type Mesh struct {
	id       peer.ID
	settings *MeshSettings
	listener net.Listener
	server   *http.Server

	stateLock sync.Mutex
	topics    map[TopicID]*meshTopic
	closed    bool
}

func ListenMesh(settings *MeshSettings) (*Mesh, error) {
	id, err := peer.Generate()
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", settings.ListenAddr)
	if err != nil {
		return nil, err
	}
	m := &Mesh{
		id:       id,
		settings: settings,
		listener: listener,
		topics:   map[TopicID]*meshTopic{},
	}
	router := mux.NewRouter()
	router.HandleFunc("/gossip/{topic}", m.serveGossip)
	m.server = &http.Server{Handler: router}
	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Warningf("[mesh]serve error = %s\n", err)
		}
	}()
	glog.Infof("[mesh]%s listening on %s\n", id.Short(), m.Addr())
	return m, nil
}

func (m *Mesh) ID() peer.ID {
	return m.id
}

func (m *Mesh) Addr() string {
	return m.listener.Addr().String()
}

// Port is the listening port, for advertising the mesh.
func (m *Mesh) Port() int {
	return m.listener.Addr().(*net.TCPAddr).Port
}

func (m *Mesh) Join(ctx context.Context, topicID TopicID, bootstrap []string) (Topic, error) {
	m.stateLock.Lock()
	if m.closed {
		m.stateLock.Unlock()
		return nil, errors.New("mesh closed")
	}
	if _, ok := m.topics[topicID]; ok {
		m.stateLock.Unlock()
		return nil, fmt.Errorf("topic %s already joined", topicID)
	}
	topic := newMeshTopic(m, topicID)
	m.topics[topicID] = topic
	m.stateLock.Unlock()

	if len(bootstrap) == 0 {
		return topic, nil
	}
	var lastErr error
	connected := 0
	for _, addr := range bootstrap {
		if err := topic.dial(ctx, addr); err != nil {
			glog.Infof("[mesh]dial %s error = %s\n", addr, err)
			lastErr = err
			continue
		}
		connected += 1
	}
	if connected == 0 {
		topic.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
	}
	return topic, nil
}

func (m *Mesh) Close() error {
	m.stateLock.Lock()
	if m.closed {
		m.stateLock.Unlock()
		return nil
	}
	m.closed = true
	topics := make([]*meshTopic, 0, len(m.topics))
	for _, topic := range m.topics {
		topics = append(topics, topic)
	}
	m.stateLock.Unlock()

	for _, topic := range topics {
		topic.Shutdown()
	}
	return m.server.Close()
}

func (m *Mesh) topic(topicID TopicID) (*meshTopic, bool) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	topic, ok := m.topics[topicID]
	return topic, ok
}

func (m *Mesh) removeTopic(topic *meshTopic) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.topics[topic.topicID] == topic {
		delete(m.topics, topic.topicID)
	}
}

func (m *Mesh) serveGossip(w http.ResponseWriter, r *http.Request) {
	topicID, err := ParseTopicID(mux.Vars(r)["topic"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	topic, ok := m.topic(topicID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[mesh]upgrade error = %s\n", err)
		return
	}
	remoteID, _, err := readHello(conn, m.settings.HandshakeTimeout)
	if err != nil {
		glog.Infof("[mesh]handshake error = %s\n", err)
		conn.Close()
		return
	}
	if err := writeHello(conn, hello{ID: m.id.String(), Addr: m.Addr()}, m.settings.HandshakeTimeout); err != nil {
		conn.Close()
		return
	}
	topic.addNeighbor(remoteID, conn)
}

type meshNeighbor struct {
	id      peer.ID
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Once
}

func (nb *meshNeighbor) close() {
	nb.closeMu.Do(func() {
		nb.cancel()
		nb.conn.Close()
	})
}

type meshTopic struct {
	mesh    *Mesh
	topicID TopicID
	inbox   *queue.Unbounded[Event]

	joinedOnce sync.Once
	joined     chan struct{}

	stateLock sync.Mutex
	neighbors map[peer.ID]*meshNeighbor
	seen      map[string]time.Time
	lastPrune time.Time
	shutdown  bool
}

func newMeshTopic(m *Mesh, topicID TopicID) *meshTopic {
	return &meshTopic{
		mesh:      m,
		topicID:   topicID,
		inbox:     queue.New[Event](),
		joined:    make(chan struct{}),
		neighbors: map[peer.ID]*meshNeighbor{},
		seen:      map[string]time.Time{},
		lastPrune: time.Now(),
	}
}

func (mt *meshTopic) dial(ctx context.Context, addr string) error {
	settings := mt.mesh.settings
	url := fmt.Sprintf("ws://%s/gossip/%s", addr, mt.topicID)

	var conn *websocket.Conn
	var remoteID peer.ID
	connect := func() error {
		dialer := websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
		c, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		if err := writeHello(c, hello{ID: mt.mesh.id.String(), Addr: mt.mesh.Addr()}, settings.HandshakeTimeout); err != nil {
			c.Close()
			return err
		}
		id, _, err := readHello(c, settings.HandshakeTimeout)
		if err != nil {
			c.Close()
			return err
		}
		conn = c
		remoteID = id
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), settings.DialRetries),
		ctx,
	)
	if err := backoff.Retry(connect, b); err != nil {
		return err
	}
	if remoteID == mt.mesh.id {
		conn.Close()
		return errors.New("dialed self")
	}
	mt.addNeighbor(remoteID, conn)
	return nil
}

func (mt *meshTopic) addNeighbor(id peer.ID, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	nb := &meshNeighbor{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, mt.mesh.settings.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	mt.stateLock.Lock()
	if mt.shutdown {
		mt.stateLock.Unlock()
		nb.close()
		return
	}
	if _, ok := mt.neighbors[id]; ok {
		// already connected the other way
		mt.stateLock.Unlock()
		nb.close()
		return
	}
	mt.neighbors[id] = nb
	mt.stateLock.Unlock()

	glog.V(1).Infof("[mesh]%s neighbor up %s\n", mt.mesh.id.Short(), id.Short())
	go mt.writePump(nb)
	go mt.readPump(nb)
	mt.inbox.Push(Event{Kind: NeighborUp, From: id})
	mt.joinedOnce.Do(func() {
		close(mt.joined)
	})
}

func (mt *meshTopic) removeNeighbor(nb *meshNeighbor) {
	nb.close()
	mt.stateLock.Lock()
	removed := mt.neighbors[nb.id] == nb
	if removed {
		delete(mt.neighbors, nb.id)
	}
	mt.stateLock.Unlock()
	if removed {
		glog.V(1).Infof("[mesh]%s neighbor down %s\n", mt.mesh.id.Short(), nb.id.Short())
		mt.inbox.Push(Event{Kind: NeighborDown, From: nb.id})
	}
}

func (mt *meshTopic) readPump(nb *meshNeighbor) {
	defer mt.removeNeighbor(nb)
	settings := mt.mesh.settings

	nb.conn.SetReadLimit(frameReadLimit)
	nb.conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	nb.conn.SetPongHandler(func(string) error {
		return nb.conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})
	for {
		_, data, err := nb.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[mesh]%s<- error = %s\n", nb.id.Short(), err)
			return
		}
		nb.conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
		f, origin, err := decodeFrame(data)
		if err != nil {
			glog.Infof("[mesh]%s<- drop frame = %s\n", nb.id.Short(), err)
			continue
		}
		mt.receive(nb.id, f, origin, data)
	}
}

func (mt *meshTopic) writePump(nb *meshNeighbor) {
	defer mt.removeNeighbor(nb)
	settings := mt.mesh.settings

	ping := time.NewTicker(settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-nb.ctx.Done():
			return
		case data := <-nb.send:
			nb.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := nb.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				glog.V(1).Infof("[mesh]%s-> error = %s\n", nb.id.Short(), err)
				return
			}
			glog.V(2).Infof("[mesh]%s->\n", nb.id.Short())
		case <-ping.C:
			deadline := time.Now().Add(settings.WriteTimeout)
			if err := nb.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// receive delivers a frame the first time it is seen and floods it on.
func (mt *meshTopic) receive(from peer.ID, f frame, origin peer.ID, data []byte) {
	mt.stateLock.Lock()
	if mt.shutdown || !mt.markSeen(f.ID) {
		mt.stateLock.Unlock()
		return
	}
	for id, nb := range mt.neighbors {
		if id == from || id == origin {
			continue
		}
		mt.enqueue(nb, data)
	}
	mt.stateLock.Unlock()

	if origin == mt.mesh.id {
		return
	}
	glog.V(2).Infof("[mesh]%s<- %d bytes from %s\n", from.Short(), len(f.Payload), origin.Short())
	mt.inbox.Push(Event{Kind: Received, From: from, Content: f.Payload})
}

// markSeen is called with stateLock held. It returns false for a frame that
// was already seen.
func (mt *meshTopic) markSeen(frameID string) bool {
	now := time.Now()
	if _, ok := mt.seen[frameID]; ok {
		return false
	}
	mt.seen[frameID] = now
	timeout := mt.mesh.settings.SeenTimeout
	if timeout <= now.Sub(mt.lastPrune) {
		for id, at := range mt.seen {
			if timeout <= now.Sub(at) {
				delete(mt.seen, id)
			}
		}
		mt.lastPrune = now
	}
	return true
}

// enqueue is called with stateLock held.
func (mt *meshTopic) enqueue(nb *meshNeighbor, data []byte) {
	select {
	case nb.send <- data:
	default:
		glog.Warningf("[mesh]%s-> send buffer full, drop\n", nb.id.Short())
	}
}

func (mt *meshTopic) Broadcast(ctx context.Context, payload []byte) error {
	if err := checkSize(payload); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f := newFrame(mt.mesh.id, payload)
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	mt.stateLock.Lock()
	defer mt.stateLock.Unlock()
	if mt.shutdown {
		return ErrShutdown
	}
	mt.markSeen(f.ID)
	for _, nb := range mt.neighbors {
		mt.enqueue(nb, data)
	}
	return nil
}

func (mt *meshTopic) Events() <-chan Event {
	return mt.inbox.Out()
}

func (mt *meshTopic) Joined(ctx context.Context) error {
	select {
	case <-mt.joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Neighbors is the number of connected neighbors.
func (mt *meshTopic) Neighbors() int {
	mt.stateLock.Lock()
	defer mt.stateLock.Unlock()
	return len(mt.neighbors)
}

func (mt *meshTopic) Shutdown() error {
	mt.stateLock.Lock()
	if mt.shutdown {
		mt.stateLock.Unlock()
		return nil
	}
	mt.shutdown = true
	neighbors := mt.neighbors
	mt.neighbors = map[peer.ID]*meshNeighbor{}
	mt.stateLock.Unlock()

	for _, nb := range neighbors {
		nb.close()
	}
	mt.mesh.removeTopic(mt)
	mt.inbox.Close()
	return nil
}
