package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/awareness"
	"collabtext/internal/config"
	"collabtext/internal/gossip"
	"collabtext/internal/peer"
	"collabtext/internal/protocol"
	"collabtext/internal/queue"
	"collabtext/internal/replica"
)

var ErrNotInSession = errors.New("not in session")

// PeerCursor is a remote selection resolved against the local document.
type PeerCursor struct {
	Peer   peer.ID
	Name   string
	Anchor int
	Head   int
}

// Session is a live membership in a shared document. All fields are guarded
// by the app lock it was created with.
type Session struct {
	stateLock *sync.Mutex
	redraw    func()
	cfg       config.Config

	id        peer.ID
	name      string
	doc       *replica.Doc
	docSub    replica.Subscription
	transport gossip.Transport
	topic     gossip.Topic
	outbound  *queue.Unbounded[protocol.Message]
	presence  *awareness.Cache

	cursor       *awareness.Cursor
	cursorsDirty bool
	closed       bool

	// timestamp of the last presence record sent; records never repeat one
	lastAwarenessMs uint64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func setup(
	ctx context.Context,
	cfg config.Config,
	bind config.Binder,
	name string,
	bootstrapInput string,
	stateLock *sync.Mutex,
	redraw func(),
) (*Session, error) {
	bootstrap, err := gossip.ParseBootstrap(bootstrapInput)
	if err != nil {
		return nil, err
	}
	transport, err := bind(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := transport.Join(ctx, cfg.Topic, bootstrap)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if 0 < len(bootstrap) {
		joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
		err := topic.Joined(joinCtx)
		cancel()
		if err != nil {
			topic.Shutdown()
			transport.Close()
			return nil, err
		}
	}

	outbound := queue.New[protocol.Message]()
	doc := replica.New()
	s := &Session{
		stateLock: stateLock,
		redraw:    redraw,
		cfg:       cfg,
		id:        transport.ID(),
		name:      name,
		doc:       doc,
		transport: transport,
		topic:     topic,
		outbound:  outbound,
		presence:  awareness.NewCache(transport.ID(), cfg.PresenceTTL),
		done:      make(chan struct{}),
	}
	s.docSub = doc.OnLocalUpdate(func(data []byte) {
		if err := outbound.Push(protocol.Update{Data: data}); err != nil {
			glog.V(1).Infof("[session]%s drop local update = %s\n", s.id.Short(), err)
		}
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(loopCtx)

	outbound.Push(protocol.RequestData{})
	return s, nil
}

// close releases the session: the topic first, then the coordination task,
// then the endpoint. It must be called without holding the lock.
func (s *Session) close() {
	s.stateLock.Lock()
	s.closed = true
	s.stateLock.Unlock()

	if err := s.topic.Shutdown(); err != nil {
		glog.Infof("[session]%s topic shutdown error = %s\n", s.id.Short(), err)
	}
	s.cancel()
	<-s.done
	s.docSub.Unsubscribe()
	s.outbound.Close()
	if err := s.transport.Close(); err != nil {
		glog.Infof("[session]%s transport close error = %s\n", s.id.Short(), err)
	}
}

func (s *Session) ID() peer.ID {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

// Addr is what other peers pass to join this session.
func (s *Session) Addr() string {
	return s.transport.Addr()
}

// Transport is the endpoint the session is bound to.
func (s *Session) Transport() gossip.Transport {
	return s.transport
}

func (s *Session) Text() string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.doc.Text()
}

func (s *Session) Len() int {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.doc.Len()
}

func (s *Session) Insert(pos int, text string) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.closed {
		return ErrNotInSession
	}
	return s.doc.Insert(pos, text)
}

func (s *Session) Delete(pos int, n int) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.closed {
		return ErrNotInSession
	}
	return s.doc.Delete(pos, n)
}

// SetCursor stores the local selection as stable positions and announces it
// right away.
func (s *Session) SetCursor(anchor int, head int) {
	s.stateLock.Lock()
	if s.closed {
		s.stateLock.Unlock()
		return
	}
	s.cursor = &awareness.Cursor{
		Anchor: s.doc.StablePosition(anchor),
		Head:   s.doc.StablePosition(head),
	}
	s.refreshLocked(time.Now())
	s.stateLock.Unlock()
	s.redraw()
}

func (s *Session) ClearCursor() {
	s.stateLock.Lock()
	if s.closed {
		s.stateLock.Unlock()
		return
	}
	s.cursor = nil
	s.refreshLocked(time.Now())
	s.stateLock.Unlock()
	s.redraw()
}

// Cursor is the local selection resolved against the document.
func (s *Session) Cursor() (anchor int, head int, ok bool) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.cursor == nil {
		return 0, 0, false
	}
	anchor, ok1 := s.doc.Resolve(s.cursor.Anchor)
	head, ok2 := s.doc.Resolve(s.cursor.Head)
	return anchor, head, ok1 && ok2
}

// Peers are the remote peers currently present, ordered by id.
func (s *Session) Peers() []awareness.Entry {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.presence.Entries()
}

// Cursors resolves every remote cursor. Cursors that refer to text this
// replica has not received yet are left out.
func (s *Session) Cursors() []PeerCursor {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	var cursors []PeerCursor
	for _, entry := range s.presence.Entries() {
		cursor := entry.Record.Cursor
		if cursor == nil {
			continue
		}
		anchor, ok := s.doc.Resolve(cursor.Anchor)
		if !ok {
			continue
		}
		head, ok := s.doc.Resolve(cursor.Head)
		if !ok {
			continue
		}
		cursors = append(cursors, PeerCursor{
			Peer:   entry.Record.Peer,
			Name:   entry.Record.Name,
			Anchor: anchor,
			Head:   head,
		})
	}
	return cursors
}

// TakeCursorsDirty reports whether remote cursors may have moved since the
// last call, and clears the flag.
func (s *Session) TakeCursorsDirty() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	dirty := s.cursorsDirty
	s.cursorsDirty = false
	return dirty
}

// Err is the error that stopped the coordination task, if any. The session
// stays up until the user leaves.
func (s *Session) Err() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.err
}

// Done is closed when the coordination task has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// refreshLocked announces the local presence and drops silent peers.
func (s *Session) refreshLocked(now time.Time) {
	timestampMs := awareness.NowMillis()
	if timestampMs <= s.lastAwarenessMs {
		timestampMs = s.lastAwarenessMs + 1
	}
	s.lastAwarenessMs = timestampMs
	record := awareness.Record{
		Peer:        s.id,
		Name:        s.name,
		TimestampMs: timestampMs,
		Cursor:      s.cursor,
	}
	if err := s.outbound.Push(protocol.Awareness{Record: record}); err != nil {
		glog.V(1).Infof("[session]%s drop awareness = %s\n", s.id.Short(), err)
	}
	s.evictLocked(now)
}

func (s *Session) evictLocked(now time.Time) bool {
	evicted := s.presence.Evict(now)
	for _, id := range evicted {
		glog.V(1).Infof("[session]%s presence expired %s\n", s.id.Short(), id.Short())
	}
	if 0 < len(evicted) {
		s.cursorsDirty = true
		return true
	}
	return false
}
