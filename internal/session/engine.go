package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/gossip"
	"collabtext/internal/protocol"
)

// run is the coordination task: it applies what arrives from the topic, sends
// what the session queues and keeps presence fresh.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	err := s.loop(ctx)
	if err == nil {
		glog.V(1).Infof("[session]%s coordination done\n", s.id.Short())
		return
	}
	glog.Errorf("[session]%s coordination error = %s\n", s.id.Short(), err)
	s.stateLock.Lock()
	s.err = err
	s.stateLock.Unlock()
	s.redraw()
}

func (s *Session) loop(ctx context.Context) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	events := s.topic.Events()
	outbound := s.outbound.Out()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(event); err != nil {
				return err
			}
		case message, ok := <-outbound:
			if !ok {
				return nil
			}
			if err := s.send(ctx, message); err != nil {
				return err
			}
		case <-heartbeat.C:
			s.stateLock.Lock()
			s.refreshLocked(time.Now())
			s.stateLock.Unlock()
			s.redraw()
		case <-cleanup.C:
			s.stateLock.Lock()
			evicted := s.evictLocked(time.Now())
			s.stateLock.Unlock()
			if evicted {
				s.redraw()
			}
		}
	}
}

func (s *Session) send(ctx context.Context, message protocol.Message) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", message.Kind(), err)
	}
	if err := s.topic.Broadcast(ctx, data); err != nil {
		glog.Warningf("[session]%s broadcast %s error = %s\n", s.id.Short(), message.Kind(), err)
		return nil
	}
	glog.V(2).Infof("[session]%s-> %s %d bytes\n", s.id.Short(), message.Kind(), len(data))
	return nil
}

func (s *Session) handleEvent(event gossip.Event) error {
	switch event.Kind {
	case gossip.NeighborUp, gossip.NeighborDown:
		glog.V(1).Infof("[session]%s %s %s\n", s.id.Short(), event.Kind, event.From.Short())
		return nil
	case gossip.Received:
	default:
		return nil
	}

	message, err := protocol.Decode(event.Content)
	if err != nil {
		return fmt.Errorf("decode from %s: %w", event.From.Short(), err)
	}
	glog.V(2).Infof("[session]%s<- %s from %s\n", s.id.Short(), message.Kind(), event.From.Short())

	s.stateLock.Lock()
	changed, err := s.handleMessageLocked(message)
	s.stateLock.Unlock()
	if err != nil {
		return err
	}
	if changed {
		s.redraw()
	}
	return nil
}

// handleMessageLocked reports whether anything visible changed.
func (s *Session) handleMessageLocked(message protocol.Message) (bool, error) {
	switch m := message.(type) {
	case protocol.RequestData:
		snapshot, err := s.doc.ExportSnapshot()
		if err != nil {
			return false, fmt.Errorf("export snapshot: %w", err)
		}
		if err := s.outbound.Push(protocol.Update{Data: snapshot}); err != nil {
			glog.V(1).Infof("[session]%s drop snapshot = %s\n", s.id.Short(), err)
		}
		return false, nil
	case protocol.Update:
		if err := s.doc.Import(m.Data); err != nil {
			return false, fmt.Errorf("import update: %w", err)
		}
		s.cursorsDirty = true
		return true, nil
	case protocol.Awareness:
		if !s.presence.Update(m.Record, time.Now()) {
			return false, nil
		}
		s.cursorsDirty = true
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, message.Kind())
	}
}
