package gossip

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/peer"
)

func redisChannel(topic TopicID) string {
	return "collabtext:" + topic.String()
}

// Relay lets mesh peers that cannot reach each other meet through redis. It
// speaks the mesh handshake, so a peer bootstraps against a relay like against
// any other peer. Every frame a client sends is published on the topic's redis
// channel, and everything on the channel is written to every client of that
// topic, including the author, whose mesh drops frames it has already seen.
type Relay struct {
	id           peer.ID
	client       *redis.Client
	writeTimeout time.Duration
}

func NewRelay(client *redis.Client) (*Relay, error) {
	id, err := peer.Generate()
	if err != nil {
		return nil, err
	}
	return &Relay{
		id:           id,
		client:       client,
		writeTimeout: 10 * time.Second,
	}, nil
}

func (r *Relay) ID() peer.ID {
	return r.id
}

func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/gossip/{topic}", r.handleConnections)
	return router
}

func (r *Relay) handleConnections(w http.ResponseWriter, req *http.Request) {
	topic, err := ParseTopicID(mux.Vars(req)["topic"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	clientID, _, err := readHello(ws, r.writeTimeout)
	if err != nil {
		glog.Infof("[relay]handshake error = %s\n", err)
		return
	}
	channel := redisChannel(topic)
	glog.Infof("[relay]%s joined %s\n", clientID.Short(), channel)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// subscribe before answering the hello so nothing published after the
	// handshake is missed
	pubsub := r.client.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		glog.Warningf("[relay]subscribe %s error = %s\n", channel, err)
		return
	}
	if err := writeHello(ws, hello{ID: r.id.String()}, r.writeTimeout); err != nil {
		return
	}

	go func() {
		defer cancel()
		for msg := range pubsub.Channel() {
			ws.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				glog.Infof("[relay]%s-> error = %s\n", clientID.Short(), err)
				ws.Close()
				return
			}
		}
	}()

	ws.SetReadLimit(frameReadLimit)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[relay]%s disconnected = %s\n", clientID.Short(), err)
			return
		}
		if _, _, err := decodeFrame(msg); err != nil {
			glog.Infof("[relay]%s<- drop frame = %s\n", clientID.Short(), err)
			continue
		}
		if err := r.client.Publish(ctx, channel, msg).Err(); err != nil {
			glog.Warningf("[relay]publish %s error = %s\n", channel, err)
		}
	}
}
