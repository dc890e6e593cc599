package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"collabtext/internal/peer"
)

// hello is exchanged both ways when a websocket connection opens.
type hello struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// frame wraps one broadcast payload. ID is unique per broadcast and is what
// flooding peers deduplicate on; Origin is the author.
type frame struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// frameReadLimit leaves room for the base64 expansion of the payload.
const frameReadLimit = MaxMessageSize*4/3 + 4096

func newFrame(origin peer.ID, payload []byte) frame {
	return frame{
		ID:      ulid.Make().String(),
		Origin:  origin.String(),
		Payload: payload,
	}
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (frame, peer.ID, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, peer.ID{}, err
	}
	if _, err := ulid.ParseStrict(f.ID); err != nil {
		return frame{}, peer.ID{}, fmt.Errorf("bad frame id: %w", err)
	}
	origin, err := peer.ParseID(f.Origin)
	if err != nil {
		return frame{}, peer.ID{}, err
	}
	if err := checkSize(f.Payload); err != nil {
		return frame{}, peer.ID{}, err
	}
	return f, origin, nil
}

func writeHello(conn *websocket.Conn, h hello, timeout time.Duration) error {
	conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(h)
}

func readHello(conn *websocket.Conn, timeout time.Duration) (peer.ID, hello, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	var h hello
	if err := conn.ReadJSON(&h); err != nil {
		return peer.ID{}, hello{}, err
	}
	id, err := peer.ParseID(h.ID)
	if err != nil {
		return peer.ID{}, hello{}, errors.New("hello without a valid peer id")
	}
	return id, h, nil
}
