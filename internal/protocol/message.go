// Package protocol defines the messages peers gossip about a session and their
// wire encoding.
//
// Every payload is an envelope carrying a fresh random 128-bit nonce next to
// exactly one message, so that two identical messages never produce identical
// bytes and the overlay does not suppress the second one. The nonce is not
// inspected on receipt. Receivers must treat duplicate messages as harmless.
//
// The envelope uses the protobuf wire format:
//
//	envelope  { 1: nonce bytes, 2: request_data {}, 3: update bytes, 4: awareness }
//	awareness { 1: peer bytes, 2: name string, 3: timestamp_ms varint, 4: cursor }
//	cursor    { 1: anchor, 2: head }
//	anchor    { 1: clock varint, 2: peer_id string, 3: end bool }
package protocol

import (
	"errors"

	"collabtext/internal/awareness"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Message is one of RequestData, Update or Awareness.
type Message interface {
	Kind() string
}

// RequestData asks any peer for a full snapshot of the document. A joining peer
// sends it once right after joining.
type RequestData struct{}

// Update carries document bytes, either a full snapshot or an incremental
// change. The receiving replica accepts both.
type Update struct {
	Data []byte
}

// Awareness is a peer's presence heartbeat.
type Awareness struct {
	Record awareness.Record
}

func (RequestData) Kind() string { return "RequestData" }
func (Update) Kind() string      { return "Update" }
func (Awareness) Kind() string   { return "Awareness" }
