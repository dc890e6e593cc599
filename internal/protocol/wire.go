package protocol

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"collabtext/internal/awareness"
	"collabtext/internal/peer"
	"collabtext/internal/replica"
)

// nonceLength is 128 random bits.
const nonceLength = 16

const (
	fieldNonce       protowire.Number = 1
	fieldRequestData protowire.Number = 2
	fieldUpdate      protowire.Number = 3
	fieldAwareness   protowire.Number = 4
)

const (
	fieldRecordPeer      protowire.Number = 1
	fieldRecordName      protowire.Number = 2
	fieldRecordTimestamp protowire.Number = 3
	fieldRecordCursor    protowire.Number = 4
)

const (
	fieldCursorAnchor protowire.Number = 1
	fieldCursorHead   protowire.Number = 2
)

const (
	fieldAnchorClock protowire.Number = 1
	fieldAnchorPeer  protowire.Number = 2
	fieldAnchorEnd   protowire.Number = 3
)

// Encode wraps m in an envelope with a fresh nonce.
func Encode(m Message) ([]byte, error) {
	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	b := protowire.AppendTag(nil, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, nonce[:])

	switch v := m.(type) {
	case RequestData:
		b = protowire.AppendTag(b, fieldRequestData, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case Update:
		b = protowire.AppendTag(b, fieldUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Data)
	case Awareness:
		b = protowire.AppendTag(b, fieldAwareness, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRecord(nil, v.Record))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b, nil
}

// Decode reads an envelope. Unknown fields are skipped; an envelope must hold
// exactly one message.
func Decode(b []byte) (Message, error) {
	var m Message
	count := 0
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case fieldRequestData:
			m = RequestData{}
			count += 1
		case fieldUpdate:
			m = Update{Data: bytes.Clone(v)}
			count += 1
		case fieldAwareness:
			r, err := consumeRecord(v)
			if err != nil {
				return n, err
			}
			m = Awareness{Record: r}
			count += 1
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: envelope holds %d messages", ErrMalformed, count)
	}
	return m, nil
}

// consumeFields walks the fields of one protobuf message. fn consumes the value
// of each field and returns its length.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func appendRecord(b []byte, r awareness.Record) []byte {
	b = protowire.AppendTag(b, fieldRecordPeer, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Peer.Bytes())
	b = protowire.AppendTag(b, fieldRecordName, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, fieldRecordTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, r.TimestampMs)
	if r.Cursor != nil {
		var cursor []byte
		cursor = protowire.AppendTag(cursor, fieldCursorAnchor, protowire.BytesType)
		cursor = protowire.AppendBytes(cursor, appendAnchor(nil, r.Cursor.Anchor))
		cursor = protowire.AppendTag(cursor, fieldCursorHead, protowire.BytesType)
		cursor = protowire.AppendBytes(cursor, appendAnchor(nil, r.Cursor.Head))
		b = protowire.AppendTag(b, fieldRecordCursor, protowire.BytesType)
		b = protowire.AppendBytes(b, cursor)
	}
	return b
}

func consumeRecord(b []byte) (awareness.Record, error) {
	var r awareness.Record
	hasPeer := false
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRecordPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return n, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			r.Peer = id
			hasPeer = true
			return n, nil
		case num == fieldRecordName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Name = v
			return n, nil
		case num == fieldRecordTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.TimestampMs = v
			return n, nil
		case num == fieldRecordCursor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			cursor, err := consumeCursor(v)
			if err != nil {
				return n, err
			}
			r.Cursor = cursor
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return awareness.Record{}, err
	}
	if !hasPeer {
		return awareness.Record{}, fmt.Errorf("%w: awareness without peer", ErrMalformed)
	}
	return r, nil
}

func consumeCursor(b []byte) (*awareness.Cursor, error) {
	cursor := &awareness.Cursor{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != fieldCursorAnchor && num != fieldCursorHead) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		a, err := consumeAnchor(v)
		if err != nil {
			return n, err
		}
		if num == fieldCursorAnchor {
			cursor.Anchor = a
		} else {
			cursor.Head = a
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func appendAnchor(b []byte, a replica.Anchor) []byte {
	b = protowire.AppendTag(b, fieldAnchorClock, protowire.VarintType)
	b = protowire.AppendVarint(b, a.ID.Clock)
	b = protowire.AppendTag(b, fieldAnchorPeer, protowire.BytesType)
	b = protowire.AppendString(b, a.ID.PeerID)
	b = protowire.AppendTag(b, fieldAnchorEnd, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(a.End))
	return b
}

func consumeAnchor(b []byte) (replica.Anchor, error) {
	var a replica.Anchor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldAnchorClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.ID.Clock = v
			return n, nil
		case num == fieldAnchorPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			a.ID.PeerID = v
			return n, nil
		case num == fieldAnchorEnd && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			a.End = protowire.DecodeBool(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return a, err
}
