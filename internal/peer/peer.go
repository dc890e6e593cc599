// Package peer names processes on the network.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// IDLength is the size of a peer ID in bytes.
const IDLength = 32

// ID is the opaque handle of one peer for the lifetime of a session. It is the
// public half of the ed25519 key the transport generates when it binds.
//
// comparable
type ID [IDLength]byte

// Generate creates a fresh peer ID.
func Generate() (ID, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ID{}, err
	}
	return ID(pub), nil
}

// MustGenerate is Generate for tests and setup code that cannot recover.
func MustGenerate() ID {
	id, err := Generate()
	if err != nil {
		panic(err)
	}
	return id
}

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDLength {
		return ID{}, fmt.Errorf("peer id must be %d bytes, got %d", IDLength, len(b))
	}
	return ID(b), nil
}

// ParseID parses the hex form produced by String.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, errors.New("peer id is not hex")
	}
	return IDFromBytes(b)
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is a log-friendly prefix of String.
func (id ID) Short() string {
	return id.String()[:10]
}
