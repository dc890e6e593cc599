// Package replica implements the shared text document as a replicated growable
// array (RGA). Every rune carries a globally unique CharID and remembers the
// char it was typed after. Replicas exchange JSON updates that can be imported
// in any order, any number of times, and converge to the same text.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

var (
	ErrOutOfRange      = errors.New("position out of range")
	ErrMalformedUpdate = errors.New("malformed update")
)

// CharID is a globally unique identifier for a character, combining a logical clock
// and the ID of the replica that created it.
type CharID struct {
	Clock  uint64 `json:"clock"`
	PeerID string `json:"peerID"`
}

func (id CharID) IsZero() bool {
	return id.Clock == 0 && id.PeerID == ""
}

// Less orders ids by clock, then by replica id.
func (id CharID) Less(other CharID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.PeerID < other.PeerID
}

func (id CharID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.PeerID)
}

// Char represents a single character in the sequence. Origin is the char it
// was inserted after (zero for the document head). Deleted chars stay in the
// sequence as tombstones so that later inserts can still find their origin.
type Char struct {
	ID      CharID `json:"id"`
	Origin  CharID `json:"origin"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// update is both the incremental delta and the snapshot format. A snapshot
// lists every char, tombstones included, in document order.
type update struct {
	Chars   []Char   `json:"chars,omitempty"`
	Deletes []CharID `json:"deletes,omitempty"`
}

func (u *update) validate() error {
	for _, c := range u.Chars {
		if c.ID.Clock == 0 || c.ID.PeerID == "" {
			return fmt.Errorf("%w: char without id", ErrMalformedUpdate)
		}
		if !c.Origin.IsZero() && c.ID.Clock <= c.Origin.Clock {
			return fmt.Errorf("%w: char %s precedes its origin", ErrMalformedUpdate, c.ID)
		}
		if utf8.RuneCountInString(c.Value) != 1 {
			return fmt.Errorf("%w: char %s holds %q", ErrMalformedUpdate, c.ID, c.Value)
		}
	}
	for _, id := range u.Deletes {
		if id.IsZero() {
			return fmt.Errorf("%w: delete without id", ErrMalformedUpdate)
		}
	}
	return nil
}

type subscriber struct {
	id int
	fn func([]byte)
}

// Doc is one replica of the shared document. It is safe for concurrent use.
type Doc struct {
	mu     sync.Mutex
	siteID string
	clock  uint64
	chars  []*Char
	index  map[CharID]*Char

	// remote chars and deletes whose dependency has not arrived yet
	pendingChars   map[CharID]Char
	pendingDeletes map[CharID]struct{}

	subs    []subscriber
	nextSub int
}

func New() *Doc {
	return NewWithSiteID(uuid.NewString())
}

// NewWithSiteID creates a replica with a fixed site id. Site ids must be unique
// among all replicas of a document.
func NewWithSiteID(siteID string) *Doc {
	return &Doc{
		siteID:         siteID,
		index:          map[CharID]*Char{},
		pendingChars:   map[CharID]Char{},
		pendingDeletes: map[CharID]struct{}{},
	}
}

func (d *Doc) SiteID() string {
	return d.siteID
}

// Subscription is returned by OnLocalUpdate.
type Subscription struct {
	d  *Doc
	id int
}

func (s Subscription) Unsubscribe() {
	if s.d == nil {
		return
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.subs = slices.DeleteFunc(s.d.subs, func(sub subscriber) bool {
		return sub.id == s.id
	})
}

// OnLocalUpdate registers fn to receive the encoded delta of every local
// mutation. fn runs synchronously on the mutating goroutine after the replica
// lock is released, so it may call back into the Doc.
func (d *Doc) OnLocalUpdate(fn func([]byte)) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub += 1
	d.subs = append(d.subs, subscriber{id: d.nextSub, fn: fn})
	return Subscription{d: d, id: d.nextSub}
}

// Insert types text so that its first rune lands at visible position pos.
func (d *Doc) Insert(pos int, text string) error {
	d.mu.Lock()
	if pos < 0 || pos > d.lenLocked() {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	var origin CharID
	if 0 < pos {
		origin = d.chars[d.visibleIndex(pos-1)].ID
	}
	u := update{}
	for _, r := range text {
		d.clock += 1
		c := Char{
			ID:     CharID{Clock: d.clock, PeerID: d.siteID},
			Origin: origin,
			Value:  string(r),
		}
		d.integrate(c)
		u.Chars = append(u.Chars, c)
		origin = c.ID
	}
	return d.publishAndUnlock(u)
}

// Delete removes n visible runes starting at pos.
func (d *Doc) Delete(pos int, n int) error {
	d.mu.Lock()
	length := d.lenLocked()
	if pos < 0 || n < 0 || length < pos || length-pos < n {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	u := update{}
	for i := 0; i < n; i += 1 {
		// tombstones do not count, so pos keeps pointing at the next visible char
		c := d.chars[d.visibleIndex(pos)]
		c.Deleted = true
		u.Deletes = append(u.Deletes, c.ID)
	}
	return d.publishAndUnlock(u)
}

func (d *Doc) publishAndUnlock(u update) error {
	if len(u.Chars) == 0 && len(u.Deletes) == 0 {
		d.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(u)
	subs := slices.Clone(d.subs)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		sub.fn(data)
	}
	return nil
}

// ExportSnapshot encodes the full state of the replica.
func (d *Doc) ExportSnapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := update{Chars: make([]Char, 0, len(d.chars))}
	for _, c := range d.chars {
		u.Chars = append(u.Chars, *c)
	}
	return json.Marshal(u)
}

// Import merges a snapshot or an incremental update. Malformed input leaves
// the document unchanged.
func (d *Doc) Import(data []byte) error {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range u.Chars {
		if !d.integrate(c) {
			d.pendingChars[c.ID] = c
		}
	}
	for _, id := range u.Deletes {
		if !d.tombstone(id) {
			d.pendingDeletes[id] = struct{}{}
		}
	}
	d.drainPending()
	return nil
}

func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, 0, len(d.chars))
	for _, c := range d.chars {
		if !c.Deleted {
			buf = append(buf, c.Value...)
		}
	}
	return string(buf)
}

// Len is the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lenLocked()
}

// Pending is the number of remote operations waiting for a dependency.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingChars) + len(d.pendingDeletes)
}

// integrate places c right of its origin, skipping any chars with a greater
// id. It returns false when the origin is not known yet.
func (d *Doc) integrate(c Char) bool {
	if existing, ok := d.index[c.ID]; ok {
		if c.Deleted {
			existing.Deleted = true
		}
		return true
	}
	i := 0
	if !c.Origin.IsZero() {
		originIndex := d.indexOf(c.Origin)
		if originIndex < 0 {
			return false
		}
		i = originIndex + 1
	}
	for i < len(d.chars) && c.ID.Less(d.chars[i].ID) {
		i += 1
	}
	nc := c
	d.chars = slices.Insert(d.chars, i, &nc)
	d.index[nc.ID] = &nc
	if d.clock < nc.ID.Clock {
		d.clock = nc.ID.Clock
	}
	return true
}

func (d *Doc) tombstone(id CharID) bool {
	c, ok := d.index[id]
	if !ok {
		return false
	}
	c.Deleted = true
	return true
}

func (d *Doc) drainPending() {
	for progress := true; progress && 0 < len(d.pendingChars); {
		progress = false
		for id, c := range d.pendingChars {
			if d.integrate(c) {
				delete(d.pendingChars, id)
				progress = true
			}
		}
	}
	for id := range d.pendingDeletes {
		if d.tombstone(id) {
			delete(d.pendingDeletes, id)
		}
	}
}

func (d *Doc) indexOf(id CharID) int {
	if _, ok := d.index[id]; !ok {
		return -1
	}
	for i, c := range d.chars {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (d *Doc) lenLocked() int {
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n += 1
		}
	}
	return n
}

// visibleIndex maps a visible position to an index into d.chars.
func (d *Doc) visibleIndex(pos int) int {
	seen := 0
	for i, c := range d.chars {
		if c.Deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen += 1
	}
	return len(d.chars)
}
