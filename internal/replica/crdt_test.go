package replica

import (
	"errors"
	"math"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

// captureUpdates records every local update of d.
func captureUpdates(d *Doc) *[][]byte {
	updates := &[][]byte{}
	d.OnLocalUpdate(func(b []byte) {
		*updates = append(*updates, b)
	})
	return updates
}

func TestLocalEdits(t *testing.T) {
	d := NewWithSiteID("a")

	assert.Equal(t, d.Insert(0, "hello"), nil)
	assert.Equal(t, "hello", d.Text())
	assert.Equal(t, 5, d.Len())

	assert.Equal(t, d.Insert(5, " world"), nil)
	assert.Equal(t, "hello world", d.Text())

	assert.Equal(t, d.Insert(0, ">"), nil)
	assert.Equal(t, ">hello world", d.Text())

	assert.Equal(t, d.Delete(1, 6), nil)
	assert.Equal(t, ">world", d.Text())

	assert.Equal(t, d.Insert(1, "héllo "), nil)
	assert.Equal(t, ">héllo world", d.Text())
	assert.Equal(t, 12, d.Len())

	assert.Equal(t, errors.Is(d.Insert(13, "x"), ErrOutOfRange), true)
	assert.Equal(t, errors.Is(d.Insert(-1, "x"), ErrOutOfRange), true)
	assert.Equal(t, errors.Is(d.Delete(10, 3), ErrOutOfRange), true)
	assert.Equal(t, ">héllo world", d.Text())
}

func TestDeleteHugeCount(t *testing.T) {
	d := NewWithSiteID("a")
	updates := captureUpdates(d)
	assert.Equal(t, d.Insert(0, "hello"), nil)

	// pos+n would wrap around
	assert.Equal(t, errors.Is(d.Delete(1, math.MaxInt), ErrOutOfRange), true)
	assert.Equal(t, errors.Is(d.Delete(6, 0), ErrOutOfRange), true)
	assert.Equal(t, "hello", d.Text())
	assert.Equal(t, 1, len(*updates))

	// the replica is still usable
	assert.Equal(t, d.Delete(1, 4), nil)
	assert.Equal(t, "h", d.Text())
	assert.Equal(t, 2, len(*updates))
}

func TestLocalUpdateHook(t *testing.T) {
	a := NewWithSiteID("a")
	b := NewWithSiteID("b")
	updates := captureUpdates(a)

	a.Insert(0, "abc")
	a.Delete(1, 1)
	// empty edits do not notify
	a.Insert(0, "")
	a.Delete(0, 0)
	assert.Equal(t, 2, len(*updates))

	for _, u := range *updates {
		assert.Equal(t, b.Import(u), nil)
	}
	assert.Equal(t, "ac", b.Text())
}

func TestUnsubscribe(t *testing.T) {
	d := NewWithSiteID("a")
	count := 0
	sub := d.OnLocalUpdate(func([]byte) {
		count += 1
	})
	d.Insert(0, "x")
	sub.Unsubscribe()
	d.Insert(0, "y")
	assert.Equal(t, 1, count)
}

func TestSnapshotBringUp(t *testing.T) {
	a := NewWithSiteID("a")
	a.Insert(0, "hello there")
	a.Delete(5, 6)

	snapshot, err := a.ExportSnapshot()
	assert.Equal(t, err, nil)

	b := NewWithSiteID("b")
	assert.Equal(t, b.Import(snapshot), nil)
	assert.Equal(t, "hello", b.Text())

	// duplicate snapshot import is harmless
	assert.Equal(t, b.Import(snapshot), nil)
	assert.Equal(t, "hello", b.Text())

	// the new replica can keep editing after the snapshot
	updates := captureUpdates(b)
	b.Insert(5, " world")
	for _, u := range *updates {
		a.Import(u)
	}
	assert.Equal(t, "hello world", a.Text())
	assert.Equal(t, "hello world", b.Text())
}

func TestConvergenceShuffled(t *testing.T) {
	r := mathrand.New(mathrand.NewSource(7))

	for round := 0; round < 20; round += 1 {
		sites := []*Doc{NewWithSiteID("a"), NewWithSiteID("b"), NewWithSiteID("c")}
		all := [][]byte{}
		for _, d := range sites {
			d.OnLocalUpdate(func(b []byte) {
				all = append(all, b)
			})
		}

		// each site edits on its own view, exchanging only some updates so
		// that edits are concurrent
		for step := 0; step < 30; step += 1 {
			d := sites[r.Intn(len(sites))]
			if 0 < d.Len() && r.Intn(3) == 0 {
				pos := r.Intn(d.Len())
				d.Delete(pos, 1)
			} else {
				d.Insert(r.Intn(d.Len()+1), string(rune('a'+r.Intn(26))))
			}
			if r.Intn(4) == 0 && 0 < len(all) {
				other := sites[r.Intn(len(sites))]
				other.Import(all[r.Intn(len(all))])
			}
		}

		// deliver everything to everyone in a different order, with duplicates
		for _, d := range sites {
			order := append([][]byte{}, all...)
			order = append(order, all[:len(all)/2]...)
			r.Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
			for _, u := range order {
				assert.Equal(t, d.Import(u), nil)
			}
		}

		assert.Equal(t, 0, sites[0].Pending())
		assert.Equal(t, sites[0].Text(), sites[1].Text())
		assert.Equal(t, sites[1].Text(), sites[2].Text())
	}
}

func TestConcurrentSamePosition(t *testing.T) {
	base := NewWithSiteID("base")
	base.Insert(0, "ab")
	snapshot, _ := base.ExportSnapshot()

	a := NewWithSiteID("a")
	b := NewWithSiteID("b")
	a.Import(snapshot)
	b.Import(snapshot)
	aUpdates := captureUpdates(a)
	bUpdates := captureUpdates(b)

	a.Insert(1, "XX")
	b.Insert(1, "YY")

	for _, u := range *bUpdates {
		a.Import(u)
	}
	for _, u := range *aUpdates {
		b.Import(u)
	}

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, 6, a.Len())
	// runs typed by one site are not interleaved
	text := a.Text()
	assert.Equal(t, text == "aYYXXb" || text == "aXXYYb", true)
}

func TestOutOfOrderDelivery(t *testing.T) {
	a := NewWithSiteID("a")
	updates := captureUpdates(a)
	a.Insert(0, "x")
	a.Insert(1, "y")
	a.Insert(2, "z")
	a.Delete(1, 1)

	b := NewWithSiteID("b")
	for i := len(*updates) - 1; 0 <= i; i -= 1 {
		assert.Equal(t, b.Import((*updates)[i]), nil)
	}
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, "xz", b.Text())
}

func TestPendingUntilOrigin(t *testing.T) {
	a := NewWithSiteID("a")
	updates := captureUpdates(a)
	a.Insert(0, "ab")
	a.Insert(2, "c")

	b := NewWithSiteID("b")
	b.Import((*updates)[1])
	assert.Equal(t, "", b.Text())
	assert.Equal(t, 1, b.Pending())

	b.Import((*updates)[0])
	assert.Equal(t, "abc", b.Text())
	assert.Equal(t, 0, b.Pending())
}

func TestImportMalformed(t *testing.T) {
	d := NewWithSiteID("a")
	d.Insert(0, "keep")

	cases := []string{
		"",
		"not json",
		`{"chars":[{"id":{"clock":0,"peerID":"x"},"value":"a"}]}`,
		`{"chars":[{"id":{"clock":1,"peerID":"x"},"value":"ab"}]}`,
		`{"chars":[{"id":{"clock":1,"peerID":"x"},"origin":{"clock":4,"peerID":"y"},"value":"a"}]}`,
		`{"deletes":[{"clock":0,"peerID":""}]}`,
	}
	for _, c := range cases {
		err := d.Import([]byte(c))
		assert.Equal(t, errors.Is(err, ErrMalformedUpdate), true)
	}
	assert.Equal(t, "keep", d.Text())
}
