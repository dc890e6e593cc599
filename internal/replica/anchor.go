package replica

// Anchor is a stable position: it names the char to the right of a caret, or
// the document end, instead of a raw offset that shifts under remote edits.
type Anchor struct {
	ID  CharID `json:"id"`
	End bool   `json:"end,omitempty"`
}

// StablePosition returns the anchor for a visible offset. Offsets outside the
// document are clamped.
func (d *Doc) StablePosition(offset int) Anchor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if d.lenLocked() <= offset {
		return Anchor{End: true}
	}
	return Anchor{ID: d.chars[d.visibleIndex(offset)].ID}
}

// Resolve returns the current visible offset of an anchor. An anchor on a
// deleted char resolves to where its tombstone sits. ok is false when the
// anchored char is unknown to this replica.
func (d *Doc) Resolve(a Anchor) (offset int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.End {
		return d.lenLocked(), true
	}
	if _, known := d.index[a.ID]; !known {
		return 0, false
	}
	for _, c := range d.chars {
		if c.ID == a.ID {
			return offset, true
		}
		if !c.Deleted {
			offset += 1
		}
	}
	return 0, false
}
