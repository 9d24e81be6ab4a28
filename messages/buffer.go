package messages

import (
	"sync"
	"time"
)

// Buffer is a bounded FIFO of StoredMessage for a single channel. It enforces
// the size cap on append and the age cap on vacuum, and applies moderation
// reconciliation (CLEARCHAT / CLEARMSG marking prior messages deleted).
//
// All methods are safe for concurrent use; snapshots copy out under the lock
// so readers never stall the single writer for more than O(cap) work.
type Buffer struct {
	mu    sync.Mutex
	cap   int
	items []StoredMessage
}

// NewBuffer returns an empty buffer holding at most capacity messages.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{cap: capacity}
}

// Append stores one message, marking prior messages deleted when the appended
// message is a moderation action. If the buffer is full the oldest message is
// dropped. Returns the number of evicted messages (0 or 1).
func (b *Buffer) Append(m StoredMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch m.Meta.Kind {
	case KindClearChat:
		if m.Meta.TargetUserID == "" {
			// entire-chat clear
			for i := range b.items {
				b.items[i].Deleted = true
			}
		} else {
			for i := range b.items {
				if b.items[i].Meta.SenderID == m.Meta.TargetUserID &&
					(b.items[i].Meta.Kind == KindPrivmsg || b.items[i].Meta.Kind == KindUserNotice) {
					b.items[i].Deleted = true
				}
			}
		}
	case KindClearMsg:
		for i := range b.items {
			if b.items[i].Meta.MsgID == m.Meta.TargetMsgID && b.items[i].Meta.MsgID != "" &&
				(b.items[i].Meta.Kind == KindPrivmsg || b.items[i].Meta.Kind == KindUserNotice) {
				b.items[i].Deleted = true
			}
		}
	}

	b.items = append(b.items, m)
	evicted := 0
	if len(b.items) > b.cap {
		evicted = len(b.items) - b.cap
		b.items = b.items[evicted:]
	}
	b.compact()
	return evicted
}

// Snapshot returns a point-in-time copy of the buffer contents, oldest first.
func (b *Buffer) Snapshot() []StoredMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StoredMessage, len(b.items))
	copy(out, b.items)
	return out
}

// VacuumOlderThan drops all messages received before cutoff and returns how
// many were dropped. Messages are ordered by reception time, so this only
// ever trims a prefix.
func (b *Buffer) VacuumOlderThan(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(b.items) && b.items[n].TimeReceived.Before(cutoff) {
		n++
	}
	if n > 0 {
		b.items = b.items[n:]
		b.compact()
	}
	return n
}

// Purge empties the buffer and returns the number of dropped messages.
func (b *Buffer) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = nil
	return n
}

// Len returns the current number of stored messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// compact re-allocates the backing array once head trimming has left more
// than half of it unused. Must be called with the lock held.
func (b *Buffer) compact() {
	if cap(b.items) > 2*b.cap && cap(b.items) > 2*len(b.items) {
		items := make([]StoredMessage, len(b.items))
		copy(items, b.items)
		b.items = items
	}
}
