// Package msgbuf keeps the per-session log of sequenced outbound messages
// until viewers acknowledge them.
package msgbuf

import (
	"errors"
	"fmt"
	"sync"
)

// ChannelOutput is the channel sequenced output frames are appended to.
const ChannelOutput = "output"

var ErrOutOfOrder = errors.New("sequence not increasing")

// Entry is one retained message.
type Entry struct {
	SessionID string
	Channel   string
	Seq       uint64
	Payload   []byte
}

type key struct {
	session string
	channel string
}

type log struct {
	entries []Entry
	lastSeq uint64
	acked   uint64
}

// Buffer is safe for concurrent use.
type Buffer struct {
	mu         sync.Mutex
	maxEntries int
	logs       map[key]*log
}

// New returns a buffer that keeps at most maxEntries per session channel;
// zero means unbounded.
func New(maxEntries int) *Buffer {
	return &Buffer{maxEntries: maxEntries, logs: map[key]*log{}}
}

// Append adds an entry. seq must be greater than every seq already
// appended on the channel.
func (b *Buffer) Append(sessionID, channel string, seq uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{sessionID, channel}
	l := b.logs[k]
	if l == nil {
		l = &log{}
		b.logs[k] = l
	}
	if seq <= l.lastSeq {
		return fmt.Errorf("append %s/%s seq %d after %d: %w", sessionID, channel, seq, l.lastSeq, ErrOutOfOrder)
	}
	l.lastSeq = seq
	if seq <= l.acked {
		return nil
	}
	l.entries = append(l.entries, Entry{SessionID: sessionID, Channel: channel, Seq: seq, Payload: payload})
	if b.maxEntries > 0 && len(l.entries) > b.maxEntries {
		drop := len(l.entries) - b.maxEntries
		l.entries = append(l.entries[:0:0], l.entries[drop:]...)
	}
	return nil
}

// Since returns retained entries with seq > from in ascending order.
func (b *Buffer) Since(sessionID, channel string, from uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.logs[key{sessionID, channel}]
	if l == nil {
		return nil
	}
	i := firstAfter(l.entries, from)
	out := make([]Entry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Ack marks every entry with seq <= upTo as disposable and prunes them.
// It returns the number of entries removed.
func (b *Buffer) Ack(sessionID, channel string, upTo uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.logs[key{sessionID, channel}]
	if l == nil || upTo <= l.acked {
		return 0
	}
	l.acked = upTo
	i := firstAfter(l.entries, upTo)
	if i == 0 {
		return 0
	}
	l.entries = append(l.entries[:0:0], l.entries[i:]...)
	return i
}

// LastSeq reports the highest seq appended on the channel.
func (b *Buffer) LastSeq(sessionID, channel string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l := b.logs[key{sessionID, channel}]; l != nil {
		return l.lastSeq
	}
	return 0
}

func (b *Buffer) Len(sessionID, channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l := b.logs[key{sessionID, channel}]; l != nil {
		return len(l.entries)
	}
	return 0
}

// Drop forgets every channel of a session.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.logs {
		if k.session == sessionID {
			delete(b.logs, k)
		}
	}
}

// firstAfter returns the index of the first entry with Seq > seq.
func firstAfter(entries []Entry, seq uint64) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if entries[mid].Seq <= seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
