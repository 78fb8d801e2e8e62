package launcherd

import (
	"sync"

	"github.com/g960059/agtbroker/internal/launcher"
)

type report struct {
	Type    launcher.MessageType
	Payload any
}

// outbox is a bounded FIFO of reports waiting for the broker connection.
// When full, the oldest output chunk is dropped first so lifecycle
// reports survive a long disconnect.
type outbox struct {
	mu      sync.Mutex
	items   []report
	max     int
	dropped uint64
	notify  chan struct{}
	onDrop  func()
}

func newOutbox(max int, onDrop func()) *outbox {
	if max <= 0 {
		max = 4096
	}
	return &outbox{max: max, notify: make(chan struct{}, 1), onDrop: onDrop}
}

func (o *outbox) push(r report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.max {
		o.evictLocked()
	}
	o.items = append(o.items, r)
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) evictLocked() {
	victim := 0
	for i, it := range o.items {
		if it.Type == launcher.TypeSessionOutput {
			victim = i
			break
		}
	}
	o.items[victim] = report{}
	o.items = append(o.items[:victim], o.items[victim+1:]...)
	o.dropped++
	if o.onDrop != nil {
		o.onDrop()
	}
}

func (o *outbox) peek() (report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return report{}, false
	}
	return o.items[0], true
}

func (o *outbox) pop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return
	}
	o.items[0] = report{}
	o.items = o.items[1:]
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
