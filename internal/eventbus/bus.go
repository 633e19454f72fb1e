package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by tt2tg components.
const (
	ItemQueued     = "item.queued"
	ItemDuplicate  = "item.duplicate"
	DrainStarted   = "drain.started"
	DrainFinished  = "drain.finished"
	TargetBound    = "target.bound"
	ConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ItemData accompanies ItemQueued and ItemDuplicate.
type ItemData struct {
	Kind string
	Key  string
}

// DrainData accompanies DrainStarted and DrainFinished.
type DrainData struct {
	BatchID   string
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	Recovered bool
	Archive   string
	Err       string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish sends under the read lock, so closing under the write
			// lock never races a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
