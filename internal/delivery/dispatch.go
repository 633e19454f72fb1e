package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tt2tg/internal/item"
	kit "tt2tg/internal/transport"
	logx "tt2tg/pkg/logx"
)

// Job is one item addressed to the destination, with the delivery settings
// in force when it was picked up.
type Job struct {
	To     kit.ChatTarget
	Item   item.Item
	Key    string
	Config Config
}

// Handler delivers one kind of item.
type Handler interface {
	Deliver(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Deliver(ctx context.Context, job Job) error { return f(ctx, job) }

// Dispatcher maps item kinds to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[item.Kind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[item.Kind]Handler{}}
}

// Register binds h to kind, replacing any earlier handler.
func (d *Dispatcher) Register(kind item.Kind, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("delivery: nil handler for %q", kind))
	}
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *Dispatcher) Lookup(kind item.Kind) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

func (d *Dispatcher) Kinds() []item.Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]item.Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultDispatcher wires the built-in handlers for every known kind.
func DefaultDispatcher(sender kit.MediaSender, fetcher *Fetcher, log logx.Logger) *Dispatcher {
	d := NewDispatcher()
	video := &VideoHandler{Sender: sender, Fetcher: fetcher}
	d.Register(item.KindVideo, video)
	d.Register(item.KindLegacyURL, video)
	d.Register(item.KindImageSet, &ImageSetHandler{Sender: sender, Fetcher: fetcher, Log: log})
	d.Register(item.KindText, &TextHandler{Sender: sender})
	return d
}
