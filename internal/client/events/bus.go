package events

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	id    uint64
	kinds []Kind
	fn    Handler
}

// Bus delivers events synchronously on the publishing goroutine, in
// subscription order. Safe for concurrent use; handlers may publish.
type Bus struct {
	log logging.Logger

	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func NewBus(log logging.Logger) *Bus {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Bus{log: log.With("module", "events")}
}

// Subscribe registers fn for the given kinds, or for every event when no
// kind is given. The returned function unsubscribes.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, kinds: slices.Clone(kinds), fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Publish delivers ev. A panicking handler is logged and does not stop
// delivery to the others.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if len(s.kinds) > 0 && !slices.Contains(s.kinds, ev.Kind()) {
			continue
		}
		b.deliver(s.fn, ev)
	}
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "event handler panicked",
				"kind", string(ev.Kind()), "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}
